package store

import (
	"context"

	"github.com/normanking/conductor/pkg/engine"
)

// Discard returns a Sink that drops every transcript. Used when no
// persistence backend is configured, and in tests.
func Discard() engine.Sink {
	return discardSink{}
}

type discardSink struct{}

func (discardSink) SaveTranscript(context.Context, *engine.Transcript) error { return nil }

// Multi fans each transcript out to every sink in order. All sinks are
// attempted even when one fails; the first error is returned.
func Multi(sinks ...engine.Sink) engine.Sink {
	switch len(sinks) {
	case 0:
		return Discard()
	case 1:
		return sinks[0]
	}
	return multiSink(sinks)
}

type multiSink []engine.Sink

func (m multiSink) SaveTranscript(ctx context.Context, t *engine.Transcript) error {
	var first error
	for _, sink := range m {
		if err := sink.SaveTranscript(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}
