// Package agents provides the builtin capability providers: deterministic
// heuristic implementations of classification, research, summarization,
// critique, vision, OCR, transcription, document retrieval, and speech
// synthesis. They exist so a fresh checkout serves real end-to-end answers;
// production deployments register model-backed capabilities under the same
// names instead.
package agents

import (
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// Definitions returns every builtin capability.
func Definitions() []engine.Definition {
	return []engine.Definition{
		Classifier(),
		Research(),
		Summarizer(),
		Critic(),
		Vision(),
		OCR(),
		Transcriber(),
		Retriever(),
		Speech(),
	}
}

// NewRegistry builds a capability registry from the builtin providers.
// Timeout overrides are keyed by capability name; unknown keys are ignored
// so config can mention capabilities registered elsewhere.
func NewRegistry(timeouts map[string]time.Duration) (*engine.Registry, error) {
	defs := Definitions()
	for i := range defs {
		if d, ok := timeouts[defs[i].Name]; ok && d > 0 {
			defs[i].Timeout = d
		}
	}
	return engine.NewRegistry(defs...)
}
