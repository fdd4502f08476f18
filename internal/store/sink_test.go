package store

import (
	"context"
	"errors"
	"testing"

	"github.com/normanking/conductor/pkg/engine"
)

type recordingSink struct {
	saved []string
	err   error
}

func (r *recordingSink) SaveTranscript(_ context.Context, t *engine.Transcript) error {
	r.saved = append(r.saved, t.SessionID)
	return r.err
}

func TestDiscard(t *testing.T) {
	if err := Discard().SaveTranscript(context.Background(), sampleTranscript("x")); err != nil {
		t.Errorf("Discard returned error: %v", err)
	}
}

func TestMulti(t *testing.T) {
	ctx := context.Background()

	t.Run("fans out to every sink", func(t *testing.T) {
		a := &recordingSink{}
		b := &recordingSink{}

		err := Multi(a, b).SaveTranscript(ctx, sampleTranscript("sess-1"))
		if err != nil {
			t.Fatalf("SaveTranscript failed: %v", err)
		}
		if len(a.saved) != 1 || len(b.saved) != 1 {
			t.Errorf("saved counts = %d/%d, want 1/1", len(a.saved), len(b.saved))
		}
	})

	t.Run("failure does not stop later sinks", func(t *testing.T) {
		boom := errors.New("boom")
		a := &recordingSink{err: boom}
		b := &recordingSink{}

		err := Multi(a, b).SaveTranscript(ctx, sampleTranscript("sess-2"))
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want first sink's error", err)
		}
		if len(b.saved) != 1 {
			t.Error("second sink was not attempted after first failed")
		}
	})

	t.Run("no sinks behaves as discard", func(t *testing.T) {
		if err := Multi().SaveTranscript(ctx, sampleTranscript("sess-3")); err != nil {
			t.Errorf("empty Multi returned error: %v", err)
		}
	})

	t.Run("single sink passes through", func(t *testing.T) {
		a := &recordingSink{}
		if Multi(a) != engine.Sink(a) {
			t.Error("single-sink Multi should return the sink itself")
		}
	})
}
