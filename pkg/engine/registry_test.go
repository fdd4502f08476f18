package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func registrySession(t *testing.T, state SessionState) *session {
	t.Helper()
	plan := NewPlanner().Plan(IntentGeneral, ModalityText, false, false)
	_, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := newSession(Request{Query: "q", Modality: ModalityText}, plan, cancel)
	switch state {
	case StateCreated:
	case StateCompleted:
		if err := s.transition(StateRunning); err != nil {
			t.Fatal(err)
		}
		if err := s.transition(StateCompleted); err != nil {
			t.Fatal(err)
		}
	default:
		if err := s.transition(state); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

// afterRetention stubs the registry clock so every tracked session looks
// older than the retention window.
func afterRetention(r *sessionRegistry, retention time.Duration) {
	r.now = func() time.Time { return time.Now().Add(retention + time.Minute) }
}

func TestSessionRegistryAddAndGet(t *testing.T) {
	r := newSessionRegistry(8, time.Minute, nil)
	defer r.close()

	s := registrySession(t, StateCreated)
	if err := r.add(s); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	got, ok := r.get(s.id)
	if !ok || got != s {
		t.Error("expected to get the added session back")
	}
	if r.count() != 1 {
		t.Errorf("expected count 1, got %d", r.count())
	}
	if len(r.list()) != 1 {
		t.Errorf("expected 1 listed session, got %d", len(r.list()))
	}
	if _, ok := r.get("ghost"); ok {
		t.Error("expected miss for unknown id")
	}
}

func TestSessionRegistryCapacity(t *testing.T) {
	r := newSessionRegistry(1, time.Minute, nil)
	defer r.close()

	if err := r.add(registrySession(t, StateRunning)); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	err := r.add(registrySession(t, StateCreated))
	if !errors.Is(err, ErrSessionLimit) {
		t.Errorf("expected ErrSessionLimit, got %v", err)
	}
}

func TestSessionRegistrySweepEvictsExpiredTerminal(t *testing.T) {
	var evicted []string
	r := newSessionRegistry(8, time.Minute, func(id string) { evicted = append(evicted, id) })
	defer r.close()

	s := registrySession(t, StateFailed)
	if err := r.add(s); err != nil {
		t.Fatal(err)
	}

	afterRetention(r, time.Minute)
	if n := r.sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := r.get(s.id); ok {
		t.Error("expected swept session gone")
	}
	if len(evicted) != 1 || evicted[0] != s.id {
		t.Errorf("expected eviction hook for %s, got %v", s.id, evicted)
	}
}

func TestSessionRegistrySweepKeepsRunning(t *testing.T) {
	r := newSessionRegistry(8, time.Minute, nil)
	defer r.close()

	s := registrySession(t, StateRunning)
	if err := r.add(s); err != nil {
		t.Fatal(err)
	}

	afterRetention(r, time.Minute)
	if n := r.sweep(); n != 0 {
		t.Errorf("expected running sessions to survive the sweep, evicted %d", n)
	}
	if _, ok := r.get(s.id); !ok {
		t.Error("expected running session still tracked")
	}
}

func TestSessionRegistrySweepKeepsFreshTerminal(t *testing.T) {
	r := newSessionRegistry(8, time.Minute, nil)
	defer r.close()

	s := registrySession(t, StateCompleted)
	if err := r.add(s); err != nil {
		t.Fatal(err)
	}

	// Just-finished sessions stay pollable for the retention window.
	if n := r.sweep(); n != 0 {
		t.Errorf("expected fresh terminal session to survive the sweep, evicted %d", n)
	}
	if _, ok := r.get(s.id); !ok {
		t.Error("expected fresh terminal session still tracked")
	}
}

func TestSessionRegistryAddSweepsAtCapacity(t *testing.T) {
	r := newSessionRegistry(1, time.Minute, nil)
	defer r.close()

	old := registrySession(t, StateCancelled)
	if err := r.add(old); err != nil {
		t.Fatal(err)
	}

	// At capacity with an expired terminal session, a new add reclaims the
	// slot instead of failing.
	afterRetention(r, time.Minute)
	fresh := registrySession(t, StateCreated)
	if err := r.add(fresh); err != nil {
		t.Fatalf("expected add to reclaim the expired slot, got %v", err)
	}
	if _, ok := r.get(old.id); ok {
		t.Error("expected expired session evicted")
	}
	if _, ok := r.get(fresh.id); !ok {
		t.Error("expected fresh session tracked")
	}
}

func TestSessionRegistryCountByState(t *testing.T) {
	r := newSessionRegistry(8, time.Minute, nil)
	defer r.close()

	for _, state := range []SessionState{StateCreated, StateRunning, StateRunning, StateFailed} {
		if err := r.add(registrySession(t, state)); err != nil {
			t.Fatal(err)
		}
	}

	counts := r.countByState()
	if counts[StateCreated] != 1 || counts[StateRunning] != 2 || counts[StateFailed] != 1 {
		t.Errorf("unexpected state counts %v", counts)
	}
}

func TestSessionRegistryClose(t *testing.T) {
	r := newSessionRegistry(8, time.Minute, nil)
	r.close()
	r.close() // idempotent

	err := r.add(registrySession(t, StateCreated))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}
