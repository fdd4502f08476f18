package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, defs ...Definition) *Executor {
	t.Helper()
	reg, err := NewRegistry(defs...)
	require.NoError(t, err)
	return NewExecutor(reg)
}

func failNTimes(n int, calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, inv Invocation) (map[string]any, error) {
		if calls.Add(1) <= int32(n) {
			return nil, errors.New("flaky backend")
		}
		return map[string]any{"text": "recovered"}, nil
	}
}

func TestExecuteSuccess(t *testing.T) {
	exec := newTestExecutor(t, Definition{
		Name: "echo",
		Handler: HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
			return map[string]any{"text": inv.Query}, nil
		}),
	})

	spec := StageSpec{Name: "answer", Capability: "echo"}
	res := exec.Execute(context.Background(), spec, Invocation{Query: "hello"})

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "answer", res.Stage)
	assert.Equal(t, "echo", res.Capability)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, "hello", res.Output["text"])
	assert.Empty(t, res.Error)
	assert.Empty(t, string(res.ErrorKind))
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestExecuteUnregisteredCapability(t *testing.T) {
	exec := newTestExecutor(t)

	spec := StageSpec{Name: "answer", Capability: "missing"}
	res := exec.Execute(context.Background(), spec, Invocation{})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, KindCapabilityUnavailable, res.ErrorKind)
	assert.Contains(t, res.Error, "missing")
}

func TestExecuteRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	exec := newTestExecutor(t, Definition{Name: "flaky", Handler: failNTimes(1, &calls)})

	spec := StageSpec{Name: "answer", Capability: "flaky", Retryable: true, MaxRetries: 2}
	res := exec.Execute(context.Background(), spec, Invocation{})

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "recovered", res.Output["text"])
}

func TestExecuteRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	exec := newTestExecutor(t, Definition{Name: "flaky", Handler: failNTimes(100, &calls)})

	spec := StageSpec{Name: "answer", Capability: "flaky", Retryable: true, MaxRetries: 2}
	res := exec.Execute(context.Background(), spec, Invocation{})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, KindCapabilityError, res.ErrorKind)
	assert.Contains(t, res.Error, "flaky backend")
}

func TestExecuteNotRetryableRunsOnce(t *testing.T) {
	var calls atomic.Int32
	exec := newTestExecutor(t, Definition{Name: "flaky", Handler: failNTimes(100, &calls)})

	// MaxRetries without Retryable is inert.
	spec := StageSpec{Name: "answer", Capability: "flaky", MaxRetries: 5}
	res := exec.Execute(context.Background(), spec, Invocation{})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteAttemptNumbersVisibleToHandler(t *testing.T) {
	var mu sync.Mutex
	var attempts []int
	exec := newTestExecutor(t, Definition{
		Name: "counting",
		Handler: HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
			mu.Lock()
			attempts = append(attempts, inv.Attempt)
			mu.Unlock()
			return nil, errors.New("nope")
		}),
	})

	spec := StageSpec{Name: "answer", Capability: "counting", Retryable: true, MaxRetries: 2}
	exec.Execute(context.Background(), spec, Invocation{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestExecuteTimeoutClassified(t *testing.T) {
	exec := newTestExecutor(t, Definition{
		Name:    "slow",
		Timeout: 40 * time.Millisecond,
		Handler: HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	spec := StageSpec{Name: "answer", Capability: "slow"}
	res := exec.Execute(context.Background(), spec, Invocation{})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.GreaterOrEqual(t, res.Duration(), 40*time.Millisecond)
}

func TestExecuteSpecTimeoutOverridesCapability(t *testing.T) {
	exec := newTestExecutor(t, Definition{
		Name:    "slow",
		Timeout: 10 * time.Second,
		Handler: HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	start := time.Now()
	spec := StageSpec{Name: "answer", Capability: "slow", Timeout: 40 * time.Millisecond}
	res := exec.Execute(context.Background(), spec, Invocation{})

	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.Less(t, time.Since(start), 5*time.Second, "stage timeout should beat the capability default")
}

func TestExecuteBackoffBetweenAttempts(t *testing.T) {
	var calls atomic.Int32
	exec := newTestExecutor(t, Definition{Name: "flaky", Handler: failNTimes(1, &calls)})

	start := time.Now()
	spec := StageSpec{Name: "answer", Capability: "flaky", Retryable: true, MaxRetries: 1}
	res := exec.Execute(context.Background(), spec, Invocation{})

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), retryBackoffBase)
}

func TestExecuteFallbackDegrades(t *testing.T) {
	exec := newTestExecutor(t, Definition{
		Name: "unreliable",
		Handler: HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
			return nil, errors.New("provider offline")
		}),
		Fallback: func(inv Invocation) map[string]any {
			return map[string]any{"text": "cached answer", "stage": inv.Stage}
		},
	})

	spec := StageSpec{Name: "answer", Capability: "unreliable", Retryable: true, MaxRetries: 1}
	res := exec.Execute(context.Background(), spec, Invocation{})

	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "cached answer", res.Output["text"])
	assert.Equal(t, "answer", res.Output["stage"])
	// The original failure stays recorded alongside the substituted output.
	assert.Equal(t, KindCapabilityError, res.ErrorKind)
	assert.Contains(t, res.Error, "provider offline")
}

func TestExecuteFallbackSkippedWhenParentDead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := newTestExecutor(t, Definition{
		Name: "unreliable",
		Handler: HandlerFunc(func(hctx context.Context, inv Invocation) (map[string]any, error) {
			cancel()
			return nil, errors.New("interrupted")
		}),
		Fallback: func(inv Invocation) map[string]any {
			return map[string]any{"text": "cached answer"}
		},
	})

	spec := StageSpec{Name: "answer", Capability: "unreliable", Retryable: true, MaxRetries: 3}
	res := exec.Execute(ctx, spec, Invocation{})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 1, res.Attempt, "retry ladder should stop once the session context dies")
}

func TestExecuteParentAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := newTestExecutor(t, Definition{
		Name: "blocked",
		Handler: HandlerFunc(func(ctx context.Context, inv Invocation) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	spec := StageSpec{Name: "answer", Capability: "blocked", Retryable: true, MaxRetries: 3}
	res := exec.Execute(ctx, spec, Invocation{})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempt)
}
