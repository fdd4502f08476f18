package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STAGE EXECUTOR
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// retryBackoffBase is the wait before the second attempt; later attempts
	// wait attempt*base.
	retryBackoffBase = 200 * time.Millisecond
)

// Executor runs one stage attempt cycle against the capability registry. It
// owns per-attempt timeouts, the retry ladder, and fallback substitution;
// orchestration across stages belongs to the coordinator.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an Executor bound to a capability registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs a stage to a final StageResult. The cycle per stage:
//
//  1. Resolve the capability; an unregistered name fails the stage
//     immediately as capability_unavailable (validation should have caught
//     it earlier).
//  2. Invoke under a per-attempt timeout. The stage's own timeout wins over
//     the capability default.
//  3. On timeout or handler error, retry while the stage allows it, backing
//     off between attempts. Parent context expiry stops the ladder.
//  4. After the last failed attempt, substitute the capability's fallback
//     output when one exists; the result is degraded, not failed.
//
// The returned result always carries timestamps and the attempt count.
// Execute never returns an error; failures are encoded in the result so the
// coordinator can decide what a failure means for the session.
func (e *Executor) Execute(ctx context.Context, spec StageSpec, inv Invocation) StageResult {
	res := StageResult{
		Stage:      spec.Name,
		Capability: spec.Capability,
		Attempt:    1,
		StartedAt:  time.Now(),
	}

	def, ok := e.registry.Lookup(spec.Capability)
	if !ok {
		res.Outcome = OutcomeFailed
		res.ErrorKind = KindCapabilityUnavailable
		res.Error = fmt.Sprintf("capability %q is not registered", spec.Capability)
		res.FinishedAt = time.Now()
		return res
	}

	timeout := def.Timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}

	attempts := 1
	if spec.Retryable && spec.MaxRetries > 0 {
		attempts += spec.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		inv.Attempt = attempt
		res.Attempt = attempt

		output, err := e.invokeOnce(ctx, def, inv, timeout)
		if err == nil {
			res.Outcome = OutcomeSuccess
			res.Output = output
			res.FinishedAt = time.Now()
			return res
		}
		lastErr = err

		log.Warn().
			Str("session_id", inv.SessionID).
			Str("stage", spec.Name).
			Int("attempt", attempt).
			Err(err).
			Msg("stage attempt failed")

		// A dead parent context means the session itself timed out or was
		// cancelled. Further attempts would inherit the same fate.
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			if !sleepCtx(ctx, time.Duration(attempt)*retryBackoffBase) {
				break
			}
		}
	}

	res.ErrorKind = classifyError(lastErr)
	res.Error = lastErr.Error()

	if def.HasFallback() && ctx.Err() == nil {
		log.Info().
			Str("session_id", inv.SessionID).
			Str("stage", spec.Name).
			Str("capability", spec.Capability).
			Msg("substituting fallback output for failed stage")
		res.Outcome = OutcomeDegraded
		res.Output = def.Fallback(inv)
		res.FallbackUsed = true
		res.FinishedAt = time.Now()
		return res
	}

	res.Outcome = OutcomeFailed
	res.FinishedAt = time.Now()
	return res
}

// invokeOnce runs a single handler attempt under its timeout. The handler
// goroutine may outlive a timed-out attempt until it notices its context;
// the buffered channel lets it finish without blocking.
func (e *Executor) invokeOnce(ctx context.Context, def Definition, inv Invocation, timeout time.Duration) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type invokeResult struct {
		output map[string]any
		err    error
	}
	done := make(chan invokeResult, 1)

	go func() {
		output, err := def.Handler.Invoke(attemptCtx, inv)
		done <- invokeResult{output: output, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.output, nil
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	}
}

// classifyError maps an invocation error to the stage error taxonomy.
func classifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindCapabilityError
	}
}

// sleepCtx waits for d unless the context dies first; reports whether the
// full wait completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
