package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION COORDINATOR
// ═══════════════════════════════════════════════════════════════════════════════

// Coordinator owns session lifecycles. One run goroutine per session walks
// the plan: classify, replan, dependency-gated dispatch with parallel-group
// barriers, the quality loop, and exactly one terminal transition. The
// Coordinator itself is stateless across sessions and shared by all of them.
type Coordinator struct {
	planner      *Planner
	executor     *Executor
	capabilities *Registry
	publisher    *Publisher
	sink         Sink

	qualityThreshold  float64
	maxQualityRetries int
}

// CoordinatorConfig wires a Coordinator's collaborators.
type CoordinatorConfig struct {
	Planner      *Planner
	Executor     *Executor
	Capabilities *Registry
	Publisher    *Publisher
	Sink         Sink

	QualityThreshold  float64
	MaxQualityRetries int
}

// NewCoordinator creates a Coordinator from its config, applying defaults
// for the quality gate.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	threshold := cfg.QualityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultQualityThreshold
	}
	maxRetries := cfg.MaxQualityRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxQualityRetries
	}
	return &Coordinator{
		planner:           cfg.Planner,
		executor:          cfg.Executor,
		capabilities:      cfg.Capabilities,
		publisher:         cfg.Publisher,
		sink:              cfg.Sink,
		qualityThreshold:  threshold,
		maxQualityRetries: maxRetries,
	}
}

// run drives one session from created to a terminal state. It is the only
// goroutine that mutates the session after Submit returns.
func (c *Coordinator) run(ctx context.Context, sess *session) {
	start := time.Now()

	// A cancel that raced Submit lands here before any work happened.
	if sess.cancelRequested() {
		c.finishCancelled(sess)
		return
	}
	if err := sess.transition(StateRunning); err != nil {
		log.Error().Str("session_id", sess.id).Err(err).Msg("session could not start")
		return
	}

	intent, intentConfidence := c.classify(ctx, sess)
	if halted := c.checkBoundary(ctx, sess, start); halted {
		return
	}

	// Replan with the classified intent. The plan admitted at submission
	// assumed general; classification can widen or narrow the body stages.
	plan := c.planner.Plan(intent, sess.request.Modality, sess.request.HasFile(), sess.request.EnableSpeech)
	if err := ValidatePlan(plan, c.capabilities); err != nil {
		kind := KindCapabilityUnavailable
		var se *SessionError
		if errors.As(err, &se) {
			kind = se.Kind
		}
		c.finishFailed(sess, start, kind, err.Error())
		return
	}
	sess.setPlan(plan)

	i := 0
	for i < len(plan.Stages) {
		if halted := c.checkBoundary(ctx, sess, start); halted {
			return
		}

		group := collectGroup(plan, i)
		results := c.runGroup(ctx, sess, group)

		// Failed cancellations surface as context errors; give the boundary
		// check precedence so a cancel mid-stage reads as cancelled, not as
		// a stage failure.
		if ctx.Err() != nil {
			if halted := c.checkBoundary(ctx, sess, start); halted {
				return
			}
		}

		for _, res := range results {
			if res.Outcome == OutcomeFailed {
				c.finishFailed(sess, start, res.ErrorKind, fmt.Sprintf("stage %s: %s", res.Stage, res.Error))
				return
			}
		}

		// The group barrier: no member's output is visible to later stages
		// until every member has finished.
		for _, res := range results {
			sess.mergeOutput(res.Stage, res.Output)
		}

		if rewound, target := c.qualityGate(sess, plan, results); rewound {
			i = target
			sess.setCursor(i)
			continue
		}

		i += len(group)
		sess.setCursor(i)
	}

	c.finishCompleted(sess, plan, start, intentConfidence)
}

// classify resolves the request's intent before planning. It is not a plan
// stage; its result still lands in history and its progress is published.
// Classification never fails a session: any error falls back to general.
func (c *Coordinator) classify(ctx context.Context, sess *session) (Intent, float64) {
	spec := StageSpec{Name: StageClassify, Capability: CapClassifyIntent}
	c.publishStage(sess, EventStageStarted, spec.Name, StageMessage(spec.Name), nil)

	inv := Invocation{
		SessionID: sess.id,
		Stage:     spec.Name,
		Query:     sess.request.Query,
		Context:   sess.invocationContext(),
	}
	res := c.executor.Execute(ctx, spec, inv)
	sess.appendStage(res)

	if !res.Outcome.Usable() {
		c.publishStage(sess, EventStageFailed, spec.Name, res.Error, map[string]any{
			"error_kind": res.ErrorKind,
		})
		log.Warn().Str("session_id", sess.id).Str("error", res.Error).
			Msg("intent classification failed, treating as general")
		return IntentGeneral, 0
	}

	sess.mergeOutput(spec.Name, res.Output)

	intent := IntentGeneral
	if v, ok := res.Output["intent"].(string); ok && Intent(v).Valid() {
		intent = Intent(v)
	}
	confidence := floatField(res.Output, "confidence")

	c.publishStage(sess, EventStageCompleted, spec.Name, "", map[string]any{
		"intent":      intent.String(),
		"confidence":  confidence,
		"duration_ms": res.Duration().Milliseconds(),
	})
	return intent, confidence
}

// collectGroup returns the contiguous run of stages sharing the parallel
// group at index i, or just the stage at i when it has none.
func collectGroup(plan *Plan, i int) []StageSpec {
	first := plan.Stages[i]
	if first.ParallelGroup == "" {
		return plan.Stages[i : i+1]
	}
	j := i + 1
	for j < len(plan.Stages) && plan.Stages[j].ParallelGroup == first.ParallelGroup {
		j++
	}
	return plan.Stages[i:j]
}

// runGroup dispatches the group members concurrently and waits for all of
// them. Results append to history in completion order; the caller merges
// outputs only after the whole group is done.
func (c *Coordinator) runGroup(ctx context.Context, sess *session, group []StageSpec) []StageResult {
	for _, spec := range group {
		c.publishStage(sess, EventStageStarted, spec.Name, StageMessage(spec.Name), nil)
	}

	if len(group) == 1 {
		res := c.runStage(ctx, sess, group[0])
		return []StageResult{res}
	}

	var wg sync.WaitGroup
	done := make(chan StageResult, len(group))
	for _, spec := range group {
		wg.Add(1)
		go func(spec StageSpec) {
			defer wg.Done()
			done <- c.runStage(ctx, sess, spec)
		}(spec)
	}
	wg.Wait()
	close(done)

	results := make([]StageResult, 0, len(group))
	for res := range done {
		results = append(results, res)
	}
	return results
}

// runStage executes one stage, appends the result, and publishes its
// completion. Safe to call from group member goroutines: session appends
// and publisher calls are internally synchronized.
func (c *Coordinator) runStage(ctx context.Context, sess *session, spec StageSpec) StageResult {
	if unmet := c.unmetDependencies(sess, spec); len(unmet) > 0 {
		res := StageResult{
			Stage:      spec.Name,
			Capability: spec.Capability,
			Attempt:    1,
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
			Outcome:    OutcomeFailed,
			ErrorKind:  KindValidation,
			Error:      fmt.Sprintf("dependencies not satisfied: %s", strings.Join(unmet, ", ")),
		}
		sess.appendStage(res)
		c.publishStage(sess, EventStageFailed, spec.Name, res.Error, map[string]any{"error_kind": res.ErrorKind})
		return res
	}

	inv := Invocation{
		SessionID: sess.id,
		Stage:     spec.Name,
		Query:     sess.request.Query,
		Params:    c.stageParams(sess, spec),
		Context:   sess.invocationContext(),
	}
	if spec.Name == sess.currentPlan().RetryStage {
		inv.Feedback = sess.latestFeedback()
	}
	if sess.request.EnableStreaming && spec.Name == StageSummarize {
		inv.Emit = func(token string) {
			c.publishStage(sess, EventToken, spec.Name, "", map[string]any{"token": token})
		}
	}

	res := c.executor.Execute(ctx, spec, inv)

	if spec.Capability == CapCritiqueResponse && res.Outcome.Usable() {
		score := floatField(res.Output, "score")
		res.QualityScore = &score
	}

	sess.appendStage(res)

	switch res.Outcome {
	case OutcomeFailed:
		c.publishStage(sess, EventStageFailed, spec.Name, res.Error, map[string]any{
			"error_kind": res.ErrorKind,
			"attempt":    res.Attempt,
		})
	default:
		payload := map[string]any{
			"outcome":     res.Outcome,
			"attempt":     res.Attempt,
			"duration_ms": res.Duration().Milliseconds(),
		}
		if res.FallbackUsed {
			payload["fallback_used"] = true
		}
		if res.QualityScore != nil {
			payload["quality_score"] = *res.QualityScore
		}
		c.publishStage(sess, EventStageCompleted, spec.Name, "", payload)
	}
	return res
}

// stageParams extends the planned params with the request's attachment
// metadata; the planner is pure over (intent, modality, hasFile) and never
// sees the actual file.
func (c *Coordinator) stageParams(sess *session, spec StageSpec) map[string]string {
	if !sess.request.HasFile() {
		return spec.Params
	}
	params := make(map[string]string, len(spec.Params)+3)
	for k, v := range spec.Params {
		params[k] = v
	}
	file := sess.request.File
	params["file"] = file.Name
	params["size"] = strconv.FormatInt(file.Size, 10)
	if file.Ref != "" {
		params["ref"] = file.Ref
	}
	return params
}

// unmetDependencies lists dependsOn entries without a usable result in
// history. Plan validation orders dependencies ahead of their dependents,
// so anything listed here is a coordination bug, not a planning one.
func (c *Coordinator) unmetDependencies(sess *session, spec StageSpec) []string {
	var unmet []string
	for _, dep := range spec.DependsOn {
		if !sess.stageUsable(dep) {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// qualityGate inspects a finished group for a critique verdict. A score
// under the threshold rewinds the cursor to the plan's named re-entry stage
// while the bounded retry budget lasts. Exhaustion is not a failure; the
// session completes with reduced confidence.
func (c *Coordinator) qualityGate(sess *session, plan *Plan, results []StageResult) (bool, int) {
	for _, res := range results {
		if res.QualityScore == nil {
			continue
		}
		score := *res.QualityScore
		if score >= c.qualityThreshold {
			return false, 0
		}

		retries := sess.qualityRetryCount()
		if retries >= c.maxQualityRetries {
			log.Info().
				Str("session_id", sess.id).
				Float64("score", score).
				Int("retries", retries).
				Msg("quality retries exhausted, completing with low confidence")
			return false, 0
		}

		pass := sess.bumpQualityRetries()
		feedback, _ := res.Output["feedback"].(string)
		sess.setFeedback(feedback)
		// Attempt-scoped copy so earlier verdicts stay readable after the
		// critique stage overwrites its own context entry.
		sess.mergeOutput(fmt.Sprintf("%s#%d", res.Stage, pass), res.Output)

		target := plan.StageIndex(plan.RetryStage)
		if target < 0 {
			return false, 0
		}
		log.Info().
			Str("session_id", sess.id).
			Float64("score", score).
			Int("pass", pass).
			Str("retry_stage", plan.RetryStage).
			Msg("quality below threshold, re-entering plan")
		return true, target
	}
	return false, 0
}

// checkBoundary enforces cooperative cancellation and the session wall-clock
// cap at stage and group boundaries. Reports true when the session was
// finished here.
func (c *Coordinator) checkBoundary(ctx context.Context, sess *session, start time.Time) bool {
	if ctx.Err() == nil {
		return false
	}
	if sess.cancelRequested() {
		c.finishCancelled(sess)
		return true
	}
	c.finishFailed(sess, start, KindSessionTimeout,
		fmt.Sprintf("session exceeded its wall-clock budget after %s", time.Since(start).Round(time.Millisecond)))
	return true
}

// finishCompleted assembles the terminal Result and publishes the single
// session_completed event.
func (c *Coordinator) finishCompleted(sess *session, plan *Plan, start time.Time, intentConfidence float64) {
	result := c.buildResult(sess, plan, start, intentConfidence)
	sess.setResult(result)
	if err := sess.transition(StateCompleted); err != nil {
		log.Error().Str("session_id", sess.id).Err(err).Msg("completed transition rejected")
		return
	}
	payload := map[string]any{
		"quality_score": result.QualityScore,
		"confidence":    result.Confidence,
		"degraded":      result.Degraded,
	}
	// A completion below the threshold is still a completion; the marker
	// tells consumers the quality loop gave up rather than passed.
	if result.QualityScore < c.qualityThreshold {
		payload["error_kind"] = KindQualityThresholdNotMet
	}
	c.publishStage(sess, EventSessionCompleted, "", "Complete", payload)
	c.writeTranscript(sess)
}

func (c *Coordinator) finishFailed(sess *session, start time.Time, kind ErrorKind, msg string) {
	sess.setError(kind, msg)
	if err := sess.transition(StateFailed); err != nil {
		log.Error().Str("session_id", sess.id).Err(err).Msg("failed transition rejected")
		return
	}
	log.Warn().
		Str("session_id", sess.id).
		Str("error_kind", string(kind)).
		Dur("elapsed", time.Since(start)).
		Msg("session failed")
	c.publishStage(sess, EventSessionFailed, "", msg, map[string]any{"error_kind": kind})
	c.writeTranscript(sess)
}

func (c *Coordinator) finishCancelled(sess *session) {
	if err := sess.transition(StateCancelled); err != nil {
		log.Error().Str("session_id", sess.id).Err(err).Msg("cancelled transition rejected")
		return
	}
	c.publishStage(sess, EventSessionCancelled, "", "Cancelled", nil)
	c.writeTranscript(sess)
}

// buildResult flattens the accumulated context into the final payload.
func (c *Coordinator) buildResult(sess *session, plan *Plan, start time.Time, intentConfidence float64) *Result {
	summarizeOut, critiqueOut, speakOut, retries, degraded := sess.resultView()

	summary, _ := summarizeOut["text"].(string)
	keyPoints := stringsField(summarizeOut, "key_points")
	score := floatField(critiqueOut, "score")
	wordCount := len(strings.Fields(summary))

	result := &Result{
		Summary:          summary,
		KeyPoints:        keyPoints,
		Intent:           plan.Intent,
		IntentConfidence: intentConfidence,
		QualityScore:     score,
		Confidence:       confidenceLabel(score, c.qualityThreshold, degraded),
		Degraded:         degraded,
		WordCount:        wordCount,
		ProcessingTime:   time.Since(start),
		QualityRetries:   retries,
	}

	if speakOut != nil {
		file := stringField(speakOut, "file")
		result.Audio = &AudioResult{
			Generated:       file != "",
			File:            file,
			DurationSeconds: floatField(speakOut, "duration_seconds"),
		}
	}
	return result
}

// writeTranscript hands the terminal record to the sink off the coordinator
// goroutine. Failures are logged, never surfaced to the session.
func (c *Coordinator) writeTranscript(sess *session) {
	if c.sink == nil {
		return
	}
	t := sess.transcript()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.sink.SaveTranscript(ctx, t); err != nil {
			log.Error().Str("session_id", t.SessionID).Err(err).Msg("transcript write failed")
		}
	}()
}

// publishStage publishes an event with the session's current snapshot.
func (c *Coordinator) publishStage(sess *session, kind EventKind, stage, message string, payload map[string]any) {
	c.publisher.Publish(sess.id, ProgressEvent{
		SessionID: sess.id,
		Kind:      kind,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
		Payload:   payload,
	}, sess.snapshot())
}

// confidenceLabel maps the final critique score and degradation to the
// coarse trust label.
func confidenceLabel(score, threshold float64, degraded bool) Confidence {
	switch {
	case score < threshold || degraded:
		return ConfidenceLow
	case score >= 0.8:
		return ConfidenceHigh
	default:
		return ConfidenceMedium
	}
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func stringsField(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
