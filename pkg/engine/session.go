package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION
// ═══════════════════════════════════════════════════════════════════════════════

// session is the coordinator's working state for one request. All reads and
// writes go through its mutex; the poll and stream surfaces never touch a
// session directly, they see snapshots published through the Publisher.
type session struct {
	mu sync.Mutex

	id      string
	request Request
	plan    *Plan

	state   SessionState
	cursor  int
	history []StageResult

	// stageContext accumulates completed stage outputs keyed by stage name.
	// Later stages read earlier outputs from here; a re-run stage replaces
	// its own entry.
	stageContext map[string]any

	// feedback is the latest critique guidance, handed to the rewound stage
	// on quality retries.
	feedback       string
	qualityRetries int

	result  *Result
	sessErr *SessionError

	createdAt time.Time
	updatedAt time.Time

	// cancel aborts the session context; cancelled marks a user-requested
	// cancel so the coordinator can tell it apart from deadline expiry.
	cancel    context.CancelFunc
	cancelled bool

	done chan struct{}
}

func newSession(req Request, plan *Plan, cancel context.CancelFunc) *session {
	now := time.Now()
	return &session{
		id:           uuid.NewString(),
		request:      req,
		plan:         plan,
		state:        StateCreated,
		stageContext: make(map[string]any),
		createdAt:    now,
		updatedAt:    now,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// transition moves the session to a new state, enforcing the state machine.
// Terminal transitions close the done channel exactly once.
func (s *session) transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidTransition(s.state, to) {
		return fmt.Errorf("invalid session transition %s -> %s", s.state, to)
	}
	s.state = to
	s.updatedAt = time.Now()
	if to.Terminal() {
		close(s.done)
	}
	return nil
}

// State returns the current state.
func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done exposes completion for waiters; closed on any terminal transition.
func (s *session) Done() <-chan struct{} {
	return s.done
}

// requestCancel flags a user cancel and aborts the session context. The
// coordinator observes the dead context at the next boundary.
func (s *session) requestCancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
}

func (s *session) cancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// setPlan swaps in the definitive plan once classification has resolved the
// intent. The provisional plan admitted at submission has the same shape for
// most requests.
func (s *session) setPlan(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
	s.updatedAt = time.Now()
}

func (s *session) currentPlan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// appendStage records a finished attempt. History keeps every attempt of
// every stage in execution order; nothing is overwritten.
func (s *session) appendStage(res StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, res)
	s.updatedAt = time.Now()
}

// mergeOutput publishes a completed stage's output into the shared context.
// A stage re-run after a quality rewind replaces its earlier entry.
func (s *session) mergeOutput(stage string, output map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageContext[stage] = output
}

// invocationContext returns a shallow copy of the accumulated context so
// parallel handlers never share a map with the coordinator.
func (s *session) invocationContext() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]any, len(s.stageContext))
	for k, v := range s.stageContext {
		cp[k] = v
	}
	return cp
}

func (s *session) setFeedback(fb string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = fb
}

func (s *session) latestFeedback() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedback
}

func (s *session) setCursor(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = i
	s.updatedAt = time.Now()
}

func (s *session) bumpQualityRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualityRetries++
	return s.qualityRetries
}

func (s *session) qualityRetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qualityRetries
}

// stageUsable reports whether the latest attempt of a stage succeeded or
// degraded.
func (s *session) stageUsable(stage string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Stage == stage {
			return s.history[i].Outcome.Usable()
		}
	}
	return false
}

// resultView copies the terminal-result inputs out in one lock scope.
func (s *session) resultView() (summarize, critique, speak map[string]any, retries int, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summarize, _ = s.stageContext[StageSummarize].(map[string]any)
	critique, _ = s.stageContext[StageCritique].(map[string]any)
	speak, _ = s.stageContext[StageSpeak].(map[string]any)
	retries = s.qualityRetries
	for _, h := range s.history {
		if h.FallbackUsed || h.Outcome == OutcomeDegraded {
			degraded = true
			break
		}
	}
	return summarize, critique, speak, retries, degraded
}

func (s *session) setResult(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
}

func (s *session) setError(kind ErrorKind, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessErr = &SessionError{Kind: kind, Message: msg}
}

// idleSince reports the last update, for retention sweeping.
func (s *session) idleSince() (SessionState, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.updatedAt
}

// snapshot builds the poll-visible view. History is copied so later appends
// never mutate a published snapshot.
func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := make([]StageResult, len(s.history))
	copy(hist, s.history)

	return Snapshot{
		SessionID: s.id,
		State:     s.state,
		Cursor:    s.cursor,
		Plan:      s.plan.StageNames(),
		History:   hist,
		Result:    s.result,
		Error:     s.sessErr,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// transcript flattens the session into its persistence record.
func (s *session) transcript() *Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Transcript{
		SessionID:      s.id,
		UserID:         s.request.UserID,
		Query:          s.request.Query,
		Modality:       s.plan.Modality,
		Intent:         s.plan.Intent,
		State:          s.state,
		Stages:         s.plan.StageNames(),
		QualityRetries: s.qualityRetries,
		CreatedAt:      s.createdAt,
		FinishedAt:     s.updatedAt,
	}
	var stages []string
	for _, h := range s.history {
		stages = append(stages, h.Stage+":"+string(h.Outcome))
	}
	t.StageOutcomes = strings.Join(stages, ",")
	if s.result != nil {
		t.Summary = s.result.Summary
		t.QualityScore = s.result.QualityScore
		t.Confidence = s.result.Confidence
		t.Degraded = s.result.Degraded
		t.WordCount = s.result.WordCount
		t.ProcessingTime = s.result.ProcessingTime
	}
	if s.sessErr != nil {
		t.ErrorKind = s.sessErr.Kind
		t.ErrorMessage = s.sessErr.Message
	}
	return t
}
