package engine

import (
	"context"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INTENTS & MODALITIES
// ═══════════════════════════════════════════════════════════════════════════════

// Intent is the classified purpose of a request.
type Intent string

const (
	// IntentSummarize condenses source material into a short answer.
	IntentSummarize Intent = "summarize"
	// IntentCompare contrasts two or more subjects.
	IntentCompare Intent = "compare"
	// IntentExplain answers what/how/why questions.
	IntentExplain Intent = "explain"
	// IntentResearch gathers information about a topic.
	IntentResearch Intent = "research"
	// IntentReadAloud requests a spoken rendition of the answer.
	IntentReadAloud Intent = "read_aloud"
	// IntentAnalyze examines material in depth.
	IntentAnalyze Intent = "analyze"
	// IntentGeneral is the fallback for unrecognized or low-confidence requests.
	IntentGeneral Intent = "general"
)

// AllIntents returns every defined intent.
func AllIntents() []Intent {
	return []Intent{
		IntentSummarize, IntentCompare, IntentExplain, IntentResearch,
		IntentReadAloud, IntentAnalyze, IntentGeneral,
	}
}

// String returns the string representation of the intent.
func (i Intent) String() string { return string(i) }

// Valid reports whether the intent is a known value.
func (i Intent) Valid() bool {
	switch i {
	case IntentSummarize, IntentCompare, IntentExplain, IntentResearch,
		IntentReadAloud, IntentAnalyze, IntentGeneral:
		return true
	}
	return false
}

// Modality is the input kind of a request. It drives which upfront stages
// the planner inserts.
type Modality string

const (
	// ModalityText is a plain text query.
	ModalityText Modality = "text"
	// ModalityImage is an image upload plus an optional caption query.
	ModalityImage Modality = "image"
	// ModalityAudio is a voice recording to transcribe before processing.
	ModalityAudio Modality = "audio"
	// ModalityDocument is an uploaded document to chunk and retrieve from.
	ModalityDocument Modality = "document"
)

// AllModalities returns every defined modality.
func AllModalities() []Modality {
	return []Modality{ModalityText, ModalityImage, ModalityAudio, ModalityDocument}
}

// String returns the string representation of the modality.
func (m Modality) String() string { return string(m) }

// Valid reports whether the modality is a known value.
func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityImage, ModalityAudio, ModalityDocument:
		return true
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION STATE MACHINE
// ═══════════════════════════════════════════════════════════════════════════════

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	// StateCreated means the session is admitted but no stage has dispatched.
	StateCreated SessionState = "created"
	// StateRunning means the coordinator is walking the plan.
	StateRunning SessionState = "running"
	// StateCompleted is terminal success (possibly with low confidence).
	StateCompleted SessionState = "completed"
	// StateFailed is terminal failure with a stable error kind.
	StateFailed SessionState = "failed"
	// StateCancelled is terminal cooperative cancellation.
	StateCancelled SessionState = "cancelled"
)

// String returns the string representation of the state.
func (s SessionState) String() string { return string(s) }

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// AllSessionStates returns every lifecycle state.
func AllSessionStates() []SessionState {
	return []SessionState{StateCreated, StateRunning, StateCompleted, StateFailed, StateCancelled}
}

// allowedTransitions encodes the session state machine. Once a terminal
// state is reached no transition is allowed and the session is frozen.
var allowedTransitions = map[SessionState]map[SessionState]struct{}{
	StateCreated: {
		StateRunning:   {},
		StateCancelled: {},
		StateFailed:    {},
	},
	StateRunning: {
		StateCompleted: {},
		StateFailed:    {},
		StateCancelled: {},
	},
}

// ValidTransition reports whether the state machine permits from -> to.
func ValidTransition(from, to SessionState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOMES & ERROR KINDS
// ═══════════════════════════════════════════════════════════════════════════════

// Outcome classifies one stage execution attempt.
type Outcome string

const (
	// OutcomeSuccess means the capability produced a usable output.
	OutcomeSuccess Outcome = "success"
	// OutcomeDegraded means a fallback produced the output; a quality
	// penalty applies to the session.
	OutcomeDegraded Outcome = "degraded"
	// OutcomeFailed means no output was produced.
	OutcomeFailed Outcome = "failed"
)

// String returns the string representation of the outcome.
func (o Outcome) String() string { return string(o) }

// Usable reports whether the outcome satisfies downstream dependencies.
func (o Outcome) Usable() bool {
	return o == OutcomeSuccess || o == OutcomeDegraded
}

// ErrorKind is the stable failure classification exposed to callers.
type ErrorKind string

const (
	// KindCapabilityUnavailable means a plan references an unregistered
	// capability. Fatal misconfiguration regardless of retry policy.
	KindCapabilityUnavailable ErrorKind = "capability_unavailable"
	// KindTimeout means a stage exceeded its declared timeout.
	KindTimeout ErrorKind = "timeout"
	// KindCapabilityError means the capability returned a runtime error.
	KindCapabilityError ErrorKind = "capability_error"
	// KindQualityThresholdNotMet marks a degraded-success completion, not
	// a failure: the critique score stayed below the threshold after all
	// quality retries.
	KindQualityThresholdNotMet ErrorKind = "quality_threshold_not_met"
	// KindSessionTimeout means the session exceeded its wall-clock cap.
	KindSessionTimeout ErrorKind = "session_timeout"
	// KindValidation means the submit payload was rejected before a
	// session was created.
	KindValidation ErrorKind = "validation_error"
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string { return string(k) }

// ═══════════════════════════════════════════════════════════════════════════════
// STAGE & CAPABILITY NAMES
// ═══════════════════════════════════════════════════════════════════════════════

// Stage names used by plan templates.
const (
	StageClassify       = "classify"
	StageTranscribe     = "transcribe"
	StageVisionAnalysis = "vision-analysis"
	StageOCR            = "ocr"
	StageRetrieve       = "retrieve"
	StageResearch       = "research"
	StageSummarize      = "summarize"
	StageCritique       = "critique"
	StageSpeak          = "speak"
)

// Capability names the default plan templates bind to.
const (
	CapClassifyIntent   = "classify-intent"
	CapTranscribeAudio  = "transcribe-audio"
	CapAnalyzeImage     = "analyze-image"
	CapExtractText      = "extract-text"
	CapSearchDocuments  = "search-documents"
	CapResearchTopic    = "research-topic"
	CapGenerateText     = "generate-text"
	CapCritiqueResponse = "critique-response"
	CapSynthesizeSpeech = "synthesize-speech"
)

// stageMessages are the human-readable step messages published with
// stage_started events.
var stageMessages = map[string]string{
	StageClassify:       "Understanding your query...",
	StageTranscribe:     "Transcribing audio...",
	StageVisionAnalysis: "Analyzing image...",
	StageOCR:            "Extracting text...",
	StageRetrieve:       "Searching your documents...",
	StageResearch:       "Researching information...",
	StageSummarize:      "Analyzing and summarizing...",
	StageCritique:       "Evaluating response quality...",
	StageSpeak:          "Generating audio...",
}

// StageMessage returns the step message for a stage, or a generic one for
// stages added through custom plan templates.
func StageMessage(stage string) string {
	if msg, ok := stageMessages[stage]; ok {
		return msg
	}
	return "Processing " + stage + "..."
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEFAULTS
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultQualityThreshold is the critique score below which the
	// quality loop re-enters the plan.
	DefaultQualityThreshold = 0.6
	// DefaultMaxQualityRetries bounds quality-driven re-entries per session.
	DefaultMaxQualityRetries = 2
	// DefaultSessionTimeout caps total session wall-clock time.
	DefaultSessionTimeout = 5 * time.Minute
	// DefaultRetention is how long terminal sessions stay pollable before
	// eviction.
	DefaultRetention = 10 * time.Minute
	// DefaultStageTimeout applies when neither the stage spec nor the
	// capability declares one.
	DefaultStageTimeout = 30 * time.Second
	// DefaultEventBuffer is the per-session replay buffer size.
	DefaultEventBuffer = 256
	// DefaultSubscriberBuffer is the channel buffer per stream subscriber.
	DefaultSubscriberBuffer = 100
	// DefaultMaxFileSize caps uploaded attachment sizes (10 MiB).
	DefaultMaxFileSize = 10 << 20
	// DefaultMaxSessions caps concurrently retained sessions; 0 means
	// unlimited.
	DefaultMaxSessions = 1024
)

// ═══════════════════════════════════════════════════════════════════════════════
// REQUESTS & PLANS
// ═══════════════════════════════════════════════════════════════════════════════

// FileMeta describes an uploaded attachment. The engine never reads the
// bytes; capabilities receive the reference through stage params.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Ref  string `json:"ref,omitempty"`
}

// Request is one admitted unit of work.
type Request struct {
	Query           string    `json:"query"`
	Modality        Modality  `json:"modality"`
	File            *FileMeta `json:"file,omitempty"`
	EnableStreaming bool      `json:"enable_streaming"`
	EnableSpeech    bool      `json:"enable_speech"`
	// UserID is an opaque correlation token from the identity provider.
	// The engine records it but never inspects it.
	UserID string `json:"user_id,omitempty"`
}

// HasFile reports whether the request carries an attachment.
func (r Request) HasFile() bool { return r.File != nil }

// StageSpec is the static description of one planned stage.
type StageSpec struct {
	Name          string            `json:"name"`
	Capability    string            `json:"capability"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	ParallelGroup string            `json:"parallel_group,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Retryable     bool              `json:"retryable,omitempty"`
	MaxRetries    int               `json:"max_retries,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// Plan is the ordered, parallel-grouped stage sequence for one session.
// It is produced once from (intent, modality, hasFile) and mutated only by
// the quality loop re-entering already-defined stages.
type Plan struct {
	Intent   Intent      `json:"intent"`
	Modality Modality    `json:"modality"`
	Stages   []StageSpec `json:"stages"`
	// RetryStage is the single named re-entry point for the quality loop:
	// the research stage when the plan has one, otherwise summarize.
	RetryStage string `json:"retry_stage"`
}

// StageIndex returns the position of a named stage, or -1.
func (p *Plan) StageIndex(name string) int {
	for i, s := range p.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// StageNames returns the plan's stage names in order.
func (p *Plan) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESULTS & EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// StageResult is the immutable outcome of one execution attempt.
type StageResult struct {
	Stage      string         `json:"stage"`
	Capability string         `json:"capability"`
	Attempt    int            `json:"attempt"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    Outcome        `json:"outcome"`
	Output     map[string]any `json:"output,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	// QualityScore is set only by critique stages.
	QualityScore *float64 `json:"quality_score,omitempty"`
	// FallbackUsed marks degraded results produced by a fallback producer.
	FallbackUsed bool `json:"fallback_used,omitempty"`
}

// Duration returns the attempt's wall-clock duration.
func (r StageResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// EventKind classifies a progress event.
type EventKind string

const (
	// EventStageStarted announces a stage dispatch.
	EventStageStarted EventKind = "stage_started"
	// EventStageCompleted carries a usable stage outcome.
	EventStageCompleted EventKind = "stage_completed"
	// EventStageFailed carries a failed stage outcome.
	EventStageFailed EventKind = "stage_failed"
	// EventToken carries one streamed partial-output token.
	EventToken EventKind = "token"
	// EventSessionCompleted is the terminal event of a completed session.
	EventSessionCompleted EventKind = "session_completed"
	// EventSessionFailed is the terminal event of a failed session.
	EventSessionFailed EventKind = "session_failed"
	// EventSessionCancelled is the terminal event of a cancelled session.
	EventSessionCancelled EventKind = "session_cancelled"
)

// String returns the string representation of the event kind.
func (k EventKind) String() string { return string(k) }

// Terminal reports whether the event ends a session's stream.
func (k EventKind) Terminal() bool {
	switch k {
	case EventSessionCompleted, EventSessionFailed, EventSessionCancelled:
		return true
	}
	return false
}

// ProgressEvent is one session transition. Sequence numbers increase
// strictly within a session and make replay idempotent.
type ProgressEvent struct {
	SessionID string         `json:"session_id"`
	Sequence  uint64         `json:"sequence"`
	Kind      EventKind      `json:"kind"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// TERMINAL RESULTS
// ═══════════════════════════════════════════════════════════════════════════════

// Confidence labels the trust in a completed session's answer.
type Confidence string

const (
	// ConfidenceHigh means the critique score cleared the threshold with
	// margin and nothing degraded.
	ConfidenceHigh Confidence = "high"
	// ConfidenceMedium means the score passed the threshold without margin.
	ConfidenceMedium Confidence = "medium"
	// ConfidenceLow means quality retries were exhausted below the
	// threshold, or a fallback degraded the pipeline; the answer is
	// best-effort.
	ConfidenceLow Confidence = "low"
)

// AudioResult describes synthesized speech output.
type AudioResult struct {
	Generated       bool    `json:"generated"`
	File            string  `json:"file,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Result is the final payload of a completed session.
type Result struct {
	Summary          string        `json:"summary"`
	KeyPoints        []string      `json:"key_points,omitempty"`
	Intent           Intent        `json:"intent"`
	IntentConfidence float64       `json:"intent_confidence"`
	QualityScore     float64       `json:"quality_score"`
	Confidence       Confidence    `json:"confidence"`
	Degraded         bool          `json:"degraded,omitempty"`
	WordCount        int           `json:"word_count"`
	ProcessingTime   time.Duration `json:"processing_time"`
	QualityRetries   int           `json:"quality_retries"`
	Audio            *AudioResult  `json:"audio,omitempty"`
}

// SessionError is the stable failure surface of a terminal failed session.
type SessionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Snapshot is the poll-visible view of a session. Between transitions,
// repeated polls return identical snapshots.
type Snapshot struct {
	SessionID    string        `json:"session_id"`
	State        SessionState  `json:"state"`
	Cursor       int           `json:"cursor"`
	Plan         []string      `json:"plan,omitempty"`
	History      []StageResult `json:"history"`
	Result       *Result       `json:"result,omitempty"`
	Error        *SessionError `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	LastSequence uint64        `json:"last_sequence"`
}

// Transcript is the append-only record handed to the sink after a session
// reaches a terminal state. It is never read back during execution.
type Transcript struct {
	SessionID      string        `json:"session_id"`
	UserID         string        `json:"user_id,omitempty"`
	Query          string        `json:"query"`
	Modality       Modality      `json:"modality"`
	Intent         Intent        `json:"intent"`
	State          SessionState  `json:"state"`
	Stages         []string      `json:"stages"`
	StageOutcomes  string        `json:"stage_outcomes,omitempty"`
	Summary        string        `json:"summary,omitempty"`
	QualityScore   float64       `json:"quality_score"`
	Confidence     Confidence    `json:"confidence,omitempty"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	WordCount      int           `json:"word_count"`
	QualityRetries int           `json:"quality_retries"`
	Degraded       bool          `json:"degraded"`
	CreatedAt      time.Time     `json:"created_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Sink receives transcripts after terminal transitions. Implementations
// must be safe for concurrent use; writes are best-effort and never block
// session completion.
type Sink interface {
	SaveTranscript(ctx context.Context, t *Transcript) error
}
