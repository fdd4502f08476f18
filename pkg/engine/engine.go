// Package engine implements a multi-agent orchestration core: one submitted
// request becomes a planned pipeline of capability-backed stages with
// per-session progress, fallback and retry semantics, and a bounded
// quality-control loop. Sessions are observable by polling a snapshot or by
// subscribing to an ordered event stream; both views derive from one
// per-session event log.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE FACADE
// ═══════════════════════════════════════════════════════════════════════════════

// Engine is the public entry point. Construct one per process with New,
// submit requests, observe them, and Close on shutdown. All methods are safe
// for concurrent use.
type Engine struct {
	capabilities *Registry
	planner      *Planner
	executor     *Executor
	publisher    *Publisher
	coordinator  *Coordinator
	sessions     *sessionRegistry

	qualityThreshold  float64
	maxQualityRetries int
	sessionTimeout    time.Duration
	retention         time.Duration
	maxSessions       int
	maxFileSize       int64
	eventBuffer       int
	subscriberBuffer  int
	sink              Sink
	lenient           bool

	// unavailable records (intent, modality) combinations whose plan failed
	// validation under lenient startup; Submit refuses matching requests.
	unavailable map[planKey]error

	closed atomic.Bool
	wg     sync.WaitGroup
}

// planKey identifies one plan template.
type planKey struct {
	intent   Intent
	modality Modality
}

// New builds an Engine over a capability registry. Every plan template
// reachable from the builtin intents and modalities is validated up front;
// a missing capability fails construction unless WithLenientValidation was
// given, in which case the affected combinations are refused per submission
// instead.
func New(capabilities *Registry, opts ...Option) (*Engine, error) {
	if capabilities == nil {
		return nil, fmt.Errorf("engine: capability registry is required")
	}

	e := &Engine{
		capabilities:      capabilities,
		planner:           NewPlanner(),
		qualityThreshold:  DefaultQualityThreshold,
		maxQualityRetries: DefaultMaxQualityRetries,
		sessionTimeout:    DefaultSessionTimeout,
		retention:         DefaultRetention,
		maxSessions:       DefaultMaxSessions,
		maxFileSize:       DefaultMaxFileSize,
		eventBuffer:       DefaultEventBuffer,
		subscriberBuffer:  DefaultSubscriberBuffer,
		unavailable:       make(map[planKey]error),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.validateTemplates(); err != nil {
		return nil, err
	}

	e.executor = NewExecutor(capabilities)
	e.publisher = NewPublisher(e.eventBuffer, e.subscriberBuffer)
	e.sessions = newSessionRegistry(e.maxSessions, e.retention, e.publisher.Evict)
	e.coordinator = NewCoordinator(CoordinatorConfig{
		Planner:           e.planner,
		Executor:          e.executor,
		Capabilities:      capabilities,
		Publisher:         e.publisher,
		Sink:              e.sink,
		QualityThreshold:  e.qualityThreshold,
		MaxQualityRetries: e.maxQualityRetries,
	})

	log.Info().
		Int("capabilities", capabilities.Len()).
		Int("unavailable_templates", len(e.unavailable)).
		Bool("lenient", e.lenient).
		Msg("orchestration engine ready")
	return e, nil
}

// validateTemplates walks every (intent, modality, file, speech) template
// against the registry. Strict mode fails fast on the first hole; lenient
// mode records the holes for submission-time refusal.
func (e *Engine) validateTemplates() error {
	if !e.capabilities.Has(CapClassifyIntent) {
		err := fmt.Errorf("capability %q is not registered", CapClassifyIntent)
		if !e.lenient {
			return err
		}
		for _, intent := range AllIntents() {
			for _, modality := range AllModalities() {
				e.unavailable[planKey{intent, modality}] = err
			}
		}
		return nil
	}

	for _, intent := range AllIntents() {
		for _, modality := range AllModalities() {
			var firstErr error
			for _, hasFile := range []bool{false, true} {
				for _, speech := range []bool{false, true} {
					plan := e.planner.Plan(intent, modality, hasFile, speech)
					if err := ValidatePlan(plan, e.capabilities); err != nil {
						firstErr = err
						break
					}
				}
				if firstErr != nil {
					break
				}
			}
			if firstErr == nil {
				continue
			}
			if !e.lenient {
				return fmt.Errorf("plan template %s/%s: %w", intent, modality, firstErr)
			}
			e.unavailable[planKey{intent, modality}] = firstErr
		}
	}
	return nil
}

// Submit admits a request and returns its session ID. Processing is
// asynchronous; the caller observes progress via Snapshot or Subscribe.
// Rejections return *SessionError (validation or capability availability)
// or a sentinel (ErrClosed, ErrSessionLimit); no session exists for a
// rejected request.
func (e *Engine) Submit(req Request) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}

	req, err := e.normalizeRequest(req)
	if err != nil {
		return "", err
	}
	if err := e.checkAvailability(req.Modality); err != nil {
		return "", err
	}

	// The provisional plan assumes general intent; the coordinator replans
	// once classification resolves the real one.
	provisional := e.planner.Plan(IntentGeneral, req.Modality, req.HasFile(), req.EnableSpeech)
	if err := ValidatePlan(provisional, e.capabilities); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.sessionTimeout)
	sess := newSession(req, provisional, cancel)
	if err := e.sessions.add(sess); err != nil {
		cancel()
		return "", err
	}
	e.publisher.Open(sess.id, sess.snapshot())

	log.Info().
		Str("session_id", sess.id).
		Str("modality", req.Modality.String()).
		Bool("has_file", req.HasFile()).
		Bool("speech", req.EnableSpeech).
		Msg("session admitted")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.coordinator.run(ctx, sess)
	}()
	return sess.id, nil
}

// normalizeRequest applies defaults and rejects malformed submissions.
func (e *Engine) normalizeRequest(req Request) (Request, error) {
	if req.Modality == "" {
		req.Modality = ModalityText
	}
	if !req.Modality.Valid() {
		return req, &SessionError{Kind: KindValidation, Message: fmt.Sprintf("unknown modality %q", req.Modality)}
	}
	if strings.TrimSpace(req.Query) == "" && !req.HasFile() {
		return req, &SessionError{Kind: KindValidation, Message: "request needs a query or a file"}
	}
	switch req.Modality {
	case ModalityImage, ModalityAudio, ModalityDocument:
		if !req.HasFile() {
			return req, &SessionError{Kind: KindValidation, Message: fmt.Sprintf("%s requests need a file", req.Modality)}
		}
	}
	if req.HasFile() && req.File.Size > e.maxFileSize {
		return req, &SessionError{
			Kind:    KindValidation,
			Message: fmt.Sprintf("file %s exceeds the %d byte limit", req.File.Name, e.maxFileSize),
		}
	}
	return req, nil
}

// checkAvailability refuses modalities whose templates failed lenient
// startup validation. Intent is unknown at submission, so any broken intent
// for the modality refuses the request; execution must never reach an
// unregistered capability.
func (e *Engine) checkAvailability(modality Modality) error {
	for _, intent := range AllIntents() {
		if err, ok := e.unavailable[planKey{intent, modality}]; ok {
			return &SessionError{
				Kind:    KindCapabilityUnavailable,
				Message: fmt.Sprintf("%s requests are unavailable: %v", modality, err),
			}
		}
	}
	return nil
}

// Snapshot returns the poll-visible view of a session. Evicted and unknown
// sessions return ErrNotFound.
func (e *Engine) Snapshot(sessionID string) (Snapshot, error) {
	snap, ok := e.publisher.Snapshot(sessionID)
	if !ok {
		return Snapshot{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return snap, nil
}

// Subscribe streams a session's progress events from the given sequence
// (0 replays everything still buffered). The channel closes after the
// terminal event; call cancel to detach early.
func (e *Engine) Subscribe(sessionID string, since uint64) (<-chan ProgressEvent, func(), error) {
	return e.publisher.Subscribe(sessionID, since)
}

// SubscribeAll streams every session's events for process-wide consumers
// such as the metrics collector.
func (e *Engine) SubscribeAll() (<-chan ProgressEvent, func()) {
	return e.publisher.SubscribeAll()
}

// Cancel requests cooperative cancellation. The in-flight stage finishes or
// times out first; terminal sessions ignore the request. Idempotent.
func (e *Engine) Cancel(sessionID string) error {
	sess, ok := e.sessions.get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if sess.State().Terminal() {
		return nil
	}
	log.Info().Str("session_id", sessionID).Msg("cancellation requested")
	sess.requestCancel()
	return nil
}

// Wait blocks until the session reaches a terminal state or the context
// dies, then returns the final snapshot.
func (e *Engine) Wait(ctx context.Context, sessionID string) (Snapshot, error) {
	sess, ok := e.sessions.get(sessionID)
	if !ok {
		// Already evicted or never existed; the snapshot settles it.
		return e.Snapshot(sessionID)
	}
	select {
	case <-sess.Done():
		return e.Snapshot(sessionID)
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Stats summarizes the engine's live state.
type Stats struct {
	Sessions     int                  `json:"sessions"`
	ByState      map[SessionState]int `json:"by_state"`
	Capabilities []string             `json:"capabilities"`
}

// Stats returns a point-in-time summary for the stats and health surfaces.
func (e *Engine) Stats() Stats {
	return Stats{
		Sessions:     e.sessions.count(),
		ByState:      e.sessions.countByState(),
		Capabilities: e.capabilities.Names(),
	}
}

// Capabilities exposes the registered capability names.
func (e *Engine) Capabilities() []string { return e.capabilities.Names() }

// Sessions returns point-in-time snapshots of every tracked session,
// newest first.
func (e *Engine) Sessions() []Snapshot {
	ids := e.publisher.SessionIDs()
	snaps := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := e.publisher.Snapshot(id); ok {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps
}

// Close cancels running sessions, waits for their coordinators, and tears
// down the publisher and registry. Idempotent.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	for _, sess := range e.sessions.list() {
		if !sess.State().Terminal() {
			sess.requestCancel()
		}
	}
	e.wg.Wait()
	e.sessions.close()
	e.publisher.Close()
	log.Info().Msg("orchestration engine closed")
}
