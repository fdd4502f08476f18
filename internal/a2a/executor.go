// Package a2a exposes the orchestration engine over the Agent-to-Agent
// protocol. Remote agents submit work as A2A messages; session progress is
// relayed back as task status updates, and the final result as artifacts.
package a2a

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"
	"github.com/rs/zerolog/log"

	"github.com/normanking/conductor/pkg/engine"
)

func init() {
	// Register types with gob for A2A task state serialization.
	// Artifact data contains nested map/slice types.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]map[string]any{})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION EXECUTOR (implements a2asrv.AgentExecutor)
// ═══════════════════════════════════════════════════════════════════════════════

// SessionExecutor bridges A2A tasks onto engine sessions. Each Execute call
// submits one text session and relays its event stream into the task queue
// until the session reaches a terminal state.
type SessionExecutor struct {
	engine *engine.Engine

	// tasks maps in-flight A2A task IDs to session IDs so Cancel can reach
	// the underlying session.
	tasks sync.Map
}

// NewSessionExecutor creates an executor over the given engine.
func NewSessionExecutor(eng *engine.Engine) *SessionExecutor {
	return &SessionExecutor{engine: eng}
}

// Execute implements a2asrv.AgentExecutor. It submits the message text as a
// session, streams progress as working status updates, and finishes with
// artifacts plus a final status event.
func (e *SessionExecutor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	log.Info().Str("task_id", string(reqCtx.TaskID)).Msg("a2a execute received")

	working := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, nil)
	if err := queue.Write(ctx, working); err != nil {
		return fmt.Errorf("failed to write state working: %w", err)
	}

	req := engine.Request{
		Query:    extractTextFromMessage(reqCtx.Message),
		Modality: engine.ModalityText,
	}
	if reqCtx.Message != nil && reqCtx.Message.Metadata != nil {
		if uid, ok := reqCtx.Message.Metadata["user_id"].(string); ok {
			req.UserID = uid
		}
		if speech, ok := reqCtx.Message.Metadata["enable_speech"].(bool); ok {
			req.EnableSpeech = speech
		}
	}

	sessionID, err := e.engine.Submit(req)
	if err != nil {
		return e.writeFailed(ctx, reqCtx, queue, err)
	}

	e.tasks.Store(reqCtx.TaskID, sessionID)
	defer e.tasks.Delete(reqCtx.TaskID)

	events, cancel, err := e.engine.Subscribe(sessionID, 0)
	if err != nil {
		return e.writeFailed(ctx, reqCtx, queue, err)
	}
	defer cancel()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				// Terminal event delivered; the snapshot settles the outcome.
				return e.finish(ctx, reqCtx, queue, sessionID)
			}
			if err := e.relay(ctx, reqCtx, queue, event); err != nil {
				return err
			}

		case <-ctx.Done():
			// Remote side gave up; stop the session rather than letting it
			// run unobserved.
			if err := e.engine.Cancel(sessionID); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("cancel after disconnect failed")
			}
			return ctx.Err()
		}
	}
}

// Cancel implements a2asrv.AgentExecutor. For an in-flight task it signals
// the session and lets the Execute relay emit the final canceled event; for
// an unknown task it writes the canceled event directly.
func (e *SessionExecutor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	log.Info().Str("task_id", string(reqCtx.TaskID)).Msg("a2a cancel received")

	if sid, ok := e.tasks.Load(reqCtx.TaskID); ok {
		if err := e.engine.Cancel(sid.(string)); err != nil {
			log.Warn().Err(err).Str("session_id", sid.(string)).Msg("session cancel failed")
		}
		return nil
	}

	cancelEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	cancelEvent.Final = true
	return queue.Write(ctx, cancelEvent)
}

// relay converts one progress event into a task status update. Token events
// are skipped; the full summary arrives as an artifact.
func (e *SessionExecutor) relay(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, event engine.ProgressEvent) error {
	switch event.Kind {
	case engine.EventToken:
		return nil
	case engine.EventSessionCompleted, engine.EventSessionFailed, engine.EventSessionCancelled:
		// Deferred to finish once the channel closes.
		return nil
	}

	msg := a2a.NewMessage(a2a.MessageRoleAgent,
		a2a.TextPart{Text: event.Message},
		a2a.DataPart{Data: map[string]any{
			"stage":    event.Stage,
			"kind":     string(event.Kind),
			"sequence": event.Sequence,
		}},
	)
	update := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, msg)
	return queue.Write(ctx, update)
}

// finish reads the terminal snapshot and writes the closing events.
func (e *SessionExecutor) finish(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, sessionID string) error {
	snap, err := e.engine.Snapshot(sessionID)
	if err != nil {
		return e.writeFailed(ctx, reqCtx, queue, err)
	}

	switch snap.State {
	case engine.StateCompleted:
		if err := e.writeArtifacts(ctx, reqCtx, queue, snap); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to write some artifacts")
		}

		responseParts := []a2a.Part{a2a.TextPart{Text: snap.Result.Summary}}
		if metadata := buildResultMetadata(snap.Result); len(metadata) > 0 {
			responseParts = append(responseParts, a2a.DataPart{Data: metadata})
		}
		responseMsg := a2a.NewMessage(a2a.MessageRoleAgent, responseParts...)

		completeEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCompleted, responseMsg)
		completeEvent.Final = true
		if err := queue.Write(ctx, completeEvent); err != nil {
			return fmt.Errorf("failed to write state completed: %w", err)
		}
		log.Info().
			Str("task_id", string(reqCtx.TaskID)).
			Str("session_id", sessionID).
			Msg("a2a execute completed")
		return nil

	case engine.StateCancelled:
		cancelEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
		cancelEvent.Final = true
		return queue.Write(ctx, cancelEvent)

	default:
		var failErr error = fmt.Errorf("session ended in state %s", snap.State)
		if snap.Error != nil {
			failErr = snap.Error
		}
		return e.writeFailed(ctx, reqCtx, queue, failErr)
	}
}

// writeFailed emits a final failed status carrying the error text.
func (e *SessionExecutor) writeFailed(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, cause error) error {
	log.Error().Err(cause).Str("task_id", string(reqCtx.TaskID)).Msg("a2a execute failed")
	errorMsg := a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: fmt.Sprintf("Error: %v", cause)})
	failEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, errorMsg)
	failEvent.Final = true
	return queue.Write(ctx, failEvent)
}

// writeArtifacts emits the result summary and the stage trace as artifacts.
func (e *SessionExecutor) writeArtifacts(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, snap engine.Snapshot) error {
	result := snap.Result
	if result == nil {
		return nil
	}

	summaryEvent := a2a.NewArtifactEvent(reqCtx, a2a.TextPart{Text: result.Summary})
	summaryEvent.Artifact.Name = "summary"
	summaryEvent.Artifact.Description = "Final synthesized answer"
	if err := queue.Write(ctx, summaryEvent); err != nil {
		return err
	}

	stages := make([]map[string]any, 0, len(snap.History))
	for _, sr := range snap.History {
		stages = append(stages, map[string]any{
			"stage":      sr.Stage,
			"capability": sr.Capability,
			"attempt":    sr.Attempt,
			"outcome":    string(sr.Outcome),
			"durationMs": sr.Duration().Milliseconds(),
			"fallback":   sr.FallbackUsed,
		})
	}
	traceEvent := a2a.NewArtifactEvent(reqCtx, a2a.DataPart{Data: map[string]any{
		"stages":           stages,
		"qualityScore":     result.QualityScore,
		"qualityRetries":   result.QualityRetries,
		"processingTimeMs": result.ProcessingTime.Milliseconds(),
	}})
	traceEvent.Artifact.Name = "execution-trace"
	traceEvent.Artifact.Description = "Per-stage execution history with outcomes"
	if err := queue.Write(ctx, traceEvent); err != nil {
		return err
	}

	if result.Audio != nil && result.Audio.Generated {
		audioEvent := a2a.NewArtifactEvent(reqCtx, a2a.DataPart{Data: map[string]any{
			"file":            result.Audio.File,
			"durationSeconds": result.Audio.DurationSeconds,
		}})
		audioEvent.Artifact.Name = "speech"
		audioEvent.Artifact.Description = "Synthesized narration of the summary"
		if err := queue.Write(ctx, audioEvent); err != nil {
			return err
		}
	}

	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func extractTextFromMessage(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var text string
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			text += p.Text + " "
		case *a2a.TextPart:
			text += p.Text + " "
		}
	}
	return text
}

func buildResultMetadata(result *engine.Result) map[string]any {
	if result == nil {
		return nil
	}
	metadata := map[string]any{
		"intent":           string(result.Intent),
		"intentConfidence": result.IntentConfidence,
		"qualityScore":     result.QualityScore,
		"confidence":       string(result.Confidence),
		"wordCount":        result.WordCount,
		"processingTimeMs": result.ProcessingTime.Milliseconds(),
	}
	if result.Degraded {
		metadata["degraded"] = true
	}
	if len(result.KeyPoints) > 0 {
		metadata["keyPoints"] = result.KeyPoints
	}
	return metadata
}
