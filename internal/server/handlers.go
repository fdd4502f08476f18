package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/conductor/internal/metrics"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/engine"
)

// storeTimeout bounds each transcript archive query.
const storeTimeout = 5 * time.Second

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

// SubmitResponse is the payload returned when a session is admitted.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	StreamURL string `json:"stream_url"`
	EventsURL string `json:"events_url"`
}

// handleSubmit handles POST /api/v1/sessions.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	sessionID, err := s.engine.Submit(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		SessionID: sessionID,
		State:     engine.StateCreated.String(),
		StreamURL: "/api/v1/sessions/" + sessionID + "/stream",
		EventsURL: "/api/v1/sessions/" + sessionID + "/events",
	})
}

// handleGetSession handles GET /api/v1/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID required")
		return
	}

	snap, err := s.engine.Snapshot(sessionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleCancelSession handles DELETE /api/v1/sessions/{id}.
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID required")
		return
	}

	if err := s.engine.Cancel(sessionID); err != nil {
		writeEngineError(w, err)
		return
	}

	// Cancellation is asynchronous; the snapshot may still show the session
	// running until the coordinator observes the signal.
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"status":     "cancelling",
	})
}

// SessionsListResponse is the payload for the session list endpoint.
type SessionsListResponse struct {
	Sessions []engine.Snapshot `json:"sessions"`
	Total    int               `json:"total"`
}

// handleListSessions handles GET /api/v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.engine.Sessions()

	if stateFilter := r.URL.Query().Get("state"); stateFilter != "" {
		filtered := snaps[:0]
		for _, snap := range snaps {
			if snap.State.String() == stateFilter {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}

	writeJSON(w, http.StatusOK, SessionsListResponse{
		Sessions: snaps,
		Total:    len(snaps),
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

// HistoryResponse is the payload for the transcript list endpoint.
type HistoryResponse struct {
	Transcripts []*engine.Transcript `json:"transcripts"`
	Total       int                  `json:"total"`
}

// handleHistory handles GET /api/v1/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript storage not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	transcripts, err := s.store.RecentTranscripts(ctx, limit)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list transcripts")
		writeError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Transcripts: transcripts,
		Total:       len(transcripts),
	})
}

// handleGetTranscript handles GET /api/v1/history/{id}.
func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript storage not configured")
		return
	}

	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session ID required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	transcript, err := s.store.GetTranscript(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrTranscriptNotFound) {
			writeError(w, http.StatusNotFound, "transcript not found: "+sessionID)
			return
		}
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to load transcript")
		writeError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	writeJSON(w, http.StatusOK, transcript)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATS HANDLER
// ═══════════════════════════════════════════════════════════════════════════════

// StatsResponse aggregates engine, service, and archive counters.
type StatsResponse struct {
	Timestamp string                      `json:"timestamp"`
	Engine    engine.Stats                `json:"engine"`
	Service   *metrics.ServiceStats       `json:"service,omitempty"`
	Archive   map[engine.SessionState]int `json:"archive,omitempty"`
}

// handleStats handles GET /api/v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Engine:    s.engine.Stats(),
	}

	if s.collector != nil {
		stats := s.collector.Stats()
		resp.Service = &stats
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		counts, err := s.store.CountByState(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to count archived transcripts")
		} else {
			resp.Archive = counts
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine failures onto HTTP status codes. Typed
// session errors carry their kind so clients can distinguish a bad payload
// from a missing capability.
func writeEngineError(w http.ResponseWriter, err error) {
	var sessErr *engine.SessionError
	switch {
	case errors.As(err, &sessErr):
		status := http.StatusInternalServerError
		switch sessErr.Kind {
		case engine.KindValidation:
			status = http.StatusBadRequest
		case engine.KindCapabilityUnavailable:
			// The registry is static, so a missing capability is a permanent
			// condition for this modality/intent, not a transient outage.
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]string{
			"error": sessErr.Message,
			"kind":  sessErr.Kind.String(),
		})
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrSessionLimit):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
