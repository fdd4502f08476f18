package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/normanking/conductor/pkg/engine"
)

const (
	// writeWait is the timeout for writing to a WebSocket.
	writeWait = 10 * time.Second

	// pongWait is the timeout for pong responses.
	pongWait = 60 * time.Second

	// pingPeriod is how often to send ping frames.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound message size allowed. Clients
	// only send control frames; anything larger is a protocol violation.
	maxMessageSize = 512

	// sseKeepAlive is how often the SSE feed emits a comment line to keep
	// intermediaries from timing out an idle stream.
	sseKeepAlive = 15 * time.Second
)

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET STREAM
// ═══════════════════════════════════════════════════════════════════════════════

// handleSessionStream handles GET /api/v1/sessions/{id}/stream. Each
// connection gets its own subscription on the session's event log; ?since=N
// replays buffered events after sequence N before live delivery. The server
// closes the connection after the terminal event.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
		return
	}

	// Subscribe before upgrading so unknown sessions get a plain 404
	// instead of a dead socket.
	events, cancel, err := s.engine.Subscribe(sessionID, since)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:      conn,
		events:    events,
		cancel:    cancel,
		sessionID: sessionID,
	}
	go client.writePump()
	go client.readPump()
}

// wsClient is one WebSocket subscriber. The write pump drains the event
// channel; the read pump watches for client disconnect. Either pump exiting
// tears the other down: cancel closes the event channel, closing the
// connection unblocks the reader.
type wsClient struct {
	conn      *websocket.Conn
	events    <-chan engine.ProgressEvent
	cancel    func()
	sessionID string
}

// writePump sends events to the WebSocket client, one JSON event per text
// frame.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Terminal event delivered (or the session was evicted);
				// nothing further will arrive.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("session_id", c.sessionID).Msg("failed to marshal event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and detects client disconnect.
func (c *wsClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("session_id", c.sessionID).Msg("websocket read error")
			}
			return
		}
		// Inbound messages are ignored; the stream is one-way.
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER-SENT EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// handleSessionEvents handles GET /api/v1/sessions/{id}/events as an SSE
// stream. Reconnecting clients resume via the standard Last-Event-ID header
// or an explicit ?since=N; both name the last sequence already seen. The
// stream ends after the terminal event.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
		return
	}
	if since == 0 {
		// Browsers replay the header automatically on reconnect; a value we
		// cannot parse means a full replay, which never loses events.
		if last, err := parseSince(r.Header.Get("Last-Event-ID")); err == nil {
			since = last
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel, err := s.engine.Subscribe(sessionID, since)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("failed to marshal event")
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Kind, data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// parseSince reads a sequence cursor; empty means from the beginning.
func parseSince(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
