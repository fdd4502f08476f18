package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/agents"
	"github.com/normanking/conductor/internal/metrics"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	registry, err := agents.NewRegistry(nil)
	require.NoError(t, err)
	eng, err := engine.New(registry, opts...)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv, err := NewServer(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func submitSession(t *testing.T, ts *httptest.Server, body string) SubmitResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitted SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	require.NotEmpty(t, submitted.SessionID)
	return submitted
}

func waitTerminal(t *testing.T, eng *engine.Engine, sessionID string) engine.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := eng.Wait(ctx, sessionID)
	require.NoError(t, err)
	require.True(t, snap.State.Terminal())
	return snap
}

func TestSubmitAndPoll(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	submitted := submitSession(t, ts, `{"query": "summarize the history of distributed consensus", "modality": "text"}`)
	assert.Equal(t, "created", submitted.State)
	assert.Contains(t, submitted.StreamURL, submitted.SessionID)

	waitTerminal(t, eng, submitted.SessionID)

	resp, err := http.Get(ts.URL + "/api/v1/sessions/" + submitted.SessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap engine.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, submitted.SessionID, snap.SessionID)
	assert.Equal(t, engine.StateCompleted, snap.State)
	require.NotNil(t, snap.Result)
	assert.NotEmpty(t, snap.Result.Summary)
	assert.NotZero(t, snap.LastSequence)

	// Polls between transitions return identical snapshots.
	resp2, err := http.Get(ts.URL + "/api/v1/sessions/" + submitted.SessionID)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var snap2 engine.Snapshot
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&snap2))
	assert.Equal(t, snap.LastSequence, snap2.LastSequence)
	assert.Equal(t, snap.UpdatedAt, snap2.UpdatedAt)
}

func TestSubmitValidation(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	tests := []struct {
		name string
		body string
		kind string
	}{
		{name: "empty request", body: `{}`, kind: "validation_error"},
		{name: "unknown modality", body: `{"query": "hi", "modality": "hologram"}`, kind: "validation_error"},
		{name: "image without file", body: `{"query": "describe this", "modality": "image"}`, kind: "validation_error"},
		{name: "malformed JSON", body: `{"query": `, kind: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var payload map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			assert.NotEmpty(t, payload["error"])
			if tt.kind != "" {
				assert.Equal(t, tt.kind, payload["kind"])
			}
		})
	}
}

func TestGetSessionNotFound(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	resp, err := http.Get(ts.URL + "/api/v1/sessions/no-such-session")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelSession(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	t.Run("unknown session", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/no-such-session", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("terminal session is a no-op", func(t *testing.T) {
		submitted := submitSession(t, ts, `{"query": "what is a merkle tree"}`)
		waitTerminal(t, eng, submitted.SessionID)

		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/"+submitted.SessionID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})
}

func TestListSessions(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	first := submitSession(t, ts, `{"query": "compare raft and paxos"}`)
	second := submitSession(t, ts, `{"query": "explain vector clocks"}`)
	waitTerminal(t, eng, first.SessionID)
	waitTerminal(t, eng, second.SessionID)

	resp, err := http.Get(ts.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list SessionsListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 2, list.Total)

	resp2, err := http.Get(ts.URL + "/api/v1/sessions?state=failed")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var failed SessionsListResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&failed))
	assert.Equal(t, 0, failed.Total)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestSessionStreamWebSocket(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	submitted := submitSession(t, ts, `{"query": "summarize the cap theorem", "enable_streaming": true}`)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/v1/sessions/"+submitted.SessionID+"/stream"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var events []engine.ProgressEvent
	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"expected normal close, got %v", err)
			break
		}
		var event engine.ProgressEvent
		require.NoError(t, json.Unmarshal(data, &event))
		events = append(events, event)
	}

	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence, "sequences must be strictly increasing")
	}
	last := events[len(events)-1]
	assert.True(t, last.Kind.Terminal())
	assert.Equal(t, engine.EventSessionCompleted, last.Kind)
}

func TestSessionStreamNotFound(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/v1/sessions/no-such-session/stream"), nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionStreamSinceReplay(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	submitted := submitSession(t, ts, `{"query": "summarize consensus algorithms"}`)
	snap := waitTerminal(t, eng, submitted.SessionID)
	require.Greater(t, snap.LastSequence, uint64(2))

	// Reconnect claiming everything up to the midpoint was already seen.
	midpoint := snap.LastSequence / 2
	streamPath := "/api/v1/sessions/" + submitted.SessionID + "/stream?since=" + strconv.FormatUint(midpoint, 10)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, streamPath), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var sequences []uint64
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var event engine.ProgressEvent
		require.NoError(t, json.Unmarshal(data, &event))
		sequences = append(sequences, event.Sequence)
	}

	require.NotEmpty(t, sequences)
	assert.Equal(t, midpoint+1, sequences[0], "replay starts immediately after the cursor")
	assert.Equal(t, snap.LastSequence, sequences[len(sequences)-1])
	seen := make(map[uint64]bool)
	for _, seq := range sequences {
		assert.False(t, seen[seq], "sequence %d delivered twice", seq)
		seen[seq] = true
	}
}

func TestSessionEventsSSE(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	submitted := submitSession(t, ts, `{"query": "explain eventual consistency"}`)
	snap := waitTerminal(t, eng, submitted.SessionID)

	// The session is terminal, so the subscription replays the full log and
	// closes; the response body is finite.
	resp, err := http.Get(ts.URL + "/api/v1/sessions/" + submitted.SessionID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids []uint64
	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			ids = append(ids, id)
		case strings.HasPrefix(line, "event: "):
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NoError(t, scanner.Err())

	require.NotEmpty(t, ids)
	assert.Equal(t, snap.LastSequence, ids[len(ids)-1])
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
	assert.Contains(t, kinds, string(engine.EventSessionCompleted))

	// A reconnect that has already seen everything gets an empty stream.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions/"+submitted.SessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", strconv.FormatUint(snap.LastSequence, 10))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp2.Body)
	require.NoError(t, err)
	assert.NotContains(t, body.String(), "event: ")
}

func TestHistoryEndpoints(t *testing.T) {
	st, err := store.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := newTestEngine(t, engine.WithSink(st))
	ts := newTestServer(t, Options{Engine: eng, Store: st})

	submitted := submitSession(t, ts, `{"query": "summarize byzantine fault tolerance"}`)
	waitTerminal(t, eng, submitted.SessionID)

	// The transcript write is asynchronous.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/history")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var history HistoryResponse
		if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
			return false
		}
		return history.Total == 1
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/v1/history/" + submitted.SessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var transcript engine.Transcript
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&transcript))
	assert.Equal(t, submitted.SessionID, transcript.SessionID)
	assert.Equal(t, engine.StateCompleted, transcript.State)
	assert.NotEmpty(t, transcript.Summary)

	missing, err := http.Get(ts.URL + "/api/v1/history/no-such-session")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHistoryWithoutStore(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	resp, err := http.Get(ts.URL + "/api/v1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStats(t *testing.T) {
	eng := newTestEngine(t)
	collector := metrics.NewCollector()
	collector.Start(eng)
	t.Cleanup(collector.Stop)
	ts := newTestServer(t, Options{Engine: eng, Collector: collector})

	submitted := submitSession(t, ts, `{"query": "summarize gossip protocols"}`)
	waitTerminal(t, eng, submitted.SessionID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var stats StatsResponse
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return false
		}
		return stats.Service != nil && stats.Service.SessionsCompleted == 1
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.NotEmpty(t, stats.Engine.Capabilities)
	assert.NotEmpty(t, stats.Timestamp)
}

func TestHealth(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "conductor", health["service"])
}

func TestHealthDegradedStorage(t *testing.T) {
	st, err := store.NewDB(t.TempDir())
	require.NoError(t, err)

	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng, Store: st})

	require.NoError(t, st.Close())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health["status"])
}

func TestIndex(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "Conductor Orchestration Service", info["name"])
	caps, ok := info["capabilities"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, caps)

	missing, err := http.Get(ts.URL + "/no-such-path")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	eng := newTestEngine(t)
	ts := newTestServer(t, Options{Engine: eng})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}
