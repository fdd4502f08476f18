// Package server exposes the orchestration engine over HTTP: a JSON REST
// API for the session lifecycle, a WebSocket stream and an SSE feed for
// push progress, and optional A2A protocol mounts on the same listener.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/normanking/conductor/internal/metrics"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/engine"
)

// Version is reported by /health and the index endpoint.
const Version = "1.0.0"

// Options configures the HTTP server.
type Options struct {
	// Engine is the orchestration core. Required.
	Engine *engine.Engine
	// Store serves /api/v1/history when set.
	Store *store.Store
	// Collector enriches /api/v1/stats with live counters when set.
	Collector *metrics.Collector
	// A2A mounts the agent-to-agent protocol handlers when set.
	A2A *A2AMounts
}

// A2AMounts carries pre-built A2A protocol handlers. The JSON-RPC handler
// claims "/" (the A2A transport convention); the card handler is mounted
// at each CardPath.
type A2AMounts struct {
	JSONRPC   http.Handler
	Card      http.Handler
	CardPaths []string
}

// Server is the HTTP front of the orchestration engine.
type Server struct {
	engine    *engine.Engine
	store     *store.Store
	collector *metrics.Collector
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
	server    *http.Server
	startedAt time.Time
}

// NewServer wires the REST, WebSocket, and SSE surfaces over the engine.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}

	s := &Server{
		engine:    opts.Engine,
		store:     opts.Store,
		collector: opts.Collector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from any origin for development
				// In production, restrict this to specific origins
				return true
			},
		},
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}

	s.mux.HandleFunc("POST /api/v1/sessions", s.handleSubmit)
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCancelSession)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/stream", s.handleSessionStream)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleSessionEvents)
	s.mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/v1/history/{id}", s.handleGetTranscript)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	if opts.A2A != nil {
		s.mux.Handle("/", opts.A2A.JSONRPC)
		for _, path := range opts.A2A.CardPaths {
			s.mux.Handle(path, opts.A2A.Card)
		}
	} else {
		s.mux.HandleFunc("/", s.handleIndex)
	}

	return s, nil
}

// ServeHTTP implements http.Handler with permissive CORS for browser
// dashboards and cross-origin monitors.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Last-Event-ID")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Bool("history", s.store != nil).
		Bool("stats", s.collector != nil).
		Msg("http server listening")

	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully. In-flight requests get until the
// context deadline; WebSocket and SSE clients are disconnected.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// handleIndex provides basic service info at the root endpoint when no
// A2A handler claims it.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	info := struct {
		Name      string   `json:"name"`
		Version   string   `json:"version"`
		Sessions  string   `json:"sessions_endpoint"`
		Stream    string   `json:"stream_endpoint"`
		Events    string   `json:"events_endpoint"`
		Health    string   `json:"health_endpoint"`
		Providers []string `json:"capabilities"`
	}{
		Name:      "Conductor Orchestration Service",
		Version:   Version,
		Sessions:  "/api/v1/sessions",
		Stream:    "/api/v1/sessions/{id}/stream",
		Events:    "/api/v1/sessions/{id}/events",
		Health:    "/health",
		Providers: s.engine.Capabilities(),
	}

	writeJSON(w, http.StatusOK, info)
}

// handleHealth responds to health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var storageErr string
	if s.store != nil {
		if err := s.store.Health(); err != nil {
			status = "degraded"
			storageErr = err.Error()
		}
	}

	stats := s.engine.Stats()
	health := struct {
		Status       string `json:"status"`
		Service      string `json:"service"`
		Version      string `json:"version"`
		Sessions     int    `json:"sessions"`
		Capabilities int    `json:"capabilities"`
		UptimeSec    int64  `json:"uptime_sec"`
		StorageError string `json:"storage_error,omitempty"`
	}{
		Status:       status,
		Service:      "conductor",
		Version:      Version,
		Sessions:     stats.Sessions,
		Capabilities: len(stats.Capabilities),
		UptimeSec:    int64(time.Since(s.startedAt).Seconds()),
		StorageError: storageErr,
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}
