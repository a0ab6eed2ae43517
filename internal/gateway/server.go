// Package gateway exposes the orchestrator over HTTP: a streaming chat
// endpoint, confirmation resolution, session inspection, and a websocket
// control plane.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/observability"
)

// Server hosts the HTTP and websocket surface of the gateway.
type Server struct {
	orchestrator *agent.Orchestrator
	store        history.Store
	compactor    *history.Compactor
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	logger       *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// Config assembles a gateway server. Orchestrator and Store are required.
type Config struct {
	Host string
	Port int

	Orchestrator *agent.Orchestrator
	Store        history.Store
	Compactor    *history.Compactor
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Logger       *slog.Logger
}

// NewServer creates a gateway server from the given configuration.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		orchestrator: cfg.Orchestrator,
		store:        cfg.Store,
		compactor:    cfg.Compactor,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger,
		addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
}

// Handler returns the routed HTTP handler, wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/sessions/{id}/confirm", s.handleConfirmResolve)
	mux.HandleFunc("GET /v1/sessions/{id}/confirm", s.handleConfirmPending)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionStats)
	mux.HandleFunc("PATCH /v1/sessions/{id}", s.handleSessionPatch)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionClear)
	mux.HandleFunc("GET /v1/tools", s.handleTools)

	mux.Handle("GET /ws", s.newWSHandler())

	return s.withRequestMetrics(mux)
}

// Start begins serving on the configured address. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// compactAfterTurn runs the history compaction policy once a turn has
// finished. Compaction failures never affect the finished turn's response.
func (s *Server) compactAfterTurn(ctx context.Context, sessionID string) {
	if s.compactor == nil {
		return
	}
	// The request context may already be cancelled by a departed client;
	// compaction still has to run to completion.
	ctx = context.WithoutCancel(ctx)
	if _, err := s.compactor.MaybeCompact(ctx, sessionID); err != nil {
		s.logger.Warn("history compaction failed", "session_id", sessionID, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
