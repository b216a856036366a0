// Package server exposes the localhost HTTP API: projects, chat sessions and
// streams, run inspection, event queries, billing, and the health and metrics
// surfaces.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/amon/internal/bus"
	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/observability"
	"github.com/haasonsaas/amon/internal/orchestrator"
	"github.com/haasonsaas/amon/internal/project"
	"github.com/haasonsaas/amon/internal/runtime"
	"github.com/haasonsaas/amon/internal/stream"
	"github.com/haasonsaas/amon/internal/vault"
)

// SchemaVersion is reported under observability in /health responses.
const SchemaVersion = "v0.1"

// streamTokenTTL bounds how long a stream/init token stays redeemable.
const streamTokenTTL = 5 * time.Minute

// Deps wires the server into the platform.
type Deps struct {
	Config       config.ServerConfig
	DataDir      string
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Bus          *bus.Bus
	Streams      *eventlog.Registry
	Projects     *project.Store
	Orchestrator *orchestrator.Orchestrator
	Runtime      *runtime.Runtime
	Broker       *stream.Broker
	Vault        *vault.Vault
}

// Server is the HTTP API front end.
type Server struct {
	deps   Deps
	logger *slog.Logger
	health *observability.HealthWindow
	mux    *http.ServeMux

	// active counts open SSE streams, mirrored into the queue depth gauge.
	active atomic.Int64

	mu       sync.Mutex
	tokens   map[string]pendingStream
	httpSrv  *http.Server
	listener net.Listener
}

type pendingStream struct {
	projectID string
	chatID    string
	message   string
	mode      string
	expires   time.Time
}

// New builds the server and its route table.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "server"),
		health: observability.NewHealthWindow(5 * time.Minute),
		tokens: make(map[string]pendingStream),
	}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/projects", s.wrap(s.handleListProjects))
	mux.HandleFunc("POST /v1/projects", s.wrap(s.handleCreateProject))

	mux.HandleFunc("POST /v1/chat/sessions", s.wrap(s.handleEnsureSession))
	mux.HandleFunc("GET /v1/chat/stream", s.wrap(s.handleChatStream))
	mux.HandleFunc("POST /v1/chat/stream/init", s.wrap(s.handleStreamInit))
	mux.HandleFunc("POST /v1/chat/plan/confirm", s.wrap(s.handlePlanConfirm))
	mux.HandleFunc("POST /v1/context/clear", s.wrap(s.handleContextClear))

	mux.HandleFunc("GET /v1/runs", s.wrap(s.handleListRuns))
	mux.HandleFunc("GET /v1/runs/{run_id}/graph", s.wrap(s.handleRunGraph))
	mux.HandleFunc("GET /v1/runs/{run_id}/nodes/{node_id}", s.wrap(s.handleRunNode))
	mux.HandleFunc("GET /v1/runs/{run_id}/artifacts", s.wrap(s.handleRunArtifacts))
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", s.wrap(s.handleRunCancel))

	mux.HandleFunc("GET /v1/events/query", s.wrap(s.handleEventsQuery))
	mux.HandleFunc("GET /v1/logs/query", s.wrap(s.handleLogsQuery))

	mux.HandleFunc("GET /v1/billing/summary", s.wrap(s.handleBillingSummary))
	mux.HandleFunc("GET /v1/billing/stream", s.wrap(s.handleBillingStream))

	mux.HandleFunc("GET /health", s.wrap(s.handleHealth))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))

	return mux
}

// Handler returns the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the configured localhost address and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Host, s.deps.Config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.Wrapf(errs.KindIO, err, "listen %s", addr)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}
}

// handlerFunc is a handler that reports its error for uniform encoding.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// wrap applies request accounting and error encoding.
func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.deps.Metrics.RequestTotal.Inc()
		err := h(w, r)
		s.health.Observe(err != nil)
		if err != nil {
			s.deps.Metrics.ErrorTotal.Inc()
			s.writeError(w, err)
		}
		s.deps.Metrics.ErrorRate.Set(s.health.Snapshot().ErrorRate)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindConfigInvalid, errs.KindProtocol, errs.KindMissingChatID:
		status = http.StatusBadRequest
	case errs.KindToolDenied, errs.KindPathNotAllowed:
		status = http.StatusForbidden
	case errs.KindBudgetExceeded:
		status = http.StatusPaymentRequired
	case errs.KindModelRateLimit:
		status = http.StatusTooManyRequests
	case errs.KindModelAuthFailed:
		status = http.StatusBadGateway
	case errs.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{
		"error_code": string(kind),
		"error":      map[string]any{"code": string(kind), "message": err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrapf(errs.KindProtocol, err, "decode request body")
	}
	return nil
}

// projectRootFromQuery resolves and validates the project_id parameter.
func (s *Server) projectRoot(projectID string) (string, error) {
	if projectID == "" {
		return "", errs.New(errs.KindConfigInvalid, "project_id is required")
	}
	proj, err := s.deps.Projects.Get(projectID)
	if err != nil {
		return "", err
	}
	return proj.Root, nil
}

// runStore opens the run store for a project root.
func (s *Server) runStore(projectRoot string) *runtime.Store {
	return runtime.NewStore(projectRoot, s.deps.Vault)
}
