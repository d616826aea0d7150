// Package api implements the toque HTTP surface: the record browser,
// the interactive chat endpoint, the live log stream and operational
// endpoints.
package api

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/toque/internal/buildinfo"
	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/connwatch"
	"github.com/nugget/toque/internal/events"
	"github.com/nugget/toque/internal/journal"
	"github.com/nugget/toque/internal/metrics"
	"github.com/nugget/toque/internal/scheduler"
	"github.com/nugget/toque/internal/session"
)

//go:embed static/*
var staticFiles embed.FS

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ChefReader is the read side of the record store.
type ChefReader interface {
	All(ctx context.Context) ([]chefs.Record, error)
	BySeason(ctx context.Context, season int) ([]chefs.Record, error)
	Seasons(ctx context.Context) ([]int, error)
}

// JournalReader lists journal entries.
type JournalReader interface {
	Recent(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// ChatService runs interactive chat sessions.
type ChatService interface {
	Submit(ctx context.Context, sessionID, message string) (session.Status, error)
	Reset(ctx context.Context, sessionID string) error
}

// Jobs exposes the scheduler.
type Jobs interface {
	Dispatch(name string) error
	Stats() scheduler.Stats
	Executions(task string, limit int) ([]*scheduler.Execution, error)
}

// Health reports the reachability of external services.
type Health interface {
	Status() []connwatch.ServiceStatus
}

// Deps are the collaborators a Server routes to. Any of them may be
// nil; the matching endpoints then answer 503.
type Deps struct {
	Logger  *slog.Logger
	Chefs   ChefReader
	Journal JournalReader
	Chat    ChatService
	Jobs    Jobs
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Health  Health

	// CycleTask is the job POST /api/cycle dispatches by default.
	CycleTask string

	// Keepalive is the SSE comment interval; zero means 60s.
	Keepalive time.Duration
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Keepalive <= 0 {
		d.Keepalive = 60 * time.Second
	}
	if d.CycleTask == "" {
		d.CycleTask = "agent_cycle"
	}
	return &Server{address: address, port: port, deps: d, logger: d.Logger}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	mux.HandleFunc("GET /api/chefs", s.handleChefs)
	mux.HandleFunc("GET /api/chefs/seasons", s.handleSeasons)
	mux.HandleFunc("GET /api/chefs/season/{season}", s.handleSeason)
	mux.HandleFunc("GET /api/journal", s.handleJournal)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/reset", s.handleChatReset)

	mux.HandleFunc("POST /api/log", s.handleLog)
	mux.HandleFunc("POST /log_message", s.handleLog)
	mux.HandleFunc("POST /api/cycle", s.handleCycle)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)

	mux.HandleFunc("GET /stream_logs", s.handleStream)
	mux.HandleFunc("GET /ws/events", s.handleWebSocket)

	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /", http.FileServer(http.FS(sub)))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200; status is "degraded" while any
// watched service is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":      "healthy",
		"uptime":      buildinfo.Uptime().Round(time.Second).String(),
		"subscribers": s.deps.Bus.SubscriberCount(),
	}
	if s.deps.Health != nil {
		services := s.deps.Health.Status()
		for _, svc := range services {
			if !svc.Ready {
				resp["status"] = "degraded"
				break
			}
		}
		resp["services"] = services
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":  "error",
		"message": message,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
