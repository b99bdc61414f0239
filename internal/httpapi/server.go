package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/jackie/internal/config"
	"github.com/ent0n29/jackie/internal/observability"
	"github.com/ent0n29/jackie/internal/policy"
	"github.com/ent0n29/jackie/internal/session"
)

// ChatService is what the HTTP layer needs from the conversation orchestrator.
type ChatService interface {
	HandleTurn(ctx context.Context, contact, text string) string
	ActiveSessions() []session.Snapshot
	Sweep(ctx context.Context) int
}

// Status reports backend modes on the health endpoints.
type Status struct {
	StoreMode         string
	GenerationBackend string
}

// Server exposes the chat service over HTTP and websocket.
type Server struct {
	cfg      config.Config
	chat     ChatService
	metrics  *observability.Metrics
	limiter  *policy.ContactLimiter
	status   Status
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithStatus(st Status) Option {
	return func(s *Server) { s.status = st }
}

// New returns a server for chat. A nil chat makes /readyz report unavailable.
func New(cfg config.Config, chat ChatService, metrics *observability.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		chat:    chat,
		metrics: metrics,
		limiter: policy.NewContactLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"message": "Jackie API is running!"})
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/chat", s.handleChat)
	r.Post("/chat/raw", s.handleChatRaw)
	r.Get("/monitor/active-sessions", s.handleActiveSessions)
	r.Post("/v1/sessions/sweep", s.handleSweep)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"store_mode":         s.status.StoreMode,
		"generation_backend": s.status.GenerationBackend,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "chat service not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"store_mode":         s.status.StoreMode,
		"generation_backend": s.status.GenerationBackend,
	})
}

// GET /v1/perf/latency reports per-stage turn latencies over a sliding window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
