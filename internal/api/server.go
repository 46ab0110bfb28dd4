// Package api exposes the call orchestrator over HTTP. All responses use
// the envelope format { "data": ..., "error": ... }; conflicts additionally
// carry the call's current status.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carevoice/carevoice/internal/call"
	"github.com/carevoice/carevoice/internal/mediatoken"
	"github.com/carevoice/carevoice/internal/recording"
)

// CallService is the orchestrator surface consumed by the HTTP handlers.
type CallService interface {
	Invite(ctx context.Context, req call.InviteRequest) (*call.InviteResult, error)
	Answer(ctx context.Context, callID string, action call.AnswerAction) (*call.AnswerResult, error)
	Cancel(ctx context.Context, callID string) (*call.CancelResult, error)
	MarkMissed(ctx context.Context, callID string) (*call.MarkMissedResult, error)
	End(ctx context.Context, callID string) (*call.EndResult, error)
	Sweep(ctx context.Context, timeoutSeconds int) (int, error)
	GetStatus(ctx context.Context, callID string) (*call.Record, error)
}

// TokenIssuer mints media-channel join tokens.
type TokenIssuer interface {
	Issue(channel, userID string, role mediatoken.Role, ttl time.Duration) (string, time.Time, error)
}

// Recorder forwards requests to the recording service.
type Recorder interface {
	Post(ctx context.Context, path string, body json.RawMessage) (*recording.Response, error)
	Get(ctx context.Context, path string, query url.Values) (*recording.Response, error)
}

// Pinger checks store connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP server. Calls is required; everything else
// may be nil, which disables the corresponding endpoints.
type Options struct {
	Calls        CallService
	Tokens       TokenIssuer
	Recorder     Recorder
	Health       Pinger
	Metrics      http.Handler
	RateLimiter  *RateLimiter
	AdminKeyHash string // bcrypt hash guarding operator endpoints

	// SweepDefaultTimeout is the ring timeout in seconds used when a sweep
	// request does not specify one. Zero falls back to 45.
	SweepDefaultTimeout int
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router       *chi.Mux
	calls        CallService
	tokens       TokenIssuer
	recorder     Recorder
	health       Pinger
	sweepDefault int
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		calls:        opts.Calls,
		tokens:       opts.Tokens,
		recorder:     opts.Recorder,
		health:       opts.Health,
		sweepDefault: opts.SweepDefaultTimeout,
	}
	if s.sweepDefault <= 0 {
		s.sweepDefault = 45
	}

	s.routes(opts)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(opts Options) {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/call", func(r chi.Router) {
			if opts.RateLimiter != nil {
				r.With(opts.RateLimiter.Middleware).Post("/invite", s.handleInvite)
			} else {
				r.Post("/invite", s.handleInvite)
			}
			r.Post("/answer", s.handleAnswer)
			r.Post("/cancel", s.handleCancel)
			r.Post("/missed", s.handleMarkMissed)
			r.Post("/end", s.handleEnd)
			r.Get("/status/{callID}", s.handleStatus)

			r.With(RequireOperatorKey(opts.AdminKeyHash)).
				Post("/timeout/sweep", s.handleSweep)
		})

		r.Post("/token", s.handleToken)

		r.Route("/recording", func(r chi.Router) {
			r.Post("/start", s.handleRecordingStart)
			r.Post("/stop", s.handleRecordingStop)
			r.Get("/status", s.handleRecordingStatus)
			r.Get("/list", s.handleRecordingList)
		})
	})
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["store"] = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["store"] = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}
