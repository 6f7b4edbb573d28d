// Package httpapi exposes the matchmaker over HTTP:
//
//	POST /api/match/request   one matching attempt
//	POST /api/match/leave     leave the queue or the current room
//	GET  /api/match/status    idle | searching | matched
//	POST /api/report          report the partner of a room
//	GET  /ws/rooms/{roomID}   room relay, when configured
//	GET  /healthz, /metrics
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/cors"

	"github.com/skipon/matchmaker/internal/auth"
	"github.com/skipon/matchmaker/internal/ban"
	"github.com/skipon/matchmaker/internal/chat"
	"github.com/skipon/matchmaker/internal/matching"
	"github.com/skipon/matchmaker/internal/metrics"
	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/ratelimit"
	"github.com/skipon/matchmaker/internal/report"
)

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Bans is satisfied by *ban.Store.
type Bans interface {
	IsBanned(ctx context.Context, id participant.ID) (ban.Status, error)
	RecordReport(ctx context.Context, id participant.ID) (time.Duration, error)
}

// ReportSink is satisfied by *report.Store.
type ReportSink interface {
	Create(ctx context.Context, r *report.Report) error
}

// Options wires the server. Matchmaker and Verifier are required; a nil
// Limiter, Bans, Reports, Messages or Relay disables that feature.
type Options struct {
	Matchmaker *matching.Matchmaker
	Verifier   *auth.Verifier
	Limiter    RateLimiter
	Bans       Bans
	Reports    ReportSink
	Messages   *chat.MessageBuffer
	Relay      http.Handler

	// StoreMode reports the active backend ("redis" or "memory").
	StoreMode func() string

	AllowedOrigins []string
}

// Server holds the handler dependencies.
type Server struct {
	mm        *matching.Matchmaker
	verifier  *auth.Verifier
	limiter   RateLimiter
	bans      Bans
	reports   ReportSink
	messages  *chat.MessageBuffer
	relay     http.Handler
	storeMode func() string
	origins   []string
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Verifier == nil {
		opts.Verifier = auth.NewVerifier("")
	}
	if opts.StoreMode == nil {
		opts.StoreMode = func() string { return "unknown" }
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		mm:        opts.Matchmaker,
		verifier:  opts.Verifier,
		limiter:   opts.Limiter,
		bans:      opts.Bans,
		reports:   opts.Reports,
		messages:  opts.Messages,
		relay:     opts.Relay,
		storeMode: opts.StoreMode,
		origins:   opts.AllowedOrigins,
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/match/request", s.handleRequestMatch)
		r.Post("/match/leave", s.handleLeave)
		r.Get("/match/status", s.handleStatus)
		r.Post("/report", s.handleReport)
	})

	if s.relay != nil {
		r.Get("/ws/rooms/{roomID}", s.relay.ServeHTTP)
	}

	return cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: !wildcard(s.origins),
	}).Handler(r)
}

// wildcard reports whether origins admits any origin. Credentials are never
// allowed in that case, since rs/cors would reflect every origin back.
func wildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

// allow applies rule to id. It fails open on limiter errors and writes the
// 429 response itself when the caller is over the limit.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, id participant.ID, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(r.Context(), string(id), rule)
	if err != nil || ok {
		return true
	}
	retry := s.limiter.RetryAfter(r.Context(), string(id), rule)
	w.Header().Set("Retry-After", retryAfterSeconds(retry))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Code:         CodeRateLimited,
		Message:      "too many requests",
		RetryAfterMs: retry.Milliseconds(),
	})
	return false
}
