// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/okian/reelpulse/internal/domain/dedupe"
	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/internal/domain/presence"
	"github.com/okian/reelpulse/internal/domain/session"
)

// EventDependencies is what ingestion needs: retry dedupe and a
// non-blocking hand-off to the producer.
type EventDependencies interface {
	dedupe.Deduper
	Publish(ctx context.Context, ev *model.Event) error
}

// ViewerDependencies answers live viewer-count queries.
type ViewerDependencies interface {
	ConcurrentViewers(ctx context.Context, filmID string) (presence.Count, error)
	Total(ctx context.Context) (presence.Count, error)
}

// SessionDependencies reads reconciled sessions.
type SessionDependencies interface {
	Session(ctx context.Context, sessionID string) (session.Session, error)
}

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	EventDependencies
	ViewerDependencies
	SessionDependencies
	StatsProvider

	// ServeWS upgrades a live-update subscription.
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server wires HTTP routes for the business API.
type Server struct {
	deps             Dependencies
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	eventsHandler    *EventsHandler
	viewersHandler   *ViewersHandler
	sessionsHandler  *SessionsHandler
	dashboardHandler *dashboardHandler
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	rateLimit float64
	burst     int
}

// WithRateLimit enables per-client-IP ingestion limiting at rps events per
// second with the given burst. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *serverOptions) {
		o.rateLimit = rps
		o.burst = burst
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	var limiter *RateLimiter
	if o.rateLimit > 0 {
		limiter = NewRateLimiter(o.rateLimit, o.burst)
	}

	return &Server{
		deps:             deps,
		healthHandler:    NewHealthHandler(),
		statsHandler:     NewStatsHandler(deps),
		eventsHandler:    NewEventsHandler(deps, limiter),
		viewersHandler:   NewViewersHandler(deps),
		sessionsHandler:  NewSessionsHandler(deps),
		dashboardHandler: newDashboardHandler(),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /metrics", MetricsMiddleware(s.healthHandler.HandleHealth, "metrics"))
	mux.HandleFunc("GET /dashboard", s.dashboardHandler.HandleDashboard)
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("POST /events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events"))
	mux.HandleFunc("GET /viewers/total", MetricsMiddleware(s.viewersHandler.HandleGetTotal, "viewers_total"))
	mux.HandleFunc("GET /viewers/{filmId}", MetricsMiddleware(s.viewersHandler.HandleGetFilm, "viewers"))
	mux.HandleFunc("GET /sessions/{sessionId}", MetricsMiddleware(s.sessionsHandler.HandleGetSession, "sessions"))
	mux.HandleFunc("GET /ws", MetricsMiddleware(s.deps.ServeWS, "ws"))
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"eventId,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
