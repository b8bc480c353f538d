package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/okian/reelpulse/internal/domain/model"
	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

const maxEventBytes = 64 << 10

// EventsHandler handles event requests
type EventsHandler struct {
	deps    EventDependencies
	limiter *RateLimiter
	now     func() time.Time
	logger  logger.Logger
}

// NewEventsHandler creates a new events handler. A nil limiter disables
// rate limiting.
func NewEventsHandler(deps EventDependencies, limiter *RateLimiter) *EventsHandler {
	return &EventsHandler{
		deps:    deps,
		limiter: limiter,
		now:     time.Now,
		logger:  logger.Get().Named("ingest"),
	}
}

// HandlePostEvent handles POST /events requests
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_event"

	ip := clientIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		metrics.RecordIngestion("rate_limited")
		writeError(w, http.StatusTooManyRequests, "rate_limited", NewKind(op, ErrRateLimited))
		return
	}

	var ev model.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&ev); err != nil {
		metrics.RecordIngestion("rejected")
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	// Only client-supplied ids can repeat; generated ones would just churn the window.
	clientID := strings.TrimSpace(ev.EventID) != ""
	if err := model.Normalize(&ev, h.now(), nil); err != nil {
		metrics.RecordIngestion("rejected")
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	ev.UserAgent = r.UserAgent()
	ev.IPAddress = ip

	if clientID && h.deps.SeenAndRecord(r.Context(), ev.EventID) {
		metrics.RecordIngestion("duplicate")
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true, EventID: ev.EventID})
		return
	}

	if err := h.deps.Publish(r.Context(), &ev); err != nil {
		if clientID {
			h.deps.Unrecord(r.Context(), ev.EventID)
		}
		metrics.RecordIngestion("unavailable")
		h.logger.Warn(r.Context(), "event not recorded",
			logger.String("eventId", ev.EventID),
			logger.String("sessionId", ev.SessionID),
			logger.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "unavailable", NewKind(op, ErrUnavailable))
		return
	}

	metrics.RecordIngestion("accepted")
	metrics.UpdateDedupeSize(h.deps.Size())
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", EventID: ev.EventID})
}

// clientIP prefers the first X-Forwarded-For entry, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
