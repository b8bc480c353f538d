package api

import (
	"errors"
	"net/http"

	"github.com/okian/reelpulse/internal/domain/session"
	"github.com/okian/reelpulse/pkg/logger"
)

// SessionsHandler serves reconciled viewing sessions.
type SessionsHandler struct {
	deps   SessionDependencies
	logger logger.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(deps SessionDependencies) *SessionsHandler {
	return &SessionsHandler{deps: deps, logger: logger.Get().Named("sessions")}
}

type sessionResponse struct {
	session.Session
	State            string  `json:"state"`
	WatchTimeSeconds float64 `json:"totalWatchTimeSeconds"`
}

// HandleGetSession handles GET /sessions/{sessionId}.
func (h *SessionsHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_session"
	id := r.PathValue("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}

	s, err := h.deps.Session(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", WrapKind(op, ErrNotFound, err))
		return
	case err != nil:
		h.logger.Error(r.Context(), "session read failed", logger.String("sessionId", id), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", NewKind(op, ErrInternal))
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Session:          s,
		State:            session.StateOf(&s).String(),
		WatchTimeSeconds: s.TotalWatchTime().Seconds(),
	})
}
