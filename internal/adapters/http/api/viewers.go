package api

import (
	"net/http"

	"github.com/okian/reelpulse/pkg/logger"
)

// ViewersHandler serves live viewer counts straight from the presence store.
type ViewersHandler struct {
	deps   ViewerDependencies
	logger logger.Logger
}

// NewViewersHandler creates a new viewers handler.
func NewViewersHandler(deps ViewerDependencies) *ViewersHandler {
	return &ViewersHandler{deps: deps, logger: logger.Get().Named("viewers")}
}

// HandleGetFilm handles GET /viewers/{filmId}.
func (h *ViewersHandler) HandleGetFilm(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_viewers"
	filmID := r.PathValue("filmId")
	if filmID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}

	c, err := h.deps.ConcurrentViewers(r.Context(), filmID)
	if err != nil {
		h.logger.Error(r.Context(), "viewer count failed", logger.String("filmId", filmID), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", NewKind(op, ErrInternal))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleGetTotal handles GET /viewers/total.
func (h *ViewersHandler) HandleGetTotal(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_viewers_total"
	c, err := h.deps.Total(r.Context())
	if err != nil {
		h.logger.Error(r.Context(), "total viewer count failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", NewKind(op, ErrInternal))
		return
	}
	writeJSON(w, http.StatusOK, c)
}
