package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/server/middleware"
	"github.com/visiongate/visiongate/internal/service"
)

// HistoryHandler serves the caller's own classification history.
type HistoryHandler struct {
	history *service.History
	logger  *slog.Logger
}

// NewHistoryHandler creates a new HistoryHandler. A nil history makes every
// request answer 503.
func NewHistoryHandler(history *service.History, logger *slog.Logger) *HistoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryHandler{history: history, logger: logger}
}

// List returns the newest classifications of the calling user.
// GET /api/v1/history?limit=
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	recs, err := h.history.List(r.Context(), userID, queryInt(r, "limit", service.DefaultHistoryLimit))
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list classifications")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: recs,
		Meta:     &model.ResponseMeta{Count: len(recs)},
	})
}

// Get returns one classification of the calling user.
// GET /api/v1/history/{id}
func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	rec, err := h.history.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to load classification")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HistoryHandler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "Classification history unavailable")
		return "", false
	}
	id := middleware.GetIdentity(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "API key required")
		return "", false
	}
	return id.UserID, true
}
