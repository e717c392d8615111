package handler

import (
	"log/slog"
	"net/http"

	"github.com/tollcounter/tollcounter/internal/config"
	"github.com/tollcounter/tollcounter/internal/server/middleware"
)

// UsageHandler serves per-user usage queries for authenticated callers.
type UsageHandler struct {
	store  *config.Store
	logger *slog.Logger
}

func NewUsageHandler(store *config.Store, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{store: store, logger: logger}
}

// ListOwn handles GET /v1/usage. The caller sees only records tied to their
// own user ID as established by the token they presented.
func (h *UsageHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "", "authentication required")
		return
	}

	limit := clampInt(queryInt(r, "limit", 100), 1, 1000)

	recs, err := h.store.ListUsageRecordsForUser(r.Context(), p.UserID, limit)
	if err != nil {
		h.logger.Error("failed to list usage records", "user", p.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "", "failed to list usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}
