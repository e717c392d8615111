package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tollcounter/tollcounter/internal/config"
	"github.com/tollcounter/tollcounter/internal/model"
	"github.com/tollcounter/tollcounter/internal/service"
)

// AdminHandler serves the administrative surface: API key lifecycle and
// account-wide usage inspection. Routes mounting it are expected to sit
// behind the admin access policy.
type AdminHandler struct {
	store  *config.Store
	logger *slog.Logger
}

func NewAdminHandler(store *config.Store, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: store, logger: logger}
}

// createKeyRequest is the body for POST /v1/admin/api-keys.
type createKeyRequest struct {
	Name string `json:"name"`
}

// createKeyResponse carries the plaintext secret. This is the only time the
// secret is ever returned; only its bcrypt hash is stored.
type createKeyResponse struct {
	Key    model.APIKey `json:"key"`
	Secret string       `json:"secret"`
}

// CreateAPIKey handles POST /v1/admin/api-keys.
func (h *AdminHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON body: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "", "name is required")
		return
	}

	issued, err := service.GenerateKey()
	if err != nil {
		h.logger.Error("key generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "", "failed to generate key")
		return
	}

	key := &model.APIKey{
		Name:      req.Name,
		KeyHash:   issued.Hash,
		KeyPrefix: issued.Prefix,
		IsActive:  true,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		h.logger.Error("failed to persist api key", "name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "", "failed to create key")
		return
	}

	h.logger.Info("api key created", "id", key.ID, "name", key.Name, "prefix", key.KeyPrefix)
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: *key, Secret: issued.Secret})
}

// ListAPIKeys handles GET /v1/admin/api-keys.
func (h *AdminHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		h.logger.Error("failed to list api keys", "error", err)
		writeError(w, http.StatusInternalServerError, "", "failed to list keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

// RevokeAPIKey handles DELETE /v1/admin/api-keys/{keyID}. Revocation is a
// soft delete; usage records keep their key reference.
func (h *AdminHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "keyID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid key ID")
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "", "key not found")
			return
		}
		h.logger.Error("failed to revoke api key", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "", "failed to revoke key")
		return
	}

	h.logger.Info("api key revoked", "id", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": id})
}

// ListUsage handles GET /v1/admin/usage. Records are returned newest first,
// capped by the limit query parameter.
func (h *AdminHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", 100), 1, 1000)

	recs, err := h.store.ListUsageRecords(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list usage records", "error", err)
		writeError(w, http.StatusInternalServerError, "", "failed to list usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}
