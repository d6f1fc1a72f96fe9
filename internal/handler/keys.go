package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/server/middleware"
	"github.com/visiongate/visiongate/internal/service"
)

// KeyHandler serves the self-service and administrative key endpoints.
type KeyHandler struct {
	keys   *service.KeyManager
	logger *slog.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.KeyManager, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{keys: keys, logger: logger}
}

// ---------------------------------------------------------------------------
// Self-service
// ---------------------------------------------------------------------------

// Info returns the presenting key's identity and counters.
// GET /api/v1/keys/info
func (h *KeyHandler) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.keys.GetKeyInfo(r.Context(), middleware.GetAPIKey(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to load key info")
		return
	}
	if info == nil {
		// Revoked between admission and lookup.
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Stats returns usage statistics for the presenting key.
// GET /api/v1/keys/stats?days=N
func (h *KeyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", service.DefaultStatsDays)
	stats, err := h.keys.GetUsageStats(r.Context(), middleware.GetAPIKey(r.Context()), days)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to load usage stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// createKeyRequest is the expected payload for Create.
type createKeyRequest struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions,omitempty"`
	ExpiryDays  *int     `json:"expiry_days,omitempty"`
	NoExpiry    bool     `json:"no_expiry,omitempty"`
	IPWhitelist []string `json:"ip_whitelist,omitempty"`
}

// createKeyResponse includes the plaintext key (shown once only).
type createKeyResponse struct {
	Key string `json:"api_key"`
	*model.KeyInfo
}

// Create generates a key and returns the plaintext token exactly once.
// POST /api/v1/admin/keys
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if msg := checkSetValues("permissions", req.Permissions); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := checkSetValues("ip_whitelist", req.IPWhitelist); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.ExpiryDays != nil && *req.ExpiryDays > service.MaxExpiryDays {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("expiry_days must not exceed %d", service.MaxExpiryDays))
		return
	}

	var opts []service.KeyOption
	if len(req.Permissions) > 0 {
		opts = append(opts, service.WithPermissions(req.Permissions...))
	}
	if len(req.IPWhitelist) > 0 {
		opts = append(opts, service.WithIPWhitelist(req.IPWhitelist...))
	}
	switch {
	case req.NoExpiry:
		opts = append(opts, service.WithoutExpiry())
	case req.ExpiryDays != nil:
		opts = append(opts, service.WithExpiryDays(*req.ExpiryDays))
	}

	token, err := h.keys.GenerateAPIKey(r.Context(), req.UserID, req.Name, opts...)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to generate API key")
		return
	}
	info, err := h.keys.LookupKey(r.Context(), token)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to load generated key")
		return
	}

	writeJSON(w, http.StatusCreated, createKeyResponse{Key: token, KeyInfo: info})
}

// keySummary is a listed key. Only the display prefix of the token is shown;
// ID addresses the key in the other admin operations.
type keySummary struct {
	ID          string     `json:"id"`
	MaskedKey   string     `json:"masked_key"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsActive    bool       `json:"is_active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  int64      `json:"usage_count"`
	IPWhitelist []string   `json:"ip_whitelist,omitempty"`
}

// List returns all keys, or those of one user when user_id is given.
// GET /api/v1/admin/keys?user_id=
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		recs []model.APIKeyRecord
		err  error
	)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		recs, err = h.keys.GetUserKeys(r.Context(), userID)
	} else {
		recs, err = h.keys.ListAPIKeys(r.Context())
	}
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list API keys")
		return
	}

	resources := make([]keySummary, 0, len(recs))
	for i := range recs {
		resources = append(resources, summarize(&recs[i]))
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta:     &model.ResponseMeta{Count: len(resources)},
	})
}

// targetRequest names the key an admin operation applies to, either by raw
// token or by key_id (full ID, unique ID prefix or masked key).
type targetRequest struct {
	Key   string `json:"api_key,omitempty"`
	KeyID string `json:"key_id,omitempty"`
	Days  int    `json:"days,omitempty"`
}

// updateKeyRequest is the expected payload for Update. Absent fields are left
// unchanged; an empty list clears the set.
type updateKeyRequest struct {
	Key         string     `json:"api_key,omitempty"`
	KeyID       string     `json:"key_id,omitempty"`
	Name        *string    `json:"name,omitempty"`
	Permissions *[]string  `json:"permissions,omitempty"`
	IPWhitelist *[]string  `json:"ip_whitelist,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
}

// Update applies a partial update to a key. Revoked keys stay revoked.
// POST /api/v1/admin/keys/update
func (h *KeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	id, ok := h.resolveTarget(w, r, req.Key, req.KeyID)
	if !ok {
		return
	}

	upd := model.KeyUpdate{
		Name:        req.Name,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	}
	if req.Permissions != nil {
		if msg := checkSetValues("permissions", *req.Permissions); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		upd.SetPermissions = true
		upd.Permissions = *req.Permissions
	}
	if req.IPWhitelist != nil {
		if msg := checkSetValues("ip_whitelist", *req.IPWhitelist); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		upd.SetIPWhitelist = true
		upd.IPWhitelist = *req.IPWhitelist
	}
	if upd.Empty() {
		writeError(w, http.StatusBadRequest, "No fields to update")
		return
	}

	if err := h.keys.UpdateKeyByID(r.Context(), id, upd); err != nil {
		writeServiceError(w, h.logger, err, "Failed to update API key")
		return
	}
	info, err := h.keys.LookupKeyByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to load updated key")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Revoke deactivates one key. Repeating the call succeeds.
// POST /api/v1/admin/keys/revoke
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.readTarget(w, r)
	if !ok {
		return
	}
	found, err := h.keys.RevokeKeyByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to revoke API key")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "API key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "API key revoked",
	})
}

// Delete removes a key record permanently.
// POST /api/v1/admin/keys/delete
func (h *KeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.readTarget(w, r)
	if !ok {
		return
	}
	found, err := h.keys.DeleteKeyByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to delete API key")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "API key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "API key deleted",
	})
}

// KeyStats returns usage statistics for any stored key.
// POST /api/v1/admin/keys/stats
func (h *KeyHandler) KeyStats(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.readTarget(w, r)
	if !ok {
		return
	}
	if _, err := h.keys.LookupKeyByID(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err, "Failed to load API key")
		return
	}
	stats, err := h.keys.UsageStatsByID(r.Context(), id, req.Days)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to load usage stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RevokeUser revokes every active key owned by a user.
// POST /api/v1/admin/users/{userID}/revoke
func (h *KeyHandler) RevokeUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	n, err := h.keys.RevokeCompromisedKeys(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to revoke user keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"revoked": n,
	})
}

// readTarget decodes a targetRequest and resolves the addressed key ID.
func (h *KeyHandler) readTarget(w http.ResponseWriter, r *http.Request) (string, targetRequest, bool) {
	var req targetRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return "", req, false
	}
	id, ok := h.resolveTarget(w, r, req.Key, req.KeyID)
	return id, req, ok
}

func (h *KeyHandler) resolveTarget(w http.ResponseWriter, r *http.Request, rawKey, keyRef string) (string, bool) {
	switch {
	case rawKey == "" && keyRef == "":
		writeError(w, http.StatusBadRequest, "api_key or key_id is required")
		return "", false
	case rawKey != "" && keyRef != "":
		writeError(w, http.StatusBadRequest, "Provide either api_key or key_id, not both")
		return "", false
	case rawKey != "":
		return service.KeyID(rawKey), true
	}
	id, err := h.keys.ResolveKeyID(r.Context(), keyRef)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to resolve API key")
		return "", false
	}
	return id, true
}

func summarize(rec *model.APIKeyRecord) keySummary {
	return keySummary{
		ID:          rec.KeyHash,
		MaskedKey:   rec.KeyPrefix + "...",
		UserID:      rec.UserID,
		Name:        rec.Name,
		Permissions: rec.Permissions,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		IsActive:    rec.IsActive,
		LastUsedAt:  rec.LastUsedAt,
		UsageCount:  rec.UsageCount,
		IPWhitelist: rec.IPWhitelist,
	}
}

// checkSetValues rejects set members the SQL stores cannot encode.
func checkSetValues(field string, vals []string) string {
	for _, v := range vals {
		if strings.Contains(v, ",") {
			return fmt.Sprintf("%s entries must not contain commas: %q", field, v)
		}
	}
	return ""
}
