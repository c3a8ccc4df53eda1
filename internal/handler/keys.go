package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/metrics"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/store"
)

// KeysHandler implements the management CRUD for API keys. All routes sit
// behind admin session auth.
type KeysHandler struct {
	store    *store.Store
	registry *keys.Registry
	prefix   string
	logger   *slog.Logger
}

func NewKeysHandler(st *store.Store, registry *keys.Registry, prefix string, logger *slog.Logger) *KeysHandler {
	return &KeysHandler{store: st, registry: registry, prefix: prefix, logger: logger}
}

type createKeyRequest struct {
	Name        string            `json:"name"`
	SecretBytes int               `json:"secret_bytes,omitempty"`
	ExpiresIn   int64             `json:"expires_in,omitempty"` // seconds
	Permissions model.Permissions `json:"permissions,omitempty"`

	RateLimitMax    int   `json:"rate_limit_max,omitempty"`
	RateLimitWindow int64 `json:"rate_limit_window,omitempty"` // seconds

	Remaining      *int64 `json:"remaining,omitempty"`
	RefillAmount   int64  `json:"refill_amount,omitempty"`
	RefillInterval int64  `json:"refill_interval,omitempty"` // seconds

	Metadata map[string]string `json:"metadata,omitempty"`
}

type createKeyResponse struct {
	Key       string        `json:"key"` // plaintext, shown exactly once
	APIKey    *model.APIKey `json:"api_key"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

// Create issues a new API key owned by the authenticated admin. The plaintext
// appears only in this response; afterwards only the hash and lookup prefix
// remain.
// POST /v1/keys
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	admin := middleware.GetAdmin(r.Context())
	if admin == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ExpiresIn < 0 || req.RateLimitWindow < 0 || req.RefillInterval < 0 {
		writeError(w, http.StatusBadRequest, "durations must not be negative")
		return
	}
	if req.Remaining != nil && *req.Remaining < 0 {
		writeError(w, http.StatusBadRequest, "remaining must not be negative")
		return
	}

	key, plaintext, err := keys.Issue(keys.IssueParams{
		OwnerID:         admin.AdminID,
		Name:            req.Name,
		SecretBytes:     req.SecretBytes,
		Prefix:          h.prefix,
		ExpiresIn:       time.Duration(req.ExpiresIn) * time.Second,
		Permissions:     req.Permissions,
		RateLimitMax:    req.RateLimitMax,
		RateLimitWindow: time.Duration(req.RateLimitWindow) * time.Second,
		Remaining:       req.Remaining,
		RefillAmount:    req.RefillAmount,
		RefillInterval:  time.Duration(req.RefillInterval) * time.Second,
		Metadata:        req.Metadata,
	}, h.registry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		h.logger.Error("failed to create api key", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create API key")
		return
	}
	metrics.KeysIssued.Inc()
	h.logger.Info("api key issued", "key_id", key.ID, "owner_id", key.OwnerID, "name", key.Name)

	writeJSON(w, http.StatusCreated, createKeyResponse{
		Key:       plaintext,
		APIKey:    key,
		ExpiresAt: key.ExpiresAt,
	})
}

// List returns all keys, newest first.
// GET /v1/keys
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		h.logger.Error("failed to list api keys", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Data: all,
		Meta: &model.ResponseMeta{Count: len(all)},
	})
}

// Get returns a single key by ID.
// GET /v1/keys/{keyID}
func (h *KeysHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}
	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "Failed to get API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type updateKeyRequest struct {
	Name        *string            `json:"name,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
	ExpiresIn   *int64             `json:"expires_in,omitempty"` // seconds from now; 0 clears
	Permissions *model.Permissions `json:"permissions,omitempty"`

	RateLimitMax    *int   `json:"rate_limit_max,omitempty"`
	RateLimitWindow *int64 `json:"rate_limit_window,omitempty"` // seconds

	Remaining      *int64 `json:"remaining,omitempty"`
	RefillAmount   *int64 `json:"refill_amount,omitempty"`
	RefillInterval *int64 `json:"refill_interval,omitempty"` // seconds

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Update patches owner-editable fields. Omitted fields keep their value.
// Disabling a key takes effect on the next verification; re-enabling restores
// it without reissuing.
// PATCH /v1/keys/{keyID}
func (h *KeysHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}

	var req updateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Permissions != nil {
		if err := h.registry.Validate(*req.Permissions); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "Failed to get API key")
		return
	}

	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.Enabled != nil {
		key.Enabled = *req.Enabled
	}
	if req.ExpiresIn != nil {
		if *req.ExpiresIn > 0 {
			expires := time.Now().Add(time.Duration(*req.ExpiresIn) * time.Second)
			key.ExpiresAt = &expires
		} else {
			key.ExpiresAt = nil
		}
	}
	if req.Permissions != nil {
		key.Permissions = *req.Permissions
	}
	if req.RateLimitMax != nil {
		key.RateLimitMax = *req.RateLimitMax
	}
	if req.RateLimitWindow != nil {
		key.RateLimitWindow = time.Duration(*req.RateLimitWindow) * time.Second
	}
	key.RateLimitEnabled = key.RateLimitMax > 0 && key.RateLimitWindow > 0
	if req.Remaining != nil {
		if *req.Remaining < 0 {
			writeError(w, http.StatusBadRequest, "remaining must not be negative")
			return
		}
		key.Remaining = req.Remaining
	}
	if req.RefillAmount != nil {
		key.RefillAmount = *req.RefillAmount
	}
	if req.RefillInterval != nil {
		key.RefillInterval = time.Duration(*req.RefillInterval) * time.Second
	}
	if req.Metadata != nil {
		key.Metadata = req.Metadata
	}

	if err := h.store.UpdateAPIKey(r.Context(), key); err != nil {
		h.writeStoreError(w, err, "Failed to update API key")
		return
	}
	h.logger.Info("api key updated", "key_id", key.ID, "enabled", key.Enabled)
	writeJSON(w, http.StatusOK, key)
}

// Delete removes a key permanently. Unlike disabling, this cannot be undone.
// DELETE /v1/keys/{keyID}
func (h *KeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.keyID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteAPIKey(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "Failed to delete API key")
		return
	}
	h.logger.Info("api key deleted", "key_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeysHandler) keyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *KeysHandler) writeStoreError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "API key not found")
		return
	}
	h.logger.Error(fallback, "error", err)
	writeError(w, http.StatusInternalServerError, fallback)
}
