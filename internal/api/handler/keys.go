package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/minewatch/internal/api/middleware"
	"github.com/kiranshivaraju/minewatch/internal/api/response"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/kiranshivaraju/minewatch/pkg/models"
)

// KeysHandler manages device API keys.
type KeysHandler struct {
	store store.KeyStore
}

func NewKeysHandler(s store.KeyStore) *KeysHandler {
	return &KeysHandler{store: s}
}

type createKeyRequest struct {
	Name   string   `json:"name" validate:"required,max=100"`
	Scopes []string `json:"scopes" validate:"omitempty,dive,oneof=ingest"`
}

type createKeyResponse struct {
	Key    string         `json:"key"`
	APIKey *models.APIKey `json:"api_key"`
}

// Create handles POST /api/v1/admin/keys. The raw key is returned once.
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{models.ScopeIngest}
	}

	raw, prefix, hash, err := mw.GenerateDeviceKey()
	if err != nil {
		slog.Error("generating device key", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      req.Name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		Scopes:    req.Scopes,
		CreatedBy: mw.GetPrincipal(r).Subject,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		slog.Error("storing device key", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	response.Created(w, createKeyResponse{Key: raw, APIKey: key})
}

// List handles GET /api/v1/admin/keys.
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		slog.Error("listing device keys", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, keys)
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, chi.URLParam(r, "keyID"), "keyID")
	if !ok {
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
			return
		}
		slog.Error("revoking device key", "key_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	response.NoContent(w)
}
