package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/tabflow/internal/api/middleware"
	"github.com/kiranshivaraju/tabflow/internal/api/response"
	"github.com/kiranshivaraju/tabflow/internal/apikey"
	"github.com/kiranshivaraju/tabflow/internal/store"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

const maxKeyNameLen = 100

// Keys serves the admin API key routes. Keys are always created for the
// caller's own tenant.
type Keys struct {
	store store.Store
	cost  int
}

// NewKeys creates the key handlers. cost is the bcrypt cost for new keys.
func NewKeys(s store.Store, cost int) *Keys {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Keys{store: s, cost: cost}
}

type keyView struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func keyViewOf(k *models.APIKey) keyView {
	return keyView{
		ID: k.ID, Name: k.Name, KeyPrefix: k.KeyPrefix, Scopes: k.Scopes,
		LastUsedAt: k.LastUsedAt, CreatedAt: k.CreatedAt,
	}
}

// Create handles POST /api/v1/admin/keys. The raw key is in the response
// and nowhere else.
func (h *Keys) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxKeyNameLen {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required and must be at most 100 characters", nil)
		return
	}
	scopes, err := apikey.NormalizeScopes(req.Scopes)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	generated, err := apikey.Generate(h.cost)
	if err != nil {
		slog.Error("failed to generate api key", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL", "Failed to create key", nil)
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      req.Name,
		KeyHash:   generated.Hash,
		KeyPrefix: generated.Prefix,
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
			return
		}
		slog.Error("failed to store api key", "tenant_id", tenantID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL", "Failed to create key", nil)
		return
	}

	slog.Info("api key created", "tenant_id", tenantID, "key_id", key.ID, "key_prefix", key.KeyPrefix)
	response.Created(w, struct {
		keyView
		Key string `json:"key"`
	}{keyViewOf(key), generated.Raw})
}

// List handles GET /api/v1/admin/keys.
func (h *Keys) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	keys, err := h.store.ListAPIKeys(r.Context(), tenantID)
	if err != nil {
		slog.Error("failed to list api keys", "tenant_id", tenantID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL", "Failed to list keys", nil)
		return
	}

	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = keyViewOf(k)
	}
	response.JSON(w, views)
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid key ID", nil)
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), keyID, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
			return
		}
		slog.Error("failed to revoke api key", "key_id", keyID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL", "Failed to revoke key", nil)
		return
	}

	slog.Info("api key revoked", "tenant_id", tenantID, "key_id", keyID)
	w.WriteHeader(http.StatusNoContent)
}
