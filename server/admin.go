package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aryangodara/apigateway"
)

// AdminHandler serves the key management API.
type AdminHandler struct {
	gw *apigateway.Gateway
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(gw *apigateway.Gateway) *AdminHandler {
	return &AdminHandler{gw: gw}
}

// RateLimitRequest is a key's rate limit override.
type RateLimitRequest struct {
	Requests  uint64 `json:"requests"`
	WindowSec int64  `json:"window_seconds"`
	Burst     uint64 `json:"burst,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
}

// CreateKeyRequest represents a POST /admin/keys body.
type CreateKeyRequest struct {
	Name        string            `json:"name"`
	Permissions []string          `json:"permissions,omitempty"`
	RateLimit   *RateLimitRequest `json:"rate_limit,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// KeyResponse is a stored key without its secret hash.
type KeyResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions,omitempty"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// EndpointResponse summarizes a registered endpoint.
type EndpointResponse struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	RateLimit string `json:"rate_limit,omitempty"`
	Auth      bool   `json:"authentication_required"`
	Cached    bool   `json:"caching_enabled"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func toKeyResponse(k apigateway.APIKey) KeyResponse {
	return KeyResponse{
		ID:          k.ID,
		Name:        k.Name,
		Permissions: k.Permissions,
		Enabled:     k.Enabled,
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
	}
}

// CreateKey handles POST /admin/keys
func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	spec := apigateway.KeySpec{
		Name:        req.Name,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
	}
	if rl := req.RateLimit; rl != nil {
		spec.RateLimit = &apigateway.RateLimitPolicy{
			Requests:  rl.Requests,
			Window:    time.Duration(rl.WindowSec) * time.Second,
			Burst:     rl.Burst,
			Algorithm: apigateway.Algorithm(rl.Strategy),
		}
	}

	issued, err := h.gw.CreateAPIKey(r.Context(), spec)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// ListKeys handles GET /admin/keys
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	store := h.gw.Keys()
	if store == nil {
		writeError(w, http.StatusNotImplemented, "api keys are not enabled")
		return
	}
	keys, err := store.ListAPIKeys(r.Context())
	if err != nil {
		writeKeyError(w, err)
		return
	}
	out := make([]KeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetKey handles GET /admin/keys/{id}
func (h *AdminHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	store := h.gw.Keys()
	if store == nil {
		writeError(w, http.StatusNotImplemented, "api keys are not enabled")
		return
	}
	key, err := store.GetAPIKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyResponse(key))
}

// RevokeKey handles DELETE /admin/keys/{id}
func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.RevokeAPIKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeKeyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEndpoints handles GET /admin/endpoints
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, _ *http.Request) {
	endpoints := h.gw.Registry().Endpoints()
	out := make([]EndpointResponse, 0, len(endpoints))
	for _, e := range endpoints {
		resp := EndpointResponse{
			Method:    e.Method,
			Path:      e.Path,
			Auth:      e.Authentication.Required,
			Cached:    e.Caching.Enabled,
			TimeoutMs: e.Timeout.Milliseconds(),
		}
		if e.RateLimit != nil {
			resp.RateLimit = string(e.RateLimit.Algorithm) + " " + e.RateLimit.Window.String()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apigateway.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apigateway.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apigateway.ErrNoKeyStore):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "key store failure")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
