package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inferxgate/internal/auth"
	"github.com/nulpointcorp/inferxgate/internal/store"
	"github.com/nulpointcorp/inferxgate/pkg/apierr"
)

type (
	createKeyRequest struct {
		Name          string     `json:"name"`
		MaxBudget     *float64   `json:"max_budget,omitempty"`
		RateLimitRPM  *int64     `json:"rate_limit_rpm,omitempty"`
		RateLimitTPM  *int64     `json:"rate_limit_tpm,omitempty"`
		AllowedModels []string   `json:"allowed_models,omitempty"`
		ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	}

	// createKeyResponse carries the full secret — the only response that
	// ever does.
	createKeyResponse struct {
		Key string `json:"key"`
		*store.VirtualKey
	}

	updateKeyRequest struct {
		KeyID         string     `json:"key_id"`
		Name          *string    `json:"name,omitempty"`
		MaxBudget     *float64   `json:"max_budget,omitempty"`
		RateLimitRPM  *int64     `json:"rate_limit_rpm,omitempty"`
		RateLimitTPM  *int64     `json:"rate_limit_tpm,omitempty"`
		AllowedModels []string   `json:"allowed_models,omitempty"`
		ExpiresAt     *time.Time `json:"expires_at,omitempty"`
		Blocked       *bool      `json:"blocked,omitempty"`
	}

	deleteKeyRequest struct {
		KeyID string `json:"key_id"`
	}
)

// requireKeyStore answers 503 when key management has no database behind it.
func (g *Gateway) requireKeyStore(ctx *fasthttp.RequestCtx) bool {
	if g.store == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"key management is not available without a database",
			apierr.TypeServerError)
		return false
	}
	return true
}

// canAccessKey reports whether the principal may read or mutate the key:
// admins always, users only for keys they own.
func canAccessKey(p *auth.Principal, key *store.VirtualKey) bool {
	if p.IsAdmin() {
		return true
	}
	return p.User != nil && key.UserID == p.User.ID
}

// handleKeyGenerate implements POST /auth/key/generate. The plaintext secret
// is returned exactly once; only its two digests are stored.
func (g *Gateway) handleKeyGenerate(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}
	if !g.requireKeyStore(ctx) {
		return
	}

	var req createKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest)
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to generate key", apierr.TypeServerError)
		return
	}
	verification, err := auth.HashSecret(secret)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to hash key", apierr.TypeServerError)
		return
	}

	key := &store.VirtualKey{
		ID:               uuid.NewString(),
		Name:             req.Name,
		KeyPrefix:        auth.DisplayPrefix(secret),
		LookupHash:       auth.LookupHash(secret),
		VerificationHash: verification,
		MaxBudget:        req.MaxBudget,
		RateLimitRPM:     req.RateLimitRPM,
		RateLimitTPM:     req.RateLimitTPM,
		AllowedModels:    req.AllowedModels,
		ExpiresAt:        req.ExpiresAt,
	}
	if principal.User != nil {
		key.UserID = principal.User.ID
	}

	if err := g.store.CreateVirtualKey(ctx, key); err != nil {
		g.log.ErrorContext(ctx, "key_create_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to store key", apierr.TypeServerError)
		return
	}

	g.log.InfoContext(ctx, "key_created",
		slog.String("key_id", key.ID),
		slog.String("prefix", key.KeyPrefix),
	)
	writeJSON(ctx, createKeyResponse{Key: secret, VirtualKey: key})
}

// fetchKeyChecked loads a key by id and enforces the owner/admin rule.
// Writes the error response itself and returns nil on any failure.
func (g *Gateway) fetchKeyChecked(ctx *fasthttp.RequestCtx, principal *auth.Principal, keyID string) *store.VirtualKey {
	if keyID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"'key_id' is required", apierr.TypeInvalidRequest)
		return nil
	}
	key, err := g.store.VirtualKeyByID(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteNotFound(ctx, "key not found")
			return nil
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to load key", apierr.TypeServerError)
		return nil
	}
	if !canAccessKey(principal, key) {
		apierr.WriteForbidden(ctx, "key belongs to another user")
		return nil
	}
	return key
}

// handleKeyInfo implements GET /auth/key/info?key_id=.
func (g *Gateway) handleKeyInfo(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}
	if !g.requireKeyStore(ctx) {
		return
	}
	key := g.fetchKeyChecked(ctx, principal, string(ctx.QueryArgs().Peek("key_id")))
	if key == nil {
		return
	}
	writeJSON(ctx, key)
}

// handleKeyUpdate implements POST /auth/key/update. A change invalidates
// both auth-cache tiers so revocation takes effect immediately.
func (g *Gateway) handleKeyUpdate(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}
	if !g.requireKeyStore(ctx) {
		return
	}

	var req updateKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest)
		return
	}

	key := g.fetchKeyChecked(ctx, principal, req.KeyID)
	if key == nil {
		return
	}

	updated, err := g.store.UpdateVirtualKey(ctx, key.ID, store.VirtualKeyUpdate{
		Name:          req.Name,
		MaxBudget:     req.MaxBudget,
		RateLimitRPM:  req.RateLimitRPM,
		RateLimitTPM:  req.RateLimitTPM,
		AllowedModels: req.AllowedModels,
		ExpiresAt:     req.ExpiresAt,
		Blocked:       req.Blocked,
	})
	if err != nil {
		g.log.ErrorContext(ctx, "key_update_failed",
			slog.String("key_id", key.ID), slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to update key", apierr.TypeServerError)
		return
	}

	g.auth.InvalidateKey(ctx, key.LookupHash)
	writeJSON(ctx, updated)
}

// handleKeyDelete implements POST /auth/key/delete.
func (g *Gateway) handleKeyDelete(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}
	if !g.requireKeyStore(ctx) {
		return
	}

	var req deleteKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest)
		return
	}

	key := g.fetchKeyChecked(ctx, principal, req.KeyID)
	if key == nil {
		return
	}

	if err := g.store.DeleteVirtualKey(ctx, key.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteNotFound(ctx, "key not found")
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to delete key", apierr.TypeServerError)
		return
	}

	g.auth.InvalidateKey(ctx, key.LookupHash)
	g.log.InfoContext(ctx, "key_deleted", slog.String("key_id", key.ID))
	writeJSON(ctx, map[string]bool{"success": true})
}

// handleKeyList implements GET /auth/keys: the caller's own keys. Secrets
// are never included — only prefixes.
func (g *Gateway) handleKeyList(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}
	if !g.requireKeyStore(ctx) {
		return
	}
	if principal.User == nil {
		writeJSON(ctx, map[string]any{"keys": []*store.VirtualKey{}})
		return
	}
	keys, err := g.store.VirtualKeysByUser(ctx, principal.User.ID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to list keys", apierr.TypeServerError)
		return
	}
	if keys == nil {
		keys = []*store.VirtualKey{}
	}
	writeJSON(ctx, map[string]any{"keys": keys})
}
