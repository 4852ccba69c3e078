package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inferxgate/internal/auth"
	"github.com/nulpointcorp/inferxgate/internal/providers"
	"github.com/nulpointcorp/inferxgate/internal/routing"
	"github.com/nulpointcorp/inferxgate/internal/store"
	"github.com/nulpointcorp/inferxgate/pkg/apierr"
)

type (
	configureProviderRequest struct {
		ProviderID        string `json:"provider_id"`
		APIKey            string `json:"api_key"`
		AzureResourceName string `json:"azure_resource_name,omitempty"`
	}
	deleteProviderRequest struct {
		ProviderID string `json:"provider_id"`
	}
	resetProviderRequest struct {
		ProviderID string `json:"provider_id"`
		Model      string `json:"model"`
	}

	providerStatus struct {
		Provider      string   `json:"provider"`
		Endpoint      string   `json:"endpoint"`
		Configured    bool     `json:"configured"`
		Models        int      `json:"models"`
		PrimaryModels []string `json:"primary_models"`
	}
)

// actorLabel identifies the acting principal in audit logs: the user's
// email when one is attached, otherwise the principal kind.
func actorLabel(p *auth.Principal) string {
	if p == nil {
		return "anonymous"
	}
	if p.User != nil && p.User.Email != "" {
		return p.User.Email
	}
	return p.Kind
}

// handleProvidersConfigure implements POST /v1/providers/configure.
func (g *Gateway) handleProvidersConfigure(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}

	var req configureProviderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest)
		return
	}

	n, err := g.routes.ConfigureProvider(ctx, req.ProviderID, req.APIKey, req.AzureResourceName)
	if err != nil {
		switch {
		case errors.Is(err, routing.ErrUnknownProvider):
			apierr.WriteNotFound(ctx, "unknown provider: "+req.ProviderID)
		case errors.Is(err, routing.ErrEmptySecret), errors.Is(err, routing.ErrMissingResource):
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest)
		default:
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"failed to configure provider", apierr.TypeServerError)
		}
		return
	}

	g.log.InfoContext(ctx, "provider_configured",
		slog.String("provider", req.ProviderID),
		slog.Int("models", n),
		slog.String("actor", actorLabel(principal)),
	)
	writeJSON(ctx, map[string]any{
		"success":           true,
		"provider":          req.ProviderID,
		"models_configured": n,
	})
}

// handleProvidersDelete implements POST /v1/providers/delete.
func (g *Gateway) handleProvidersDelete(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}

	var req deleteProviderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest)
		return
	}

	n, err := g.routes.DeleteProvider(ctx, req.ProviderID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest)
		return
	}

	g.log.InfoContext(ctx, "provider_deleted",
		slog.String("provider", req.ProviderID),
		slog.Int("models_removed", n),
		slog.String("actor", actorLabel(principal)),
	)
	writeJSON(ctx, map[string]any{
		"success":        true,
		"provider":       req.ProviderID,
		"models_removed": n,
	})
}

// handleProvidersReset implements POST /v1/providers/reset: restores the
// availability flag for one (provider, model) health entry.
func (g *Gateway) handleProvidersReset(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}
	if !principal.IsAdmin() {
		apierr.WriteForbidden(ctx, "admin access required")
		return
	}

	var req resetProviderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest)
		return
	}
	if g.health != nil {
		g.health.Reset(req.ProviderID, req.Model)
	}
	writeJSON(ctx, map[string]bool{"success": true})
}

// handleProvidersList implements GET /v1/providers.
func (g *Gateway) handleProvidersList(ctx *fasthttp.RequestCtx) {
	counts := map[string]int{}
	if g.routes != nil {
		counts = g.routes.Providers()
	}
	out := make([]providerStatus, 0, len(providers.PrimaryModels))
	for _, tag := range []string{"anthropic", "gemini", "openai", "azure"} {
		out = append(out, providerStatus{
			Provider:      tag,
			Endpoint:      providers.Endpoints[tag],
			Configured:    counts[tag] > 0,
			Models:        counts[tag],
			PrimaryModels: providers.PrimaryModels[tag],
		})
	}
	writeJSON(ctx, map[string]any{"providers": out})
}

// handleModels implements POST /v1/models: the currently routable models.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if _, ok := g.authorize(ctx); !ok {
		return
	}
	models := g.routes.Models()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{"id": m, "object": "model"})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleHealth implements POST /health (and GET for probes).
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "healthy",
		"version":   g.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStats implements GET /stats: aggregated usage plus the per-route
// health snapshot.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	usage := &store.UsageStats{}
	if g.accountant != nil {
		if s, err := g.accountant.StatsSince(ctx, time.Now().Add(-24*time.Hour)); err == nil {
			usage = s
		} else {
			g.log.WarnContext(ctx, "stats_query_failed", slog.String("error", err.Error()))
		}
	}

	snapshot := []any{}
	if g.health != nil {
		for _, h := range g.health.Snapshot() {
			snapshot = append(snapshot, h)
		}
	}

	out := map[string]any{
		"window":    "24h",
		"usage":     usage,
		"providers": snapshot,
		"uptime":    time.Since(g.startedAt).Round(time.Second).String(),
	}
	if g.accountant != nil {
		out["dropped_records"] = g.accountant.Dropped()
	}
	writeJSON(ctx, out)
}
