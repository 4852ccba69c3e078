// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the caller, applies per-key rate limiting, resolves the target route,
// checks the cache, and forwards the request to the matching provider.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path
//     beyond the auth cache and the limiter round-trip.
//   - Store, cache, limiter, and accountant are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inferxgate/internal/accounting"
	"github.com/nulpointcorp/inferxgate/internal/auth"
	"github.com/nulpointcorp/inferxgate/internal/cache"
	"github.com/nulpointcorp/inferxgate/internal/cost"
	"github.com/nulpointcorp/inferxgate/internal/health"
	"github.com/nulpointcorp/inferxgate/internal/metrics"
	"github.com/nulpointcorp/inferxgate/internal/oauth"
	"github.com/nulpointcorp/inferxgate/internal/providers"
	"github.com/nulpointcorp/inferxgate/internal/ratelimit"
	"github.com/nulpointcorp/inferxgate/internal/routing"
	"github.com/nulpointcorp/inferxgate/internal/store"
	"github.com/nulpointcorp/inferxgate/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// Options wires the Gateway's collaborators. Store, Redis, Cache, Limiter,
// Accountant, and OAuth may be nil; the Gateway degrades per collaborator.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	Auth   *auth.Authenticator
	Tokens *auth.TokenManager
	Store  *store.Store
	Redis  *redis.Client

	Limiter   *ratelimit.KeyLimiter
	Routes    *routing.Table
	Providers map[string]providers.Provider

	Cache           cache.Cache
	CacheTTL        time.Duration
	CacheExclusions *cache.ExclusionList

	Cost       *cost.Calculator
	Accountant *accounting.Accountant
	Health     *health.Tracker
	OAuth      *oauth.GitHub

	// RequireAuth gates /v1/chat/completions and /v1/models behind a
	// principal. Off is only meant for local development.
	RequireAuth bool

	// AllowedEmailDomains restricts local registration. Empty = any.
	AllowedEmailDomains []string

	// FrontendURL receives the OAuth callback redirect.
	FrontendURL string

	// CORSOrigins for the middleware chain. Empty = allow all.
	CORSOrigins []string

	// ProviderTimeout bounds each upstream call.
	// Default: providers.RequestTimeout (120s).
	ProviderTimeout time.Duration

	Version string
}

// Gateway is the main proxy — all dependencies are injected via Options so
// they can be replaced with doubles in unit tests.
type Gateway struct {
	log     *slog.Logger
	metrics *metrics.Registry

	auth   *auth.Authenticator
	tokens *auth.TokenManager
	store  *store.Store
	redis  *redis.Client

	limiter   *ratelimit.KeyLimiter
	routes    *routing.Table
	providers map[string]providers.Provider

	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList

	cost       *cost.Calculator
	accountant *accounting.Accountant
	health     *health.Tracker
	oauth      *oauth.GitHub

	requireAuth     bool
	allowedDomains  []string
	frontendURL     string
	corsOrigins     []string
	providerTimeout time.Duration
	version         string
	startedAt       time.Time

	srv *fasthttp.Server
}

// New builds a Gateway from Options.
func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.RequestTimeout
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Gateway{
		log:             log,
		metrics:         opts.Metrics,
		auth:            opts.Auth,
		tokens:          opts.Tokens,
		store:           opts.Store,
		redis:           opts.Redis,
		limiter:         opts.Limiter,
		routes:          opts.Routes,
		providers:       opts.Providers,
		cache:           opts.Cache,
		cacheTTL:        cacheTTL,
		cacheExclusions: opts.CacheExclusions,
		cost:            opts.Cost,
		accountant:      opts.Accountant,
		health:          opts.Health,
		oauth:           opts.OAuth,
		requireAuth:     opts.RequireAuth,
		allowedDomains:  opts.AllowedEmailDomains,
		frontendURL:     opts.FrontendURL,
		corsOrigins:     opts.CORSOrigins,
		providerTimeout: providerTimeout,
		version:         version,
		startedAt:       time.Now(),
	}
}

// ── Inbound / outbound wire types ─────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name,omitempty"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		TopP        float64          `json:"top_p"`
		MaxTokens   int              `json:"max_tokens"`
		Stop        json.RawMessage  `json:"stop"`
		User        string           `json:"user"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// flattenContent normalizes the OpenAI "content" field, which is either a
// bare string or an array of typed parts, into plain text. An image_url
// part becomes an "[Image: <url>]" marker so providers with text-only
// adapters still see that an image was attached.
func flattenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("'content' must be a string or array of parts")
	}
	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "text":
			sb.WriteString(p.Text)
		case "image_url":
			if sb.Len() > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString("[Image: " + p.ImageURL.URL + "]")
		}
	}
	return sb.String(), nil
}

// parseStop accepts the OpenAI "stop" field as a bare string or an array.
func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'stop' must be a string or array of strings")
}

// ── Authentication plumbing ───────────────────────────────────────────────────

// authorize resolves the request principal under the require-any policy.
// Returns (nil, true) when authentication is disabled.
func (g *Gateway) authorize(ctx *fasthttp.RequestCtx) (*auth.Principal, bool) {
	if !g.requireAuth {
		return nil, true
	}
	principal, err := g.auth.RequireAny(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return nil, false
	}
	return principal, true
}

// writeAuthError maps authentication failures onto the wire envelope.
func (g *Gateway) writeAuthError(ctx *fasthttp.RequestCtx, err error) {
	reason := "invalid"
	defer func() {
		if g.metrics != nil {
			g.metrics.RecordAuthFailure(reason)
		}
	}()

	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		reason = "missing"
		apierr.WriteAuth(ctx, "missing authorization header")
	case errors.Is(err, auth.ErrMalformedHeader):
		reason = "malformed"
		apierr.WriteAuth(ctx, "malformed authorization header")
	case errors.Is(err, auth.ErrKeyBlocked):
		reason = "blocked"
		apierr.Write(ctx, fasthttp.StatusForbidden,
			"api key is blocked", apierr.TypePermissionError)
	case errors.Is(err, auth.ErrKeyOverBudget):
		reason = "over_budget"
		apierr.Write(ctx, fasthttp.StatusPaymentRequired,
			"api key exceeded its budget", apierr.TypePermissionError)
	case errors.Is(err, auth.ErrKeyExpired):
		reason = "expired"
		apierr.WriteAuth(ctx, "api key has expired")
	case errors.Is(err, auth.ErrBackendUnavailable):
		reason = "backend"
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"authentication backend unavailable", apierr.TypeServerError)
	default:
		apierr.WriteAuth(ctx, "invalid credentials")
	}
}

// ── Chat completions dispatch ─────────────────────────────────────────────────

// dispatchChat is the handler behind POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate.
	principal, ok := g.authorize(ctx)
	if !ok {
		return
	}
	var key *store.VirtualKey
	if principal != nil && principal.Kind == auth.KindAPIKey {
		key = principal.Key
	}

	// 2. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest)
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		content, err := flattenContent(m.Content)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest)
			return
		}
		msgs[i] = providers.Message{Role: m.Role, Content: content}
	}
	stop, err := parseStop(req.Stop)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest)
		return
	}

	// 3. Resolve the route.
	modelRoute, ok := g.routes.Resolve(req.Model)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q is not configured", req.Model),
			apierr.TypeNotFoundError)
		return
	}
	servedProvider = modelRoute.Provider

	if key != nil && !key.AllowsModel(req.Model) {
		apierr.WriteForbidden(ctx, fmt.Sprintf("model %q is not allowed for this key", req.Model))
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", modelRoute.Provider),
		slog.Bool("stream", req.Stream),
	)

	// 4. Rate gate — API-key principals with configured limits only.
	var limits ratelimit.Limits
	if key != nil {
		limits = ratelimit.Limits{RPM: key.RateLimitRPM, TPM: key.RateLimitTPM}
	}
	if g.limiter != nil && key != nil {
		st := g.limiter.Check(ctx, key.ID, limits)
		setRateLimitHeaders(ctx, st)
		if !st.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
				g.metrics.RecordRateLimitExceeded(st.Dimension)
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("key_id", key.ID),
				slog.String("dimension", st.Dimension),
			)
			apierr.WriteRateLimit(ctx, strconv.FormatInt(int64(st.RetryAfter.Seconds()), 10))
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	chatReq := &providers.ChatRequest{
		Model:       modelRoute.UpstreamModel,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        stop,
		User:        req.User,
		RequestID:   reqID,
	}

	// 5. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Excluded(req.Model))
	cacheKey := ""
	if cacheEligible {
		cacheKey = cache.Fingerprint(req.Model, msgs)
	}
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		if cachedBody, hit := g.cache.Get(ctx, cacheKey); hit {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			// Token counts come from the cached payload; cost stays zero.
			var cu struct {
				Usage outboundUsage `json:"usage"`
			}
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}
			g.account(store.UsageRecord{
				Model:            req.Model,
				Provider:         modelRoute.Provider,
				PromptTokens:     inputTokens,
				CompletionTokens: outputTokens,
				TotalTokens:      inputTokens + outputTokens,
				LatencyMs:        time.Since(start).Milliseconds(),
				UserTag:          req.User,
				VirtualKeyID:     keyID(key),
				Cached:           true,
			})
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 6. Call the provider.
	prov, ok := g.providers[modelRoute.Provider]
	if !ok || prov == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("provider %q is not available", modelRoute.Provider),
			apierr.TypeProviderError)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	upStart := time.Now()
	var resp *providers.ChatResponse
	if req.Stream {
		resp, err = prov.StreamComplete(provCtx, chatReq, modelRoute.Credential)
	} else {
		resp, err = prov.Complete(provCtx, chatReq, modelRoute.Credential)
	}
	upDur := time.Since(upStart)

	if err != nil {
		if g.health != nil {
			g.health.RecordError(modelRoute.Provider, req.Model)
			g.noteHealth(modelRoute.Provider, req.Model)
		}
		if g.metrics != nil {
			reason := classifyError(err)
			g.metrics.ObserveUpstreamAttempt(servedProvider, req.Model, reason, upDur)
			g.metrics.RecordError(servedProvider, reason)
		}
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("provider", modelRoute.Provider),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.account(store.UsageRecord{
			Model:        req.Model,
			Provider:     modelRoute.Provider,
			LatencyMs:    time.Since(start).Milliseconds(),
			UserTag:      req.User,
			VirtualKeyID: keyID(key),
			ErrorText:    err.Error(),
		})
		handleProviderError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, req.Model, "success", upDur)
	}

	// 7a. Streaming — SSE pass-through. Never cached.
	if req.Stream && resp.Stream != nil {
		streaming = true
		g.writeSSE(ctx, req.Model, resp, func(estimatedTokens int) {
			dur := time.Since(start)
			if g.health != nil {
				g.health.RecordSuccess(modelRoute.Provider, req.Model, uint64(dur.Milliseconds()))
				g.noteHealth(modelRoute.Provider, req.Model)
			}
			g.account(store.UsageRecord{
				Model:            req.Model,
				Provider:         modelRoute.Provider,
				CompletionTokens: estimatedTokens,
				TotalTokens:      estimatedTokens,
				CostUSD:          g.price(req.Model, 0, estimatedTokens),
				LatencyMs:        dur.Milliseconds(),
				UserTag:          req.User,
				VirtualKeyID:     keyID(key),
			})
			g.debitTokens(key, estimatedTokens)
			if g.metrics != nil {
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, reqBytes, -1)
				g.metrics.RecordRequest(servedProvider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(servedProvider, route, "bypass", dur)
				g.metrics.AddTokens(servedProvider, route, 0, estimatedTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	// 7b. Non-streaming — build the canonical response envelope.
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: finish,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError)
		return
	}

	// 8. Post-completion effects: cache, health, accounting, TPM debit.
	if cacheEligible {
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	elapsed := time.Since(start)
	if g.health != nil {
		g.health.RecordSuccess(modelRoute.Provider, req.Model, uint64(elapsed.Milliseconds()))
		g.noteHealth(modelRoute.Provider, req.Model)
	}
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens
	g.account(store.UsageRecord{
		Model:            req.Model,
		Provider:         modelRoute.Provider,
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
		TotalTokens:      inputTokens + outputTokens,
		CostUSD:          g.price(req.Model, inputTokens, outputTokens),
		LatencyMs:        elapsed.Milliseconds(),
		UserTag:          req.User,
		VirtualKeyID:     keyID(key),
	})
	g.debitTokens(key, inputTokens+outputTokens)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", modelRoute.Provider),
		slog.String("model", req.Model),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("elapsed", elapsed),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// ── Post-completion helpers ───────────────────────────────────────────────────

func keyID(key *store.VirtualKey) string {
	if key == nil {
		return ""
	}
	return key.ID
}

func (g *Gateway) price(model string, promptTokens, completionTokens int) float64 {
	if g.cost == nil {
		return 0
	}
	return g.cost.Calculate(model, promptTokens, completionTokens)
}

// account enqueues a usage record. Never blocks; nil accountant drops it.
func (g *Gateway) account(rec store.UsageRecord) {
	if g.accountant == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	g.accountant.Record(rec)
}

// noteHealth reflects the tracker's availability verdict into the
// per-provider gauge.
func (g *Gateway) noteHealth(provider, model string) {
	if g.health == nil || g.metrics == nil {
		return
	}
	if h, ok := g.health.Get(provider, model); ok {
		g.metrics.SetProviderHealth(provider, h.Available)
	}
}

// debitTokens charges consumed tokens against the key's TPM window.
func (g *Gateway) debitTokens(key *store.VirtualKey, tokens int) {
	if g.limiter == nil || key == nil || key.RateLimitTPM == nil || tokens <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g.limiter.Debit(ctx, key.ID, int64(tokens))
}

// setRateLimitHeaders emits the limiter status on every gated response.
// A dimension with no configured limit gets no Limit/Remaining pair at
// all: absence means unlimited, and clients must not read a missing
// header as zero. X-RateLimit-Reset is always present.
func setRateLimitHeaders(ctx *fasthttp.RequestCtx, st ratelimit.Status) {
	h := &ctx.Response.Header
	if st.LimitRPM > 0 {
		h.Set("X-RateLimit-Limit-Requests", strconv.FormatInt(st.LimitRPM, 10))
		h.Set("X-RateLimit-Remaining-Requests", strconv.FormatInt(st.RemainingRequests, 10))
	}
	if st.LimitTPM > 0 {
		h.Set("X-RateLimit-Limit-Tokens", strconv.FormatInt(st.LimitTPM, 10))
		h.Set("X-RateLimit-Remaining-Tokens", strconv.FormatInt(st.RemainingTokens, 10))
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(st.ResetAt.Unix(), 10))
}

// classifyError buckets provider failures for metrics labels.
func classifyError(err error) string {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch {
		case sc.HTTPStatus() == fasthttp.StatusTooManyRequests:
			return "rate_limited"
		case sc.HTTPStatus() >= 500:
			return "upstream_5xx"
		default:
			return "upstream_4xx"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport"
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	StatusCoder (providers that return HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                       → 504 Gateway Timeout
//	all other errors                               → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError)
}

// writeSSE streams response chunks from the provider as Server-Sent Events.
// onComplete fires once the stream drains with an estimated output token
// count (≈ chars/4), enabling accounting for streaming requests.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, model string, resp *providers.ChatResponse, onComplete func(estimatedTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token until the vendors
		// report usage on their final stream events.
		estimated := sb.Len() / 4
		if estimated == 0 && sb.Len() > 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
