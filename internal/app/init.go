package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inferxgate/internal/accounting"
	"github.com/nulpointcorp/inferxgate/internal/auth"
	npCache "github.com/nulpointcorp/inferxgate/internal/cache"
	"github.com/nulpointcorp/inferxgate/internal/cost"
	"github.com/nulpointcorp/inferxgate/internal/health"
	"github.com/nulpointcorp/inferxgate/internal/metrics"
	"github.com/nulpointcorp/inferxgate/internal/oauth"
	"github.com/nulpointcorp/inferxgate/internal/providers"
	"github.com/nulpointcorp/inferxgate/internal/providers/anthropic"
	"github.com/nulpointcorp/inferxgate/internal/providers/azure"
	"github.com/nulpointcorp/inferxgate/internal/providers/gemini"
	"github.com/nulpointcorp/inferxgate/internal/providers/openai"
	"github.com/nulpointcorp/inferxgate/internal/proxy"
	"github.com/nulpointcorp/inferxgate/internal/ratelimit"
	"github.com/nulpointcorp/inferxgate/internal/routing"
	"github.com/nulpointcorp/inferxgate/internal/store"
)

// initInfra establishes external connections. Redis and Postgres are optional
// but fatal when configured and unreachable; the ClickHouse mirror degrades
// to a warning because it only carries the analytics copy.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
	} else {
		a.log.Warn("redis not configured: rate limiting disabled, auth cache disabled")
	}

	if a.cfg.Database.URL != "" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Database.URL)))
		db, err := store.Open(ctx, a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.db = db
	} else {
		a.log.Warn("database not configured: accounts, virtual keys, and usage history disabled")
	}

	if a.cfg.ClickHouseURL != "" {
		mirror, err := accounting.OpenClickHouse(ctx, a.cfg.ClickHouseURL)
		if err != nil {
			a.log.Warn("clickhouse mirror unavailable", slog.String("error", err.Error()))
		} else {
			a.mirror = mirror
			a.log.Info("clickhouse mirror connected")
		}
	}

	return nil
}

// initProviders builds all four adapters over one shared HTTP client.
// Adapters are always constructed — per-request credentials come from the
// route table, so a provider without an environment key is still reachable
// once configured at runtime.
func (a *App) initProviders(ctx context.Context) error {
	hc := providers.NewHTTPClient()

	var anthropicOpts []anthropic.Option
	if a.cfg.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropic.WithBaseURL(a.cfg.Anthropic.BaseURL))
	}
	var geminiOpts []gemini.Option
	if a.cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(a.cfg.Gemini.BaseURL))
	}
	var openaiOpts []openai.Option
	if a.cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(a.cfg.OpenAI.BaseURL))
	}
	var azureOpts []azure.Option
	if a.cfg.Azure.BaseURL != "" {
		azureOpts = append(azureOpts, azure.WithEndpoint(a.cfg.Azure.BaseURL))
	}
	azureCred := ""
	if a.cfg.Azure.APIKey != "" && a.cfg.Azure.ResourceName != "" {
		azureCred = a.cfg.Azure.ResourceName + ":" + a.cfg.Azure.APIKey
	}

	a.provs = map[string]providers.Provider{
		"anthropic": anthropic.New(a.cfg.Anthropic.APIKey, hc, anthropicOpts...),
		"gemini":    gemini.New(ctx, a.cfg.Gemini.APIKey, hc, geminiOpts...),
		"openai":    openai.New(a.cfg.OpenAI.APIKey, hc, openaiOpts...),
		"azure":     azure.New(azureCred, hc, azureOpts...),
	}

	return nil
}

// initServices creates the in-process subsystems: metrics, pricing, health,
// auth, rate limiting, route table, accounting, cache, and OAuth.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.costs = cost.New()
	a.tracker = health.New()

	if a.cfg.Auth.JWTSecret != "" {
		a.tokens = auth.NewTokenManager(a.cfg.Auth.JWTSecret, a.cfg.Auth.JWTExpiry)
	}

	// Typed-nil guards: these constructors take interfaces, so a nil
	// *store.Store must stay an untyped nil.
	if a.db != nil {
		a.authn = auth.New(a.cfg.Auth.MasterKey, a.tokens, a.db, a.rdb, a.log)
		a.routes = routing.New(a.db, a.log)
	} else {
		a.authn = auth.New(a.cfg.Auth.MasterKey, a.tokens, nil, a.rdb, a.log)
		a.routes = routing.New(nil, a.log)
	}
	a.authn.SetMetrics(a.prom)
	a.accountant = newAccountant(a.db, a.mirror, a.log)

	if a.rdb != nil {
		a.limiter = ratelimit.New(a.rdb, a.log)
	}

	if a.cfg.Cache.Enabled {
		if a.rdb != nil {
			a.respCache = npCache.NewExactCacheFromClient(a.rdb)
			a.log.Info("cache backend: redis")
		} else {
			a.memCache = npCache.NewMemoryCache(ctx)
			a.respCache = a.memCache
			a.log.Info("cache backend: memory (in-process)")
		}
	} else {
		a.log.Info("cache backend: disabled")
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Rules()))
	}

	a.github = oauth.NewGitHub(
		a.cfg.OAuth.GithubClientID,
		a.cfg.OAuth.GithubClientSecret,
		a.cfg.OAuth.RedirectURL,
	)

	return nil
}

// initGateway seeds the route table and wires the Gateway.
func (a *App) initGateway(ctx context.Context) error {
	a.routes.LoadStartup(ctx, envCredentials(a.cfg))
	a.log.Info("route table loaded", slog.Int("models", len(a.routes.Models())))

	a.gw = proxy.New(proxy.Options{
		Logger:  a.log,
		Metrics: a.prom,

		Auth:   a.authn,
		Tokens: a.tokens,
		Store:  a.db,
		Redis:  a.rdb,

		Limiter:   a.limiter,
		Routes:    a.routes,
		Providers: a.provs,

		Cache:           a.respCache,
		CacheTTL:        a.cfg.Cache.TTL,
		CacheExclusions: a.exclusions,

		Cost:       a.costs,
		Accountant: a.accountant,
		Health:     a.tracker,
		OAuth:      a.github,

		RequireAuth:         a.cfg.Auth.RequireAuth,
		AllowedEmailDomains: a.cfg.Auth.AllowedEmailDomains,
		FrontendURL:         a.cfg.FrontendURL,
		CORSOrigins:         a.cfg.CORSOrigins,
		Version:             a.version,
	})

	return nil
}

// newAccountant builds the accountant without turning nil pointers into
// non-nil interface values.
func newAccountant(db *store.Store, mirror *accounting.ClickHouseMirror, log *slog.Logger) *accounting.Accountant {
	var m accounting.Mirror
	if mirror != nil {
		m = mirror
	}
	if db != nil {
		return accounting.New(db, m, log)
	}
	return accounting.New(nil, m, log)
}
