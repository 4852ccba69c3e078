// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, Postgres, ClickHouse)
//  2. initProviders — the four LLM provider adapters
//  3. initServices  — auth, limiter, route table, cache, accounting, metrics
//  4. initGateway   — the proxy and its HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inferxgate/internal/accounting"
	"github.com/nulpointcorp/inferxgate/internal/auth"
	npCache "github.com/nulpointcorp/inferxgate/internal/cache"
	"github.com/nulpointcorp/inferxgate/internal/config"
	"github.com/nulpointcorp/inferxgate/internal/cost"
	"github.com/nulpointcorp/inferxgate/internal/health"
	"github.com/nulpointcorp/inferxgate/internal/metrics"
	"github.com/nulpointcorp/inferxgate/internal/oauth"
	"github.com/nulpointcorp/inferxgate/internal/providers"
	"github.com/nulpointcorp/inferxgate/internal/proxy"
	"github.com/nulpointcorp/inferxgate/internal/ratelimit"
	"github.com/nulpointcorp/inferxgate/internal/routing"
	"github.com/nulpointcorp/inferxgate/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	db     *store.Store
	mirror *accounting.ClickHouseMirror

	memCache   *npCache.MemoryCache
	respCache  npCache.Cache
	exclusions *npCache.ExclusionList

	prom       *metrics.Registry
	provs      map[string]providers.Provider
	authn      *auth.Authenticator
	tokens     *auth.TokenManager
	limiter    *ratelimit.KeyLimiter
	routes     *routing.Table
	accountant *accounting.Accountant
	tracker    *health.Tracker
	costs      *cost.Calculator
	github     *oauth.GitHub

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("cache", a.respCache != nil),
		slog.Bool("database", a.db != nil),
		slog.Bool("redis", a.rdb != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.accountant != nil {
		if err := a.accountant.Close(); err != nil {
			a.log.Error("accountant close error", slog.String("error", err.Error()))
		}
		a.accountant = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.mirror = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// envCredentials maps provider tags to startup credentials from the
// environment. Azure is pre-combined into "resource:secret".
func envCredentials(cfg *config.Config) map[string]string {
	creds := map[string]string{
		"anthropic": cfg.Anthropic.APIKey,
		"gemini":    cfg.Gemini.APIKey,
		"openai":    cfg.OpenAI.APIKey,
	}
	if cfg.Azure.APIKey != "" && cfg.Azure.ResourceName != "" {
		creds["azure"] = cfg.Azure.ResourceName + ":" + cfg.Azure.APIKey
	}
	return creds
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
