// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a .env file in the working directory. Environment variables take
// precedence over the .env file.
//
// The gateway starts with zero provider keys configured — providers can be
// added at runtime through POST /v1/providers/configure. Redis and Postgres
// are both optional: without Redis the response cache falls back to the
// in-process backend and rate limiting admits everything; without Postgres
// authentication is limited to the master key and usage records are dropped
// with a warning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Host and Port form the listen address. Defaults: 0.0.0.0:8080.
	Host string
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — all optional; providers can also be configured at
	// runtime via the management API.
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	OpenAI    ProviderConfig
	Azure     AzureConfig

	// Redis holds the connection URL for the auth cache, rate limiter, and
	// response cache. Optional.
	Redis RedisConfig

	// Database holds the Postgres DSN. Optional — see package doc for the
	// degraded behaviour without it.
	Database DatabaseConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// Auth controls authentication and session issuance.
	Auth AuthConfig

	// OAuth controls the GitHub federated login flow.
	OAuth OAuthConfig

	// ClickHouseURL enables the optional usage-record mirror for analytics.
	ClickHouseURL string

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string

	// FrontendURL is where the OAuth callback redirects with the session token.
	FrontendURL string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to configure at runtime.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// AzureConfig holds Azure OpenAI configuration. The route credential is
// stored as "resource:key" so the adapter can build the deployment URL.
type AzureConfig struct {
	// APIKey is the Azure OpenAI resource key.
	APIKey string
	// ResourceName is the Azure resource, e.g. "myres" for
	// https://myres.openai.azure.com.
	ResourceName string
	// BaseURL overrides the resource URL entirely (testing).
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// DatabaseConfig holds the relational store configuration.
type DatabaseConfig struct {
	// URL is a postgres:// DSN.
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled toggles response caching (ENABLE_CACHING). Default: true.
	Enabled bool

	// TTL is the time-to-live for cached responses (CACHE_TTL_SECONDS).
	// Default: 3600s.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// AuthConfig controls authentication.
type AuthConfig struct {
	// MasterKey is the admin bearer secret. Must start with "sk-" and be at
	// least 10 characters when set.
	MasterKey string

	// JWTSecret signs session tokens (HS256). Required when RequireAuth is on.
	JWTSecret string

	// JWTExpiry is the session token lifetime. Default: 168h (7 days).
	JWTExpiry time.Duration

	// RequireAuth gates /v1/chat/completions and /v1/models behind a
	// principal. Default: true.
	RequireAuth bool

	// AllowedEmailDomains restricts local registration. Empty = any domain.
	AllowedEmailDomains []string
}

// OAuthConfig holds the GitHub OAuth application settings.
type OAuthConfig struct {
	GithubClientID     string
	GithubClientSecret string
	RedirectURL        string
}

// Load reads configuration from environment variables and (optionally) a
// .env file in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENABLE_CACHING", true)
	v.SetDefault("CACHE_TTL_SECONDS", 3600)
	v.SetDefault("JWT_EXPIRY_HOURS", 168)
	v.SetDefault("REQUIRE_AUTH", true)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:     v.GetString("HOST"),
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GEMINI_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Azure: AzureConfig{
			APIKey:       v.GetString("AZURE_API_KEY"),
			ResourceName: v.GetString("AZURE_RESOURCE_NAME"),
			BaseURL:      v.GetString("AZURE_BASE_URL"),
		},

		Redis:    RedisConfig{URL: v.GetString("REDIS_URL")},
		Database: DatabaseConfig{URL: v.GetString("DATABASE_URL")},

		Cache: CacheConfig{
			Enabled:         v.GetBool("ENABLE_CACHING"),
			TTL:             time.Duration(v.GetInt("CACHE_TTL_SECONDS")) * time.Second,
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Auth: AuthConfig{
			MasterKey:           v.GetString("INFERXGATE_MASTER_KEY"),
			JWTSecret:           v.GetString("JWT_SECRET"),
			JWTExpiry:           time.Duration(v.GetInt("JWT_EXPIRY_HOURS")) * time.Hour,
			RequireAuth:         v.GetBool("REQUIRE_AUTH"),
			AllowedEmailDomains: splitCSV(v.GetString("ALLOWED_EMAIL_DOMAINS")),
		},

		OAuth: OAuthConfig{
			GithubClientID:     v.GetString("GITHUB_CLIENT_ID"),
			GithubClientSecret: v.GetString("GITHUB_CLIENT_SECRET"),
			RedirectURL:        v.GetString("OAUTH_REDIRECT_URL"),
		},

		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		FrontendURL: v.GetString("FRONTEND_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Master key format: "sk-" prefix, ≥ 10 characters.
	if mk := c.Auth.MasterKey; mk != "" {
		if !strings.HasPrefix(mk, "sk-") {
			return fmt.Errorf("config: INFERXGATE_MASTER_KEY must start with 'sk-'")
		}
		if len(mk) < 10 {
			return fmt.Errorf("config: INFERXGATE_MASTER_KEY is too short (min 10 characters)")
		}
	}

	if c.Auth.RequireAuth && c.Auth.JWTSecret == "" && c.Auth.MasterKey == "" {
		return fmt.Errorf(
			"config: REQUIRE_AUTH=true needs JWT_SECRET or INFERXGATE_MASTER_KEY; " +
				"set REQUIRE_AUTH=false to run the gateway open",
		)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL_SECONDS must be positive")
	}
	if c.Auth.JWTExpiry <= 0 {
		return fmt.Errorf("config: JWT_EXPIRY_HOURS must be positive")
	}

	// OAuth is all-or-nothing: a partial setup is almost always a typo.
	oauthSet := 0
	for _, s := range []string{c.OAuth.GithubClientID, c.OAuth.GithubClientSecret, c.OAuth.RedirectURL} {
		if s != "" {
			oauthSet++
		}
	}
	if oauthSet > 0 && oauthSet < 3 {
		return fmt.Errorf(
			"config: GITHUB_CLIENT_ID, GITHUB_CLIENT_SECRET, and OAUTH_REDIRECT_URL " +
				"must all be set to enable GitHub login",
		)
	}

	return nil
}

// OAuthEnabled reports whether the GitHub login flow is fully configured.
func (c *Config) OAuthEnabled() bool {
	return c.OAuth.GithubClientID != "" &&
		c.OAuth.GithubClientSecret != "" &&
		c.OAuth.RedirectURL != ""
}

// splitCSV splits a comma-separated value into trimmed, non-empty elements.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
