// Package store is the relational persistence layer: users, sessions,
// OAuth accounts, virtual keys, provider credentials, and usage records.
//
// Everything goes through a single pgx pool. Callers that can operate
// without persistence (router, accountant) hold a nil *Store and skip the
// call; the authentication path treats store errors as terminal.
package store

import "time"

// User is a registered account. PasswordHash is empty for users created
// through federated login.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OAuthAccount links a user to an external identity provider account.
type OAuthAccount struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	Email          string    `json:"email,omitempty"`
	Username       string    `json:"username,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// VirtualKey is an issued API key. The secret itself is never stored: only
// the fast lookup hash (unique index) and the slow verification hash.
type VirtualKey struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id,omitempty"` // empty = system key
	Name             string     `json:"name"`
	KeyPrefix        string     `json:"key_prefix"`
	LookupHash       string     `json:"-"`
	VerificationHash string     `json:"-"`
	MaxBudget        *float64   `json:"max_budget,omitempty"`
	CurrentSpend     float64    `json:"current_spend"`
	RateLimitRPM     *int64     `json:"rate_limit_rpm,omitempty"`
	RateLimitTPM     *int64     `json:"rate_limit_tpm,omitempty"`
	AllowedModels    []string   `json:"allowed_models,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Blocked          bool       `json:"blocked"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// Valid reports whether the key is currently usable. The reasons are
// surfaced individually by the authenticator; this is the combined check.
func (k *VirtualKey) Valid(now time.Time) bool {
	if k.Blocked {
		return false
	}
	if k.MaxBudget != nil && k.CurrentSpend >= *k.MaxBudget {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AllowsModel reports whether model passes the key's allow-list.
// An empty list allows everything.
func (k *VirtualKey) AllowsModel(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Session is a server-side record of an issued session token. Logout
// deletes the user's sessions, which invalidates tokens before expiry.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderKey is a persisted provider credential, keyed by provider tag.
// For Azure the credential is "resource:secret".
type ProviderKey struct {
	Provider   string    `json:"provider"`
	Credential string    `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UsageRecord is one append-only entry in the request log.
type UsageRecord struct {
	ID               string    `json:"id"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	UserTag          string    `json:"user,omitempty"`
	VirtualKeyID     string    `json:"virtual_key_id,omitempty"`
	Cached           bool      `json:"cached"`
	ErrorText        string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageStats aggregates usage records over a window, for /stats.
type UsageStats struct {
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	CacheHits     int64   `json:"cache_hits"`
	ErrorCount    int64   `json:"error_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}
