package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inferxgate/internal/store"
)

// Authentication failures. Handlers map these onto the wire envelope.
var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrMalformedHeader    = errors.New("auth: malformed authorization header")
	ErrBadToken           = errors.New("auth: invalid or expired token")
	ErrUnknownUser        = errors.New("auth: unknown user")
	ErrUnknownKey         = errors.New("auth: unknown api key")
	ErrKeyBlocked         = errors.New("auth: api key is blocked")
	ErrKeyOverBudget      = errors.New("auth: api key exceeded its budget")
	ErrKeyExpired         = errors.New("auth: api key has expired")
	ErrBackendUnavailable = errors.New("auth: backend unavailable")
)

// Principal kinds.
const (
	KindAdmin  = "admin"
	KindUser   = "user"
	KindAPIKey = "api-key"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	Kind string
	User *store.User      // set for KindUser
	Key  *store.VirtualKey // set for KindAPIKey
}

// IsAdmin reports whether the principal may perform admin operations.
func (p *Principal) IsAdmin() bool {
	return p.Kind == KindAdmin || (p.User != nil && p.User.Role == "admin")
}

// Store is the slice of the persistence layer the authenticator needs.
// Kept narrow so tests can substitute a fake.
type Store interface {
	VirtualKeyByLookupHash(ctx context.Context, lookupHash string) (*store.VirtualKey, error)
	TouchVirtualKeyUsed(ctx context.Context, id string) error
	UserByID(ctx context.Context, id string) (*store.User, error)
	SessionByTokenHash(ctx context.Context, tokenHash string) (*store.Session, error)
}

const (
	verifiedKeyPrefix = "auth:verified:"
	recordKeyPrefix   = "auth:key:"

	// cacheTTL bounds how long a revoked or re-budgeted key keeps working.
	cacheTTL = 300 * time.Second

	cacheQueryTimeout = 500 * time.Millisecond
	touchTimeout      = 5 * time.Second
)

// Authenticator resolves bearers to principals.
//
// API-key resolution runs through a two-tier Redis cache keyed by the
// lookup hash: the "verified" tier skips bcrypt entirely, the "record"
// tier skips the database but still verifies. Redis being down only makes
// authentication slower, never wrong.
type Authenticator struct {
	masterKey string
	tokens    *TokenManager
	store     Store
	redis     *redis.Client
	log       *slog.Logger
	metrics   TierRecorder
}

// TierRecorder receives the cache tier that resolved each API key:
// "verified", "record", or "store".
type TierRecorder interface {
	RecordAuthCacheTier(tier string)
}

// New builds an Authenticator. tokens and redis may be nil (no session
// support / no cache); store must be set for key and session resolution.
func New(masterKey string, tokens *TokenManager, st Store, redisCli *redis.Client, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		masterKey: masterKey,
		tokens:    tokens,
		store:     st,
		redis:     redisCli,
		log:       log,
	}
}

// SetMetrics attaches an optional tier recorder.
func (a *Authenticator) SetMetrics(m TierRecorder) {
	a.metrics = m
}

func (a *Authenticator) recordTier(tier string) {
	if a.metrics != nil {
		a.metrics.RecordAuthCacheTier(tier)
	}
}

// parseBearer extracts the opaque token from an Authorization header.
func parseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredentials
	}
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) || len(header) == len(scheme) {
		return "", ErrMalformedHeader
	}
	return header[len(scheme):], nil
}

func (a *Authenticator) isMaster(token string) bool {
	return a.masterKey != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.masterKey)) == 1
}

// RequireMaster admits only the configured master secret.
func (a *Authenticator) RequireMaster(header string) (*Principal, error) {
	token, err := parseBearer(header)
	if err != nil {
		return nil, err
	}
	if !a.isMaster(token) {
		return nil, ErrBadToken
	}
	return &Principal{Kind: KindAdmin}, nil
}

// RequireSession admits only session-token bearers that resolve to a live
// session and user. The master secret is also accepted, as admin.
func (a *Authenticator) RequireSession(ctx context.Context, header string) (*Principal, error) {
	token, err := parseBearer(header)
	if err != nil {
		return nil, err
	}
	if a.isMaster(token) {
		return &Principal{Kind: KindAdmin}, nil
	}
	return a.resolveSession(ctx, token)
}

// RequireAny admits the master secret, an API key (recognized by its
// prefix), or a session token, in that order of dispatch.
func (a *Authenticator) RequireAny(ctx context.Context, header string) (*Principal, error) {
	token, err := parseBearer(header)
	if err != nil {
		return nil, err
	}
	if a.isMaster(token) {
		return &Principal{Kind: KindAdmin}, nil
	}
	if IsAPIKey(token) {
		key, err := a.ResolveAPIKey(ctx, token)
		if err != nil {
			return nil, err
		}
		return &Principal{Kind: KindAPIKey, Key: key}, nil
	}
	return a.resolveSession(ctx, token)
}

func (a *Authenticator) resolveSession(ctx context.Context, token string) (*Principal, error) {
	if a.tokens == nil || a.store == nil {
		return nil, ErrBadToken
	}
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return nil, ErrBadToken
	}

	// The signature alone is not enough: logout deletes the server-side
	// session, which must reject the token before its expiry.
	if _, err := a.store.SessionByTokenHash(ctx, TokenHash(token)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBadToken
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	user, err := a.store.UserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &Principal{Kind: KindUser, User: user}, nil
}

// keyEnvelope is the cached form of a VirtualKey. The hash columns are
// json:"-" on the entity, so the envelope carries them explicitly — the
// record tier is useless without the verification hash.
type keyEnvelope struct {
	Key              *store.VirtualKey `json:"key"`
	LookupHash       string            `json:"lookup_hash"`
	VerificationHash string            `json:"verification_hash"`
}

func envelope(k *store.VirtualKey) keyEnvelope {
	return keyEnvelope{Key: k, LookupHash: k.LookupHash, VerificationHash: k.VerificationHash}
}

func (e keyEnvelope) key() *store.VirtualKey {
	k := *e.Key
	k.LookupHash = e.LookupHash
	k.VerificationHash = e.VerificationHash
	return &k
}

// ResolveAPIKey authenticates a presented API-key secret and returns its
// record. The resolution order is: verified cache, record cache, database,
// then bcrypt verification.
func (a *Authenticator) ResolveAPIKey(ctx context.Context, secret string) (*store.VirtualKey, error) {
	if a.store == nil {
		return nil, ErrBackendUnavailable
	}
	lookup := LookupHash(secret)

	// Tier 1: already verified within the TTL — no hashing at all.
	if key, ok := a.cacheGet(ctx, verifiedKeyPrefix+lookup); ok {
		a.recordTier("verified")
		if err := checkValidity(key); err != nil {
			return nil, err
		}
		return key, nil
	}

	// Tier 2: record cache, then the indexed database lookup.
	key, ok := a.cacheGet(ctx, recordKeyPrefix+lookup)
	if ok {
		a.recordTier("record")
	} else {
		var err error
		key, err = a.store.VirtualKeyByLookupHash(ctx, lookup)
		if errors.Is(err, store.ErrNotFound) {
			EqualizeTiming(secret)
			return nil, ErrUnknownKey
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		a.recordTier("store")
		a.cacheSet(ctx, recordKeyPrefix+lookup, key)
	}

	if !VerifySecret(key.VerificationHash, secret) {
		return nil, ErrUnknownKey
	}
	a.cacheSet(ctx, verifiedKeyPrefix+lookup, key)

	if err := checkValidity(key); err != nil {
		return nil, err
	}

	go a.touchLastUsed(key.ID)
	return key, nil
}

func checkValidity(key *store.VirtualKey) error {
	now := time.Now()
	if key.Blocked {
		return ErrKeyBlocked
	}
	if key.MaxBudget != nil && key.CurrentSpend >= *key.MaxBudget {
		return ErrKeyOverBudget
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return ErrKeyExpired
	}
	return nil
}

func (a *Authenticator) touchLastUsed(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := a.store.TouchVirtualKeyUsed(ctx, keyID); err != nil {
		a.log.Warn("key_touch_failed",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()))
	}
}

// cacheGet fetches a cached key envelope. Any Redis error counts as a
// miss so authentication keeps working without the cache.
func (a *Authenticator) cacheGet(ctx context.Context, cacheKey string) (*store.VirtualKey, bool) {
	if a.redis == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, cacheQueryTimeout)
	defer cancel()

	raw, err := a.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			a.log.Warn("auth_cache_get_error",
				slog.String("key", cacheKey),
				slog.String("error", err.Error()))
		}
		return nil, false
	}
	var env keyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Key == nil {
		return nil, false
	}
	return env.key(), true
}

func (a *Authenticator) cacheSet(ctx context.Context, cacheKey string, key *store.VirtualKey) {
	if a.redis == nil {
		return
	}
	raw, err := json.Marshal(envelope(key))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheQueryTimeout)
	defer cancel()

	if err := a.redis.Set(ctx, cacheKey, raw, cacheTTL).Err(); err != nil {
		a.log.Warn("auth_cache_set_error",
			slog.String("key", cacheKey),
			slog.String("error", err.Error()))
	}
}

// InvalidateKey drops both cache tiers for a secret's lookup hash. Called
// on key update and delete so revocation does not wait out the TTL.
func (a *Authenticator) InvalidateKey(ctx context.Context, lookupHash string) {
	if a.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheQueryTimeout)
	defer cancel()

	if err := a.redis.Del(ctx, verifiedKeyPrefix+lookupHash, recordKeyPrefix+lookupHash).Err(); err != nil {
		a.log.Warn("auth_cache_invalidate_error",
			slog.String("error", err.Error()))
	}
}
