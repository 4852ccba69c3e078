package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert violates a unique constraint.
var ErrDuplicate = errors.New("store: duplicate")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'user',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS oauth_accounts (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL REFERENCES users(id),
	provider         TEXT NOT NULL,
	provider_user_id TEXT NOT NULL,
	email            TEXT NOT NULL DEFAULT '',
	username         TEXT NOT NULL DEFAULT '',
	avatar_url       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider, provider_user_id)
);

CREATE TABLE IF NOT EXISTS virtual_keys (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL DEFAULT '',
	key_prefix        TEXT NOT NULL,
	lookup_hash       TEXT NOT NULL,
	verification_hash TEXT NOT NULL,
	max_budget        DOUBLE PRECISION,
	current_spend     DOUBLE PRECISION NOT NULL DEFAULT 0,
	rate_limit_rpm    BIGINT,
	rate_limit_tpm    BIGINT,
	allowed_models    TEXT[] NOT NULL DEFAULT '{}',
	expires_at        TIMESTAMPTZ,
	blocked           BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at      TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS virtual_keys_lookup_hash_idx ON virtual_keys (lookup_hash);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	token_hash TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sessions_token_hash_idx ON sessions (token_hash);
CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id);

CREATE TABLE IF NOT EXISTS provider_keys (
	provider   TEXT PRIMARY KEY,
	credential TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	user_tag          TEXT NOT NULL DEFAULT '',
	virtual_key_id    TEXT NOT NULL DEFAULT '',
	cached            BOOLEAN NOT NULL DEFAULT FALSE,
	error_text        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS usage_records_created_at_idx ON usage_records (created_at DESC);
CREATE INDEX IF NOT EXISTS usage_records_model_idx ON usage_records (model);
CREATE INDEX IF NOT EXISTS usage_records_provider_idx ON usage_records (provider);
CREATE INDEX IF NOT EXISTS usage_records_key_idx ON usage_records (virtual_key_id);
`

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL, verifies the connection, and ensures the
// schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ── Users ──

// CreateUser inserts a new user. Returns ErrDuplicate when the email is
// already registered.
func (s *Store) CreateUser(ctx context.Context, email, username, passwordHash, role string) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, username, password_hash, role)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING created_at, updated_at`,
		u.ID, u.Email, u.Username, u.PasswordHash, u.Role,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

func (s *Store) scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	return &u, nil
}

const userColumns = `id, email, username, password_hash, role, created_at, updated_at`

// UserByEmail fetches a user by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// UserByID fetches a user by id.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// UpsertOAuthUser resolves a federated identity to a local user, creating
// both the user and the oauth_accounts link on first login.
func (s *Store) UpsertOAuthUser(ctx context.Context, provider, providerUserID, email, username, avatarURL string) (*User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	err = tx.QueryRow(ctx,
		`SELECT user_id FROM oauth_accounts WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	).Scan(&userID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// New federated identity: reuse an existing user with the same
		// email, otherwise create one with no password hash.
		err = tx.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			userID = uuid.NewString()
			_, err = tx.Exec(ctx,
				`INSERT INTO users (id, email, username, role) VALUES ($1, $2, $3, 'user')`,
				userID, email, username)
		}
		if err != nil {
			return nil, fmt.Errorf("store: oauth user: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO oauth_accounts (id, user_id, provider, provider_user_id, email, username, avatar_url)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), userID, provider, providerUserID, email, username, avatarURL)
		if err != nil {
			return nil, fmt.Errorf("store: oauth link: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("store: oauth lookup: %w", err)
	}

	u, err := s.scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return u, nil
}

// ── Sessions ──

// CreateSession records an issued session token by its digest.
func (s *Store) CreateSession(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, expires_at)
		 VALUES ($1, $2, $3, $4) RETURNING created_at`,
		sess.ID, sess.UserID, sess.TokenHash, sess.ExpiresAt,
	).Scan(&sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return sess, nil
}

// SessionByTokenHash fetches a live session by the token digest.
func (s *Store) SessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, expires_at, created_at
		 FROM sessions WHERE token_hash = $1 AND expires_at > now()`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: session lookup: %w", err)
	}
	return &sess, nil
}

// DeleteUserSessions removes every session for a user (logout).
func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("store: delete sessions: %w", err)
	}
	return nil
}

// DeleteExpiredSessions sweeps sessions past their expiry.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("store: sweep sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Virtual keys ──

const virtualKeyColumns = `id, user_id, name, key_prefix, lookup_hash, verification_hash,
	max_budget, current_spend, rate_limit_rpm, rate_limit_tpm, allowed_models,
	expires_at, blocked, created_at, last_used_at`

func scanVirtualKey(row pgx.Row) (*VirtualKey, error) {
	var k VirtualKey
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.LookupHash, &k.VerificationHash,
		&k.MaxBudget, &k.CurrentSpend, &k.RateLimitRPM, &k.RateLimitTPM, &k.AllowedModels,
		&k.ExpiresAt, &k.Blocked, &k.CreatedAt, &k.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan virtual key: %w", err)
	}
	return &k, nil
}

// CreateVirtualKey persists a new key record. The caller has already hashed
// the secret both ways.
func (s *Store) CreateVirtualKey(ctx context.Context, k *VirtualKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.AllowedModels == nil {
		k.AllowedModels = []string{}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO virtual_keys (id, user_id, name, key_prefix, lookup_hash, verification_hash,
			max_budget, rate_limit_rpm, rate_limit_tpm, allowed_models, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at`,
		k.ID, k.UserID, k.Name, k.KeyPrefix, k.LookupHash, k.VerificationHash,
		k.MaxBudget, k.RateLimitRPM, k.RateLimitTPM, k.AllowedModels, k.ExpiresAt,
	).Scan(&k.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create virtual key: %w", err)
	}
	return nil
}

// VirtualKeyByLookupHash is the hot-path key fetch: one indexed lookup.
func (s *Store) VirtualKeyByLookupHash(ctx context.Context, lookupHash string) (*VirtualKey, error) {
	return scanVirtualKey(s.pool.QueryRow(ctx,
		`SELECT `+virtualKeyColumns+` FROM virtual_keys WHERE lookup_hash = $1`, lookupHash))
}

// VirtualKeyByID fetches a key record by id.
func (s *Store) VirtualKeyByID(ctx context.Context, id string) (*VirtualKey, error) {
	return scanVirtualKey(s.pool.QueryRow(ctx,
		`SELECT `+virtualKeyColumns+` FROM virtual_keys WHERE id = $1`, id))
}

// VirtualKeysByUser lists a user's keys, newest first.
func (s *Store) VirtualKeysByUser(ctx context.Context, userID string) ([]*VirtualKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+virtualKeyColumns+` FROM virtual_keys WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("store: list virtual keys: %w", err)
	}
	defer rows.Close()

	var keys []*VirtualKey
	for rows.Next() {
		k, err := scanVirtualKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list virtual keys: %w", err)
	}
	return keys, nil
}

// VirtualKeyUpdate carries the mutable key fields; nil means "leave as is".
type VirtualKeyUpdate struct {
	Name          *string
	MaxBudget     *float64
	RateLimitRPM  *int64
	RateLimitTPM  *int64
	AllowedModels []string
	ExpiresAt     *time.Time
	Blocked       *bool
}

// UpdateVirtualKey applies a partial update and returns the new record.
func (s *Store) UpdateVirtualKey(ctx context.Context, id string, upd VirtualKeyUpdate) (*VirtualKey, error) {
	return scanVirtualKey(s.pool.QueryRow(ctx,
		`UPDATE virtual_keys SET
			name           = COALESCE($2, name),
			max_budget     = COALESCE($3, max_budget),
			rate_limit_rpm = COALESCE($4, rate_limit_rpm),
			rate_limit_tpm = COALESCE($5, rate_limit_tpm),
			allowed_models = COALESCE($6, allowed_models),
			expires_at     = COALESCE($7, expires_at),
			blocked        = COALESCE($8, blocked)
		 WHERE id = $1
		 RETURNING `+virtualKeyColumns,
		id, upd.Name, upd.MaxBudget, upd.RateLimitRPM, upd.RateLimitTPM,
		upd.AllowedModels, upd.ExpiresAt, upd.Blocked))
}

// DeleteVirtualKey removes a key record.
func (s *Store) DeleteVirtualKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM virtual_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete virtual key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchVirtualKeyUsed updates last_used_at. Called asynchronously after a
// successful verification; failures are the caller's to log.
func (s *Store) TouchVirtualKeyUsed(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE virtual_keys SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: touch virtual key: %w", err)
	}
	return nil
}

// AddSpend increments a key's running spend.
func (s *Store) AddSpend(ctx context.Context, id string, usd float64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE virtual_keys SET current_spend = current_spend + $2 WHERE id = $1`, id, usd); err != nil {
		return fmt.Errorf("store: add spend: %w", err)
	}
	return nil
}

// ── Provider credentials ──

// UpsertProviderKey stores a provider credential, replacing any previous one.
func (s *Store) UpsertProviderKey(ctx context.Context, provider, credential string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO provider_keys (provider, credential, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (provider) DO UPDATE SET credential = $2, updated_at = now()`,
		provider, credential); err != nil {
		return fmt.Errorf("store: upsert provider key: %w", err)
	}
	return nil
}

// DeleteProviderKey removes a persisted provider credential.
func (s *Store) DeleteProviderKey(ctx context.Context, provider string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM provider_keys WHERE provider = $1`, provider); err != nil {
		return fmt.Errorf("store: delete provider key: %w", err)
	}
	return nil
}

// ProviderKeys lists all persisted provider credentials.
func (s *Store) ProviderKeys(ctx context.Context) ([]ProviderKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT provider, credential, updated_at FROM provider_keys`)
	if err != nil {
		return nil, fmt.Errorf("store: list provider keys: %w", err)
	}
	defer rows.Close()

	var keys []ProviderKey
	for rows.Next() {
		var k ProviderKey
		if err := rows.Scan(&k.Provider, &k.Credential, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan provider key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list provider keys: %w", err)
	}
	return keys, nil
}

// ── Usage records ──

// InsertUsageRecords appends a batch of usage records in one round-trip.
func (s *Store) InsertUsageRecords(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch.Queue(
			`INSERT INTO usage_records (id, model, provider, prompt_tokens, completion_tokens,
				total_tokens, cost_usd, latency_ms, user_tag, virtual_key_id, cached, error_text, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			id, r.Model, r.Provider, r.PromptTokens, r.CompletionTokens,
			r.TotalTokens, r.CostUSD, r.LatencyMs, r.UserTag, r.VirtualKeyID,
			r.Cached, r.ErrorText, r.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: insert usage records: %w", err)
	}
	return nil
}

// UsageStatsSince aggregates usage records created after since.
func (s *Store) UsageStatsSince(ctx context.Context, since time.Time) (*UsageStats, error) {
	var st UsageStats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
			COALESCE(sum(total_tokens), 0),
			COALESCE(sum(cost_usd), 0),
			count(*) FILTER (WHERE cached),
			count(*) FILTER (WHERE error_text <> ''),
			COALESCE(avg(latency_ms), 0)
		 FROM usage_records WHERE created_at > $1`,
		since,
	).Scan(&st.TotalRequests, &st.TotalTokens, &st.TotalCostUSD,
		&st.CacheHits, &st.ErrorCount, &st.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("store: usage stats: %w", err)
	}
	return &st, nil
}
