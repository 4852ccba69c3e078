// Package ratelimit enforces per-key sliding-window limits over Redis.
//
// Two dimensions are tracked independently for each API key: requests per
// minute and tokens per minute. Each dimension is a sorted set whose member
// scores are unix timestamps; a single atomic Lua script evicts entries
// older than the window, sums the remaining weight, and conditionally adds
// the new entry. When Redis is unreachable the gate fails open.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Window is the sliding-window span.
	Window = 60 * time.Second

	// keyTTL outlives the window slightly so idle keys expire on their own.
	keyTTL = 70 * time.Second
)

// Dimensions.
const (
	DimRequests = "requests"
	DimTokens   = "tokens"
)

// windowScript evicts, counts, and conditionally admits in one atomic unit.
// Members are "<unique-id>:<weight>"; the window usage is the sum of member
// weights, so one member can represent a whole token debit.
//
// KEYS[1] = sorted-set key
// ARGV[1] = now (unix seconds)
// ARGV[2] = window (seconds)
// ARGV[3] = limit (0 = unlimited, always admit)
// ARGV[4] = increment (0 = probe only, add nothing)
// ARGV[5] = unique member id
// Returns {admitted, usage-after}.
var windowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])
	local incr   = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	local current = 0
	for _, m in ipairs(redis.call('ZRANGE', key, 0, -1)) do
		current = current + (tonumber(string.match(m, ':(%d+)$')) or 1)
	end

	if limit > 0 and current + incr > limit then
		return {0, current}
	end

	if incr > 0 then
		redis.call('ZADD', key, now, ARGV[5] .. ':' .. incr)
		redis.call('EXPIRE', key, 70)
	end
	return {1, current + incr}
`)

// Limits carries a key's configured limits. nil means unlimited.
type Limits struct {
	RPM *int64
	TPM *int64
}

func (l Limits) none() bool { return l.RPM == nil && l.TPM == nil }

// Status is the outcome of a gate check. Remaining counts are clamped at
// zero; ResetAt and RetryAfter are meaningful on rejection but always set.
type Status struct {
	Allowed           bool
	Dimension         string // rejecting dimension, "" when allowed
	LimitRPM          int64  // 0 = unlimited
	LimitTPM          int64  // 0 = unlimited
	RemainingRequests int64
	RemainingTokens   int64
	ResetAt           time.Time
	RetryAfter        time.Duration
}

// KeyLimiter gates requests per API key.
type KeyLimiter struct {
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time // injectable for window tests
}

// New builds a KeyLimiter. rdb may be nil, in which case every check
// admits (the same degraded mode as an unreachable Redis).
func New(rdb *redis.Client, log *slog.Logger) *KeyLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &KeyLimiter{rdb: rdb, log: log, now: time.Now}
}

func dimKey(keyID, dim string) string {
	return "ratelimit:" + keyID + ":" + dim
}

// run executes the window script for one dimension. The error is the raw
// Redis failure; callers decide the degraded behavior.
func (k *KeyLimiter) run(ctx context.Context, keyID, dim string, limit, incr int64) (admitted bool, usage int64, err error) {
	now := k.now().Unix()
	res, err := windowScript.Run(ctx, k.rdb,
		[]string{dimKey(keyID, dim)},
		now, int64(Window.Seconds()), limit, incr, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: %s window: %w", dim, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

// Check admits or rejects one request for the key. The requests dimension
// is tested with a +1 increment; the tokens dimension is probed without an
// increment — token usage is debited after completion, once the real count
// is known.
func (k *KeyLimiter) Check(ctx context.Context, keyID string, limits Limits) Status {
	now := k.now()
	st := Status{
		Allowed:    true,
		ResetAt:    now.Add(Window),
		RetryAfter: Window,
	}
	if limits.RPM != nil {
		st.LimitRPM = *limits.RPM
	}
	if limits.TPM != nil {
		st.LimitTPM = *limits.TPM
	}
	if limits.none() || k.rdb == nil {
		return st
	}

	admitted, usage, err := k.run(ctx, keyID, DimRequests, st.LimitRPM, 1)
	if err != nil {
		k.log.Warn("ratelimit_unavailable_fail_open",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()))
		return st
	}
	st.RemainingRequests = clamp(st.LimitRPM - usage)
	if !admitted {
		st.Allowed = false
		st.Dimension = DimRequests
		return st
	}

	if limits.TPM != nil {
		admitted, usage, err = k.run(ctx, keyID, DimTokens, st.LimitTPM, 0)
		if err != nil {
			k.log.Warn("ratelimit_unavailable_fail_open",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()))
			return st
		}
		st.RemainingTokens = clamp(st.LimitTPM - usage)
		if !admitted {
			st.Allowed = false
			st.Dimension = DimTokens
		}
	}
	return st
}

// Debit records consumed tokens in the tokens window after a completion.
// The debit is unconditional; failures are logged and swallowed.
func (k *KeyLimiter) Debit(ctx context.Context, keyID string, tokens int64) {
	if tokens <= 0 || k.rdb == nil {
		return
	}
	if _, _, err := k.run(ctx, keyID, DimTokens, 0, tokens); err != nil {
		k.log.Warn("ratelimit_debit_failed",
			slog.String("key_id", keyID),
			slog.Int64("tokens", tokens),
			slog.String("error", err.Error()))
	}
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
