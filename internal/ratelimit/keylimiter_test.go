package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*KeyLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return New(cli, nil), mr
}

func rpm(n int64) Limits { return Limits{RPM: &n} }

func TestCheck_RPMLimit(t *testing.T) {
	k, _ := newTestLimiter(t)
	ctx := context.Background()

	limits := rpm(2)
	for i := 0; i < 2; i++ {
		st := k.Check(ctx, "key1", limits)
		if !st.Allowed {
			t.Fatalf("request %d should be admitted: %+v", i+1, st)
		}
	}

	st := k.Check(ctx, "key1", limits)
	if st.Allowed {
		t.Fatalf("third request in the window should be rejected: %+v", st)
	}
	if st.Dimension != DimRequests {
		t.Fatalf("Dimension = %q, want %q", st.Dimension, DimRequests)
	}
	if st.RetryAfter != Window {
		t.Fatalf("RetryAfter = %v, want %v", st.RetryAfter, Window)
	}
	if st.ResetAt.IsZero() {
		t.Fatal("ResetAt not set")
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	k, _ := newTestLimiter(t)
	ctx := context.Background()

	limits := rpm(1)
	if st := k.Check(ctx, "key-a", limits); !st.Allowed {
		t.Fatalf("key-a first request rejected: %+v", st)
	}
	if st := k.Check(ctx, "key-b", limits); !st.Allowed {
		t.Fatalf("key-b should have its own window: %+v", st)
	}
	if st := k.Check(ctx, "key-a", limits); st.Allowed {
		t.Fatal("key-a second request should be rejected")
	}
}

func TestCheck_WindowSlides(t *testing.T) {
	k, _ := newTestLimiter(t)
	ctx := context.Background()

	base := time.Now()
	k.now = func() time.Time { return base }

	limits := rpm(1)
	if st := k.Check(ctx, "key1", limits); !st.Allowed {
		t.Fatalf("first request rejected: %+v", st)
	}
	if st := k.Check(ctx, "key1", limits); st.Allowed {
		t.Fatal("second request inside the window should be rejected")
	}

	// Entries older than the window no longer count.
	k.now = func() time.Time { return base.Add(Window + time.Second) }
	if st := k.Check(ctx, "key1", limits); !st.Allowed {
		t.Fatalf("request after the window should be admitted: %+v", st)
	}
}

func TestCheck_NoLimitsSkipsRedis(t *testing.T) {
	k, mr := newTestLimiter(t)
	mr.Close() // must not matter

	st := k.Check(context.Background(), "key1", Limits{})
	if !st.Allowed {
		t.Fatalf("unlimited key rejected: %+v", st)
	}
}

func TestCheck_FailOpenWhenRedisDown(t *testing.T) {
	k, mr := newTestLimiter(t)
	mr.Close()

	limits := rpm(1)
	for i := 0; i < 3; i++ {
		if st := k.Check(context.Background(), "key1", limits); !st.Allowed {
			t.Fatalf("request %d must be admitted when Redis is down: %+v", i+1, st)
		}
	}
}

func TestDebit_CountsAgainstTPM(t *testing.T) {
	k, _ := newTestLimiter(t)
	ctx := context.Background()

	tpm := int64(100)
	limits := Limits{TPM: &tpm}

	// Nothing debited yet: TPM probe passes.
	if st := k.Check(ctx, "key1", limits); !st.Allowed {
		t.Fatalf("first check rejected: %+v", st)
	}

	k.Debit(ctx, "key1", 100)

	st := k.Check(ctx, "key1", limits)
	if st.Allowed {
		t.Fatalf("check with a full token window should be rejected: %+v", st)
	}
	if st.Dimension != DimTokens {
		t.Fatalf("Dimension = %q, want %q", st.Dimension, DimTokens)
	}
	if st.RemainingTokens != 0 {
		t.Fatalf("RemainingTokens = %d, want 0", st.RemainingTokens)
	}
}

func TestDebit_SlidesOut(t *testing.T) {
	k, _ := newTestLimiter(t)
	ctx := context.Background()

	base := time.Now()
	k.now = func() time.Time { return base }

	tpm := int64(50)
	limits := Limits{TPM: &tpm}

	k.Debit(ctx, "key1", 60)
	if st := k.Check(ctx, "key1", limits); st.Allowed {
		t.Fatal("over-debited window should reject")
	}

	k.now = func() time.Time { return base.Add(Window + time.Second) }
	if st := k.Check(ctx, "key1", limits); !st.Allowed {
		t.Fatalf("tokens older than the window must not count: %+v", st)
	}
}

func TestStatus_RemainingCounts(t *testing.T) {
	k, _ := newTestLimiter(t)
	ctx := context.Background()

	r, tp := int64(10), int64(1000)
	limits := Limits{RPM: &r, TPM: &tp}

	st := k.Check(ctx, "key1", limits)
	if !st.Allowed {
		t.Fatalf("check rejected: %+v", st)
	}
	if st.LimitRPM != 10 || st.LimitTPM != 1000 {
		t.Fatalf("limits not echoed: %+v", st)
	}
	if st.RemainingRequests != 9 {
		t.Fatalf("RemainingRequests = %d, want 9", st.RemainingRequests)
	}
	if st.RemainingTokens != 1000 {
		t.Fatalf("RemainingTokens = %d, want 1000", st.RemainingTokens)
	}
}

func TestWindowKeysExpire(t *testing.T) {
	k, mr := newTestLimiter(t)
	ctx := context.Background()

	k.Check(ctx, "key1", rpm(5))
	if !mr.Exists(dimKey("key1", DimRequests)) {
		t.Fatal("window key should exist after a check")
	}

	mr.FastForward(75 * time.Second)
	if mr.Exists(dimKey("key1", DimRequests)) {
		t.Fatal("idle window key should expire via TTL")
	}
}
