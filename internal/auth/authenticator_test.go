package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inferxgate/internal/store"
)

// fakeStore is an in-memory Store that counts lookups so tests can assert
// which tier served a request.
type fakeStore struct {
	mu          sync.Mutex
	keys        map[string]*store.VirtualKey // by lookup hash
	users       map[string]*store.User       // by id
	sessions    map[string]*store.Session    // by token hash
	keyLookups  int
	touchedKeys []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:     make(map[string]*store.VirtualKey),
		users:    make(map[string]*store.User),
		sessions: make(map[string]*store.Session),
	}
}

func (f *fakeStore) VirtualKeyByLookupHash(_ context.Context, lookupHash string) (*store.VirtualKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyLookups++
	k, ok := f.keys[lookupHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) TouchVirtualKeyUsed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchedKeys = append(f.touchedKeys, id)
	return nil
}

func (f *fakeStore) UserByID(_ context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) SessionByTokenHash(_ context.Context, tokenHash string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[tokenHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keyLookups
}

// addKey registers a key secret in the fake store and returns the secret.
func (f *fakeStore) addKey(t *testing.T, id string, mutate func(*store.VirtualKey)) string {
	t.Helper()
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	vhash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	k := &store.VirtualKey{
		ID:               id,
		Name:             "test",
		KeyPrefix:        DisplayPrefix(secret),
		LookupHash:       LookupHash(secret),
		VerificationHash: vhash,
		CreatedAt:        time.Now(),
	}
	if mutate != nil {
		mutate(k)
	}
	f.mu.Lock()
	f.keys[k.LookupHash] = k
	f.mu.Unlock()
	return secret
}

func newTestAuthenticator(t *testing.T, st Store) (*Authenticator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	tokens := NewTokenManager("test-secret", time.Hour)
	return New("sk-master-key", tokens, st, cli, nil), mr
}

func TestGenerateSecret_Format(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if !IsAPIKey(secret) {
		t.Fatalf("secret %q does not carry the key prefix", secret)
	}
	if len(secret) < len(KeyPrefix)+43 { // 32 bytes base64url = 43 chars
		t.Fatalf("secret too short: %d chars", len(secret))
	}
	if got := DisplayPrefix(secret); len(got) != DisplayPrefixLen {
		t.Fatalf("DisplayPrefix = %q, want %d chars", got, DisplayPrefixLen)
	}
}

func TestValidMasterKeyFormat(t *testing.T) {
	if !ValidMasterKeyFormat("sk-1234567") {
		t.Error("sk-1234567 should be accepted")
	}
	if ValidMasterKeyFormat("sk-123") {
		t.Error("too-short key should be rejected")
	}
	if ValidMasterKeyFormat("pk-1234567890") {
		t.Error("wrong prefix should be rejected")
	}
}

func TestRequireMaster(t *testing.T) {
	a, _ := newTestAuthenticator(t, newFakeStore())

	p, err := a.RequireMaster("Bearer sk-master-key")
	if err != nil {
		t.Fatalf("RequireMaster: %v", err)
	}
	if p.Kind != KindAdmin || !p.IsAdmin() {
		t.Fatalf("expected admin principal, got %+v", p)
	}

	if _, err := a.RequireMaster("Bearer sk-wrong"); !errors.Is(err, ErrBadToken) {
		t.Fatalf("wrong master key: err = %v, want ErrBadToken", err)
	}
	if _, err := a.RequireMaster(""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing header: err = %v, want ErrMissingCredentials", err)
	}
	if _, err := a.RequireMaster("Basic abc"); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("non-bearer header: err = %v, want ErrMalformedHeader", err)
	}
}

func TestResolveAPIKey_VerifiedCacheSkipsStore(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)
	secret := st.addKey(t, "k1", nil)

	ctx := context.Background()

	// First call: record miss, database hit, bcrypt verification.
	key, err := a.ResolveAPIKey(ctx, secret)
	if err != nil {
		t.Fatalf("first ResolveAPIKey: %v", err)
	}
	if key.ID != "k1" {
		t.Fatalf("resolved key id = %q, want k1", key.ID)
	}
	if st.lookups() != 1 {
		t.Fatalf("store lookups = %d, want 1", st.lookups())
	}

	// Second call must be served by the verified tier: no new store hit.
	if _, err := a.ResolveAPIKey(ctx, secret); err != nil {
		t.Fatalf("second ResolveAPIKey: %v", err)
	}
	if st.lookups() != 1 {
		t.Fatalf("store lookups after cached call = %d, want 1", st.lookups())
	}
}

func TestResolveAPIKey_VerifiedTTLExpires(t *testing.T) {
	st := newFakeStore()
	a, mr := newTestAuthenticator(t, st)
	secret := st.addKey(t, "k1", nil)

	ctx := context.Background()
	if _, err := a.ResolveAPIKey(ctx, secret); err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}

	mr.FastForward(cacheTTL + time.Second)

	if _, err := a.ResolveAPIKey(ctx, secret); err != nil {
		t.Fatalf("ResolveAPIKey after TTL: %v", err)
	}
	if st.lookups() != 2 {
		t.Fatalf("store lookups after TTL expiry = %d, want 2", st.lookups())
	}
}

func TestResolveAPIKey_UnknownKey(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)

	_, err := a.ResolveAPIKey(context.Background(), "sk-does-not-exist")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

// Rejecting an unknown key must cost a bcrypt verification, same as
// rejecting a wrong secret for a known key. Without that the miss path
// returns in microseconds and key enumeration becomes a timing oracle.
func TestResolveAPIKey_UnknownKeyTimingEqualized(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)
	st.addKey(t, "k1", nil)
	ctx := context.Background()

	// Baseline: the fastest of three raw bcrypt verifications, the cost a
	// known-key wrong-secret rejection always pays.
	vhash, err := HashSecret("sk-some-other-key")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	baseline := time.Duration(1<<63 - 1)
	for i := 0; i < 3; i++ {
		start := time.Now()
		if VerifySecret(vhash, "sk-not-the-secret") {
			t.Fatal("wrong secret verified")
		}
		if d := time.Since(start); d < baseline {
			baseline = d
		}
	}

	start := time.Now()
	if _, err := a.ResolveAPIKey(ctx, "sk-no-such-key"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown-key err = %v, want ErrUnknownKey", err)
	}
	elapsed := time.Since(start)

	// Half the baseline leaves generous slack for scheduler noise while
	// still catching a miss path that skips hashing outright.
	if elapsed < baseline/2 {
		t.Fatalf("unknown-key rejection took %v, known-key baseline %v: miss path skipped the hash", elapsed, baseline)
	}
}

func TestResolveAPIKey_WrongSecretSameLookupMiss(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)
	st.addKey(t, "k1", nil)

	// A different secret hashes to a different lookup, so this is the
	// unknown-key path, which must still burn a bcrypt round.
	start := time.Now()
	_, err := a.ResolveAPIKey(context.Background(), "sk-other-secret")
	elapsed := time.Since(start)
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
	// bcrypt cost 10 takes well over a millisecond everywhere.
	if elapsed < time.Millisecond {
		t.Fatalf("unknown-key path returned in %v; timing equalization missing?", elapsed)
	}
}

func TestResolveAPIKey_ValidityRejections(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)

	blocked := st.addKey(t, "kb", func(k *store.VirtualKey) { k.Blocked = true })
	if _, err := a.ResolveAPIKey(context.Background(), blocked); !errors.Is(err, ErrKeyBlocked) {
		t.Fatalf("blocked key: err = %v, want ErrKeyBlocked", err)
	}

	budget := 1.0
	over := st.addKey(t, "ko", func(k *store.VirtualKey) {
		k.MaxBudget = &budget
		k.CurrentSpend = 1.5
	})
	if _, err := a.ResolveAPIKey(context.Background(), over); !errors.Is(err, ErrKeyOverBudget) {
		t.Fatalf("over-budget key: err = %v, want ErrKeyOverBudget", err)
	}

	past := time.Now().Add(-time.Hour)
	expired := st.addKey(t, "ke", func(k *store.VirtualKey) { k.ExpiresAt = &past })
	if _, err := a.ResolveAPIKey(context.Background(), expired); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("expired key: err = %v, want ErrKeyExpired", err)
	}
}

func TestResolveAPIKey_BlockedAfterCache(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)
	secret := st.addKey(t, "k1", nil)

	ctx := context.Background()
	if _, err := a.ResolveAPIKey(ctx, secret); err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}

	// Block the key and drop the cache tiers, as the update handler does.
	st.mu.Lock()
	st.keys[LookupHash(secret)].Blocked = true
	st.mu.Unlock()
	a.InvalidateKey(ctx, LookupHash(secret))

	if _, err := a.ResolveAPIKey(ctx, secret); !errors.Is(err, ErrKeyBlocked) {
		t.Fatalf("err = %v, want ErrKeyBlocked after invalidation", err)
	}
}

func TestResolveAPIKey_RedisDownStillWorks(t *testing.T) {
	st := newFakeStore()
	a, mr := newTestAuthenticator(t, st)
	secret := st.addKey(t, "k1", nil)

	mr.Close()

	key, err := a.ResolveAPIKey(context.Background(), secret)
	if err != nil {
		t.Fatalf("ResolveAPIKey with Redis down: %v", err)
	}
	if key.ID != "k1" {
		t.Fatalf("resolved key id = %q, want k1", key.ID)
	}
}

func TestRequireSession_RoundTrip(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)

	st.users["u1"] = &store.User{ID: "u1", Email: "alice@example.com", Role: "user"}
	token, expiresAt, err := NewTokenManager("test-secret", time.Hour).Issue("u1", "alice@example.com", "user")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	st.sessions[TokenHash(token)] = &store.Session{
		ID: "s1", UserID: "u1", TokenHash: TokenHash(token), ExpiresAt: expiresAt,
	}

	p, err := a.RequireSession(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("RequireSession: %v", err)
	}
	if p.Kind != KindUser || p.User.Email != "alice@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestRequireSession_LogoutInvalidates(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)

	st.users["u1"] = &store.User{ID: "u1", Email: "alice@example.com", Role: "user"}
	token, expiresAt, _ := NewTokenManager("test-secret", time.Hour).Issue("u1", "alice@example.com", "user")
	st.sessions[TokenHash(token)] = &store.Session{
		ID: "s1", UserID: "u1", TokenHash: TokenHash(token), ExpiresAt: expiresAt,
	}

	if _, err := a.RequireSession(context.Background(), "Bearer "+token); err != nil {
		t.Fatalf("RequireSession before logout: %v", err)
	}

	// Logout deletes the session row; the still-valid JWT must now fail.
	delete(st.sessions, TokenHash(token))

	if _, err := a.RequireSession(context.Background(), "Bearer "+token); !errors.Is(err, ErrBadToken) {
		t.Fatalf("err = %v, want ErrBadToken after logout", err)
	}
}

func TestRequireSession_ForeignSignature(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)

	token, _, _ := NewTokenManager("other-secret", time.Hour).Issue("u1", "a@b.c", "user")
	if _, err := a.RequireSession(context.Background(), "Bearer "+token); !errors.Is(err, ErrBadToken) {
		t.Fatalf("err = %v, want ErrBadToken for foreign signature", err)
	}
}

func TestRequireAny_Dispatch(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAuthenticator(t, st)
	secret := st.addKey(t, "k1", nil)

	ctx := context.Background()

	if p, err := a.RequireAny(ctx, "Bearer sk-master-key"); err != nil || p.Kind != KindAdmin {
		t.Fatalf("master bearer: p=%+v err=%v", p, err)
	}
	if p, err := a.RequireAny(ctx, "Bearer "+secret); err != nil || p.Kind != KindAPIKey {
		t.Fatalf("api-key bearer: p=%+v err=%v", p, err)
	}

	st.users["u1"] = &store.User{ID: "u1", Email: "a@b.c", Role: "user"}
	token, expiresAt, _ := NewTokenManager("test-secret", time.Hour).Issue("u1", "a@b.c", "user")
	st.sessions[TokenHash(token)] = &store.Session{
		ID: "s1", UserID: "u1", TokenHash: TokenHash(token), ExpiresAt: expiresAt,
	}
	if p, err := a.RequireAny(ctx, "Bearer "+token); err != nil || p.Kind != KindUser {
		t.Fatalf("session bearer: p=%+v err=%v", p, err)
	}
}

func TestTokenManager_ParseRejectsExpired(t *testing.T) {
	m := NewTokenManager("s", time.Millisecond)
	token, _, err := m.Issue("u1", "a@b.c", "user")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Parse(token); err == nil {
		t.Fatal("expired token parsed successfully")
	}
}
