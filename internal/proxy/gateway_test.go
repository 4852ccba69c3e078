package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/inferxgate/internal/auth"
	"github.com/nulpointcorp/inferxgate/internal/cache"
	"github.com/nulpointcorp/inferxgate/internal/cost"
	"github.com/nulpointcorp/inferxgate/internal/health"
	"github.com/nulpointcorp/inferxgate/internal/providers"
	"github.com/nulpointcorp/inferxgate/internal/ratelimit"
	"github.com/nulpointcorp/inferxgate/internal/routing"
	"github.com/nulpointcorp/inferxgate/internal/store"
)

// ── Doubles ───────────────────────────────────────────────────────────────────

type fakeProvider struct {
	name     string
	calls    int32
	resp     *providers.ChatResponse
	err      error
	lastReq  *providers.ChatRequest
	lastCred string
	chunks   []providers.StreamChunk
}

func (f *fakeProvider) Name() string              { return f.name }
func (f *fakeProvider) SupportedModels() []string { return providers.PrimaryModels[f.name] }

func (f *fakeProvider) HealthCheck(context.Context, string) error { return nil }

func (f *fakeProvider) Complete(_ context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastReq = req
	f.lastCred = credential
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) StreamComplete(_ context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastReq = req
	f.lastCred = credential
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan providers.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return &providers.ChatResponse{ID: "chatcmpl-stream-1", Model: req.Model, Stream: ch}, nil
}

type upstreamError struct{ status int }

func (e *upstreamError) Error() string   { return fmt.Sprintf("upstream returned %d", e.status) }
func (e *upstreamError) HTTPStatus() int { return e.status }

// fakeAuthStore backs the authenticator with in-memory key records.
type fakeAuthStore struct {
	keys map[string]*store.VirtualKey // lookup hash → key
}

func (s *fakeAuthStore) VirtualKeyByLookupHash(_ context.Context, lookupHash string) (*store.VirtualKey, error) {
	k, ok := s.keys[lookupHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *fakeAuthStore) TouchVirtualKeyUsed(context.Context, string) error { return nil }

func (s *fakeAuthStore) UserByID(context.Context, string) (*store.User, error) {
	return nil, store.ErrNotFound
}

func (s *fakeAuthStore) SessionByTokenHash(context.Context, string) (*store.Session, error) {
	return nil, store.ErrNotFound
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTable(t *testing.T, tag, secret string) *routing.Table {
	t.Helper()
	table := routing.New(nil, discardLogger())
	if _, err := table.ConfigureProvider(context.Background(), tag, secret, "myres"); err != nil {
		t.Fatalf("ConfigureProvider(%s): %v", tag, err)
	}
	return table
}

func makeKey(t *testing.T, authStore *fakeAuthStore, rpm, tpm *int64, allowed []string) (secret string, key *store.VirtualKey) {
	t.Helper()
	secret, err := auth.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	key = &store.VirtualKey{
		ID:               "key-" + auth.DisplayPrefix(secret),
		Name:             "test",
		KeyPrefix:        auth.DisplayPrefix(secret),
		LookupHash:       auth.LookupHash(secret),
		VerificationHash: hash,
		RateLimitRPM:     rpm,
		RateLimitTPM:     tpm,
		AllowedModels:    allowed,
	}
	authStore.keys[key.LookupHash] = key
	return secret, key
}

func makeCtx(method, uri string, body []byte, bearer string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != nil {
		req.SetBody(body)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func chatBody(model, content string, stream bool) []byte {
	b, _ := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": content}},
		"stream":   stream,
	})
	return b
}

func okResponse(model string) *providers.ChatResponse {
	return &providers.ChatResponse{
		ID:           "chatcmpl-1",
		Model:        model,
		Content:      "pong",
		FinishReason: "stop",
		Usage:        providers.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

// ── Dispatch pipeline ─────────────────────────────────────────────────────────

func TestDispatchChat_Success(t *testing.T) {
	prov := &fakeProvider{name: "openai", resp: okResponse("gpt-4")}
	tracker := health.New()
	g := New(Options{
		Logger:    discardLogger(),
		Routes:    newTestTable(t, "openai", "sk-upstream"),
		Providers: map[string]providers.Provider{"openai": prov},
		Cost:      cost.New(),
		Health:    tracker,
	})

	ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), "")
	g.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if got := prov.lastCred; got != "sk-upstream" {
		t.Fatalf("credential = %q, want route credential", got)
	}

	var out outboundResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.Object != "chat.completion" || out.Model != "gpt-4" {
		t.Fatalf("envelope = %+v", out)
	}
	if out.Choices[0].Message.Content != "pong" || out.Choices[0].FinishReason != "stop" {
		t.Fatalf("choice = %+v", out.Choices[0])
	}
	if out.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", out.Usage)
	}
	if string(ctx.Response.Header.Peek("X-Cache")) != xCacheMISS {
		t.Fatalf("X-Cache = %q", ctx.Response.Header.Peek("X-Cache"))
	}

	h, ok := tracker.Get("openai", "gpt-4")
	if !ok || h.SuccessCount != 1 {
		t.Fatalf("health entry = %+v, ok=%v", h, ok)
	}
}

func TestDispatchChat_ModelNotConfigured(t *testing.T) {
	g := New(Options{
		Logger:    discardLogger(),
		Routes:    routing.New(nil, discardLogger()),
		Providers: map[string]providers.Provider{},
	})

	ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), "")
	g.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d, want 404", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "not_found_error") || !strings.Contains(body, `"code":404`) {
		t.Fatalf("body = %s", body)
	}
}

func TestDispatchChat_MissingFields(t *testing.T) {
	g := New(Options{Logger: discardLogger(), Routes: routing.New(nil, discardLogger())})

	for name, body := range map[string][]byte{
		"bad json":    []byte("{"),
		"no model":    []byte(`{"messages":[{"role":"user","content":"x"}]}`),
		"no messages": []byte(`{"model":"gpt-4"}`),
	} {
		ctx := makeCtx("POST", "/v1/chat/completions", body, "")
		g.dispatchChat(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, ctx.Response.StatusCode())
		}
	}
}

func TestDispatchChat_AuthRequired(t *testing.T) {
	authn := auth.New("sk-master-key", nil, &fakeAuthStore{keys: map[string]*store.VirtualKey{}}, nil, discardLogger())
	g := New(Options{
		Logger:      discardLogger(),
		Auth:        authn,
		Routes:      newTestTable(t, "openai", "sk-upstream"),
		Providers:   map[string]providers.Provider{"openai": &fakeProvider{name: "openai", resp: okResponse("gpt-4")}},
		RequireAuth: true,
	})

	ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), "")
	g.dispatchChat(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("no header: status = %d, want 401", ctx.Response.StatusCode())
	}

	ctx = makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), "sk-master-key")
	g.dispatchChat(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("master key: status = %d, body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestDispatchChat_ModelAllowList(t *testing.T) {
	authStore := &fakeAuthStore{keys: map[string]*store.VirtualKey{}}
	secret, _ := makeKey(t, authStore, nil, nil, []string{"gpt-5"})
	authn := auth.New("sk-master-key", nil, authStore, nil, discardLogger())

	g := New(Options{
		Logger:      discardLogger(),
		Auth:        authn,
		Routes:      newTestTable(t, "openai", "sk-upstream"),
		Providers:   map[string]providers.Provider{"openai": &fakeProvider{name: "openai", resp: okResponse("gpt-4")}},
		RequireAuth: true,
	})

	ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), secret)
	g.dispatchChat(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Fatalf("status = %d, want 403", ctx.Response.StatusCode())
	}
}

func TestDispatchChat_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	authStore := &fakeAuthStore{keys: map[string]*store.VirtualKey{}}
	rpm := int64(2)
	secret, _ := makeKey(t, authStore, &rpm, nil, nil)
	authn := auth.New("sk-master-key", nil, authStore, rdb, discardLogger())

	g := New(Options{
		Logger:      discardLogger(),
		Auth:        authn,
		Limiter:     ratelimit.New(rdb, discardLogger()),
		Routes:      newTestTable(t, "openai", "sk-upstream"),
		Providers:   map[string]providers.Provider{"openai": &fakeProvider{name: "openai", resp: okResponse("gpt-4")}},
		RequireAuth: true,
	})

	for i := 0; i < 2; i++ {
		ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), secret)
		g.dispatchChat(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			t.Fatalf("request %d: status = %d, body %s", i+1, ctx.Response.StatusCode(), ctx.Response.Body())
		}
		if string(ctx.Response.Header.Peek("X-RateLimit-Limit-Requests")) != "2" {
			t.Fatalf("request %d: missing rate limit headers", i+1)
		}
	}

	ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), secret)
	g.dispatchChat(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Header.Peek("Retry-After")) == 0 {
		t.Fatal("429 without Retry-After")
	}
	if len(ctx.Response.Header.Peek("X-RateLimit-Reset")) == 0 {
		t.Fatal("429 without X-RateLimit-Reset")
	}
}

// An unlimited dimension gets no Limit/Remaining pair: a missing header
// means "no limit", never "zero left".
func TestSetRateLimitHeaders_UnlimitedDimensionOmitted(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	setRateLimitHeaders(ctx, ratelimit.Status{
		Allowed:         true,
		LimitTPM:        1000,
		RemainingTokens: 400,
		ResetAt:         time.Unix(1700000060, 0),
	})

	for _, name := range []string{"X-RateLimit-Limit-Requests", "X-RateLimit-Remaining-Requests"} {
		if v := ctx.Response.Header.Peek(name); len(v) != 0 {
			t.Fatalf("%s = %q on an unlimited dimension", name, v)
		}
	}
	if got := string(ctx.Response.Header.Peek("X-RateLimit-Limit-Tokens")); got != "1000" {
		t.Fatalf("Limit-Tokens = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("X-RateLimit-Remaining-Tokens")); got != "400" {
		t.Fatalf("Remaining-Tokens = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("X-RateLimit-Reset")); got != "1700000060" {
		t.Fatalf("Reset = %q", got)
	}
}

func TestDispatchChat_RateGateFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	authStore := &fakeAuthStore{keys: map[string]*store.VirtualKey{}}
	rpm := int64(1)
	secret, _ := makeKey(t, authStore, &rpm, nil, nil)
	// The authenticator gets no Redis so key resolution keeps working after
	// the limiter's backend goes away.
	authn := auth.New("sk-master-key", nil, authStore, nil, discardLogger())

	g := New(Options{
		Logger:      discardLogger(),
		Auth:        authn,
		Limiter:     ratelimit.New(rdb, discardLogger()),
		Routes:      newTestTable(t, "openai", "sk-upstream"),
		Providers:   map[string]providers.Provider{"openai": &fakeProvider{name: "openai", resp: okResponse("gpt-4")}},
		RequireAuth: true,
	})

	mr.Close()

	for i := 0; i < 2; i++ {
		ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), secret)
		g.dispatchChat(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			t.Fatalf("request %d: status = %d, want fail-open 200", i+1, ctx.Response.StatusCode())
		}
	}
}

func TestDispatchChat_CacheHit(t *testing.T) {
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)

	prov := &fakeProvider{name: "openai", resp: okResponse("gpt-4")}
	g := New(Options{
		Logger:    discardLogger(),
		Routes:    newTestTable(t, "openai", "sk-upstream"),
		Providers: map[string]providers.Provider{"openai": prov},
		Cache:     mem,
		CacheTTL:  time.Minute,
	})

	first := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), "")
	g.dispatchChat(first)
	second := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), "")
	g.dispatchChat(second)

	if atomic.LoadInt32(&prov.calls) != 1 {
		t.Fatalf("provider calls = %d, want 1 (second served from cache)", prov.calls)
	}
	if string(second.Response.Header.Peek("X-Cache")) != xCacheHIT {
		t.Fatalf("X-Cache = %q, want HIT", second.Response.Header.Peek("X-Cache"))
	}
	if string(first.Response.Body()) != string(second.Response.Body()) {
		t.Fatal("cached response is not byte-identical")
	}
}

func TestDispatchChat_CacheExclusion(t *testing.T) {
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)

	excl, err := cache.NewExclusionList([]string{"gpt-4"}, nil)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	prov := &fakeProvider{name: "openai", resp: okResponse("gpt-4")}
	g := New(Options{
		Logger:          discardLogger(),
		Routes:          newTestTable(t, "openai", "sk-upstream"),
		Providers:       map[string]providers.Provider{"openai": prov},
		Cache:           mem,
		CacheExclusions: excl,
	})

	for i := 0; i < 2; i++ {
		ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), "")
		g.dispatchChat(ctx)
	}
	if atomic.LoadInt32(&prov.calls) != 2 {
		t.Fatalf("provider calls = %d, want 2 (model excluded from cache)", prov.calls)
	}
}

func TestDispatchChat_ProviderError(t *testing.T) {
	prov := &fakeProvider{name: "openai", err: &upstreamError{status: 429}}
	tracker := health.New()
	g := New(Options{
		Logger:    discardLogger(),
		Routes:    newTestTable(t, "openai", "sk-upstream"),
		Providers: map[string]providers.Provider{"openai": prov},
		Health:    tracker,
	})

	ctx := makeCtx("POST", "/v1/chat/completions", chatBody("gpt-4", "ping", false), "")
	g.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 passthrough", ctx.Response.StatusCode())
	}
	h, ok := tracker.Get("openai", "gpt-4")
	if !ok || h.ErrorCount != 1 {
		t.Fatalf("health entry = %+v, ok=%v", h, ok)
	}
}

func TestDispatchChat_AzureCredentialRouted(t *testing.T) {
	prov := &fakeProvider{name: "azure", resp: okResponse("azure-gpt-4o")}
	table := routing.New(nil, discardLogger())
	if _, err := table.ConfigureProvider(context.Background(), "azure", "abc", "myres"); err != nil {
		t.Fatalf("ConfigureProvider: %v", err)
	}
	g := New(Options{
		Logger:    discardLogger(),
		Routes:    table,
		Providers: map[string]providers.Provider{"azure": prov},
	})

	ctx := makeCtx("POST", "/v1/chat/completions", chatBody("azure-gpt-4o", "ping", false), "")
	g.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if prov.lastCred != "myres:abc" {
		t.Fatalf("credential = %q, want combined resource:secret", prov.lastCred)
	}
}

// ── Streaming ─────────────────────────────────────────────────────────────────

func TestDispatchChat_Streaming(t *testing.T) {
	prov := &fakeProvider{
		name: "openai",
		chunks: []providers.StreamChunk{
			{Content: "Hel"},
			{Content: "lo"},
			{Content: "", FinishReason: "stop"},
		},
	}
	g := New(Options{
		Logger:    discardLogger(),
		Routes:    newTestTable(t, "openai", "sk-upstream"),
		Providers: map[string]providers.Provider{"openai": prov},
	})

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: g.Handler()}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
	}}

	resp, err := client.Post("http://gateway/v1/chat/completions", "application/json",
		strings.NewReader(string(chatBody("gpt-4", "ping", true))))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	var content strings.Builder
	sawDone := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("chunk object = %q", chunk.Object)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	if content.String() != "Hello" {
		t.Fatalf("streamed content = %q, want Hello", content.String())
	}
	if !sawDone {
		t.Fatal("stream did not terminate with [DONE]")
	}
}

// ── Body parsing helpers ──────────────────────────────────────────────────────

func TestFlattenContent(t *testing.T) {
	got, err := flattenContent([]byte(`"plain"`))
	if err != nil || got != "plain" {
		t.Fatalf("string content: %q, %v", got, err)
	}

	got, err = flattenContent([]byte(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`))
	if err != nil || got != "ab" {
		t.Fatalf("parts content: %q, %v", got, err)
	}

	if _, err = flattenContent([]byte(`42`)); err == nil {
		t.Fatal("expected error for numeric content")
	}
}

// Image parts must survive flattening as a visible marker, not vanish.
func TestFlattenContentImageParts(t *testing.T) {
	got, err := flattenContent([]byte(
		`[{"type":"text","text":"describe this"},` +
			`{"type":"image_url","image_url":{"url":"https://cdn.example.com/cat.png"}}]`))
	if err != nil {
		t.Fatalf("flattenContent: %v", err)
	}
	want := "describe this [Image: https://cdn.example.com/cat.png]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// An image-only message still carries content downstream.
	got, err = flattenContent([]byte(`[{"type":"image_url","image_url":{"url":"https://cdn.example.com/dog.jpg"}}]`))
	if err != nil || got != "[Image: https://cdn.example.com/dog.jpg]" {
		t.Fatalf("image-only content: %q, %v", got, err)
	}
}

func TestParseStop(t *testing.T) {
	got, err := parseStop([]byte(`"END"`))
	if err != nil || len(got) != 1 || got[0] != "END" {
		t.Fatalf("string stop: %v, %v", got, err)
	}
	got, err = parseStop([]byte(`["a","b"]`))
	if err != nil || len(got) != 2 {
		t.Fatalf("array stop: %v, %v", got, err)
	}
	if got, err := parseStop(nil); err != nil || got != nil {
		t.Fatalf("empty stop: %v, %v", got, err)
	}
	if _, err := parseStop([]byte(`17`)); err == nil {
		t.Fatal("expected error for numeric stop")
	}
}
