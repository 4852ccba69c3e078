package proxy

import (
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRecoverPanicsPassThrough(t *testing.T) {
	h := recoverPanics(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		ctx.SetBodyString("fine")
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Body()); got != "fine" {
		t.Fatalf("body = %q", got)
	}
}

func TestRecoverPanicsEnvelope(t *testing.T) {
	h := recoverPanics(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial output")
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	body := string(ctx.Response.Body())
	if strings.Contains(body, "partial output") {
		t.Fatalf("partial handler output leaked: %s", body)
	}
	if !strings.Contains(body, "internal server error") || !strings.Contains(body, `"code":500`) {
		t.Fatalf("body = %s", body)
	}
}

func TestRequestIDMinted(t *testing.T) {
	var seen string
	h := withRequestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if seen == "" {
		t.Fatal("no request_id user value")
	}
	if echo := string(ctx.Response.Header.Peek("X-Request-ID")); echo != seen {
		t.Fatalf("header %q != user value %q", echo, seen)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	const supplied = "req-7f2a"
	h := withRequestID(func(ctx *fasthttp.RequestCtx) {
		if id, _ := ctx.UserValue("request_id").(string); id != supplied {
			t.Fatalf("user value = %q", id)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", supplied)
	h(ctx)

	if echo := string(ctx.Response.Header.Peek("X-Request-ID")); echo != supplied {
		t.Fatalf("header = %q", echo)
	}
}

func TestTimingHeader(t *testing.T) {
	h := withTiming(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if rt := string(ctx.Response.Header.Peek("X-Response-Time")); rt == "" {
		t.Fatal("X-Response-Time not set")
	}
}

func TestHardenHeaders(t *testing.T) {
	h := hardenHeaders(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
		"Permissions-Policy":        "geolocation=(), camera=(), microphone=()",
	}
	for name, val := range want {
		if got := string(ctx.Response.Header.Peek(name)); got != val {
			t.Errorf("%s = %q, want %q", name, got, val)
		}
	}
}

func TestCORSOrigins(t *testing.T) {
	cases := []struct {
		name    string
		origins []string
		want    string
	}{
		{"default open", nil, "*"},
		{"explicit wildcard", []string{"*"}, "*"},
		{"allowlist", []string{"https://console.example.com", "https://ops.example.com"},
			"https://console.example.com, https://ops.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := cors(tc.origins)(func(ctx *fasthttp.RequestCtx) {})

			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(fasthttp.MethodGet)
			h(ctx)

			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tc.want {
				t.Fatalf("Allow-Origin = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	reached := false
	h := cors(nil)(func(ctx *fasthttp.RequestCtx) { reached = true })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	h(ctx)

	if reached {
		t.Fatal("preflight reached the inner handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Fatalf("body = %q, want empty", ctx.Response.Body())
	}
	for _, name := range []string{
		"Access-Control-Allow-Origin",
		"Access-Control-Allow-Methods",
		"Access-Control-Allow-Headers",
	} {
		if string(ctx.Response.Header.Peek(name)) == "" {
			t.Errorf("%s missing on preflight response", name)
		}
	}
}

func TestCORSAllowHeaders(t *testing.T) {
	h := cors(nil)(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	h(ctx)

	allow := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, name := range []string{"Authorization", "Content-Type", "X-Request-ID"} {
		if !strings.Contains(allow, name) {
			t.Errorf("Allow-Headers %q missing %q", allow, name)
		}
	}
	methods := string(ctx.Response.Header.Peek("Access-Control-Allow-Methods"))
	for _, m := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
		if !strings.Contains(methods, m) {
			t.Errorf("Allow-Methods %q missing %q", methods, m)
		}
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	tag := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				trace = append(trace, name+">")
				next(ctx)
				trace = append(trace, "<"+name)
			}
		}
	}

	h := chain(func(ctx *fasthttp.RequestCtx) {
		trace = append(trace, "handler")
	}, tag("outer"), tag("inner"))

	h(&fasthttp.RequestCtx{})

	got := strings.Join(trace, " ")
	if got != "outer> inner> handler <inner <outer" {
		t.Fatalf("trace = %q", got)
	}
}

func TestChainEmpty(t *testing.T) {
	called := false
	h := chain(func(ctx *fasthttp.RequestCtx) { called = true })

	h(&fasthttp.RequestCtx{})

	if !called {
		t.Fatal("bare handler not invoked")
	}
}
