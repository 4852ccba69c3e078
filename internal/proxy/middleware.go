package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inferxgate/pkg/apierr"
)

// middleware wraps a fasthttp handler.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// chain applies mws around h, outermost first:
//
//	chain(h, a, b) → a(b(h))
func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recoverPanics converts a handler panic into a 500 error envelope so one
// bad request cannot take the process down. Anything already written to the
// response is discarded.
func recoverPanics(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("method", string(ctx.Method())),
					slog.String("path", string(ctx.Path())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", apierr.TypeServerError)
			}
		}()
		next(ctx)
	}
}

// withRequestID echoes the client's X-Request-ID, minting a UUID when the
// header is absent. Handlers read it back via the "request_id" user value.
func withRequestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// withTiming reports the wall-clock handler duration in X-Response-Time,
// formatted as a Go duration ("2.5ms").
func withTiming(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// hardenHeaders stamps the standard browser-hardening headers on every
// response. The surface is JSON-only, so the CSP denies all resource loads.
func hardenHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// Deprecated header; 0 disables the legacy filter in old browsers.
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// cors builds the CORS middleware for the configured origins. An empty list
// or a single "*" entry opens the API to any origin; otherwise the entries
// are sent as a comma-separated allowlist. Preflight OPTIONS requests are
// answered with 204 and never reach the router.
func cors(origins []string) middleware {
	allow := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		allow = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}
