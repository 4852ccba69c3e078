package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the full HTTP surface with the middleware chain applied.
// Exposed separately from Start so tests can drive it in-process.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	// Account lifecycle.
	r.POST("/auth/register", g.handleRegister)
	r.POST("/auth/login", g.handleLogin)
	r.POST("/auth/logout", g.handleLogout)
	r.GET("/auth/me", g.handleMe)
	r.GET("/auth/oauth/github", g.handleOAuthGithub)
	r.GET("/auth/oauth/callback", g.handleOAuthCallback)

	// Key management.
	r.POST("/auth/key/generate", g.handleKeyGenerate)
	r.GET("/auth/key/info", g.handleKeyInfo)
	r.POST("/auth/key/update", g.handleKeyUpdate)
	r.POST("/auth/key/delete", g.handleKeyDelete)
	r.GET("/auth/keys", g.handleKeyList)

	// Provider management.
	r.GET("/v1/providers", g.handleProvidersList)
	r.POST("/v1/providers/configure", g.handleProvidersConfigure)
	r.POST("/v1/providers/delete", g.handleProvidersDelete)
	r.POST("/v1/providers/reset", g.handleProvidersReset)

	// Inference.
	r.POST("/v1/chat/completions", g.dispatchChat)
	r.POST("/v1/models", g.handleModels)

	// Operations.
	r.GET("/health", g.handleHealth)
	r.POST("/health", g.handleHealth)
	r.GET("/stats", g.handleStats)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return chain(r.Handler,
		recoverPanics,
		withRequestID,
		withTiming,
		cors(g.corsOrigins),
		hardenHeaders,
	)
}

// Start serves the gateway on addr (e.g. ":8080"). Blocks until the server
// stops.
func (g *Gateway) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams stay open well past a minute
	}
	g.srv = srv
	return srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server started by Start. No-op before Start.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
