// Command providers runs stub HTTP servers for every upstream the
// gateway speaks to, so end-to-end and load tests need no real
// credentials.
//
// Default ports (override with PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI,
// PORT_AZURE):
//
//	openai    :19001
//	anthropic :19002
//	gemini    :19003
//	azure     :19004
//
// Behaviour knobs, all via environment:
//
//	MOCK_LATENCY_MS   — sleep added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests answered with a 500 (default 0)
//	MOCK_STREAM_WORDS — words per generated completion (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config is shared by all four stub servers.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	cfg := Config{StreamWords: 10}
	if n, err := strconv.Atoi(os.Getenv("MOCK_LATENCY_MS")); err == nil {
		cfg.LatencyMS = n
	}
	if f, err := strconv.ParseFloat(os.Getenv("MOCK_ERROR_RATE"), 64); err == nil && f >= 0 && f <= 1 {
		cfg.ErrorRate = f
	}
	if n, err := strconv.Atoi(os.Getenv("MOCK_STREAM_WORDS")); err == nil && n > 0 {
		cfg.StreamWords = n
	}
	return cfg
}

func listenAddr(envKey string, fallback int) string {
	if v := os.Getenv(envKey); v != "" {
		return ":" + v
	}
	return ":" + strconv.Itoa(fallback)
}

func serve(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	servers := []*http.Server{
		serve("openai", listenAddr("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		serve("anthropic", listenAddr("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		serve("gemini", listenAddr("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
		serve("azure", listenAddr("PORT_AZURE", 19004), newAzureHandler(cfg), log),
	}

	// Test harnesses wait for this line on stdout.
	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
