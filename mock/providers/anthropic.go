package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAnthropicHandler serves a stand-in for the Anthropic Messages API:
// POST /v1/messages for completions (streaming and not) and GET
// /v1/models for the health probe.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		handleAnthropicMessages(cfg, w, r)
	})
	mux.HandleFunc("/v1/models", handleAnthropicModels)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAnthropicError(w, http.StatusNotFound,
			fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
	})
	return mux
}

func handleAnthropicMessages(cfg Config, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return
	}
	simulateDelay(cfg)
	if injectFailure(cfg) {
		writeAnthropicError(w, http.StatusInternalServerError, "mock internal error", "overloaded_error")
		return
	}

	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Stream    bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	model := req.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}

	id := fmt.Sprintf("msg_%x", rand.Int64())
	text := sampleText(cfg.StreamWords)
	const inputTokens = 15
	outputTokens := cfg.StreamWords

	if req.Stream {
		streamAnthropic(w, id, model, text, inputTokens, outputTokens)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content": []map[string]string{
			{"type": "text", "text": text},
		},
		"usage": map[string]int{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	})
}

func handleAnthropicModels(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().Unix()
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]any{
			{"id": "claude-sonnet-4-5-20250929", "display_name": "Claude Sonnet 4.5", "created_at": now},
			{"id": "claude-haiku-4-5-20251001", "display_name": "Claude Haiku 4.5", "created_at": now},
			{"id": "claude-3-haiku-20240307", "display_name": "Claude 3 Haiku", "created_at": now},
		},
		"has_more": false,
		"first_id": "claude-sonnet-4-5-20250929",
		"last_id":  "claude-3-haiku-20240307",
	})
}

// Anthropic wraps errors differently from the OpenAI envelope.
func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// streamAnthropic emits the full SSE event sequence of the Messages API:
// message_start, content_block_start, ping, one content_block_delta per
// word, content_block_stop, message_delta with usage, message_stop.
func streamAnthropic(w http.ResponseWriter, id, model, text string, inputTokens, outputTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(event string, data any) {
		raw, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  inputTokens,
				"output_tokens": 0,
			},
		},
	})
	emit("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": 0,
		"content_block": map[string]string{
			"type": "text",
			"text": "",
		},
	})
	emit("ping", map[string]string{"type": "ping"})

	for _, word := range strings.Fields(text) {
		emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{
				"type": "text_delta",
				"text": word + " ",
			},
		})
	}

	emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})
	emit("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]string{
			"stop_reason":   "end_turn",
			"stop_sequence": "",
		},
		"usage": map[string]int{
			"output_tokens": outputTokens,
		},
	})
	emit("message_stop", map[string]string{"type": "message_stop"})
}
