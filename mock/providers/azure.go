package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAzureHandler returns an http.Handler that simulates the Azure OpenAI
// deployments API:
//
//	POST /openai/deployments/{deployment}/chat/completions?api-version=...
//
// Responses use the OpenAI chat completion wire format. The api-key header
// and api-version query parameter are required, matching the real service.
func newAzureHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/openai/deployments/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			writeAPIError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
			return
		}
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if r.Header.Get("api-key") == "" {
			writeAPIError(w, http.StatusUnauthorized, "missing api-key header", "unauthorized")
			return
		}
		if r.URL.Query().Get("api-version") == "" {
			writeAPIError(w, http.StatusBadRequest, "missing api-version query parameter", "invalid_request")
			return
		}

		simulateDelay(cfg)
		if injectFailure(cfg) {
			writeAPIError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		deployment := azureDeployment(r.URL.Path)

		var req struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := sampleText(cfg.StreamWords)
		inTokens := 10
		outTokens := cfg.StreamWords

		if req.Stream {
			serveOpenAIStream(w, id, deployment, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   deployment,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// azureDeployment pulls the deployment name out of a path like
// /openai/deployments/gpt-4o/chat/completions
func azureDeployment(path string) string {
	const prefix = "/openai/deployments/"
	rest := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return "gpt-4o"
}
