package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// wordPool feeds the generated completions. The text only has to look
// plausible in logs and dashboards.
var wordPool = []string{
	"routing", "tokens", "stream", "completion", "latency", "budget",
	"request", "gateway", "answer", "model", "context", "window",
	"prompt", "response", "usage", "cached", "delta", "chunk",
	"provider", "upstream", "sampled", "finished", "fixture", "payload",
}

// sampleText assembles roughly n words of filler ending in a period.
func sampleText(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = wordPool[rand.IntN(len(wordPool))]
	}
	return strings.Join(words, " ") + "."
}

// simulateDelay blocks for the configured artificial latency.
func simulateDelay(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// injectFailure rolls the configured error rate for this request.
func injectFailure(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// oaiError mirrors the OpenAI error envelope, which Azure shares.
type oaiError struct {
	Error oaiErrorBody `json:"error"`
}

type oaiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeAPIError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, oaiError{Error: oaiErrorBody{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
