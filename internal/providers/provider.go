// Package providers defines the common contract and canonical types shared by
// all upstream LLM adapters (Anthropic, Gemini, OpenAI, Azure OpenAI).
//
// Each adapter lives in its own sub-package and implements the Provider
// interface. Adapters translate the canonical OpenAI-style request into the
// vendor wire format and back; they never retry — failure semantics are owned
// by the dispatcher.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ChatRequest — normalized client request.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int
		Stop        []string
		User        string
		RequestID   string
	}

	// ChatResponse — normalized provider response.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk // nil if it's not a stream.
	}
)

// Provider — upstream LLM adapter interface. The credential is passed per
// call because routes carry their own vendor secret; for Azure it has the
// form "resource:key".
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *ChatRequest, credential string) (*ChatResponse, error)
	StreamComplete(ctx context.Context, req *ChatRequest, credential string) (*ChatResponse, error)
	SupportedModels() []string
	HealthCheck(ctx context.Context, credential string) error
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status, letting the dispatcher map them onto the response.
type StatusCoder interface {
	HTTPStatus() int
}

// HTTP client contract shared by every adapter. LLM calls are long, so the
// total timeout is generous; connections are pooled and kept warm.
const (
	MaxIdleConnsPerHost = 10
	IdleConnTimeout     = 90 * time.Second
	RequestTimeout      = 120 * time.Second
	ConnectTimeout      = 10 * time.Second
	TCPKeepAlive        = 60 * time.Second
)

// PrimaryModels is the curated per-provider model subset that a configure
// call enables by default. Keys are the recognized provider tags.
var PrimaryModels = map[string][]string{
	"anthropic": {
		"claude-sonnet-4-5-20250929",
		"claude-haiku-4-5-20251001",
		"claude-opus-4-1-20250805",
		"claude-3-haiku-20240307",
	},
	"gemini": {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.5-flash-image",
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
	},
	"openai": {
		"gpt-5",
		"gpt-5-mini",
		"gpt-5-nano",
		"gpt-5-chat",
		"gpt-4.1",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-4-turbo-preview",
		"gpt-4-vision-preview",
	},
	"azure": {
		"azure-gpt-4o",
		"azure-gpt-4o-mini",
		"azure-gpt-4-turbo",
		"azure-gpt-4",
		"azure-gpt-35-turbo",
	},
}

// Endpoints maps provider tags to their display endpoints (no path).
// Azure is a template — the real host depends on the resource name.
var Endpoints = map[string]string{
	"anthropic": "https://api.anthropic.com",
	"gemini":    "https://generativelanguage.googleapis.com",
	"openai":    "https://api.openai.com",
	"azure":     "https://{resource}.openai.azure.com",
}

// Known reports whether tag is a recognized provider.
func Known(tag string) bool {
	_, ok := PrimaryModels[tag]
	return ok
}
