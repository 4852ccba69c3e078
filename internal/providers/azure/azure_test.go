package azure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/inferxgate/internal/providers"
)

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model: "azure-gpt-4o",
		Messages: []providers.Message{
			{Role: "user", Content: "Hello"},
		},
		RequestID: "req-mock-1",
	}
}

func respondChatJSON(w http.ResponseWriter, content string, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    "chatcmpl-1",
		"model": "gpt-4o",
		"choices": []map[string]any{
			{
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     inTok,
			"completion_tokens": outTok,
		},
	})
}

func TestDeploymentName(t *testing.T) {
	cases := map[string]string{
		"azure-gpt-4o":       "gpt-4o",
		"azure-gpt-35-turbo": "gpt-35-turbo",
		"azure-gpt-4-turbo":  "gpt-4-turbo",
		"azure-something":    "something",
	}
	for model, want := range cases {
		if got := DeploymentName(model); got != want {
			t.Errorf("DeploymentName(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestComplete_URLAndHeaders(t *testing.T) {
	var gotPath, gotVersion, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		gotKey = r.Header.Get("api-key")
		respondChatJSON(w, "Hi", 5, 3)
	}))
	defer srv.Close()

	p := New("", srv.Client(), WithEndpoint(srv.URL))

	resp, err := p.Complete(context.Background(), baseRequest(), "myres:abc")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotPath != "/openai/deployments/gpt-4o/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotVersion != APIVersion {
		t.Fatalf("api-version = %q, want %q", gotVersion, APIVersion)
	}
	if gotKey != "abc" {
		t.Fatalf("api-key header = %q, want the credential secret", gotKey)
	}
	if resp.Content != "Hi" || resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSplitCredential(t *testing.T) {
	p := New("", nil)

	endpoint, key, err := p.splitCredential("myres:secret")
	if err != nil {
		t.Fatalf("splitCredential: %v", err)
	}
	if endpoint != "https://myres.openai.azure.com" {
		t.Fatalf("endpoint = %q", endpoint)
	}
	if key != "secret" {
		t.Fatalf("key = %q", key)
	}

	for _, bad := range []string{"", "noseparator", ":secret", "res:"} {
		if _, _, err := p.splitCredential(bad); err == nil {
			t.Errorf("credential %q should be rejected", bad)
		}
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error","code":"401"}}`))
	}))
	defer srv.Close()

	p := New("", srv.Client(), WithEndpoint(srv.URL))

	_, err := p.Complete(context.Background(), baseRequest(), "myres:abc")
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error %T does not unwrap to ProviderError", err)
	}
	if perr.HTTPStatus() != http.StatusUnauthorized || perr.Message != "bad key" {
		t.Fatalf("unexpected provider error: %+v", perr)
	}
}

func TestStreamComplete_ParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := New("", srv.Client(), WithEndpoint(srv.URL))

	req := baseRequest()
	req.Stream = true
	resp, err := p.StreamComplete(context.Background(), req, "myres:abc")
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	var text string
	var finish string
	for chunk := range resp.Stream {
		text += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if text != "Hello" {
		t.Fatalf("streamed text = %q, want %q", text, "Hello")
	}
	if finish != "stop" {
		t.Fatalf("finish reason = %q, want stop", finish)
	}
}

func TestBuildRequest_Passthrough(t *testing.T) {
	req := baseRequest()
	req.Temperature = 0.5
	req.TopP = 0.9
	req.MaxTokens = 64
	req.Stop = []string{"\n"}
	req.User = "tenant-1"

	cr := buildRequest(req, false)
	if cr.Temperature != 0.5 || cr.TopP != 0.9 || cr.MaxTokens != 64 {
		t.Fatalf("sampling params not passed through: %+v", cr)
	}
	if len(cr.Stop) != 1 || cr.User != "tenant-1" {
		t.Fatalf("stop/user not passed through: %+v", cr)
	}
	if cr.Stream {
		t.Fatal("stream flag set on non-streaming request")
	}
}
