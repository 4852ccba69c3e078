// Package azure implements the providers.Provider interface for Azure
// OpenAI. Azure uses deployment-based URLs and the "api-key" header
// instead of the standard bearer scheme.
//
// The route credential has the form "resource:secret": the resource name
// selects the endpoint https://{resource}.openai.azure.com and the secret
// goes into the api-key header. Model tags carry the "azure-" prefix,
// which is stripped to derive the deployment name.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/inferxgate/internal/providers"
)

const (
	providerName = "azure"

	// APIVersion is the api-version query parameter on every call.
	APIVersion = "2024-10-21"

	maxErrorBody = 4 << 10
)

// deployments maps model tags to Azure deployment names where a plain
// prefix strip is not enough.
var deployments = map[string]string{
	"azure-gpt-4o":       "gpt-4o",
	"azure-gpt-4o-mini":  "gpt-4o-mini",
	"azure-gpt-4-turbo":  "gpt-4-turbo",
	"azure-gpt-4":        "gpt-4",
	"azure-gpt-35-turbo": "gpt-35-turbo",
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Provider implements providers.Provider for Azure OpenAI.
type Provider struct {
	defaultCredential string // "resource:secret", may be empty
	endpointOverride  string // test hook, replaces the derived endpoint
	client            *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint overrides the derived endpoint (useful for testing).
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.endpointOverride = strings.TrimRight(u, "/") }
}

// New creates an Azure OpenAI Provider. httpClient may be nil; the shared
// pooled client is used then.
func New(defaultCredential string, httpClient *http.Client, opts ...Option) *Provider {
	if httpClient == nil {
		httpClient = providers.NewHTTPClient()
	}
	p := &Provider{
		defaultCredential: defaultCredential,
		client:            httpClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) SupportedModels() []string {
	return providers.PrimaryModels[providerName]
}

// splitCredential parses "resource:secret" into its endpoint and key.
func (p *Provider) splitCredential(credential string) (endpoint, key string, err error) {
	if credential == "" {
		credential = p.defaultCredential
	}
	resource, secret, ok := strings.Cut(credential, ":")
	if !ok || resource == "" || secret == "" {
		return "", "", fmt.Errorf("azure: credential must have the form resource:secret")
	}
	if p.endpointOverride != "" {
		return p.endpointOverride, secret, nil
	}
	return "https://" + resource + ".openai.azure.com", secret, nil
}

// DeploymentName maps a model tag to its Azure deployment name.
func DeploymentName(model string) string {
	if d, ok := deployments[model]; ok {
		return d
	}
	return strings.TrimPrefix(model, "azure-")
}

func completionsURL(endpoint, deployment string) string {
	return fmt.Sprintf(
		"%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpoint, deployment, APIVersion,
	)
}

func (p *Provider) HealthCheck(ctx context.Context, credential string) error {
	endpoint, key, err := p.splitCredential(credential)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/openai/models?api-version=%s", endpoint, APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("azure: health check: %w", err)
	}
	req.Header.Set("api-key", key)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("azure: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("azure: health check: status %d", resp.StatusCode)
	}
	return nil
}

// Complete performs a non-streaming call.
func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	resp, err := p.do(ctx, req, credential, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}

	content, finish := "", ""
	if len(cr.Choices) > 0 {
		finish = cr.Choices[0].FinishReason
		if cr.Choices[0].Message != nil {
			content = cr.Choices[0].Message.Content
		}
	}

	return &providers.ChatResponse{
		ID:           cr.ID,
		Model:        req.Model,
		Content:      content,
		FinishReason: finish,
		Usage: providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

// StreamComplete performs a streaming call, parsing the upstream SSE
// stream into incremental chunks.
func (p *Provider) StreamComplete(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	resp, err := p.do(ctx, req, credential, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if len(cr.Choices) == 0 || cr.Choices[0].Delta == nil {
				continue
			}

			ch <- providers.StreamChunk{
				Content:      cr.Choices[0].Delta.Content,
				FinishReason: cr.Choices[0].FinishReason,
			}
		}
	}()

	return &providers.ChatResponse{
		ID:     req.RequestID,
		Model:  req.Model,
		Stream: ch,
	}, nil
}

func (p *Provider) do(ctx context.Context, req *providers.ChatRequest, credential string, stream bool) (*http.Response, error) {
	endpoint, key, err := p.splitCredential(credential)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	url := completionsURL(endpoint, DeploymentName(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", key)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func buildRequest(req *providers.ChatRequest, stream bool) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{Messages: msgs, Stream: stream}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.TopP > 0 {
		cr.TopP = req.TopP
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		cr.Stop = req.Stop
	}
	if req.User != "" {
		cr.User = req.User
	}
	return cr
}

// ProviderError is a structured error returned by the Azure OpenAI API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("azure: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
			Type:       cr.Error.Type,
			Code:       cr.Error.Code,
		}
	}

	return &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		Type:       "azure_error",
	}
}
