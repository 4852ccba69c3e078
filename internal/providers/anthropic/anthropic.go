// Package anthropic adapts the canonical chat-completions request to the
// Anthropic Messages API via the official SDK.
//
// System and developer messages are lifted out of the message list into the
// top-level system field; the remaining turns map to user/assistant.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/inferxgate/internal/providers"
)

const (
	providerName = "anthropic"

	// Anthropic requires max_tokens; this is the default when the caller
	// leaves it unset.
	defaultMaxTokens = 1024
)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	defaultKey string
	baseURL    string
	client     anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates an Anthropic Provider. httpClient may be nil; the shared
// pooled client is used then. defaultKey may be empty when every route
// carries its own credential.
func New(defaultKey string, httpClient *http.Client, opts ...Option) *Provider {
	p := &Provider{defaultKey: defaultKey}
	for _, o := range opts {
		o(p)
	}
	if httpClient == nil {
		httpClient = providers.NewHTTPClient()
	}

	// Failure semantics are owned by the dispatcher: no SDK-level retries.
	copts := []option.RequestOption{
		option.WithAPIKey(p.defaultKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		copts = append(copts, option.WithBaseURL(p.baseURL))
	}
	p.client = anthropic.NewClient(copts...)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) SupportedModels() []string {
	return providers.PrimaryModels[providerName]
}

func (p *Provider) HealthCheck(ctx context.Context, credential string) error {
	opts, err := p.requestOptions(credential)
	if err != nil {
		return err
	}
	_, err = p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	}, opts...)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

// Complete performs a non-streaming call.
func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	opts, err := p.requestOptions(credential)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, buildParams(req), opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// StreamComplete performs a streaming call. The upstream event stream is
// parsed and re-emitted as incremental text chunks.
func (p *Provider) StreamComplete(ctx context.Context, req *providers.ChatRequest, credential string) (*providers.ChatResponse, error) {
	opts, err := p.requestOptions(credential)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Messages.NewStreaming(ctx, buildParams(req), opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()
			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					ch <- providers.StreamChunk{FinishReason: string(eventVariant.Delta.StopReason)}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.ChatResponse{
		ID:     req.RequestID,
		Model:  req.Model,
		Stream: ch,
	}, nil
}

func buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// requestOptions selects the per-route credential, falling back to the
// construction-time key.
func (p *Provider) requestOptions(credential string) ([]option.RequestOption, error) {
	key := credential
	if key == "" {
		key = p.defaultKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
