// Package openai is the model backend for the OpenAI chat completions API and
// compatible servers.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tjfontaine/polyglot-app-runner/internal/backend"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "openai"

// BackendOption configures the backend.
type BackendOption func(*Backend)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) BackendOption {
	return func(b *Backend) {
		b.opts = append(b.opts, option.WithBaseURL(baseURL))
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) BackendOption {
	return func(b *Backend) {
		b.opts = append(b.opts, option.WithHTTPClient(httpClient))
	}
}

// WithMaxRetries sets how often the SDK retries rate limits and server errors.
func WithMaxRetries(n int) BackendOption {
	return func(b *Backend) {
		b.opts = append(b.opts, option.WithMaxRetries(n))
	}
}

// Backend implements ports.ModelBackend using the official SDK.
type Backend struct {
	client openai.Client
	opts   []option.RequestOption
}

// New creates a new OpenAI backend.
func New(apiKey string, opts ...BackendOption) *Backend {
	b := &Backend{}
	if apiKey != "" {
		b.opts = append(b.opts, option.WithAPIKey(apiKey))
	}
	for _, opt := range opts {
		opt(b)
	}
	b.client = openai.NewClient(b.opts...)
	return b
}

// Invoke implements ports.ModelBackend.
func (b *Backend) Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.InvokeResult, error) {
	params := toParams(req)

	if !req.Stream {
		resp, err := b.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		return &domain.InvokeResult{Completion: toCompletion(resp)}, nil
	}

	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	// The request has been sent; a connection or status failure is already visible.
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, classify(err)
	}

	out := make(chan domain.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		var finish string
		var usage *domain.Usage
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if choice.FinishReason != "" {
					finish = choice.FinishReason
				}
				if choice.Delta.Content != "" {
					if !backend.Send(ctx, out, domain.Chunk{Delta: choice.Delta.Content}) {
						return
					}
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				usage = &domain.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
		}
		if err := stream.Err(); err != nil {
			backend.Send(ctx, out, domain.Chunk{Err: classify(err)})
			return
		}
		backend.Send(ctx, out, domain.Chunk{FinishReason: finish, Usage: usage})
	}()

	return &domain.InvokeResult{Chunks: out}, nil
}

func classify(err error) *domain.RunError {
	status := 0
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return backend.Error(ProviderType, status, err)
}

func toParams(req *domain.InvokeRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: toMessages(req.Messages),
	}

	if req.MaxTokens > 0 {
		if reasoningModel(req.Model) {
			params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
		} else {
			params.MaxTokens = openai.Int(int64(req.MaxTokens))
		}
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if v, ok := backend.Float(req.Parameters, "temperature"); ok {
		params.Temperature = openai.Float(v)
	}
	if v, ok := backend.Float(req.Parameters, "top_p"); ok {
		params.TopP = openai.Float(v)
	}
	if v, ok := backend.Float(req.Parameters, "presence_penalty"); ok {
		params.PresencePenalty = openai.Float(v)
	}
	if v, ok := backend.Float(req.Parameters, "frequency_penalty"); ok {
		params.FrequencyPenalty = openai.Float(v)
	}
	return params
}

// reasoningModel reports models that reject max_tokens.
func reasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func toMessages(msgs []domain.PromptMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Text()))
		default:
			if textOnly(m) {
				out = append(out, openai.UserMessage(m.Text()))
				continue
			}
			out = append(out, openai.UserMessage(toParts(m.Parts)))
		}
	}
	return out
}

func textOnly(m domain.PromptMessage) bool {
	for _, p := range m.Parts {
		if p.Type != domain.ContentTypeText {
			return false
		}
	}
	return true
}

func toParts(parts []domain.ContentPart) []openai.ChatCompletionContentPartUnionParam {
	out := make([]openai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case domain.ContentTypeImage:
			out = append(out, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL:    p.URL,
				Detail: string(p.Detail),
			}))
		case domain.ContentTypeFile:
			out = append(out, openai.TextContentPart(fileReference(p)))
		default:
			out = append(out, openai.TextContentPart(p.Text))
		}
	}
	return out
}

func fileReference(p domain.ContentPart) string {
	if p.Text != "" {
		return "[file: " + p.Text + "](" + p.URL + ")"
	}
	return "[file](" + p.URL + ")"
}

func toCompletion(resp *openai.ChatCompletion) *domain.Completion {
	c := &domain.Completion{
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) > 0 {
		c.Text = resp.Choices[0].Message.Content
		c.FinishReason = resp.Choices[0].FinishReason
	}
	return c
}

var _ ports.ModelBackend = (*Backend)(nil)
