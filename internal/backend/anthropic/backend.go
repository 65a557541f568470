// Package anthropic is the model backend for the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tjfontaine/polyglot-app-runner/internal/backend"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "anthropic"

// DefaultMaxTokens is sent when the run does not bound output; the API requires a value.
const DefaultMaxTokens = 4096

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
	client anthropic.Client
	opts   []option.RequestOption
}

// New creates a new Anthropic backend.
func New(apiKey string, opts ...BackendOption) *Backend {
	b := &Backend{}
	if apiKey != "" {
		b.opts = append(b.opts, option.WithAPIKey(apiKey))
	}
	for _, opt := range opts {
		opt(b)
	}
	b.client = anthropic.NewClient(b.opts...)
	return b
}

// Invoke implements ports.ModelBackend.
func (b *Backend) Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.InvokeResult, error) {
	params := toParams(req)

	if !req.Stream {
		resp, err := b.client.Messages.New(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		return &domain.InvokeResult{Completion: toCompletion(resp)}, nil
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, classify(err)
	}

	out := make(chan domain.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		var finish string
		var usage domain.Usage
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.PromptTokens = int(event.Message.Usage.InputTokens)
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !backend.Send(ctx, out, domain.Chunk{Delta: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				finish = string(event.Delta.StopReason)
				usage.CompletionTokens = int(event.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			backend.Send(ctx, out, domain.Chunk{Err: classify(err)})
			return
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		backend.Send(ctx, out, domain.Chunk{FinishReason: finish, Usage: &usage})
	}()

	return &domain.InvokeResult{Chunks: out}, nil
}

func classify(err error) *domain.RunError {
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return backend.Error(ProviderType, status, err)
}

func toParams(req *domain.InvokeRequest) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
	}
	params.System, params.Messages = toMessages(req.Messages)

	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if v, ok := backend.Float(req.Parameters, "temperature"); ok {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok := backend.Float(req.Parameters, "top_p"); ok {
		params.TopP = anthropic.Float(v)
	}
	if v, ok := backend.Int(req.Parameters, "top_k"); ok {
		params.TopK = anthropic.Int(v)
	}
	return params
}

// toMessages lifts system messages into the system prompt and merges
// consecutive turns of the same role, which the API rejects.
func toMessages(msgs []domain.PromptMessage) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam

	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, anthropic.TextBlockParam{Text: text})
			}
			continue
		}

		role := anthropic.MessageParamRoleUser
		if m.Role == domain.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		blocks := toBlocks(m.Parts)
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return system, out
}

func toBlocks(parts []domain.ContentPart) []anthropic.ContentBlockParamUnion {
	var out []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch p.Type {
		case domain.ContentTypeImage:
			out = append(out, imageBlock(p))
		case domain.ContentTypeFile:
			name := p.Text
			if name == "" {
				name = "file"
			}
			out = append(out, anthropic.NewTextBlock("["+name+"]("+p.URL+")"))
		default:
			if p.Text != "" {
				out = append(out, anthropic.NewTextBlock(p.Text))
			}
		}
	}
	return out
}

// imageBlock accepts both remote URLs and base64 data URLs.
func imageBlock(p domain.ContentPart) anthropic.ContentBlockParamUnion {
	if rest, ok := strings.CutPrefix(p.URL, "data:"); ok {
		if meta, data, ok := strings.Cut(rest, ","); ok && strings.HasSuffix(meta, ";base64") {
			return anthropic.NewImageBlockBase64(strings.TrimSuffix(meta, ";base64"), data)
		}
	}
	return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.URL})
}

func toCompletion(resp *anthropic.Message) *domain.Completion {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &domain.Completion{
		Text:         b.String(),
		FinishReason: string(resp.StopReason),
		Usage: domain.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}
}

var _ ports.ModelBackend = (*Backend)(nil)
