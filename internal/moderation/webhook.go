package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// OnError selects what a webhook moderator does when the endpoint cannot be reached.
type OnError string

const (
	OnErrorAllow OnError = "allow"
	OnErrorDeny  OnError = "deny"
)

// Webhook actions.
const (
	ActionDirectOutput = "direct_output"
	ActionOverridden   = "overridden"
)

const inputPoint = "app.moderation.input"

// WebhookModerator asks an external HTTP endpoint to moderate content.
type WebhookModerator struct {
	url     string
	onError OnError
	retries int
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// WebhookConfig configures a webhook moderator.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	OnError OnError // "allow" or "deny" (default: deny)
	Retries int
	Headers map[string]string
	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
	Logger *slog.Logger
}

// NewWebhookModerator creates a webhook moderator.
func NewWebhookModerator(cfg WebhookConfig) *WebhookModerator {
	onError := cfg.OnError
	if onError == "" {
		onError = OnErrorDeny
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WebhookModerator{
		url:     cfg.URL,
		onError: onError,
		retries: cfg.Retries,
		headers: cfg.Headers,
		client:  client,
		logger:  logger,
	}
}

type webhookRequest struct {
	Point  string        `json:"point"`
	Params webhookParams `json:"params"`
}

type webhookParams struct {
	AppID  string            `json:"app_id"`
	Inputs map[string]string `json:"inputs"`
	Query  string            `json:"query"`
}

type webhookResponse struct {
	Flagged        bool              `json:"flagged"`
	Action         string            `json:"action"`
	PresetResponse string            `json:"preset_response"`
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
}

// Moderate implements ports.Moderator.
func (m *WebhookModerator) Moderate(ctx context.Context, req *ports.ModerationRequest) (domain.ModerationOutcome, error) {
	var lastErr error

	attempts := m.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := m.doRequest(ctx, req)
		if err == nil {
			return resp.outcome(), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return m.handleError(req, lastErr)
}

func (m *WebhookModerator) doRequest(ctx context.Context, in *ports.ModerationRequest) (*webhookResponse, error) {
	body, err := json.Marshal(webhookRequest{
		Point: inputPoint,
		Params: webhookParams{
			AppID:  in.AppID,
			Inputs: in.Inputs,
			Query:  in.Query,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal moderation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range m.headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out webhookResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal moderation response: %w", err)
	}
	if out.Flagged {
		switch out.Action {
		case ActionDirectOutput, ActionOverridden:
		case "":
			out.Action = ActionDirectOutput
		default:
			return nil, fmt.Errorf("invalid action from webhook: %s", out.Action)
		}
	}
	return &out, nil
}

func (r *webhookResponse) outcome() domain.ModerationOutcome {
	if !r.Flagged {
		return domain.Pass()
	}
	if r.Action == ActionOverridden {
		return domain.Rewrite(r.Inputs, r.Query)
	}
	return domain.Reject(r.PresetResponse)
}

func (m *WebhookModerator) handleError(req *ports.ModerationRequest, err error) (domain.ModerationOutcome, error) {
	switch m.onError {
	case OnErrorAllow:
		m.logger.Warn("moderation webhook failed, allowing",
			slog.String("app_id", req.AppID),
			slog.String("error", err.Error()))
		return domain.Pass(), nil
	case OnErrorDeny:
		m.logger.Warn("moderation webhook failed, denying",
			slog.String("app_id", req.AppID),
			slog.String("error", err.Error()))
		return domain.Reject(""), nil
	default:
		return domain.ModerationOutcome{}, fmt.Errorf("moderation webhook %s failed: %w", m.url, err)
	}
}

func webhookFromConfig(cfg map[string]string, client *http.Client, logger *slog.Logger) (*WebhookModerator, error) {
	wc := WebhookConfig{
		URL:     cfg["api_endpoint"],
		Timeout: 10 * time.Second,
		OnError: OnError(cfg["on_error"]),
		Client:  client,
		Logger:  logger,
	}
	if v := cfg["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		wc.Timeout = d
	}
	if v := cfg["retries"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid retries: %w", err)
		}
		wc.Retries = n
	}
	if key := cfg["api_key"]; key != "" {
		wc.Headers = map[string]string{"Authorization": "Bearer " + key}
	}
	return NewWebhookModerator(wc), nil
}

func validateWebhook(cfg map[string]string) error {
	if cfg["api_endpoint"] == "" {
		return fmt.Errorf("api_endpoint is required")
	}
	switch OnError(cfg["on_error"]) {
	case "", OnErrorAllow, OnErrorDeny:
	default:
		return fmt.Errorf("on_error must be allow or deny")
	}
	return nil
}

var _ ports.Moderator = (*WebhookModerator)(nil)
