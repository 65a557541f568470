package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

const queryPoint = "app.external_data_tool.query"

// WebhookProvider fetches a variable from an external HTTP endpoint.
type WebhookProvider struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookProvider creates a provider posting to url. A nil client uses http.DefaultClient.
func NewWebhookProvider(url string, headers map[string]string, client *http.Client) *WebhookProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookProvider{url: url, headers: headers, client: client}
}

type webhookRequest struct {
	Point  string        `json:"point"`
	Params webhookParams `json:"params"`
}

type webhookParams struct {
	AppID        string            `json:"app_id"`
	ToolVariable string            `json:"tool_variable"`
	Inputs       map[string]string `json:"inputs"`
	Query        string            `json:"query"`
}

type webhookResponse struct {
	Result string `json:"result"`
}

// Fetch implements ports.ExternalDataProvider.
func (p *WebhookProvider) Fetch(ctx context.Context, in *ports.EnrichmentRequest) (string, error) {
	body, err := json.Marshal(webhookRequest{
		Point: queryPoint,
		Params: webhookParams{
			AppID:        in.AppID,
			ToolVariable: in.Variable,
			Inputs:       in.Inputs,
			Query:        in.Query,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal enrichment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out webhookResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal enrichment response: %w", err)
	}
	return out.Result, nil
}

var _ ports.ExternalDataProvider = (*WebhookProvider)(nil)
