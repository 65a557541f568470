package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/extension"
)

type funcProvider func(ctx context.Context, req *ports.EnrichmentRequest) (string, error)

func (f funcProvider) Fetch(ctx context.Context, req *ports.EnrichmentRequest) (string, error) {
	return f(ctx, req)
}

func constant(v string, delay time.Duration) funcProvider {
	return func(ctx context.Context, _ *ports.EnrichmentRequest) (string, error) {
		select {
		case <-time.After(delay):
			return v, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

var scope = ports.Scope{TenantID: "t1", AppID: "app1"}

func TestEnrich_LastDeclaredWins(t *testing.T) {
	// A is declared first but finishes last.
	bindings := []Binding{
		{Variable: "x", Provider: "a", Fetcher: constant("from-a", 80*time.Millisecond)},
		{Variable: "x", Provider: "b", Fetcher: constant("from-b", 0)},
	}

	res := New().Enrich(context.Background(), scope, bindings, nil, "q")
	assert.Equal(t, "from-b", res.Inputs["x"])
	assert.Empty(t, res.Failures)
}

func TestEnrich_MergesIntoCopy(t *testing.T) {
	inputs := map[string]string{"name": "ada", "weather": "old"}
	bindings := []Binding{
		{Variable: "weather", Provider: "w", Fetcher: constant("sunny", 0)},
	}

	res := New().Enrich(context.Background(), scope, bindings, inputs, "q")
	assert.Equal(t, map[string]string{"name": "ada", "weather": "sunny"}, res.Inputs)
	assert.Equal(t, "old", inputs["weather"])
}

func TestEnrich_ProvidersSeeOriginalInputs(t *testing.T) {
	var seen atomic.Value
	bindings := []Binding{
		{Variable: "a", Provider: "first", Fetcher: constant("A", 0)},
		{Variable: "b", Provider: "second", Fetcher: funcProvider(func(_ context.Context, req *ports.EnrichmentRequest) (string, error) {
			seen.Store(req.Inputs["a"])
			assert.Equal(t, "b", req.Variable)
			assert.Equal(t, "app1", req.AppID)
			assert.Equal(t, "hello", req.Query)
			return "B", nil
		})},
	}

	res := New(WithConcurrency(1)).Enrich(context.Background(), scope, bindings, map[string]string{"a": "orig"}, "hello")
	assert.Equal(t, "orig", seen.Load())
	assert.Equal(t, "A", res.Inputs["a"])
	assert.Equal(t, "B", res.Inputs["b"])
}

func TestEnrich_FailureIsSoft(t *testing.T) {
	boom := errors.New("boom")
	bindings := []Binding{
		{Variable: "bad", Provider: "broken", Fetcher: funcProvider(func(context.Context, *ports.EnrichmentRequest) (string, error) {
			return "", boom
		})},
		{Variable: "good", Provider: "ok", Fetcher: constant("yes", 0)},
		{Variable: "missing", Provider: "nope"},
	}

	res := New().Enrich(context.Background(), scope, bindings, map[string]string{"bad": "keep"}, "")
	assert.Equal(t, "yes", res.Inputs["good"])
	assert.Equal(t, "keep", res.Inputs["bad"], "failed provider contributes no value")

	require.Len(t, res.Failures, 2)
	assert.Equal(t, "bad", res.Failures[0].Variable)
	assert.Equal(t, domain.ErrorKindEnrichmentFailure, res.Failures[0].Err.Kind)
	assert.ErrorIs(t, res.Failures[0].Err, boom)
	assert.ErrorIs(t, res.Failures[1].Err, ports.ErrUnknownProvider)
}

func TestEnrich_Timeout(t *testing.T) {
	// This provider ignores its context entirely.
	stuck := funcProvider(func(context.Context, *ports.EnrichmentRequest) (string, error) {
		time.Sleep(2 * time.Second)
		return "late", nil
	})
	bindings := []Binding{
		{Variable: "slow", Provider: "stuck", Fetcher: stuck, Timeout: 30 * time.Millisecond},
		{Variable: "fast", Provider: "ok", Fetcher: constant("v", 0)},
	}

	start := time.Now()
	res := New(WithTimeout(time.Minute)).Enrich(context.Background(), scope, bindings, nil, "")
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].TimedOut)
	assert.Equal(t, "v", res.Inputs["fast"])
	_, ok := res.Inputs["slow"]
	assert.False(t, ok)
}

func TestEnrich_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	tracking := funcProvider(func(context.Context, *ports.EnrichmentRequest) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "v", nil
	})

	var bindings []Binding
	for _, v := range []string{"a", "b", "c", "d", "e", "f"} {
		bindings = append(bindings, Binding{Variable: v, Provider: "t", Fetcher: tracking})
	}

	res := New(WithConcurrency(2)).Enrich(context.Background(), scope, bindings, nil, "")
	assert.Len(t, res.Inputs, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEnrich_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bindings := []Binding{{Variable: "x", Provider: "slow", Fetcher: constant("v", time.Second)}}
	res := New().Enrich(ctx, scope, bindings, nil, "")
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, context.Canceled)
}

func TestWebhookProvider(t *testing.T) {
	var got webhookRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"22C and clear"}`))
	}))
	defer server.Close()

	reg := extension.NewRegistry[ports.ExternalDataProvider]()
	require.NoError(t, RegisterBuiltins(reg, Deps{}))

	bindings, err := Bind(reg, []domain.ExternalDataTool{{
		Variable: "weather",
		Provider: TypeAPI,
		Config:   map[string]string{"api_endpoint": server.URL, "api_key": "k"},
	}})
	require.NoError(t, err)

	res := New().Enrich(context.Background(), scope, bindings, map[string]string{"city": "Oslo"}, "forecast?")
	require.Empty(t, res.Failures)
	assert.Equal(t, "22C and clear", res.Inputs["weather"])

	assert.Equal(t, "app.external_data_tool.query", got.Point)
	assert.Equal(t, "weather", got.Params.ToolVariable)
	assert.Equal(t, "Oslo", got.Params.Inputs["city"])
	assert.Equal(t, "forecast?", got.Params.Query)
}

func TestWebhookProvider_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewWebhookProvider(server.URL, nil, nil).Fetch(context.Background(), &ports.EnrichmentRequest{Variable: "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSupabaseProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/customers", r.URL.Path)
		assert.Equal(t, "eq.c-42", r.URL.Query().Get("customer_id"))
		assert.Equal(t, "tier", r.URL.Query().Get("select"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"tier":"gold"}]`))
	}))
	defer server.Close()

	p, err := NewSupabaseProvider(server.URL, "anon", SupabaseLookup{
		Table:       "customers",
		MatchColumn: "customer_id",
		ValueColumn: "tier",
		InputKey:    "customer",
	})
	require.NoError(t, err)

	v, err := p.Fetch(context.Background(), &ports.EnrichmentRequest{
		Variable: "tier",
		Inputs:   map[string]string{"customer": "c-42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gold", v)

	v, err = p.Fetch(context.Background(), &ports.EnrichmentRequest{Variable: "tier"})
	require.NoError(t, err)
	assert.Empty(t, v, "no match value means no lookup")
}

func TestBind_Errors(t *testing.T) {
	reg := extension.NewRegistry[ports.ExternalDataProvider]()
	require.NoError(t, RegisterBuiltins(reg, Deps{}))

	_, err := Bind(reg, []domain.ExternalDataTool{{Provider: TypeAPI}})
	assert.Error(t, err)

	_, err = Bind(reg, []domain.ExternalDataTool{{Variable: "x", Provider: "unknown"}})
	assert.Error(t, err)

	_, err = Bind(reg, []domain.ExternalDataTool{{Variable: "x", Provider: TypeSupabase, Config: map[string]string{"table": "t"}}})
	assert.Error(t, err)
}
