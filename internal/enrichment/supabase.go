package enrichment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/supabase-community/supabase-go"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// SupabaseLookup selects one column of the first row whose match column
// equals an input value (or the query).
type SupabaseLookup struct {
	Table       string
	MatchColumn string
	ValueColumn string
	// InputKey names the input used as the match value. Empty means the query.
	InputKey string
}

// SupabaseProvider resolves a variable with a PostgREST table lookup.
type SupabaseProvider struct {
	client *supabase.Client
	lookup SupabaseLookup
}

// NewSupabaseProvider connects to a Supabase project.
func NewSupabaseProvider(url, key string, lookup SupabaseLookup) (*SupabaseProvider, error) {
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseProvider{client: client, lookup: lookup}, nil
}

// Fetch implements ports.ExternalDataProvider. No matching row yields an empty value.
func (p *SupabaseProvider) Fetch(ctx context.Context, in *ports.EnrichmentRequest) (string, error) {
	match := in.Query
	if p.lookup.InputKey != "" {
		match = in.Inputs[p.lookup.InputKey]
	}
	if match == "" {
		return "", nil
	}

	type result struct {
		rows []map[string]any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var rows []map[string]any
		_, err := p.client.From(p.lookup.Table).
			Select(p.lookup.ValueColumn, "", false).
			Eq(p.lookup.MatchColumn, match).
			Limit(1, "").
			ExecuteTo(&rows)
		done <- result{rows, err}
	}()

	// The PostgREST client takes no context.
	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if r.err != nil {
		return "", fmt.Errorf("supabase lookup in %s: %w", p.lookup.Table, r.err)
	}
	if len(r.rows) == 0 {
		return "", nil
	}

	switch v := r.rows[0][p.lookup.ValueColumn].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", p.lookup.ValueColumn, err)
		}
		return string(b), nil
	}
}

var _ ports.ExternalDataProvider = (*SupabaseProvider)(nil)
