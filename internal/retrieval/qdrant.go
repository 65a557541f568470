package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// Payload keys stored alongside each vector.
const (
	payloadContent    = "content"
	payloadDocumentID = "document_id"
	payloadTenantID   = "tenant_id"
	payloadAppID      = "app_id"
)

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	// URL is the server address, e.g. "https://example.qdrant.io:6334".
	URL    string
	APIKey string
}

// QdrantSearcher searches Qdrant collections over gRPC.
type QdrantSearcher struct {
	client *qdrant.Client
}

// NewQdrantSearcher connects to Qdrant.
func NewQdrantSearcher(cfg QdrantConfig) (*QdrantSearcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}

	raw := cfg.URL
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}

	port := 6334
	if u.Port() != "" {
		if port, err = strconv.Atoi(u.Port()); err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantSearcher{client: client}, nil
}

// Search implements Searcher. Results are restricted to the scope's tenant and app.
func (s *QdrantSearcher) Search(ctx context.Context, collection string, vector []float32, scope ports.Scope, limit int, minScore float64) ([]Hit, error) {
	n := uint64(limit)
	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &n,
		Filter:         scopeFilter(scope),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if minScore > 0 {
		threshold := float32(minScore)
		req.ScoreThreshold = &threshold
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query %s: %w", collection, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, pointToHit(p))
	}
	return hits, nil
}

// Close releases the gRPC connection.
func (s *QdrantSearcher) Close() error {
	return s.client.Close()
}

func scopeFilter(scope ports.Scope) *qdrant.Filter {
	var must []*qdrant.Condition
	if scope.TenantID != "" {
		must = append(must, qdrant.NewMatch(payloadTenantID, scope.TenantID))
	}
	if scope.AppID != "" {
		must = append(must, qdrant.NewMatch(payloadAppID, scope.AppID))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func pointToHit(p *qdrant.ScoredPoint) Hit {
	h := Hit{
		Score:    float64(p.GetScore()),
		Metadata: make(map[string]any),
	}
	if id := p.GetId(); id != nil {
		if u := id.GetUuid(); u != "" {
			h.ID = u
		} else {
			h.ID = strconv.FormatUint(id.GetNum(), 10)
		}
	}
	for k, v := range p.GetPayload() {
		switch k {
		case payloadContent:
			h.Content = v.GetStringValue()
		case payloadDocumentID:
			h.DocumentID = v.GetStringValue()
		case payloadTenantID, payloadAppID:
		default:
			if val := payloadValue(v); val != nil {
				h.Metadata[k] = val
			}
		}
	}
	return h
}

func payloadValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}
