package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-app-runner/internal/annotation"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
)

type staticCatalogue struct {
	apps []domain.AppConfig
	live int
}

func (c staticCatalogue) Apps() []domain.AppConfig { return c.apps }
func (c staticCatalogue) LiveTasks() int           { return c.live }

func catalogue() staticCatalogue {
	return staticCatalogue{
		live: 2,
		apps: []domain.AppConfig{{
			ID:       "support",
			TenantID: "acme",
			Model:    domain.ModelConfig{Provider: "openai", Name: "gpt-4o-mini", ContextWindow: 128000},
			Moderation: domain.ModerationConfig{
				Enabled: true,
				Type:    "keywords",
				Hosting: true,
			},
			Annotation:     domain.AnnotationConfig{Enabled: true},
			KnowledgeBases: []string{"faq"},
			ExternalData:   []domain.ExternalDataTool{{Variable: "weather", Provider: "api"}},
		}},
	}
}

func newTestServer(t *testing.T) (*Server, *sqldb.DB) {
	t.Helper()
	db, err := sqldb.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewServer(catalogue(), db, annotation.NewSQLStore(db)), db
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleStats(t *testing.T) {
	s, _ := newTestServer(t)
	rec := serve(s, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.LiveTasks != 2 || stats.Apps != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.GoVersion == "" || stats.NumGoroutine == 0 {
		t.Errorf("runtime stats missing: %+v", stats)
	}
}

func TestHandleListApps(t *testing.T) {
	s, _ := newTestServer(t)
	rec := serve(s, http.MethodGet, "/api/apps", "")

	var resp AppListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Apps) != 1 {
		t.Fatalf("apps = %+v", resp.Apps)
	}
	a := resp.Apps[0]
	if a.Moderation != "keywords" || !a.HostingModeration || !a.Annotations || a.Memory {
		t.Errorf("stages = %+v", a)
	}
	if len(a.ExternalData) != 1 || a.ExternalData[0] != "weather:api" {
		t.Errorf("external data = %v", a.ExternalData)
	}
}

func TestHandleRuns(t *testing.T) {
	s, db := newTestServer(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := sqldb.NewRunRecorder(db).AfterRun(context.Background(), &ports.RunSummary{
		TaskID:     "task-1",
		TenantID:   "acme",
		AppID:      "support",
		Status:     ports.RunFailed,
		ErrorKind:  domain.ErrorKindContextOverflow,
		StartedAt:  start,
		FinishedAt: start.Add(200 * time.Millisecond),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := serve(s, http.MethodGet, "/api/runs?app_id=support&limit=10", "")
	var list RunListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Runs) != 1 || list.Runs[0].ErrorKind != string(domain.ErrorKindContextOverflow) || list.Limit != 10 {
		t.Errorf("list = %+v", list)
	}

	rec = serve(s, http.MethodGet, "/api/runs/task-1", "")
	var detail RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.LatencyMS != 200 || detail.StartedAt != start.Unix() {
		t.Errorf("detail = %+v", detail)
	}

	if rec := serve(s, http.MethodGet, "/api/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", rec.Code)
	}
}

func TestAnnotationLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, http.MethodPost, "/api/apps/support/annotations", `{"question":"Refunds?","content":"Within 30 days."}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id := created["id"]

	rec = serve(s, http.MethodGet, "/api/apps/support/annotations", "")
	var list AnnotationListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Annotations) != 1 || list.Annotations[0].ID != id {
		t.Fatalf("list = %+v", list)
	}

	if rec := serve(s, http.MethodDelete, "/api/annotations/"+id, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := serve(s, http.MethodDelete, "/api/annotations/"+id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestAnnotationErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown app", http.MethodPost, "/api/apps/nope/annotations", `{"question":"q","content":"c"}`, http.StatusNotFound},
		{"missing content", http.MethodPost, "/api/apps/support/annotations", `{"question":"q"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/apps/support/annotations", `{`, http.StatusBadRequest},
		{"list unknown app", http.MethodGet, "/api/apps/nope/annotations", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(s, tt.method, tt.path, tt.body); rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestWithoutStorage(t *testing.T) {
	s := NewServer(catalogue(), nil, nil)
	for _, path := range []string{"/api/runs", "/api/runs/x", "/api/apps/support/annotations"} {
		if rec := serve(s, http.MethodGet, path, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}
