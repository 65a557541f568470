// Package controlplane serves the operator API: process stats, the app
// catalogue, recorded runs and annotation management.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-app-runner/internal/annotation"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/storage/sqldb"
)

// Catalogue exposes the running apps.
type Catalogue interface {
	Apps() []domain.AppConfig
	// LiveTasks is the number of queues this process currently tracks.
	LiveTasks() int
}

// RunStore reads recorded runs.
type RunStore interface {
	GetRun(ctx context.Context, taskID string) (*sqldb.RunRecord, error)
	ListRuns(ctx context.Context, opts sqldb.RunListOptions) ([]sqldb.RunRecord, error)
}

// AnnotationStore manages curated replies.
type AnnotationStore interface {
	Create(ctx context.Context, scope ports.Scope, question, content string) (string, error)
	List(ctx context.Context, scope ports.Scope) ([]annotation.Record, error)
	Delete(ctx context.Context, id string) error
}

type Server struct {
	router      *chi.Mux
	startTime   time.Time
	apps        Catalogue
	runs        RunStore
	annotations AnnotationStore
}

// NewServer builds the operator API. runs and annotations may be nil when no
// database is configured; their routes then answer 503.
func NewServer(apps Catalogue, runs RunStore, annotations AnnotationStore) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		startTime:   time.Now(),
		apps:        apps,
		runs:        runs,
		annotations: annotations,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/apps", s.handleListApps)
	s.router.Get("/api/runs", s.handleListRuns)
	s.router.Get("/api/runs/{task_id}", s.handleRunDetail)
	s.router.Get("/api/apps/{app_id}/annotations", s.handleListAnnotations)
	s.router.Post("/api/apps/{app_id}/annotations", s.handleCreateAnnotation)
	s.router.Delete("/api/annotations/{annotation_id}", s.handleDeleteAnnotation)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type StatsResponse struct {
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	LiveTasks    int         `json:"live_tasks"`
	Apps         int         `json:"apps"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		LiveTasks:    s.apps.LiveTasks(),
		Apps:         len(s.apps.Apps()),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}

	writeJSON(w, stats)
}

// AppSummary describes which pipeline stages an app has enabled.
type AppSummary struct {
	ID                 string   `json:"id"`
	TenantID           string   `json:"tenant_id"`
	Name               string   `json:"name,omitempty"`
	Provider           string   `json:"provider"`
	Model              string   `json:"model"`
	ContextWindow      int      `json:"context_window,omitempty"`
	Moderation         string   `json:"moderation,omitempty"`
	HostingModeration  bool     `json:"hosting_moderation"`
	Annotations        bool     `json:"annotations"`
	Memory             bool     `json:"memory"`
	KnowledgeBases     []string `json:"knowledge_bases,omitempty"`
	ExternalData       []string `json:"external_data,omitempty"`
	ShowRetrieveSource bool     `json:"show_retrieve_source"`
}

type AppListResponse struct {
	Apps []AppSummary `json:"apps"`
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps := s.apps.Apps()
	resp := AppListResponse{Apps: make([]AppSummary, 0, len(apps))}
	for _, a := range apps {
		summary := AppSummary{
			ID:                 a.ID,
			TenantID:           a.TenantID,
			Name:               a.Name,
			Provider:           a.Model.Provider,
			Model:              a.Model.Name,
			ContextWindow:      a.Model.ContextWindow,
			HostingModeration:  a.Moderation.Enabled && a.Moderation.Hosting,
			Annotations:        a.Annotation.Enabled,
			Memory:             a.Memory.Enabled,
			KnowledgeBases:     a.KnowledgeBases,
			ShowRetrieveSource: a.ShowRetrieveSource,
		}
		if a.Moderation.Enabled {
			summary.Moderation = a.Moderation.Type
		}
		for _, t := range a.ExternalData {
			summary.ExternalData = append(summary.ExternalData, t.Variable+":"+t.Provider)
		}
		resp.Apps = append(resp.Apps, summary)
	}
	writeJSON(w, resp)
}

// RunSummary is the API view of a recorded run.
type RunSummary struct {
	TaskID           string `json:"task_id"`
	TenantID         string `json:"tenant_id"`
	AppID            string `json:"app_id"`
	UserID           string `json:"user_id,omitempty"`
	ConversationID   string `json:"conversation_id,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	Model            string `json:"model,omitempty"`
	Status           string `json:"status"`
	ErrorKind        string `json:"error_kind,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	AnnotationID     string `json:"annotation_id,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	LatencyMS        int64  `json:"latency_ms"`
	StartedAt        int64  `json:"started_at"`
	FinishedAt       int64  `json:"finished_at"`
}

type RunListResponse struct {
	Runs   []RunSummary `json:"runs"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func toRunSummary(rec sqldb.RunRecord) RunSummary {
	return RunSummary{
		TaskID:           rec.TaskID,
		TenantID:         rec.TenantID,
		AppID:            rec.AppID,
		UserID:           rec.UserID.String,
		ConversationID:   rec.ConversationID.String,
		MessageID:        rec.MessageID.String,
		Model:            rec.Model.String,
		Status:           rec.Status,
		ErrorKind:        rec.ErrorKind.String,
		ErrorMessage:     rec.ErrorMessage.String,
		AnnotationID:     rec.AnnotationID.String,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		LatencyMS:        rec.LatencyMS,
		StartedAt:        rec.StartedAt.Unix(),
		FinishedAt:       rec.FinishedAt.Unix(),
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	offset := 0

	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	if q := r.URL.Query().Get("offset"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v >= 0 {
			offset = v
		}
	}

	opts := sqldb.RunListOptions{
		TenantID: r.URL.Query().Get("tenant_id"),
		AppID:    r.URL.Query().Get("app_id"),
		Status:   r.URL.Query().Get("status"),
		Limit:    limit,
		Offset:   offset,
	}

	records, err := s.runs.ListRuns(r.Context(), opts)
	if err != nil {
		http.Error(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := RunListResponse{Runs: make([]RunSummary, 0, len(records)), Limit: limit, Offset: offset}
	for _, rec := range records {
		resp.Runs = append(resp.Runs, toRunSummary(rec))
	}
	writeJSON(w, resp)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}

	rec, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "task_id"))
	if errors.Is(err, sqldb.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to get run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, toRunSummary(*rec))
}

// scope resolves the tenant of app_id from the running catalogue.
func (s *Server) scope(appID string) (ports.Scope, bool) {
	for _, a := range s.apps.Apps() {
		if a.ID == appID {
			return ports.Scope{TenantID: a.TenantID, AppID: a.ID}, true
		}
	}
	return ports.Scope{}, false
}

type AnnotationListResponse struct {
	Annotations []annotation.Record `json:"annotations"`
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	if s.annotations == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	scope, ok := s.scope(chi.URLParam(r, "app_id"))
	if !ok {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}

	records, err := s.annotations.List(r.Context(), scope)
	if err != nil {
		http.Error(w, "failed to list annotations: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []annotation.Record{}
	}
	writeJSON(w, AnnotationListResponse{Annotations: records})
}

type CreateAnnotationRequest struct {
	Question string `json:"question"`
	Content  string `json:"content"`
}

func (s *Server) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	if s.annotations == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	scope, ok := s.scope(chi.URLParam(r, "app_id"))
	if !ok {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}

	var req CreateAnnotationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Content) == "" {
		http.Error(w, "question and content are required", http.StatusBadRequest)
		return
	}

	id, err := s.annotations.Create(r.Context(), scope, req.Question, req.Content)
	if err != nil {
		http.Error(w, "failed to create annotation: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	if s.annotations == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}

	err := s.annotations.Delete(r.Context(), chi.URLParam(r, "annotation_id"))
	if errors.Is(err, annotation.ErrNotFound) {
		http.Error(w, "annotation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to delete annotation: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
