package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-app-runner/internal/auth"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
	"github.com/tjfontaine/polyglot-app-runner/internal/queue"
)

const maxBodyBytes = 1 << 20

// Runs starts and stops generation runs on behalf of HTTP clients.
type Runs interface {
	// Submit starts a run and returns the queue its events are published to.
	// It fills in the request's task and message ids.
	Submit(ctx context.Context, req *domain.GenerationRequest) (*queue.Queue, error)
	Stop(ctx context.Context, taskID, userID string) error
	Apps() []domain.AppConfig
	// Authenticator returns the current key set; nil disables auth.
	Authenticator() *auth.Authenticator
}

// Handler serves the generation API.
type Handler struct {
	runs           Runs
	logger         *slog.Logger
	requestTimeout time.Duration
}

// NewHandler creates the API handler. requestTimeout bounds blocking
// requests and the non-streaming routes.
func NewHandler(runs Runs, logger *slog.Logger, requestTimeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runs: runs, logger: logger, requestTimeout: requestTimeout}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.runs.Authenticator))
		r.Post("/v1/apps/{appID}/messages", h.HandleMessages)

		r.Group(func(r chi.Router) {
			r.Use(TimeoutMiddleware(h.requestTimeout))
			r.Get("/v1/apps", h.HandleApps)
			r.Post("/v1/tasks/{taskID}/stop", h.HandleStop)
		})
	})
}

// MessageRequest is the body of POST /v1/apps/{appID}/messages.
type MessageRequest struct {
	Query          string            `json:"query"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Files          []domain.File     `json:"files,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	User           string            `json:"user"`
	Stream         bool              `json:"stream"`
}

// MessageResponse is the aggregated answer of a blocking request.
type MessageResponse struct {
	TaskID             string           `json:"task_id"`
	MessageID          string           `json:"message_id,omitempty"`
	ConversationID     string           `json:"conversation_id,omitempty"`
	Answer             string           `json:"answer"`
	FinishReason       string           `json:"finish_reason,omitempty"`
	Usage              domain.Usage     `json:"usage"`
	RetrieverResources []domain.Passage `json:"retriever_resources,omitempty"`
	AnnotationID       string           `json:"annotation_id,omitempty"`
}

// HandleMessages starts a run. With stream=true the queue is relayed as
// server-sent events; otherwise the events are folded into one JSON answer.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	var body MessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	appID := chi.URLParam(r, "appID")
	if !allowedApp(r, appID) {
		writeError(w, http.StatusNotFound, "app_not_found", fmt.Sprintf("app %q not found", appID))
		return
	}

	req := &domain.GenerationRequest{
		AppID:          appID,
		UserID:         body.User,
		ConversationID: body.ConversationID,
		Query:          body.Query,
		Inputs:         body.Inputs,
		Files:          body.Files,
		Stream:         body.Stream,
		InvokeFrom:     domain.InvokeSourceServiceAPI,
	}
	AddLogField(r.Context(), "app_id", req.AppID)

	q, err := h.runs.Submit(r.Context(), req)
	if err != nil {
		AddError(r.Context(), err)
		switch {
		case errors.Is(err, ports.ErrAppNotFound):
			writeError(w, http.StatusNotFound, "app_not_found", err.Error())
		case errors.Is(err, queue.ErrTaskExists):
			writeError(w, http.StatusConflict, "task_exists", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	AddLogField(r.Context(), "task_id", q.TaskID())

	if body.Stream {
		h.stream(w, r, q)
		return
	}
	h.aggregate(w, r, req, q)
}

// stream relays every event as one SSE data frame. A client that goes away
// stops the queue, which stops the run.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, q *queue.Queue) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		q.Stop(domain.StopDisconnected)
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range q.Subscribe(r.Context()) {
		if err := writeEvent(w, ev); err != nil {
			AddError(r.Context(), err)
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type(), err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// aggregate waits for the run to finish and answers once.
func (h *Handler) aggregate(w http.ResponseWriter, r *http.Request, req *domain.GenerationRequest, q *queue.Queue) {
	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	resp := MessageResponse{
		TaskID:         q.TaskID(),
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
	}
	var answer strings.Builder
	var failure *domain.ErrorPayload
	var stop domain.StopReason
	ended := false

	for ev := range q.Subscribe(ctx) {
		switch p := ev.Payload.(type) {
		case domain.TextChunk:
			answer.WriteString(p.Text)
		case domain.AnnotationReply:
			resp.AnnotationID = p.AnnotationID
		case domain.MessageEnd:
			ended = true
			resp.Answer = p.Answer
			resp.FinishReason = p.FinishReason
			resp.Usage = p.Usage
			resp.RetrieverResources = p.RetrieverResources
			if p.AnnotationID != "" {
				resp.AnnotationID = p.AnnotationID
			}
		case domain.ErrorPayload:
			failure = &p
		case domain.Stop:
			stop = p.Reason
		}
	}

	switch {
	case failure != nil:
		AddLogField(r.Context(), "error_kind", string(failure.Kind))
		writeErrorPayload(w, *failure)
	case stop == "":
		writeError(w, http.StatusGatewayTimeout, "timeout", "generation did not finish in time")
	case stop.Cancellation() && !ended:
		writeRunError(w, domain.NewRunError(domain.ErrorKindCancelled, "generation stopped: "+string(stop)))
	default:
		if resp.Answer == "" {
			resp.Answer = answer.String()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type stopRequest struct {
	User string `json:"user"`
}

// HandleStop requests cancellation of a task. The task may be running in
// another process; the stop reaches it through the shared stop flag.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	AddLogField(r.Context(), "task_id", taskID)

	var body stopRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}

	if err := h.runs.Stop(r.Context(), taskID, body.User); err != nil {
		AddError(r.Context(), err)
		if errors.Is(err, queue.ErrNotOwner) {
			writeError(w, http.StatusForbidden, "forbidden", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

type appSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// HandleApps lists the configured apps.
func (h *Handler) HandleApps(w http.ResponseWriter, r *http.Request) {
	apps := h.runs.Apps()
	out := make([]appSummary, 0, len(apps))
	for _, a := range apps {
		if !allowedApp(r, a.ID) {
			continue
		}
		out = append(out, appSummary{ID: a.ID, Name: a.Name, Provider: a.Model.Provider, Model: a.Model.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// HandleHealth reports liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
