package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure. Run failures carry their kind and stage.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SubKind   string `json:"sub_kind,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeRunError maps a pipeline failure to its HTTP status.
func writeRunError(w http.ResponseWriter, e *domain.RunError) {
	writeErrorPayload(w, e.Payload())
}

// writeErrorPayload answers with the failure carried by an error event.
func writeErrorPayload(w http.ResponseWriter, p domain.ErrorPayload) {
	status := (&domain.RunError{Kind: p.Kind, SubKind: p.SubKind}).HTTPStatusCode()
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Code:      string(p.Kind),
		Message:   p.Message,
		SubKind:   string(p.SubKind),
		Stage:     p.Stage,
		Retryable: p.Retryable,
	}})
}
