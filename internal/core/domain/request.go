// Package domain holds the data model shared by every stage of the generation pipeline.
package domain

// InvokeSource identifies where a generation request came from.
type InvokeSource string

const (
	InvokeSourceServiceAPI InvokeSource = "service_api"
	InvokeSourceWebApp     InvokeSource = "web_app"
	InvokeSourceDebugger   InvokeSource = "debugger"
)

// FileType classifies an attached file.
type FileType string

const (
	FileTypeImage    FileType = "image"
	FileTypeDocument FileType = "document"
)

// File is an attachment carried on a request. Images become multimodal prompt parts.
type File struct {
	Type     FileType    `json:"type"`
	URL      string      `json:"url"`
	Name     string      `json:"name,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Detail   ImageDetail `json:"detail,omitempty"`
}

// ModelConfig is the resolved model selection for a run.
type ModelConfig struct {
	// Provider names the backend registered for this model.
	Provider string `json:"provider"`
	// Name is the provider-specific model identifier.
	Name string `json:"name"`
	// Parameters are passed through to the backend (temperature, top_p, ...).
	Parameters map[string]any `json:"parameters,omitempty"`
	// ContextWindow is the total token capacity of the model.
	ContextWindow int `json:"context_window"`
	// MaxTokens is the requested output limit. Zero leaves it to the backend.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// GenerationRequest is the input of a single run.
type GenerationRequest struct {
	TaskID         string            `json:"task_id"`
	TenantID       string            `json:"tenant_id"`
	AppID          string            `json:"app_id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Query          string            `json:"query"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Files          []File            `json:"files,omitempty"`
	Stream         bool              `json:"stream"`
	InvokeFrom     InvokeSource      `json:"invoke_from,omitempty"`
	Model          ModelConfig       `json:"model"`
}

// CloneInputs returns a copy of the request inputs that stages may mutate.
func (r *GenerationRequest) CloneInputs() map[string]string {
	out := make(map[string]string, len(r.Inputs))
	for k, v := range r.Inputs {
		out[k] = v
	}
	return out
}
