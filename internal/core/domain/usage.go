package domain

import "time"

// Usage is the token accounting of a run.
type Usage struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Latency          time.Duration `json:"latency"`
}

// Completion is a finished, non-streamed model result.
type Completion struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Chunk is one streamed delta. The last chunk before the channel closes
// carries Usage and FinishReason. A chunk with Err set ends the stream.
type Chunk struct {
	Delta        string `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Err          error  `json:"-"`
}

// InvokeRequest is what the model invoker hands to a backend.
type InvokeRequest struct {
	Model      string          `json:"model"`
	Messages   []PromptMessage `json:"messages"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	MaxTokens  int             `json:"max_tokens,omitempty"`
	Stop       []string        `json:"stop,omitempty"`
	Stream     bool            `json:"stream"`
	User       string          `json:"user,omitempty"`
}

// InvokeResult is either a Completion or a stream of Chunks, never both.
type InvokeResult struct {
	Completion *Completion
	Chunks     <-chan Chunk
}
