package domain

import (
	"encoding/json"
	"time"
)

// EventType tags a queue event.
type EventType string

const (
	EventTextChunk          EventType = "text_chunk"
	EventAnnotationReply    EventType = "annotation_reply"
	EventRetrieverResources EventType = "retrieval_resources"
	EventMessageEnd         EventType = "message_end"
	EventError              EventType = "error"
	EventStop               EventType = "stop"
	EventPing               EventType = "ping"
)

// StopReason explains why a queue stopped.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopFailed    StopReason = "failed"
	StopCancelled StopReason = "cancelled"
	StopTimeout   StopReason = "timeout"
	// StopDisconnected is set when the consumer goes away mid-run.
	StopDisconnected StopReason = "client_disconnected"
)

// Cancellation reports whether the reason is an external stop request
// rather than the producer finishing.
func (r StopReason) Cancellation() bool {
	switch r {
	case StopCancelled, StopTimeout, StopDisconnected:
		return true
	}
	return false
}

// EventPayload is implemented by every queue event body.
type EventPayload interface {
	EventType() EventType
}

// Event is one entry in a run's output stream.
type Event struct {
	TaskID     string       `json:"task_id"`
	SequenceNo int64        `json:"sequence_no"`
	CreatedAt  time.Time    `json:"created_at"`
	Payload    EventPayload `json:"-"`
}

// Type returns the payload tag.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// MarshalJSON renders the event as {type, sequence_no, payload} plus the task
// id and creation time.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       EventType    `json:"type"`
		TaskID     string       `json:"task_id"`
		SequenceNo int64        `json:"sequence_no"`
		CreatedAt  int64        `json:"created_at"`
		Payload    EventPayload `json:"payload,omitempty"`
	}{
		Type:       e.Type(),
		TaskID:     e.TaskID,
		SequenceNo: e.SequenceNo,
		CreatedAt:  e.CreatedAt.Unix(),
		Payload:    e.Payload,
	})
}

// TextChunk is a piece of the answer text.
type TextChunk struct {
	Text string `json:"text"`
}

func (TextChunk) EventType() EventType { return EventTextChunk }

// AnnotationReply announces that a curated reply answers the query.
type AnnotationReply struct {
	AnnotationID string  `json:"annotation_id"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
}

func (AnnotationReply) EventType() EventType { return EventAnnotationReply }

// RetrieverResources lists the passages that were placed into the prompt.
type RetrieverResources struct {
	Resources []Passage `json:"resources"`
}

func (RetrieverResources) EventType() EventType { return EventRetrieverResources }

// MessageEnd closes a successful answer.
type MessageEnd struct {
	MessageID          string    `json:"message_id,omitempty"`
	Answer             string    `json:"answer,omitempty"`
	FinishReason       string    `json:"finish_reason,omitempty"`
	Usage              Usage     `json:"usage"`
	RetrieverResources []Passage `json:"retriever_resources,omitempty"`
	AnnotationID       string    `json:"annotation_id,omitempty"`
}

func (MessageEnd) EventType() EventType { return EventMessageEnd }

// ErrorPayload reports the terminal failure of a run.
type ErrorPayload struct {
	Kind      ErrorKind        `json:"kind"`
	SubKind   BackendErrorKind `json:"sub_kind,omitempty"`
	Stage     string           `json:"stage,omitempty"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
}

func (ErrorPayload) EventType() EventType { return EventError }

// Stop is the terminal event of every stream.
type Stop struct {
	Reason StopReason `json:"reason"`
}

func (Stop) EventType() EventType { return EventStop }

// Ping keeps idle subscribers alive.
type Ping struct{}

func (Ping) EventType() EventType { return EventPing }
