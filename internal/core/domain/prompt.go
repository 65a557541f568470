package domain

import "strings"

// Role is the speaker of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType discriminates message parts.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
)

// ImageDetail is the resolution hint for image parts.
type ImageDetail string

const (
	ImageDetailLow  ImageDetail = "low"
	ImageDetailHigh ImageDetail = "high"
)

// ContentPart is one piece of a multimodal message.
type ContentPart struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	URL      string      `json:"url,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Detail   ImageDetail `json:"detail,omitempty"`
}

// PromptMessage is one entry of the assembled prompt.
type PromptMessage struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) PromptMessage {
	return PromptMessage{Role: role, Parts: []ContentPart{{Type: ContentTypeText, Text: text}}}
}

// Text concatenates the text parts of the message.
func (m PromptMessage) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == ContentTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Prompt is the ordered message list plus stop sequences handed to a backend.
type Prompt struct {
	Messages []PromptMessage `json:"messages"`
	Stop     []string        `json:"stop,omitempty"`
}

// Turn is one prior exchange in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
