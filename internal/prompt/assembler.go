package prompt

import (
	"strings"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
)

const contextPreamble = "Use the following context as your learned knowledge, inside <context></context> XML tags.\n\n<context>\n"

const contextEpilogue = "\n</context>\n\nWhen answering the user, do not mention that the knowledge came from a provided context. If the context does not contain the answer, say that you don't know."

// Input is everything the assembler needs for one prompt.
type Input struct {
	Template domain.PromptTemplate
	Inputs   map[string]string
	Query    string
	Files    []domain.File
	// ImageDetail applies to images that do not carry their own detail.
	ImageDetail domain.ImageDetail
	History     []domain.Turn
	Context     *domain.RetrievedContext
}

// Assembler builds prompts. It is stateless and deterministic: identical
// input yields an identical prompt.
type Assembler struct{}

// NewAssembler creates an assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble orders the prompt as system instruction, memory, retrieved context,
// then the user turn with its attachments. When the query is empty the rendered
// template itself is the user turn.
func (a *Assembler) Assemble(in *Input) domain.Prompt {
	tmpl := Parse(in.Template.System)
	contextText := ContextText(in.Context)

	values := make(map[string]string, len(in.Inputs)+2)
	for k, v := range in.Inputs {
		values[k] = v
	}
	values[VarQuery] = in.Query
	values[VarContext] = contextText
	rendered := strings.TrimSpace(tmpl.Format(values))

	var msgs []domain.PromptMessage

	completionStyle := in.Query == ""
	if rendered != "" && !completionStyle {
		msgs = append(msgs, domain.TextMessage(domain.RoleSystem, rendered))
	}

	for _, turn := range in.History {
		role := turn.Role
		if role != domain.RoleAssistant {
			role = domain.RoleUser
		}
		msgs = append(msgs, domain.TextMessage(role, turn.Content))
	}

	if contextText != "" && !tmpl.Has(VarContext) {
		msgs = append(msgs, domain.TextMessage(domain.RoleSystem, contextPreamble+contextText+contextEpilogue))
	}

	userText := in.Query
	if completionStyle {
		userText = rendered
	}
	if user, ok := userTurn(userText, in.Files, in.ImageDetail); ok {
		msgs = append(msgs, user)
	}

	var stop []string
	if len(in.Template.Stop) > 0 {
		stop = append(stop, in.Template.Stop...)
	}
	return domain.Prompt{Messages: msgs, Stop: stop}
}

// ContextText joins passages in their retrieved order.
func ContextText(rc *domain.RetrievedContext) string {
	if rc.Empty() {
		return ""
	}
	parts := make([]string, 0, len(rc.Passages))
	for _, p := range rc.Passages {
		if s := strings.TrimSpace(p.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// userTurn puts attachments before the text. Documents are passed by reference.
func userTurn(text string, files []domain.File, defaultDetail domain.ImageDetail) (domain.PromptMessage, bool) {
	if text == "" && len(files) == 0 {
		return domain.PromptMessage{}, false
	}
	if defaultDetail == "" {
		defaultDetail = domain.ImageDetailLow
	}

	msg := domain.PromptMessage{Role: domain.RoleUser}
	for _, f := range files {
		switch f.Type {
		case domain.FileTypeImage:
			detail := f.Detail
			if detail == "" {
				detail = defaultDetail
			}
			msg.Parts = append(msg.Parts, domain.ContentPart{
				Type:     domain.ContentTypeImage,
				URL:      f.URL,
				MimeType: f.MimeType,
				Detail:   detail,
			})
		default:
			msg.Parts = append(msg.Parts, domain.ContentPart{
				Type:     domain.ContentTypeFile,
				URL:      f.URL,
				MimeType: f.MimeType,
				Text:     f.Name,
			})
		}
	}
	if text != "" {
		msg.Parts = append(msg.Parts, domain.ContentPart{Type: domain.ContentTypeText, Text: text})
	}
	return msg, true
}
