// Package prompt turns an app's template, the request, memory, and retrieved
// context into the ordered message list sent to a model.
package prompt

import (
	"regexp"
	"strings"
)

// Special variables filled by the pipeline rather than from inputs.
const (
	VarQuery   = "#query#"
	VarContext = "#context#"
)

var variablePattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]{0,29}|#query#|#context#)\}\}`)

// Template is a parsed prompt template.
type Template struct {
	text      string
	variables []string
}

// Parse scans text for {{variable}} placeholders.
func Parse(text string) *Template {
	t := &Template{text: text}
	seen := make(map[string]bool)
	for _, m := range variablePattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			t.variables = append(t.variables, m[1])
		}
	}
	return t
}

// Variables returns placeholder names in first-appearance order.
func (t *Template) Variables() []string {
	return t.variables
}

// Has reports whether the template references name.
func (t *Template) Has(name string) bool {
	for _, v := range t.variables {
		if v == name {
			return true
		}
	}
	return false
}

// Format substitutes values. Placeholders without a value are left verbatim.
func (t *Template) Format(values map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(t.text, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}")
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}
