package prompt

import (
	"reflect"
	"testing"
)

func TestParse_Variables(t *testing.T) {
	tmpl := Parse("Hi {{name}}, about {{topic}}. Again {{name}}. {{#query#}} {{ spaced }} {{1bad}}")

	want := []string{"name", "topic", "#query#"}
	if got := tmpl.Variables(); !reflect.DeepEqual(got, want) {
		t.Errorf("Variables() = %v, want %v", got, want)
	}
	if !tmpl.Has("topic") {
		t.Error("Has(topic) = false, want true")
	}
	if tmpl.Has("#context#") {
		t.Error("Has(#context#) = true, want false")
	}
}

func TestTemplate_Format(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		values map[string]string
		want   string
	}{
		{
			name:   "substitutes known values",
			text:   "You help {{user}} with {{topic}}.",
			values: map[string]string{"user": "Ada", "topic": "math"},
			want:   "You help Ada with math.",
		},
		{
			name:   "leaves unknown placeholders",
			text:   "Hello {{who}}",
			values: map[string]string{},
			want:   "Hello {{who}}",
		},
		{
			name:   "empty value replaces",
			text:   "[{{x}}]",
			values: map[string]string{"x": ""},
			want:   "[]",
		},
		{
			name:   "special variables",
			text:   "Q: {{#query#}}",
			values: map[string]string{VarQuery: "why?"},
			want:   "Q: why?",
		},
		{
			name:   "value containing braces is not re-expanded",
			text:   "{{a}}",
			values: map[string]string{"a": "{{b}}", "b": "no"},
			want:   "{{b}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.text).Format(tt.values); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}
