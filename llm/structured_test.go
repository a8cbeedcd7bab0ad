// ABOUTME: Tests for structured output extraction and schema validation.
// ABOUTME: Covers fence stripping, prose trimming, and jsonschema enforcement.

package llm

import (
	"testing"
)

func TestExtractJSONDocument(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "plain object", text: `{"a": 1}`, want: `{"a": 1}`},
		{name: "plain array", text: `[1, 2, 3]`, want: `[1, 2, 3]`},
		{name: "fenced", text: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "fenced no lang", text: "```\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "prose around object", text: `Here you go: {"a": 1} hope that helps`, want: `{"a": 1}`},
		{name: "prose around array", text: `The ids are [4, 5] as requested.`, want: `[4, 5]`},
		{name: "whitespace", text: "  \n {\"a\": 1} \n", want: `{"a": 1}`},
		{name: "no json", text: "sorry, I cannot answer that", want: ""},
		{name: "empty", text: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSONDocument(tt.text); got != tt.want {
				t.Errorf("ExtractJSONDocument(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseStructured(t *testing.T) {
	format := &ResponseFormat{
		Name: "verdict",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"approved": map[string]any{"type": "boolean"}},
			"required":   []any{"approved"},
		},
	}

	result := &Result{Text: "```json\n{\"approved\": true}\n```"}
	parsed, err := ParseStructured(result, format)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		t.Fatalf("parsed type = %T, want map", parsed)
	}
	if obj["approved"] != true {
		t.Errorf("approved = %v, want true", obj["approved"])
	}
	if result.Structured == nil {
		t.Error("result.Structured not populated")
	}
}

func TestParseStructuredSchemaViolation(t *testing.T) {
	format := &ResponseFormat{
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"approved": map[string]any{"type": "boolean"}},
			"required":   []any{"approved"},
		},
	}

	result := &Result{Text: `{"something_else": 1}`}
	if _, err := ParseStructured(result, format); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestParseStructuredNoDocument(t *testing.T) {
	result := &Result{Text: "no json here"}
	if _, err := ParseStructured(result, nil); err == nil {
		t.Fatal("expected error for missing document")
	}
}

func TestParseStructuredWithoutSchema(t *testing.T) {
	result := &Result{Text: `[1, 2, 3]`}
	parsed, err := ParseStructured(result, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr, ok := parsed.([]any)
	if !ok || len(arr) != 3 {
		t.Errorf("parsed = %v, want 3-element array", parsed)
	}
}
