// ABOUTME: Structured output parsing and JSON Schema validation for completion results.
// ABOUTME: Strips code fences, unmarshals, and optionally validates against the request's schema.

package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParseStructured extracts the JSON document from a completion result and,
// when format carries a schema, validates it. On success the parsed value
// is stored in result.Structured and returned.
func ParseStructured(result *Result, format *ResponseFormat) (any, error) {
	if result == nil {
		return nil, fmt.Errorf("nil result")
	}
	doc := ExtractJSONDocument(result.Text)
	if doc == "" {
		return nil, fmt.Errorf("no JSON document in completion text")
	}

	var parsed any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("parsing structured output: %w", err)
	}

	if format != nil && format.Schema != nil {
		if err := ValidateAgainstSchema(parsed, format.Schema); err != nil {
			return nil, fmt.Errorf("structured output failed schema validation: %w", err)
		}
	}

	result.Structured = parsed
	return parsed, nil
}

// ExtractJSONDocument returns the JSON payload embedded in text. It strips
// markdown code fences and leading prose before the first brace or bracket.
func ExtractJSONDocument(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return s
	}

	// Prose before the document: take from the first opener to the matching
	// last closer.
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

// ValidateAgainstSchema checks a parsed value against a JSON Schema given
// as a plain map.
func ValidateAgainstSchema(value any, schema map[string]any) error {
	// Round-trip so unexported concrete types in the schema map normalize
	// to plain JSON values.
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
	if err != nil {
		return fmt.Errorf("unmarshaling schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	return compiled.Validate(value)
}
