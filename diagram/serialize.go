// ABOUTME: Format dispatch for diagram serialization: json, yaml, light, readable.
// ABOUTME: Deserialize sniffs the format when none is given.

package diagram

import (
	"fmt"
	"strings"
)

// Format names a diagram storage format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatLight    Format = "light"
	FormatReadable Format = "readable"
)

// Serialize renders the diagram in the given format.
func Serialize(d *Diagram, format Format) (string, error) {
	switch format {
	case FormatJSON:
		return marshalNativeJSON(d)
	case FormatYAML:
		return marshalNativeYAML(d)
	case FormatLight:
		return marshalLight(d)
	case FormatReadable:
		return marshalReadable(d)
	default:
		return "", fmt.Errorf("unknown diagram format %q", format)
	}
}

// Deserialize parses diagram content. When format is empty the content is
// sniffed: JSON object → native json, "version: light" → light,
// "format: readable" → readable, anything else → native yaml.
func Deserialize(content string, format Format) (*Diagram, error) {
	if format == "" {
		format = SniffFormat(content)
	}
	switch format {
	case FormatJSON:
		return unmarshalNativeJSON(content)
	case FormatYAML:
		return unmarshalNativeYAML(content)
	case FormatLight:
		return unmarshalLight(content)
	case FormatReadable:
		return unmarshalReadable(content)
	default:
		return nil, fmt.Errorf("unknown diagram format %q", format)
	}
}

// SniffFormat guesses the storage format from content shape.
func SniffFormat(content string) Format {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		return FormatJSON
	}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "version:") && strings.Contains(line, "light"):
			return FormatLight
		case strings.HasPrefix(line, "format:") && strings.Contains(line, "readable"):
			return FormatReadable
		}
	}
	return FormatYAML
}

// FormatForPath picks a format from a file extension, using content sniffing
// for the ambiguous yaml extensions.
func FormatForPath(path, content string) Format {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON
	case strings.HasSuffix(lower, ".light.yaml"), strings.HasSuffix(lower, ".light.yml"):
		return FormatLight
	case strings.HasSuffix(lower, ".readable.yaml"), strings.HasSuffix(lower, ".readable.yml"):
		return FormatReadable
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return SniffFormat(content)
	default:
		return SniffFormat(content)
	}
}
