// ABOUTME: Native serialization: the full-fidelity domain representation in JSON or YAML.
// ABOUTME: Nodes keep their real IDs and raw data maps; arrows keep handle references.

package diagram

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

func marshalNativeJSON(d *Diagram) (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diagram: %w", err)
	}
	return string(data) + "\n", nil
}

func unmarshalNativeJSON(content string) (*Diagram, error) {
	var d Diagram
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return nil, fmt.Errorf("parse diagram json: %w", err)
	}
	if err := normalizeNative(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func marshalNativeYAML(d *Diagram) (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal diagram: %w", err)
	}
	return string(data), nil
}

func unmarshalNativeYAML(content string) (*Diagram, error) {
	var d Diagram
	if err := yaml.Unmarshal([]byte(content), &d); err != nil {
		return nil, fmt.Errorf("parse diagram yaml: %w", err)
	}
	if err := normalizeNative(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// normalizeNative fills defaulted fields after parsing: person ids from map
// keys, empty collections, and arrow ids for arrows that lack one.
func normalizeNative(d *Diagram) error {
	for i, n := range d.Nodes {
		if n == nil {
			return fmt.Errorf("node %d is null", i)
		}
		if n.ID == "" {
			return fmt.Errorf("node %d has no id", i)
		}
	}
	for i, a := range d.Arrows {
		if a == nil {
			return fmt.Errorf("arrow %d is null", i)
		}
		if a.ID == "" {
			a.ID = ArrowID(fmt.Sprintf("arrow_%d", i))
		}
	}
	for id, p := range d.Persons {
		if p == nil {
			return fmt.Errorf("person %s is null", id)
		}
		if p.ID == "" {
			p.ID = id
		}
		if p.Name == "" {
			p.Name = string(id)
		}
	}
	return nil
}
