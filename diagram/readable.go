// ABOUTME: The readable format: a prose-leaning YAML listing of nodes and flow lines.
// ABOUTME: Round-trips graph structure (nodes, props, connections, persons), not canvas layout detail.

package diagram

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// readableDoc is the YAML shape of the readable format. Node entries read
// "Label (type) @ x,y"; flow entries read
// "From[.handle] -> To[.handle] [(content_type)] [: label]".
type readableDoc struct {
	Format  string                 `yaml:"format"`
	Nodes   []string               `yaml:"nodes"`
	Props   map[string]map[string]any `yaml:"props,omitempty"`
	Flow    []string               `yaml:"flow,omitempty"`
	Persons map[string]lightPerson `yaml:"persons,omitempty"`
	Meta    map[string]any         `yaml:"metadata,omitempty"`
}

func unmarshalReadable(content string) (*Diagram, error) {
	var doc readableDoc
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("parse readable diagram: %w", err)
	}
	if doc.Format != "readable" {
		return nil, fmt.Errorf("readable diagram must declare format: readable, got %q", doc.Format)
	}

	d := &Diagram{Metadata: doc.Meta}
	byLabel := make(map[string]NodeID)

	for i, entry := range doc.Nodes {
		label, kind, pos, err := parseReadableNode(entry)
		if err != nil {
			return nil, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		id := NodeID(fmt.Sprintf("node_%d", i))
		var data map[string]any
		if p, ok := doc.Props[label]; ok {
			data = p
		}
		d.Nodes = append(d.Nodes, &Node{ID: id, Kind: kind, Label: label, Position: pos, Data: data})
		if _, taken := byLabel[label]; !taken {
			byLabel[label] = id
		}
	}

	for i, entry := range doc.Flow {
		arrow, err := parseReadableFlow(entry, byLabel)
		if err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		arrow.ID = ArrowID(fmt.Sprintf("arrow_%d", i))
		d.Arrows = append(d.Arrows, arrow)
	}

	if len(doc.Persons) > 0 {
		d.Persons = make(map[PersonID]*Person, len(doc.Persons))
		for name, lp := range doc.Persons {
			pid := PersonID(name)
			d.Persons[pid] = &Person{ID: pid, Name: name, LLMConfig: LLMConfig{
				Service:      lp.Service,
				Model:        lp.Model,
				APIKeyID:     ApiKeyID(lp.APIKeyID),
				SystemPrompt: lp.SystemPrompt,
				PromptFile:   lp.PromptFile,
			}}
		}
	}
	return d, nil
}

// parseReadableNode parses "Label (type) @ x,y". Position is optional.
func parseReadableNode(entry string) (string, NodeKind, Point, error) {
	s := strings.TrimSpace(entry)
	var pos Point
	if at := strings.LastIndex(s, "@"); at >= 0 {
		coords := strings.TrimSpace(s[at+1:])
		parts := strings.SplitN(coords, ",", 2)
		if len(parts) == 2 {
			x, errX := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			y, errY := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if errX == nil && errY == nil {
				pos = Point{X: x, Y: y}
				s = strings.TrimSpace(s[:at])
			}
		}
	}
	open := strings.LastIndex(s, "(")
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", "", pos, fmt.Errorf("expected \"Label (type)\", got %q", entry)
	}
	kind := strings.TrimSpace(s[open+1 : len(s)-1])
	label := strings.TrimSpace(s[:open])
	if label == "" || kind == "" {
		return "", "", pos, fmt.Errorf("expected \"Label (type)\", got %q", entry)
	}
	return label, NodeKind(kind), pos, nil
}

// parseReadableFlow parses one flow line into an arrow.
func parseReadableFlow(entry string, byLabel map[string]NodeID) (*Arrow, error) {
	s := strings.TrimSpace(entry)
	idx := strings.Index(s, "->")
	if idx < 0 {
		return nil, fmt.Errorf("expected \"From -> To\", got %q", entry)
	}
	left := strings.TrimSpace(s[:idx])
	right := strings.TrimSpace(s[idx+2:])

	var label string
	if ci := strings.Index(right, ":"); ci >= 0 {
		label = strings.TrimSpace(right[ci+1:])
		right = strings.TrimSpace(right[:ci])
	}

	var contentType ContentType
	if strings.HasSuffix(right, ")") {
		if pi := strings.LastIndex(right, "("); pi >= 0 {
			contentType = ContentType(strings.TrimSpace(right[pi+1 : len(right)-1]))
			right = strings.TrimSpace(right[:pi])
		}
	}

	src, err := resolveReadableEndpoint(left, byLabel, DirectionOutput)
	if err != nil {
		return nil, err
	}
	dst, err := resolveReadableEndpoint(right, byLabel, DirectionInput)
	if err != nil {
		return nil, err
	}
	return &Arrow{Source: src, Target: dst, Label: label, ContentType: contentType}, nil
}

// resolveReadableEndpoint resolves "Label" or "Label.handle"; a full-label
// match wins so labels containing dots stay addressable.
func resolveReadableEndpoint(ref string, byLabel map[string]NodeID, dir HandleDirection) (HandleID, error) {
	if id, ok := byLabel[ref]; ok {
		return MakeHandleID(id, HandleDefault, dir), nil
	}
	if di := strings.LastIndex(ref, "."); di > 0 {
		label, handle := ref[:di], ref[di+1:]
		if id, ok := byLabel[label]; ok && handle != "" {
			return MakeHandleID(id, handle, dir), nil
		}
	}
	return "", fmt.Errorf("unknown node label in %q", ref)
}

func marshalReadable(d *Diagram) (string, error) {
	doc := readableDoc{Format: "readable"}

	labels := make(map[NodeID]string, len(d.Nodes))
	seen := make(map[string]bool)
	for _, n := range d.Nodes {
		label := n.Label
		if label == "" {
			label = string(n.ID)
		}
		base := label
		for i := 2; seen[label]; i++ {
			label = fmt.Sprintf("%s~%d", base, i)
		}
		seen[label] = true
		labels[n.ID] = label

		entry := fmt.Sprintf("%s (%s)", label, n.Kind)
		if n.Position.X != 0 || n.Position.Y != 0 {
			entry = fmt.Sprintf("%s @ %g,%g", entry, n.Position.X, n.Position.Y)
		}
		doc.Nodes = append(doc.Nodes, entry)
		if len(n.Data) > 0 {
			if doc.Props == nil {
				doc.Props = make(map[string]map[string]any)
			}
			doc.Props[label] = n.Data
		}
	}

	for _, a := range d.Arrows {
		src, err := ParseHandleID(a.Source)
		if err != nil {
			return "", fmt.Errorf("arrow %s: %w", a.ID, err)
		}
		dst, err := ParseHandleID(a.Target)
		if err != nil {
			return "", fmt.Errorf("arrow %s: %w", a.ID, err)
		}
		line := readableEndpointRef(labels[src.Node], src.Label) + " -> " + readableEndpointRef(labels[dst.Node], dst.Label)
		if a.ContentType != "" {
			line += fmt.Sprintf(" (%s)", a.ContentType)
		}
		if a.Label != "" {
			line += ": " + a.Label
		}
		doc.Flow = append(doc.Flow, line)
	}

	if len(d.Persons) > 0 {
		doc.Persons = make(map[string]lightPerson, len(d.Persons))
		for _, p := range d.Persons {
			doc.Persons[p.Name] = lightPerson{
				Service:      p.LLMConfig.Service,
				Model:        p.LLMConfig.Model,
				APIKeyID:     string(p.LLMConfig.APIKeyID),
				SystemPrompt: p.LLMConfig.SystemPrompt,
				PromptFile:   p.LLMConfig.PromptFile,
			}
		}
	}
	doc.Meta = d.Metadata

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("marshal readable diagram: %w", err)
	}
	return string(data), nil
}

func readableEndpointRef(label, handle string) string {
	if handle == HandleDefault {
		return label
	}
	return label + "." + handle
}
