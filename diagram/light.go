// ABOUTME: The light format: label-addressed YAML meant for hand-written diagrams.
// ABOUTME: The loader assigns node IDs deterministically and resolves label references to handles.

package diagram

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// lightNode captures one entry of the nodes list. Type-specific properties
// may be written inline next to label/type/position or nested under props.
type lightNode struct {
	Label    string
	Type     string
	Position Point
	Props    map[string]any
}

func (ln *lightNode) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	ln.Props = make(map[string]any)
	for k, v := range raw {
		switch k {
		case "label":
			ln.Label, _ = v.(string)
		case "type":
			ln.Type, _ = v.(string)
		case "position":
			if m, ok := v.(map[string]any); ok {
				ln.Position.X = toFloat(m["x"])
				ln.Position.Y = toFloat(m["y"])
			}
		case "props":
			if m, ok := v.(map[string]any); ok {
				for pk, pv := range m {
					ln.Props[pk] = pv
				}
			}
		default:
			ln.Props[k] = v
		}
	}
	return nil
}

// lightConn captures one entry of the connections list. Extra inline keys
// become arrow data (transform hints such as extract or format strings).
type lightConn struct {
	From        string
	To          string
	Label       string
	ContentType string
	Data        map[string]any
}

func (lc *lightConn) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for k, v := range raw {
		switch k {
		case "from":
			lc.From, _ = v.(string)
		case "to":
			lc.To, _ = v.(string)
		case "label":
			lc.Label, _ = v.(string)
		case "content_type":
			lc.ContentType, _ = v.(string)
		default:
			if lc.Data == nil {
				lc.Data = make(map[string]any)
			}
			lc.Data[k] = v
		}
	}
	return nil
}

type lightPerson struct {
	Service      string `yaml:"service"`
	Model        string `yaml:"model"`
	APIKeyID     string `yaml:"api_key_id,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
	PromptFile   string `yaml:"prompt_file,omitempty"`
}

type lightDoc struct {
	Version     string                 `yaml:"version"`
	Nodes       []lightNode            `yaml:"nodes"`
	Connections []lightConn            `yaml:"connections"`
	Persons     map[string]lightPerson `yaml:"persons,omitempty"`
	Metadata    map[string]any         `yaml:"metadata,omitempty"`
}

func unmarshalLight(content string) (*Diagram, error) {
	var doc lightDoc
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("parse light diagram: %w", err)
	}
	if doc.Version != "light" {
		return nil, fmt.Errorf("light diagram must declare version: light, got %q", doc.Version)
	}

	d := &Diagram{Metadata: doc.Metadata}

	// Node ids are assigned in declaration order so the same file always
	// produces the same ids. The first node with a given label wins label
	// resolution; later duplicates keep their own id.
	byLabel := make(map[string]NodeID)
	for i, ln := range doc.Nodes {
		if ln.Label == "" {
			return nil, fmt.Errorf("node %d has no label", i)
		}
		if ln.Type == "" {
			return nil, fmt.Errorf("node %q has no type", ln.Label)
		}
		id := NodeID(fmt.Sprintf("node_%d", i))
		n := &Node{
			ID:       id,
			Kind:     NodeKind(ln.Type),
			Label:    ln.Label,
			Position: ln.Position,
			Data:     ln.Props,
		}
		d.Nodes = append(d.Nodes, n)
		if _, taken := byLabel[ln.Label]; !taken {
			byLabel[ln.Label] = id
		}
	}

	for i, lc := range doc.Connections {
		src, err := resolveLightEndpoint(lc.From, byLabel, DirectionOutput)
		if err != nil {
			return nil, fmt.Errorf("connection %d: %w", i, err)
		}
		dst, err := resolveLightEndpoint(lc.To, byLabel, DirectionInput)
		if err != nil {
			return nil, fmt.Errorf("connection %d: %w", i, err)
		}
		a := &Arrow{
			ID:     ArrowID(fmt.Sprintf("arrow_%d", i)),
			Source: src,
			Target: dst,
			Label:  lc.Label,
			Data:   lc.Data,
		}
		if lc.ContentType != "" {
			a.ContentType = ContentType(lc.ContentType)
		}
		d.Arrows = append(d.Arrows, a)
	}

	if len(doc.Persons) > 0 {
		d.Persons = make(map[PersonID]*Person, len(doc.Persons))
		for name, lp := range doc.Persons {
			pid := PersonID(name)
			d.Persons[pid] = &Person{
				ID:   pid,
				Name: name,
				LLMConfig: LLMConfig{
					Service:      lp.Service,
					Model:        lp.Model,
					APIKeyID:     ApiKeyID(lp.APIKeyID),
					SystemPrompt: lp.SystemPrompt,
					PromptFile:   lp.PromptFile,
				},
			}
		}
	}

	return d, nil
}

// resolveLightEndpoint turns a "Label" or "Label_handle" reference into a
// handle id. A full-label match wins over suffix splitting so node labels
// containing underscores stay addressable.
func resolveLightEndpoint(ref string, byLabel map[string]NodeID, dir HandleDirection) (HandleID, error) {
	if ref == "" {
		return "", fmt.Errorf("empty endpoint reference")
	}
	if id, ok := byLabel[ref]; ok {
		return MakeHandleID(id, HandleDefault, dir), nil
	}
	if idx := strings.LastIndex(ref, "_"); idx > 0 {
		label, handle := ref[:idx], ref[idx+1:]
		if id, ok := byLabel[label]; ok && handle != "" {
			return MakeHandleID(id, handle, dir), nil
		}
	}
	return "", fmt.Errorf("unknown node label in %q", ref)
}

func marshalLight(d *Diagram) (string, error) {
	doc := lightDoc{Version: "light"}

	labels := make(map[NodeID]string, len(d.Nodes))
	seen := make(map[string]bool)
	for _, n := range d.Nodes {
		label := n.Label
		if label == "" {
			label = string(n.ID)
		}
		// Duplicate labels would collide on load, so disambiguate on write.
		base := label
		for i := 2; seen[label]; i++ {
			label = fmt.Sprintf("%s~%d", base, i)
		}
		seen[label] = true
		labels[n.ID] = label

		ln := lightNode{Label: label, Type: string(n.Kind), Position: n.Position}
		if len(n.Data) > 0 {
			ln.Props = n.Data
		}
		doc.Nodes = append(doc.Nodes, ln)
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
		lc := lightConn{
			From:        lightEndpointRef(labels[src.Node], src.Label),
			To:          lightEndpointRef(labels[dst.Node], dst.Label),
			Label:       a.Label,
			ContentType: string(a.ContentType),
			Data:        a.Data,
		}
		doc.Connections = append(doc.Connections, lc)
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
	doc.Metadata = d.Metadata

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("marshal light diagram: %w", err)
	}
	return string(data), nil
}

func lightEndpointRef(label, handle string) string {
	if handle == HandleDefault {
		return label
	}
	return label + "_" + handle
}

// MarshalYAML writes connections with stable key order and without empty fields.
func (lc lightConn) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	add := func(k, v string) {
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Value: v})
	}
	add("from", lc.From)
	add("to", lc.To)
	if lc.Label != "" {
		add("label", lc.Label)
	}
	if lc.ContentType != "" {
		add("content_type", lc.ContentType)
	}
	if len(lc.Data) > 0 {
		keys := make([]string, 0, len(lc.Data))
		for k := range lc.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var vn yaml.Node
			if err := vn.Encode(lc.Data[k]); err != nil {
				return nil, err
			}
			n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &vn)
		}
	}
	return n, nil
}

// MarshalYAML writes nodes with label/type/position first and props nested.
func (ln lightNode) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	appendKV := func(k string, v any) error {
		var vn yaml.Node
		if err := vn.Encode(v); err != nil {
			return err
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &vn)
		return nil
	}
	if err := appendKV("label", ln.Label); err != nil {
		return nil, err
	}
	if err := appendKV("type", ln.Type); err != nil {
		return nil, err
	}
	if err := appendKV("position", ln.Position); err != nil {
		return nil, err
	}
	if len(ln.Props) > 0 {
		if err := appendKV("props", ln.Props); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return 0
}
