// ABOUTME: Core domain types for DiPeO diagrams: identifiers, nodes, arrows, persons.
// ABOUTME: A Diagram is the source representation consumed by the compiler.

package diagram

import "sort"

// Identifier namespaces. All are opaque strings; the distinct types keep
// them from being mixed up across subsystems.
type (
	NodeID      string
	HandleID    string
	ArrowID     string
	EdgeID      string
	PersonID    string
	ExecutionID string
	MessageID   string
	ApiKeyID    string
)

// ContentType classifies the payload carried between nodes.
type ContentType string

const (
	ContentRawText           ContentType = "raw_text"
	ContentObject            ContentType = "object"
	ContentConversationState ContentType = "conversation_state"
	ContentError             ContentType = "error"
)

// Point is a node position in the editor canvas. The runtime ignores it but
// serializers must round-trip it.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is one vertex of the source diagram. Data holds the type-specific
// properties as written in the source format; the compiler decodes it into
// the typed config for the node's kind.
type Node struct {
	ID       NodeID         `json:"id" yaml:"id"`
	Kind     NodeKind       `json:"type" yaml:"type"`
	Label    string         `json:"label,omitempty" yaml:"label,omitempty"`
	Position Point          `json:"position" yaml:"position"`
	Data     map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Prop returns a data property by key.
func (n *Node) Prop(key string) (any, bool) {
	if n.Data == nil {
		return nil, false
	}
	v, ok := n.Data[key]
	return v, ok
}

// StringProp returns a data property as a string, or def when absent or not
// a string.
func (n *Node) StringProp(key, def string) string {
	if v, ok := n.Prop(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Arrow is a declared connection between two handles. Label, when present,
// names the target input the payload binds to. Data carries per-arrow
// transform hints (variable extraction, format strings, ...).
type Arrow struct {
	ID          ArrowID        `json:"id" yaml:"id"`
	Source      HandleID       `json:"source" yaml:"source"`
	Target      HandleID       `json:"target" yaml:"target"`
	ContentType ContentType    `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Label       string         `json:"label,omitempty" yaml:"label,omitempty"`
	Priority    int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Data        map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// LLMConfig is the provider binding for a person.
type LLMConfig struct {
	Service      string   `json:"service" yaml:"service" mapstructure:"service"`
	Model        string   `json:"model" yaml:"model" mapstructure:"model"`
	APIKeyID     ApiKeyID `json:"api_key_id,omitempty" yaml:"api_key_id,omitempty" mapstructure:"api_key_id"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
	PromptFile   string   `json:"prompt_file,omitempty" yaml:"prompt_file,omitempty" mapstructure:"prompt_file"`
}

// Person is an LLM-backed participant declared in the diagram catalog.
type Person struct {
	ID        PersonID  `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	LLMConfig LLMConfig `json:"llm_config" yaml:"llm_config"`
}

// Diagram is the full source representation.
type Diagram struct {
	ID       string              `json:"id,omitempty" yaml:"id,omitempty"`
	Nodes    []*Node             `json:"nodes" yaml:"nodes"`
	Arrows   []*Arrow            `json:"arrows" yaml:"arrows"`
	Persons  map[PersonID]*Person `json:"persons,omitempty" yaml:"persons,omitempty"`
	Metadata map[string]any      `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// FindNode returns the node with the given ID, or nil.
func (d *Diagram) FindNode(id NodeID) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodeByLabel returns the first node with the given label, or nil.
func (d *Diagram) NodeByLabel(label string) *Node {
	for _, n := range d.Nodes {
		if n.Label == label {
			return n
		}
	}
	return nil
}

// NodesOfKind returns all nodes of the given kind in declaration order.
func (d *Diagram) NodesOfKind(kind NodeKind) []*Node {
	var out []*Node
	for _, n := range d.Nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// NodeIDs returns all node IDs in sorted order for deterministic iteration.
func (d *Diagram) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ArrowsFrom returns all arrows whose source handle belongs to the node.
func (d *Diagram) ArrowsFrom(id NodeID) []*Arrow {
	var out []*Arrow
	for _, a := range d.Arrows {
		if h, err := ParseHandleID(a.Source); err == nil && h.Node == id {
			out = append(out, a)
		}
	}
	return out
}

// ArrowsInto returns all arrows whose target handle belongs to the node.
func (d *Diagram) ArrowsInto(id NodeID) []*Arrow {
	var out []*Arrow
	for _, a := range d.Arrows {
		if h, err := ParseHandleID(a.Target); err == nil && h.Node == id {
			out = append(out, a)
		}
	}
	return out
}

// Person returns the catalog entry for the given person id, or nil.
func (d *Diagram) Person(id PersonID) *Person {
	if d.Persons == nil {
		return nil
	}
	return d.Persons[id]
}
