// ABOUTME: Tests for native json/yaml serialization and the readable format.
// ABOUTME: Exercises format dispatch, normalization defaults, and readable flow parsing.

package diagram

import (
	"strings"
	"testing"
)

func sampleDiagram() *Diagram {
	return &Diagram{
		Nodes: []*Node{
			{ID: "node_0", Kind: KindStart, Label: "Start"},
			{ID: "node_1", Kind: KindCodeJob, Label: "Calc", Data: map[string]any{
				"language": "expr", "code": "2 + 3",
			}},
			{ID: "node_2", Kind: KindEndpoint, Label: "Done"},
		},
		Arrows: []*Arrow{
			{ID: "arrow_0", Source: MakeHandleID("node_0", HandleDefault, DirectionOutput), Target: MakeHandleID("node_1", HandleDefault, DirectionInput)},
			{ID: "arrow_1", Source: MakeHandleID("node_1", HandleDefault, DirectionOutput), Target: MakeHandleID("node_2", HandleDefault, DirectionInput), Label: "result"},
		},
	}
}

func TestNativeJSONRoundTrip(t *testing.T) {
	d := sampleDiagram()
	out, err := Serialize(d, FormatJSON)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Deserialize(out, "")
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(got.Nodes) != 3 || len(got.Arrows) != 2 {
		t.Fatalf("round trip counts: nodes=%d arrows=%d", len(got.Nodes), len(got.Arrows))
	}
	if got.Nodes[1].Kind != KindCodeJob {
		t.Errorf("node 1 kind = %q", got.Nodes[1].Kind)
	}
	if got.Arrows[1].Label != "result" {
		t.Errorf("arrow 1 label = %q", got.Arrows[1].Label)
	}
}

func TestNativeYAMLFillsDefaults(t *testing.T) {
	content := `
nodes:
  - {id: a, type: start}
  - {id: b, type: endpoint}
arrows:
  - {source: a_default_output, target: b_default_input}
persons:
  alice:
    name: ""
    llm_config: {service: openai, model: gpt-5-nano}
`
	d, err := Deserialize(content, FormatYAML)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if d.Arrows[0].ID == "" {
		t.Error("arrow id not defaulted")
	}
	p := d.Person("alice")
	if p == nil || p.ID != "alice" || p.Name != "alice" {
		t.Errorf("person defaults not filled: %+v", p)
	}
}

func TestReadableRoundTrip(t *testing.T) {
	content := `format: readable
nodes:
  - Start (start)
  - Review (person_job) @ 120,40
  - Check (condition)
  - Done (endpoint)
props:
  Review:
    person: Alice
    max_iteration: 2
flow:
  - Start -> Review
  - "Review -> Check (object): verdict"
  - Check.condtrue -> Done
  - Check.condfalse -> Review.first
persons:
  Alice: {service: openai, model: gpt-5-nano}
`
	d, err := Deserialize(content, "")
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(d.Nodes) != 4 || len(d.Arrows) != 4 {
		t.Fatalf("counts: nodes=%d arrows=%d", len(d.Nodes), len(d.Arrows))
	}

	review := d.NodeByLabel("Review")
	if review == nil || review.Position.X != 120 {
		t.Fatalf("Review not parsed with position: %+v", review)
	}
	if d.Arrows[1].Label != "verdict" || d.Arrows[1].ContentType != ContentObject {
		t.Errorf("flow[1] = label %q ct %q", d.Arrows[1].Label, d.Arrows[1].ContentType)
	}
	h, err := ParseHandleID(d.Arrows[3].Target)
	if err != nil || h.Label != HandleFirst {
		t.Errorf("flow[3] target = %+v (err %v), want first handle", h, err)
	}

	out, err := Serialize(d, FormatReadable)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !strings.Contains(out, "Check.condtrue -> Done") {
		t.Errorf("serialized readable missing branch line:\n%s", out)
	}
	d2, err := Deserialize(out, FormatReadable)
	if err != nil {
		t.Fatalf("Deserialize(round trip): %v\n%s", err, out)
	}
	if len(d2.Arrows) != 4 {
		t.Errorf("round trip arrows = %d, want 4", len(d2.Arrows))
	}
}

func TestDecodeNodeConfig(t *testing.T) {
	n := &Node{
		ID:   "node_5",
		Kind: KindPersonJob,
		Data: map[string]any{
			"person":        "Alice",
			"max_iteration": float64(3), // JSON numbers arrive as float64
			"memorize_to":   "GOLDFISH",
			"at_most":       "10", // weak typing: string to int
		},
	}
	cfg, err := DecodeNodeConfig(n)
	if err != nil {
		t.Fatalf("DecodeNodeConfig: %v", err)
	}
	pj, ok := cfg.(*PersonJobConfig)
	if !ok {
		t.Fatalf("config type = %T", cfg)
	}
	if pj.Person != "Alice" || pj.MaxIteration != 3 || pj.AtMost != 10 {
		t.Errorf("decoded config = %+v", pj)
	}
	if pj.MemorizeTo != "GOLDFISH" {
		t.Errorf("MemorizeTo = %q", pj.MemorizeTo)
	}

	if _, err := DecodeNodeConfig(&Node{ID: "x", Kind: "mystery"}); err == nil {
		t.Error("unknown kind should fail to decode")
	}
}
