package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// Temporary debug scaffolding — delete before finishing.
func TestZZDebugSubdiagramPlumbing(t *testing.T) {
	// Step 1: does the parent start node emit its custom_data?
	src := &diagram.Diagram{
		Nodes: []*diagram.Node{
			node("start", diagram.KindStart, map[string]any{
				"custom_data": map[string]any{"x": 10},
			}),
			node("end", diagram.KindEndpoint, nil),
		},
		Arrows: []*diagram.Arrow{
			arrow("a1", "start", "default", "end", "default"),
		},
	}
	d := mustCompile(t, src)
	eng := New(nil, nil, Options{Logger: quietLogger()})
	final, err := eng.Execute(context.Background(), RunInput{Diagram: d, ExecutionID: "exec-dbg"})
	if err != nil {
		t.Fatalf("parent-only execute: %v", err)
	}
	fmt.Printf("DEBUG start output body: %#v\n", final.Output("start").Body)
	fmt.Printf("DEBUG end output body:   %#v\n", final.Output("end").Body)

	// Step 2: does a child engine seed Variables into a code_job env?
	childMap := map[string]any{
		"nodes": []any{
			map[string]any{"id": "cstart", "type": "start"},
			map[string]any{"id": "double", "type": "code_job", "label": "Double It", "data": map[string]any{"code": "x * 2"}},
			map[string]any{"id": "cend", "type": "endpoint"},
		},
		"arrows": []any{
			map[string]any{"id": "ca1", "source": "cstart_default_output", "target": "double_default_input"},
			map[string]any{"id": "ca2", "source": "double_default_output", "target": "cend_default_input"},
		},
	}
	child, err := diagramFromData(childMap, "")
	if err != nil {
		t.Fatalf("diagramFromData: %v", err)
	}
	for _, n := range child.Nodes {
		fmt.Printf("DEBUG child node parsed: id=%s kind=%s config=%#v\n", n.ID, n.Kind, n.Config)
	}
	for _, a := range child.Arrows {
		fmt.Printf("DEBUG child arrow parsed: %#v\n", a)
	}
}
