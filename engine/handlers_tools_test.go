// ABOUTME: Tests for the code-tooling handlers: diff_patch, typescript_ast, and ir_builder.
// ABOUTME: Drives each handler directly over the in-memory filesystem and compiled diagrams.

package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// --- diff_patch ---

const patchTarget = "func main() {\n\tfmt.Println(\"old\")\n}\n"

const simplePatch = `--- a/main.go
+++ b/main.go
@@ -1,3 +1,3 @@
 func main() {
-	fmt.Println("old")
+	fmt.Println("new")
 }`

func TestDiffPatchApplies(t *testing.T) {
	req := handlerReq("patch", diagram.KindDiffPatch, &diagram.DiffPatchConfig{
		TargetPath: "main.go",
		Diff:       simplePatch,
	})
	memFile(t, req, "/work/main.go", patchTarget)

	env, err := (&DiffPatchHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "func main() {\n\tfmt.Println(\"new\")\n}\n"
	if got := readMem(t, req, "/work/main.go"); got != want {
		t.Errorf("patched file = %q, want %q", got, want)
	}
	if env.Meta["hunks"] != 1 || env.Meta["dry_run"] != false {
		t.Errorf("meta = %v, want 1 hunk, dry_run false", env.Meta)
	}
	if got := env.AsText(); got != want {
		t.Errorf("envelope body = %q, want the patched content", got)
	}
}

func TestDiffPatchTakesDiffFromInput(t *testing.T) {
	req := handlerReq("patch", diagram.KindDiffPatch, &diagram.DiffPatchConfig{TargetPath: "main.go"})
	req.Inputs[diagram.HandleDefault] = simplePatch
	memFile(t, req, "/work/main.go", patchTarget)

	if _, err := (&DiffPatchHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := readMem(t, req, "/work/main.go"); !strings.Contains(got, `"new"`) {
		t.Errorf("patched file = %q", got)
	}
}

func TestDiffPatchDryRunLeavesFileAlone(t *testing.T) {
	req := handlerReq("patch", diagram.KindDiffPatch, &diagram.DiffPatchConfig{
		TargetPath: "main.go",
		Diff:       simplePatch,
		DryRun:     true,
	})
	memFile(t, req, "/work/main.go", patchTarget)

	env, err := (&DiffPatchHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := readMem(t, req, "/work/main.go"); got != patchTarget {
		t.Errorf("dry run modified the file: %q", got)
	}
	if env.Meta["dry_run"] != true {
		t.Errorf("dry_run meta = %v", env.Meta["dry_run"])
	}
	if !strings.Contains(env.AsText(), `"new"`) {
		t.Error("dry run did not report the patched content")
	}
}

func TestDiffPatchBackup(t *testing.T) {
	req := handlerReq("patch", diagram.KindDiffPatch, &diagram.DiffPatchConfig{
		TargetPath: "main.go",
		Diff:       simplePatch,
		Backup:     true,
	})
	memFile(t, req, "/work/main.go", patchTarget)

	env, err := (&DiffPatchHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Meta["backup"] != "/work/main.go.bak" {
		t.Errorf("backup meta = %v", env.Meta["backup"])
	}
	if got := readMem(t, req, "/work/main.go.bak"); got != patchTarget {
		t.Errorf("backup content = %q, want the original", got)
	}
}

func TestDiffPatchToleratesWhitespaceDrift(t *testing.T) {
	// The file carries trailing spaces the diff does not know about.
	req := handlerReq("patch", diagram.KindDiffPatch, &diagram.DiffPatchConfig{
		TargetPath: "notes.txt",
		Diff:       "@@ -1,2 +1,2 @@\n line one\n-line two\n+line 2",
	})
	memFile(t, req, "/work/notes.txt", "line one   \nline two\t\nline three")

	if _, err := (&DiffPatchHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := readMem(t, req, "/work/notes.txt")
	if !strings.Contains(got, "line 2") || !strings.Contains(got, "line three") {
		t.Errorf("patched file = %q", got)
	}
}

func TestDiffPatchContextNotFound(t *testing.T) {
	req := handlerReq("patch", diagram.KindDiffPatch, &diagram.DiffPatchConfig{
		TargetPath: "main.go",
		Diff:       "@@ -1 +1 @@\n-does not exist\n+replacement",
	})
	memFile(t, req, "/work/main.go", patchTarget)

	_, err := (&DiffPatchHandler{}).Execute(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "context not found") {
		t.Fatalf("error = %v, want context-not-found failure", err)
	}
}

func TestDiffPatchRejectsBadDiffs(t *testing.T) {
	tests := []struct {
		name string
		diff string
	}{
		{"empty diff", "   "},
		{"no hunks", "--- a/x\n+++ b/x"},
		{"unrecognized line", "@@ -1 +1 @@\n-old\n+new\ngarbage here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := handlerReq("patch", diagram.KindDiffPatch, &diagram.DiffPatchConfig{
				TargetPath: "main.go",
				Diff:       tt.diff,
			})
			memFile(t, req, "/work/main.go", patchTarget)
			if _, err := (&DiffPatchHandler{}).Execute(context.Background(), req); err == nil {
				t.Fatal("bad diff accepted")
			}
		})
	}
}

func TestParseUnifiedDiffMultipleHunks(t *testing.T) {
	hunks, err := parseUnifiedDiff("@@ -1 +1 @@\n-a\n+A\n@@ -5 +5 @@\n-b\n+B")
	if err != nil {
		t.Fatalf("parseUnifiedDiff: %v", err)
	}
	if len(hunks) != 2 {
		t.Fatalf("hunks = %d, want 2", len(hunks))
	}
	if hunks[0].MatchLines[0] != "a" || hunks[1].ReplaceLines[0] != "B" {
		t.Errorf("hunks = %+v", hunks)
	}
}

// --- typescript_ast ---

const tsSource = `/**
 * The core node shape.
 */
export interface NodeSpec {
  id: string;
  kind: string;
}

export type NodeID = string;

export const enum Color {
  Red,
  Green,
}

export const DEFAULTS = {
  retries: 3,
};

export async function load(id: NodeID): Promise<NodeSpec> {
  return fetch(id);
}
`

func TestTypescriptAstExtractsDeclarations(t *testing.T) {
	req := handlerReq("ast", diagram.KindTypescriptAst, &diagram.TypescriptAstConfig{Source: tsSource})

	env, err := (&TypescriptAstHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Meta["declarations"] != 5 {
		t.Errorf("declarations meta = %v, want 5", env.Meta["declarations"])
	}
	grouped, ok := env.Body.(map[string]any)
	if !ok {
		t.Fatalf("body type = %T", env.Body)
	}

	ifaces := grouped["interfaces"].([]tsDecl)
	if len(ifaces) != 1 || ifaces[0].Name != "NodeSpec" {
		t.Errorf("interfaces = %+v", ifaces)
	}
	if !strings.Contains(ifaces[0].Body, "kind: string;") {
		t.Errorf("interface body truncated: %q", ifaces[0].Body)
	}

	types := grouped["types"].([]tsDecl)
	if len(types) != 1 || types[0].Name != "NodeID" {
		t.Errorf("types = %+v", types)
	}

	// `const enum` must classify as an enum, not a const.
	enums := grouped["enums"].([]tsDecl)
	if len(enums) != 1 || enums[0].Name != "Color" {
		t.Errorf("enums = %+v", enums)
	}
	consts := grouped["consts"].([]tsDecl)
	if len(consts) != 1 || consts[0].Name != "DEFAULTS" {
		t.Errorf("consts = %+v", consts)
	}

	fns := grouped["functions"].([]tsDecl)
	if len(fns) != 1 || fns[0].Name != "load" {
		t.Errorf("functions = %+v", fns)
	}
}

func TestTypescriptAstPatternFilter(t *testing.T) {
	req := handlerReq("ast", diagram.KindTypescriptAst, &diagram.TypescriptAstConfig{
		Source:          tsSource,
		ExtractPatterns: []string{"interface"},
	})

	env, err := (&TypescriptAstHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	grouped := env.Body.(map[string]any)
	if len(grouped) != 1 {
		t.Errorf("groups = %v, want only interfaces", grouped)
	}
	if env.Meta["declarations"] != 1 {
		t.Errorf("declarations meta = %v, want 1", env.Meta["declarations"])
	}
}

func TestTypescriptAstCapturesJSDoc(t *testing.T) {
	req := handlerReq("ast", diagram.KindTypescriptAst, &diagram.TypescriptAstConfig{
		Source:          tsSource,
		ExtractPatterns: []string{"interface"},
		IncludeJSDoc:    true,
	})

	env, err := (&TypescriptAstHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ifaces := env.Body.(map[string]any)["interfaces"].([]tsDecl)
	if len(ifaces) != 1 || !strings.Contains(ifaces[0].JSDoc, "core node shape") {
		t.Errorf("jsdoc = %q", ifaces[0].JSDoc)
	}
}

func TestTypescriptAstSourceFromInput(t *testing.T) {
	req := handlerReq("ast", diagram.KindTypescriptAst, &diagram.TypescriptAstConfig{})
	req.Inputs[diagram.HandleDefault] = "export interface X { a: number }"

	env, err := (&TypescriptAstHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Meta["declarations"] != 1 {
		t.Errorf("declarations meta = %v, want 1", env.Meta["declarations"])
	}
}

func TestTypescriptAstRequiresSource(t *testing.T) {
	req := handlerReq("ast", diagram.KindTypescriptAst, &diagram.TypescriptAstConfig{})
	if _, err := (&TypescriptAstHandler{}).Execute(context.Background(), req); err == nil {
		t.Fatal("empty source accepted")
	}
}

// --- ir_builder ---

func TestIrBuilderProjectsDiagram(t *testing.T) {
	d := mustCompile(t, &diagram.Diagram{
		ID:      "pipeline",
		Persons: mockPersons("zeta", "alpha"),
		Nodes: []*diagram.Node{
			node("start", diagram.KindStart, nil),
			node("work", diagram.KindCodeJob, map[string]any{"code": "1"}),
			node("end", diagram.KindEndpoint, nil),
		},
		Arrows: []*diagram.Arrow{
			arrow("a1", "start", "default", "work", "default"),
			arrow("a2", "work", "default", "end", "default"),
		},
	})

	req := handlerReq("ir", diagram.KindIrBuilder, &diagram.IrBuilderConfig{
		Target:         "backend",
		IncludePersons: true,
	})
	req.Runtime.Diagram = d

	env, err := (&IrBuilderHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ir, ok := env.Body.(map[string]any)
	if !ok {
		t.Fatalf("body type = %T", env.Body)
	}
	if ir["target"] != "backend" || ir["diagram_id"] != "pipeline" {
		t.Errorf("ir header = %v / %v", ir["target"], ir["diagram_id"])
	}
	counts := ir["counts"].(map[string]any)
	if counts["nodes"] != 3 || counts["edges"] != 2 {
		t.Errorf("counts = %v", counts)
	}
	persons := ir["persons"].([]map[string]any)
	if len(persons) != 2 || persons[0]["id"] != "alpha" || persons[1]["id"] != "zeta" {
		t.Errorf("persons = %v, want sorted by id", persons)
	}
	if env.Meta["target"] != "backend" {
		t.Errorf("target meta = %v", env.Meta["target"])
	}
}

func TestIrBuilderYAMLOutput(t *testing.T) {
	d := mustCompile(t, &diagram.Diagram{
		Nodes: []*diagram.Node{node("start", diagram.KindStart, nil)},
	})
	req := handlerReq("ir", diagram.KindIrBuilder, &diagram.IrBuilderConfig{
		Target:       "frontend",
		OutputFormat: "yaml",
	})
	req.Runtime.Diagram = d

	env, err := (&IrBuilderHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.ContentType != diagram.ContentRawText {
		t.Fatalf("content type = %s, want raw text", env.ContentType)
	}
	text := env.AsText()
	if !strings.Contains(text, "target: frontend") || !strings.Contains(text, "nodes:") {
		t.Errorf("yaml output = %q", text)
	}
}
