// ABOUTME: Tests for the DB node handler: read, write, append, and update over the fs port.
// ABOUTME: Exercises format inference, templated paths, key traversal, and line selection.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

func dbReq(cfg *diagram.DBConfig) *Request {
	return handlerReq("store", diagram.KindDB, cfg)
}

func TestDBReadWholeDocument(t *testing.T) {
	req := dbReq(&diagram.DBConfig{File: "notes.json"})
	memFile(t, req, "/work/notes.json", `{"alpha": {"beta": 2}, "list": [1, 2, 3]}`)

	env, err := (&DBHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	body, ok := env.Body.(map[string]any)
	if !ok {
		t.Fatalf("body type = %T, want map", env.Body)
	}
	if _, ok := body["alpha"]; !ok {
		t.Errorf("body = %#v, want the whole document", body)
	}
	if env.Meta["path"] != "/work/notes.json" || env.Meta["operation"] != "read" {
		t.Errorf("meta = %v, want path and defaulted operation", env.Meta)
	}
}

func TestDBReadKeyPaths(t *testing.T) {
	seed := `{"alpha": {"beta": 2}, "list": ["a", "b"], "top": true}`
	tests := []struct {
		name string
		keys []string
		want any
	}{
		{"nested map path", []string{"alpha.beta"}, float64(2)},
		{"list index path", []string{"list.1"}, "b"},
		{"multiple keys return found subset", []string{"top", "nope"}, map[string]any{"top": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := dbReq(&diagram.DBConfig{File: "doc.json", Keys: tt.keys})
			memFile(t, req, "/work/doc.json", seed)

			env, err := (&DBHandler{}).Execute(context.Background(), req)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !reflect.DeepEqual(env.Body, tt.want) {
				t.Errorf("body = %#v, want %#v", env.Body, tt.want)
			}
		})
	}
}

func TestDBReadMissingSingleKeyFails(t *testing.T) {
	req := dbReq(&diagram.DBConfig{File: "doc.json", Keys: []string{"ghost"}})
	memFile(t, req, "/work/doc.json", `{"a": 1}`)

	_, err := (&DBHandler{}).Execute(context.Background(), req)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.What != "key" {
		t.Fatalf("error = %v, want key NotFoundError", err)
	}
}

func TestDBReadMissingFileFails(t *testing.T) {
	req := dbReq(&diagram.DBConfig{File: "gone.json"})
	_, err := (&DBHandler{}).Execute(context.Background(), req)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.What != "db file" {
		t.Fatalf("error = %v, want db file NotFoundError", err)
	}
}

func TestDBReadTextLines(t *testing.T) {
	req := dbReq(&diagram.DBConfig{File: "log.txt", Lines: []string{"2:3", "5"}})
	memFile(t, req, "/work/log.txt", "l1\nl2\nl3\nl4\nl5")

	env, err := (&DBHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := env.AsText(); got != "l2\nl3\nl5" {
		t.Errorf("selected lines = %q", got)
	}
	if env.ContentType != diagram.ContentRawText {
		t.Errorf("content type = %s, want raw text", env.ContentType)
	}
}

func TestDBReadYAMLNormalizesKeys(t *testing.T) {
	req := dbReq(&diagram.DBConfig{File: "cfg.yaml", Keys: []string{"spec.replicas"}})
	memFile(t, req, "/work/cfg.yaml", "spec:\n  replicas: 3\n")

	env, err := (&DBHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Body != 3 {
		t.Errorf("body = %#v, want 3", env.Body)
	}
}

func TestDBReadResolvesTemplatedPath(t *testing.T) {
	req := dbReq(&diagram.DBConfig{File: "{{dataset}}.json"})
	req.Variables = map[string]any{"dataset": "metrics"}
	memFile(t, req, "/work/metrics.json", `{"ok": true}`)

	env, err := (&DBHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Meta["path"] != "/work/metrics.json" {
		t.Errorf("path = %v, want the rendered file name", env.Meta["path"])
	}
}

func TestDBWriteWholeDocument(t *testing.T) {
	req := dbReq(&diagram.DBConfig{
		Operation: "write",
		File:      "out.json",
		Data:      map[string]any{"n": 1},
	})

	env, err := (&DBHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Meta["operation"] != "write" {
		t.Errorf("operation meta = %v", env.Meta["operation"])
	}
	raw := readMem(t, req, "/work/out.json")
	if !strings.HasSuffix(raw, "\n") {
		t.Error("json file does not end with a newline")
	}
	var stored map[string]any
	if err := json.Unmarshal([]byte(raw), &stored); err != nil || stored["n"] != float64(1) {
		t.Errorf("stored document = %q (%v)", raw, err)
	}
}

func TestDBWriteIntoKeyPathKeepsSiblings(t *testing.T) {
	req := dbReq(&diagram.DBConfig{
		Operation: "write",
		File:      "doc.json",
		Keys:      []string{"new.deep"},
		Data:      "x",
	})
	memFile(t, req, "/work/doc.json", `{"keep": true}`)

	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var stored map[string]any
	if err := json.Unmarshal([]byte(readMem(t, req, "/work/doc.json")), &stored); err != nil {
		t.Fatalf("stored document unparsable: %v", err)
	}
	if stored["keep"] != true {
		t.Error("sibling key lost")
	}
	nested, _ := stored["new"].(map[string]any)
	if nested == nil || nested["deep"] != "x" {
		t.Errorf("stored = %#v, want new.deep = x", stored)
	}
}

func TestDBWriteUsesInputWhenNoData(t *testing.T) {
	req := dbReq(&diagram.DBConfig{Operation: "write", File: "out.json"})
	req.Inputs[diagram.HandleDefault] = map[string]any{"from": "input"}

	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := readMem(t, req, "/work/out.json"); !strings.Contains(got, `"from": "input"`) {
		t.Errorf("stored = %q, want the node input", got)
	}
}

func TestDBAppendText(t *testing.T) {
	req := dbReq(&diagram.DBConfig{Operation: "append", File: "log.txt", Data: "first"})
	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	req.Node.Config = &diagram.DBConfig{Operation: "append", File: "log.txt", Data: "second"}
	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := readMem(t, req, "/work/log.txt"); got != "first\nsecond\n" {
		t.Errorf("appended content = %q", got)
	}
}

func TestDBAppendJSONList(t *testing.T) {
	req := dbReq(&diagram.DBConfig{Operation: "append", File: "items.json", Data: float64(2)})
	memFile(t, req, "/work/items.json", `[1]`)

	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var list []any
	if err := json.Unmarshal([]byte(readMem(t, req, "/work/items.json")), &list); err != nil {
		t.Fatalf("stored list unparsable: %v", err)
	}
	if !reflect.DeepEqual(list, []any{float64(1), float64(2)}) {
		t.Errorf("list = %#v, want [1 2]", list)
	}
}

func TestDBAppendToMissingJSONStartsList(t *testing.T) {
	req := dbReq(&diagram.DBConfig{Operation: "append", File: "fresh.json", Data: "a"})
	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var list []any
	if err := json.Unmarshal([]byte(readMem(t, req, "/work/fresh.json")), &list); err != nil {
		t.Fatalf("stored list unparsable: %v", err)
	}
	if !reflect.DeepEqual(list, []any{"a"}) {
		t.Errorf("list = %#v, want [a]", list)
	}
}

func TestDBAppendToNonListFails(t *testing.T) {
	req := dbReq(&diagram.DBConfig{Operation: "append", File: "obj.json", Data: "x"})
	memFile(t, req, "/work/obj.json", `{"not": "a list"}`)

	_, err := (&DBHandler{}).Execute(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "not a list") {
		t.Fatalf("error = %v, want non-list failure", err)
	}
}

func TestDBAppendCSV(t *testing.T) {
	req := dbReq(&diagram.DBConfig{
		Operation: "append",
		File:      "rows.csv",
		Data:      map[string]any{"b": "2", "a": "1"},
	})
	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The existing header decides column order for later appends.
	req.Node.Config = &diagram.DBConfig{
		Operation: "append",
		File:      "rows.csv",
		Data:      map[string]any{"a": "3", "b": "4"},
	}
	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := readMem(t, req, "/work/rows.csv"); got != "a,b\n1,2\n3,4\n" {
		t.Errorf("csv content = %q", got)
	}
}

func TestDBUpdateMergesMaps(t *testing.T) {
	req := dbReq(&diagram.DBConfig{
		Operation: "update",
		File:      "state.json",
		Data:      map[string]any{"b": float64(3), "c": float64(4)},
	})
	memFile(t, req, "/work/state.json", `{"a": 1, "b": 2}`)

	env, err := (&DBHandler{}).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := map[string]any{"a": float64(1), "b": float64(3), "c": float64(4)}
	if !reflect.DeepEqual(env.Body, want) {
		t.Errorf("merged doc = %#v, want %#v", env.Body, want)
	}
	var stored map[string]any
	if err := json.Unmarshal([]byte(readMem(t, req, "/work/state.json")), &stored); err != nil {
		t.Fatalf("stored document unparsable: %v", err)
	}
	if !reflect.DeepEqual(stored, want) {
		t.Errorf("stored doc = %#v, want %#v", stored, want)
	}
}

func TestDBUpdateSetsKeyPath(t *testing.T) {
	req := dbReq(&diagram.DBConfig{
		Operation: "update",
		File:      "state.json",
		Keys:      []string{"meta.version"},
		Data:      "v2",
	})
	memFile(t, req, "/work/state.json", `{"meta": {"version": "v1", "owner": "ops"}}`)

	if _, err := (&DBHandler{}).Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var stored map[string]any
	if err := json.Unmarshal([]byte(readMem(t, req, "/work/state.json")), &stored); err != nil {
		t.Fatalf("stored document unparsable: %v", err)
	}
	meta, _ := stored["meta"].(map[string]any)
	if meta == nil || meta["version"] != "v2" || meta["owner"] != "ops" {
		t.Errorf("stored = %#v, want version bumped and owner kept", stored)
	}
}

func TestDBRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *diagram.DBConfig
		wantMsg string
	}{
		{"missing file", &diagram.DBConfig{Operation: "read"}, "requires a file"},
		{"unknown operation", &diagram.DBConfig{Operation: "destroy", File: "x.json"}, "unsupported db operation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := dbReq(tt.cfg)
			_, err := (&DBHandler{}).Execute(context.Background(), req)
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("error = %v, want %q", err, tt.wantMsg)
			}
		})
	}
}
