// ABOUTME: Sub-diagram node handler: compiles and runs a nested diagram in lightweight mode.
// ABOUTME: The child execution gets isolated state and a null bus; outputs map back per output_mapping.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sorryhyun/DiPeO-sub003/compile"
	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// diagramSearchExts are tried in order when a diagram reference has no
// extension.
var diagramSearchExts = []string{".light.yaml", ".light.yml", ".yaml", ".yml", ".json", ".readable.yaml"}

// SubDiagramHandler handles sub_diagram nodes.
type SubDiagramHandler struct{}

// Kind returns the node kind this handler serves.
func (h *SubDiagramHandler) Kind() diagram.NodeKind { return diagram.KindSubDiagram }

// Execute loads the child diagram, compiles it, and runs it to completion
// on an isolated child engine. Child events stay internal; only the mapped
// output crosses back.
func (h *SubDiagramHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.SubDiagramConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing sub_diagram config")}
	}
	rt := req.Runtime

	child, childDir, err := h.loadDiagram(rt, cfg)
	if err != nil {
		return nil, err
	}

	compiled, err := compile.Compile(child, compile.Options{
		BaseDir:    rt.BaseDir,
		DiagramDir: childDir,
		FS:         rt.FS,
	})
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("compile sub-diagram: %w", err)}
	}

	childEngine := New(nil, nil, rt.Engine.opts)
	final, failure := childEngine.Execute(ctx, RunInput{
		Diagram:    compiled,
		Variables:  childVariables(req),
		DiagramDir: childDir,
		Depth:      rt.Depth + 1,
	})
	if failure != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("sub-diagram failed: %s", failure.Error())}
	}

	mapped := mapChildOutputs(compiled, final, cfg.OutputMapping)
	env := req.Factory.JSON(mapped).
		WithMeta("sub_execution_id", string(final.ExecutionID)).
		WithMeta("token_usage", final.TokenUsage)
	return env, nil
}

// loadDiagram resolves the child diagram from inline data or by name.
func (h *SubDiagramHandler) loadDiagram(rt *Runtime, cfg *diagram.SubDiagramConfig) (*diagram.Diagram, string, error) {
	if len(cfg.DiagramData) > 0 {
		d, err := diagramFromData(cfg.DiagramData, cfg.DiagramFormat)
		if err != nil {
			return nil, "", fmt.Errorf("inline diagram_data: %w", err)
		}
		return d, rt.DiagramDir, nil
	}
	if cfg.DiagramName == "" {
		return nil, "", fmt.Errorf("sub_diagram requires diagram_name or diagram_data")
	}

	path, content, err := findDiagramFile(rt.FS, cfg.DiagramName, rt.DiagramDir, rt.BaseDir)
	if err != nil {
		return nil, "", err
	}
	format := diagram.Format(cfg.DiagramFormat)
	if format == "" {
		format = diagram.FormatForPath(path, content)
	}
	d, err := diagram.Deserialize(content, format)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", path, err)
	}
	return d, filepath.Dir(path), nil
}

// diagramFromData converts an inline diagram map into a Diagram by
// round-tripping through the named serialization format.
func diagramFromData(data map[string]any, format string) (*diagram.Diagram, error) {
	switch diagram.Format(format) {
	case diagram.FormatLight, diagram.FormatReadable, diagram.FormatYAML:
		blob, err := yaml.Marshal(data)
		if err != nil {
			return nil, err
		}
		return diagram.Deserialize(string(blob), diagram.Format(format))
	default:
		blob, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		return diagram.Deserialize(string(blob), diagram.FormatJSON)
	}
}

// findDiagramFile searches the parent diagram's directory, then the base
// directory's files/diagrams, then the base directory itself. References
// without an extension try the known diagram extensions in order.
func findDiagramFile(fsys fs.FileSystem, name, diagramDir, baseDir string) (string, string, error) {
	roots := []string{}
	if diagramDir != "" {
		roots = append(roots, diagramDir)
	}
	if baseDir != "" {
		roots = append(roots, filepath.Join(baseDir, "files", "diagrams"), baseDir)
	}
	if len(roots) == 0 {
		roots = append(roots, ".")
	}

	names := []string{name}
	if filepath.Ext(name) == "" {
		names = names[:0]
		for _, ext := range diagramSearchExts {
			names = append(names, name+ext)
		}
	}

	for _, root := range roots {
		for _, n := range names {
			path := fs.ResolveUnder(root, n)
			if !fsys.Exists(path) {
				continue
			}
			data, err := fsys.Read(path)
			if err != nil {
				return "", "", &IOError{Op: "read", Path: path, Err: err}
			}
			return path, string(data), nil
		}
	}
	return "", "", &NotFoundError{What: "diagram", Name: name}
}

// childVariables seeds the child execution's variables from this node's
// resolved inputs. A map on the default input spreads into the root; named
// inputs keep their names.
func childVariables(req *Request) map[string]any {
	vars := make(map[string]any)
	for name, value := range req.Inputs {
		if name == diagram.HandleDefault {
			if m, ok := value.(map[string]any); ok {
				for k, v := range m {
					vars[k] = v
				}
				continue
			}
		}
		vars[name] = value
	}
	return vars
}

// mapChildOutputs projects the child's final state through output_mapping.
// Without a mapping the result is the endpoint outputs: a single endpoint's
// body directly, several keyed by node id. Mapping references resolve
// against child variables first, then "node.path" into node outputs, where
// the node part matches a label before an id.
func mapChildOutputs(compiled *compile.CompiledDiagram, final *ExecutionState, mapping map[string]string) any {
	if len(mapping) == 0 {
		endpoints := compiled.NodesOfKind(diagram.KindEndpoint)
		collected := make(map[string]any)
		for _, n := range endpoints {
			if env := final.Output(n.ID); env != nil {
				collected[string(n.ID)] = env.Body
			}
		}
		if len(collected) == 1 {
			for _, v := range collected {
				return v
			}
		}
		return collected
	}

	out := make(map[string]any, len(mapping))
	for key, ref := range mapping {
		out[key] = resolveChildRef(compiled, final, ref)
	}
	return out
}

func resolveChildRef(compiled *compile.CompiledDiagram, final *ExecutionState, ref string) any {
	if v, ok := pathGet(final.Variables, ref); ok {
		return v
	}
	nodePart, path, _ := strings.Cut(ref, ".")
	env := final.Output(childNodeByRef(compiled, nodePart))
	if env == nil {
		return nil
	}
	value := env.AsObject()
	if path == "" {
		return value
	}
	if v, ok := pathGet(value, path); ok {
		return v
	}
	return nil
}

// childNodeByRef matches a mapping reference to a child node by label, then
// by id. Light-format diagrams generate ids, so labels are the stable handle.
func childNodeByRef(compiled *compile.CompiledDiagram, ref string) diagram.NodeID {
	for _, n := range compiled.Nodes {
		if n.Label != "" && n.Label == ref {
			return n.ID
		}
	}
	return diagram.NodeID(ref)
}
