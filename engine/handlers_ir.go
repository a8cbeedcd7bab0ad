// ABOUTME: IR builder handler: projects the compiled diagram into a flat intermediate representation.
// ABOUTME: Downstream codegen and analysis nodes consume the IR as JSON or YAML.

package engine

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
)

// IrBuilderHandler handles ir_builder nodes.
type IrBuilderHandler struct{}

// Kind returns the node kind this handler serves.
func (h *IrBuilderHandler) Kind() diagram.NodeKind { return diagram.KindIrBuilder }

// Execute assembles the IR for the executing diagram: every node and edge in
// a stable order, plus the person catalog when requested.
func (h *IrBuilderHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.IrBuilderConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing ir_builder config")}
	}

	d := req.Runtime.Diagram
	nodes := make([]map[string]any, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		entry := map[string]any{
			"id":   string(n.ID),
			"kind": string(n.Kind),
		}
		if n.Label != "" {
			entry["label"] = n.Label
		}
		nodes = append(nodes, entry)
	}

	edges := make([]map[string]any, 0, len(d.Edges))
	for _, e := range d.Edges {
		entry := map[string]any{
			"source": string(e.Source),
			"target": string(e.Target),
		}
		if e.ContentType != "" {
			entry["content_type"] = string(e.ContentType)
		}
		if e.SourceOutput != "" {
			entry["source_output"] = e.SourceOutput
		}
		if e.TargetInput != "" {
			entry["target_input"] = e.TargetInput
		}
		edges = append(edges, entry)
	}

	ir := map[string]any{
		"target": cfg.Target,
		"nodes":  nodes,
		"edges":  edges,
		"counts": map[string]any{
			"nodes": len(nodes),
			"edges": len(edges),
		},
	}
	if d.ID != "" {
		ir["diagram_id"] = d.ID
	}
	if cfg.IncludePersons {
		ir["persons"] = personCatalog(d.Persons)
	}

	if cfg.OutputFormat == "yaml" {
		data, err := yaml.Marshal(ir)
		if err != nil {
			return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("encode ir: %w", err)}
		}
		return req.Factory.Text(string(data)).WithMeta("target", cfg.Target), nil
	}
	return req.Factory.JSON(ir).WithMeta("target", cfg.Target), nil
}

// personCatalog flattens the person map in ID order so IR output is stable
// across runs.
func personCatalog(persons map[diagram.PersonID]*diagram.Person) []map[string]any {
	ids := make([]string, 0, len(persons))
	for id := range persons {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		p := persons[diagram.PersonID(id)]
		entry := map[string]any{
			"id":      string(p.ID),
			"name":    p.Name,
			"service": p.LLMConfig.Service,
			"model":   p.LLMConfig.Model,
		}
		out = append(out, entry)
	}
	return out
}
