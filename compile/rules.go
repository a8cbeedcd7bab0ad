// ABOUTME: Built-in validation rules for diagram structure.
// ABOUTME: Connection counts, handle directions, person references, and reachability.

package compile

import (
	"fmt"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// startNodeRule checks that exactly one start node exists.
type startNodeRule struct{}

func (r *startNodeRule) Name() string { return "start_node" }

func (r *startNodeRule) Apply(d *diagram.Diagram) []Diagnostic {
	starts := d.NodesOfKind(diagram.KindStart)
	switch len(starts) {
	case 0:
		return []Diagnostic{{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  "diagram has no start node",
			Fix:      "add a node with type start",
		}}
	case 1:
		return nil
	default:
		ids := make([]diagram.NodeID, 0, len(starts))
		for _, n := range starts {
			ids = append(ids, n.ID)
		}
		return []Diagnostic{{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("diagram has %d start nodes, expected exactly 1: %v", len(starts), ids),
			Fix:      "keep a single start node",
		}}
	}
}

// knownKindRule checks that every node kind is recognized.
type knownKindRule struct{}

func (r *knownKindRule) Name() string { return "kind_known" }

func (r *knownKindRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.Nodes {
		if !diagram.IsKnownKind(n.Kind) {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q has unknown type %q", n.ID, n.Kind),
				NodeID:   n.ID,
				Fix:      "use a recognized node type",
			})
		}
	}
	return diags
}

// handleResolutionRule checks that every arrow endpoint parses, references
// an existing node, and points the right way (source=output, target=input).
type handleResolutionRule struct{}

func (r *handleResolutionRule) Name() string { return "handle_resolution" }

func (r *handleResolutionRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, a := range d.Arrows {
		src, err := diagram.ParseHandleID(a.Source)
		if err != nil {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, ArrowID: a.ID,
				Message: fmt.Sprintf("arrow %q source handle %q is malformed: %v", a.ID, a.Source, err),
			})
			continue
		}
		dst, err := diagram.ParseHandleID(a.Target)
		if err != nil {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, ArrowID: a.ID,
				Message: fmt.Sprintf("arrow %q target handle %q is malformed: %v", a.ID, a.Target, err),
			})
			continue
		}
		if d.FindNode(src.Node) == nil {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, ArrowID: a.ID,
				Message: fmt.Sprintf("arrow %q source node %q does not exist", a.ID, src.Node),
			})
		}
		if d.FindNode(dst.Node) == nil {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, ArrowID: a.ID,
				Message: fmt.Sprintf("arrow %q target node %q does not exist", a.ID, dst.Node),
			})
		}
		if src.Direction != diagram.DirectionOutput {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, ArrowID: a.ID,
				Message: fmt.Sprintf("arrow %q source handle %q is not an output handle", a.ID, a.Source),
				Fix:     "arrows must run from an output handle to an input handle",
			})
		}
		if dst.Direction != diagram.DirectionInput {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, ArrowID: a.ID,
				Message: fmt.Sprintf("arrow %q target handle %q is not an input handle", a.ID, a.Target),
				Fix:     "arrows must run from an output handle to an input handle",
			})
		}
	}
	return diags
}

// startNoIncomingRule checks that start nodes have no incoming arrows.
type startNoIncomingRule struct{}

func (r *startNoIncomingRule) Name() string { return "start_no_incoming" }

func (r *startNoIncomingRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.NodesOfKind(diagram.KindStart) {
		if in := d.ArrowsInto(n.ID); len(in) > 0 {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("start node %q has %d incoming arrow(s)", n.ID, len(in)),
				Fix:     "remove incoming arrows to the start node",
			})
		}
	}
	return diags
}

// endpointNoOutgoingRule checks that endpoint nodes have no outgoing arrows.
type endpointNoOutgoingRule struct{}

func (r *endpointNoOutgoingRule) Name() string { return "endpoint_no_outgoing" }

func (r *endpointNoOutgoingRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.NodesOfKind(diagram.KindEndpoint) {
		if out := d.ArrowsFrom(n.ID); len(out) > 0 {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("endpoint node %q has %d outgoing arrow(s)", n.ID, len(out)),
				Fix:     "remove outgoing arrows from the endpoint node",
			})
		}
	}
	return diags
}

// conditionSingleInputRule checks that condition nodes have exactly one
// incoming arrow.
type conditionSingleInputRule struct{}

func (r *conditionSingleInputRule) Name() string { return "condition_single_input" }

func (r *conditionSingleInputRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.NodesOfKind(diagram.KindCondition) {
		if in := d.ArrowsInto(n.ID); len(in) != 1 {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("condition node %q has %d incoming arrow(s), expected exactly 1", n.ID, len(in)),
			})
		}
	}
	return diags
}

// conditionBranchLabelRule warns when a condition's outgoing arrow uses an
// output handle other than condtrue/condfalse.
type conditionBranchLabelRule struct{}

func (r *conditionBranchLabelRule) Name() string { return "condition_branch_label" }

func (r *conditionBranchLabelRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.NodesOfKind(diagram.KindCondition) {
		for _, a := range d.ArrowsFrom(n.ID) {
			src, err := diagram.ParseHandleID(a.Source)
			if err != nil {
				continue // handle_resolution reports this
			}
			if !diagram.IsConditionBranch(src.Label) {
				diags = append(diags, Diagnostic{
					Rule: r.Name(), Severity: SeverityWarning, NodeID: n.ID, ArrowID: a.ID,
					Message: fmt.Sprintf("condition %q arrow %q leaves via %q, not condtrue/condfalse; it will never carry a branch", n.ID, a.ID, src.Label),
					Fix:     "connect condition outputs from the condtrue or condfalse handle",
				})
			}
		}
	}
	return diags
}

// firstHandleRule checks that arrows into a `first` input land on
// person_job nodes, the only kind with first-iteration inputs.
type firstHandleRule struct{}

func (r *firstHandleRule) Name() string { return "first_handle_target" }

func (r *firstHandleRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, a := range d.Arrows {
		dst, err := diagram.ParseHandleID(a.Target)
		if err != nil || dst.Label != diagram.HandleFirst {
			continue
		}
		n := d.FindNode(dst.Node)
		if n != nil && n.Kind != diagram.KindPersonJob {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, NodeID: n.ID, ArrowID: a.ID,
				Message: fmt.Sprintf("arrow %q targets first-input of %q, but %s nodes have no first input", a.ID, n.ID, n.Kind),
			})
		}
	}
	return diags
}

// personRefRule checks that person_job nodes reference declared persons.
type personRefRule struct{}

func (r *personRefRule) Name() string { return "person_ref" }

func (r *personRefRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.NodesOfKind(diagram.KindPersonJob) {
		ref := n.StringProp("person", "")
		if ref == "" {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("person_job %q names no person", n.ID),
				Fix:     "set the person property to a declared person",
			})
			continue
		}
		if d.Person(diagram.PersonID(ref)) == nil {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("person_job %q references undeclared person %q", n.ID, ref),
			})
		}
	}
	return diags
}

// maxIterationRule warns when a person_job declares a non-positive
// iteration cap; it will run exactly once.
type maxIterationRule struct{}

func (r *maxIterationRule) Name() string { return "max_iteration" }

func (r *maxIterationRule) Apply(d *diagram.Diagram) []Diagnostic {
	var diags []Diagnostic
	for _, n := range d.NodesOfKind(diagram.KindPersonJob) {
		raw, ok := n.Prop("max_iteration")
		if !ok {
			continue
		}
		if v, isNum := toInt(raw); isNum && v < 1 {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityWarning, NodeID: n.ID,
				Message: fmt.Sprintf("person_job %q has max_iteration %d; it will run once", n.ID, v),
			})
		}
	}
	return diags
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// reachabilityRule warns about nodes unreachable from the start node.
type reachabilityRule struct{}

func (r *reachabilityRule) Name() string { return "reachability" }

func (r *reachabilityRule) Apply(d *diagram.Diagram) []Diagnostic {
	starts := d.NodesOfKind(diagram.KindStart)
	if len(starts) != 1 {
		// start_node rule reports this
		return nil
	}

	visited := map[diagram.NodeID]bool{starts[0].ID: true}
	queue := []diagram.NodeID{starts[0].ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, a := range d.ArrowsFrom(current) {
			dst, err := diagram.ParseHandleID(a.Target)
			if err != nil {
				continue
			}
			if !visited[dst.Node] {
				visited[dst.Node] = true
				queue = append(queue, dst.Node)
			}
		}
	}

	var diags []Diagnostic
	for _, id := range d.NodeIDs() {
		if !visited[id] {
			diags = append(diags, Diagnostic{
				Rule: r.Name(), Severity: SeverityWarning, NodeID: id,
				Message: fmt.Sprintf("node %q is not reachable from the start node", id),
				Fix:     fmt.Sprintf("add an arrow path from start to %q", id),
			})
		}
	}
	return diags
}
