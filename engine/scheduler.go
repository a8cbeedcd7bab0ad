// ABOUTME: Dynamic scheduler: a pure function from (diagram, state snapshot) to the next ready batch.
// ABOUTME: Handles branch routing, first-iteration inputs, skip propagation, and priority gating.

package engine

import (
	"fmt"
	"sort"

	"github.com/sorryhyun/DiPeO-sub003/compile"
	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// BranchVarKey names the execution variable recording a condition's active
// branch.
func BranchVarKey(id diagram.NodeID) string {
	return fmt.Sprintf("branch[%s]", id)
}

// ActiveBranch returns the condition's decided branch (condtrue/condfalse).
// The branch variable set by the handler is authoritative; the output
// envelope is the fallback when the variable is missing. Returns "" when the
// condition has not decided yet.
func ActiveBranch(state *ExecutionState, id diagram.NodeID) string {
	if v, ok := state.Variables[BranchVarKey(id)].(string); ok && v != "" {
		return v
	}
	out := state.Output(id)
	if out == nil {
		return ""
	}
	if b, ok := out.Meta["branch"].(string); ok && b != "" {
		return b
	}
	if result, ok := out.Body.(bool); ok {
		if result {
			return diagram.HandleCondTrue
		}
		return diagram.HandleCondFalse
	}
	return ""
}

// SkipDecision names a node that can never run and why.
type SkipDecision struct {
	Node   diagram.NodeID
	Reason string
}

// Tick is a scheduling decision: nodes to dispatch, nodes whose iteration
// budget is spent, and nodes that are unreachable.
type Tick struct {
	Ready []*compile.CompiledNode
	Maxed []diagram.NodeID
	Skips []SkipDecision
}

// Empty reports whether the tick decided nothing.
func (t Tick) Empty() bool {
	return len(t.Ready) == 0 && len(t.Maxed) == 0 && len(t.Skips) == 0
}

// Scheduler computes ready batches for one compiled diagram. It holds no
// mutable state: every decision derives from the snapshot passed in.
type Scheduler struct {
	d *compile.CompiledDiagram
}

// NewScheduler returns a scheduler for the diagram.
func NewScheduler(d *compile.CompiledDiagram) *Scheduler {
	return &Scheduler{d: d}
}

// Tick evaluates every node against the snapshot.
func (s *Scheduler) Tick(state *ExecutionState) Tick {
	var tick Tick
	for _, n := range s.d.Nodes {
		if state.NodeStatus(n.ID) != StatusPending {
			continue
		}
		if cap := n.MaxIteration(); cap > 0 && state.ExecCount(n.ID) >= cap {
			tick.Maxed = append(tick.Maxed, n.ID)
			continue
		}
		switch verdict, reason := s.evaluate(n, state); verdict {
		case verdictReady:
			tick.Ready = append(tick.Ready, n)
		case verdictDead:
			tick.Skips = append(tick.Skips, SkipDecision{Node: n.ID, Reason: reason})
		}
	}

	// Start nodes first, then conditions so branches activate early, then
	// person jobs. Node id breaks ties for determinism.
	sort.SliceStable(tick.Ready, func(i, j int) bool {
		pi, pj := tick.Ready[i].Kind.SchedulingPriority(), tick.Ready[j].Kind.SchedulingPriority()
		if pi != pj {
			return pi < pj
		}
		return tick.Ready[i].ID < tick.Ready[j].ID
	})
	return tick
}

type verdict int

const (
	verdictWait verdict = iota
	verdictReady
	verdictDead
)

// relevantEdges selects which incoming edges bind the node right now. Nodes
// with first-iteration inputs consume only those on their first run and only
// the others afterwards.
func (s *Scheduler) relevantEdges(n *compile.CompiledNode, count int) []*compile.Edge {
	in := s.d.Incoming(n.ID)
	var first, rest []*compile.Edge
	for _, e := range in {
		if e.FirstOnly {
			first = append(first, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(first) == 0 {
		return in
	}
	if count == 0 {
		return first
	}
	return rest
}

// evaluate decides whether the node is ready, blocked, or permanently
// unreachable.
func (s *Scheduler) evaluate(n *compile.CompiledNode, state *ExecutionState) (verdict, string) {
	edges := s.relevantEdges(n, state.ExecCount(n.ID))

	if n.Kind == diagram.KindCondition {
		return s.evaluateAnyOf(n, edges, state)
	}
	v, reason := s.evaluateAllOf(n, edges, state)
	if v != verdictReady {
		return v, reason
	}
	if s.gatedByPriority(n, edges, state) {
		return verdictWait, ""
	}
	return verdictReady, ""
}

// evaluateAnyOf is the condition-node rule: one satisfied dependency is
// enough; the node dies only when every dependency is dead.
func (s *Scheduler) evaluateAnyOf(n *compile.CompiledNode, edges []*compile.Edge, state *ExecutionState) (verdict, string) {
	if len(edges) == 0 {
		return verdictReady, ""
	}
	var lastDead string
	anyDead, allDead := false, true
	for _, e := range edges {
		switch sat, dead, reason := s.edgeState(e, state); {
		case sat:
			if s.gatedByPriority(n, edges, state) {
				return verdictWait, ""
			}
			return verdictReady, ""
		case dead:
			anyDead = true
			lastDead = reason
		default:
			allDead = false
		}
	}
	if anyDead && allDead {
		return verdictDead, lastDead
	}
	return verdictWait, ""
}

// evaluateAllOf is the general rule: every non-conditional input must be
// satisfied, and every condition feeding the node must have routed a branch
// this way (or be skippable).
func (s *Scheduler) evaluateAllOf(n *compile.CompiledNode, edges []*compile.Edge, state *ExecutionState) (verdict, string) {
	condGroups := make(map[diagram.NodeID][]*compile.Edge)
	satisfiedPlain := false

	for _, e := range edges {
		if e.Conditional {
			condGroups[e.Source] = append(condGroups[e.Source], e)
			continue
		}
		sat, dead, reason := s.edgeState(e, state)
		switch {
		case dead:
			return verdictDead, reason
		case !sat:
			return verdictWait, ""
		}
		satisfiedPlain = true
	}

	for src, group := range condGroups {
		st := state.NodeStatus(src)
		switch {
		case st == StatusSkipped, st == StatusFailed:
			return verdictDead, fmt.Sprintf("condition %s will never decide (%s)", src, st)
		case st.Satisfies():
			branch := ActiveBranch(state, src)
			matched := false
			for _, e := range group {
				if e.SourceOutput == branch {
					matched = true
					break
				}
			}
			if !matched {
				return verdictDead, fmt.Sprintf("branch %s[%s] does not reach this node", src, branch)
			}
		default:
			// Condition still pending. A skippable condition releases nodes
			// that already have a satisfied plain dependency.
			if s.conditionSkippable(src) && satisfiedPlain {
				continue
			}
			return verdictWait, ""
		}
	}
	return verdictReady, ""
}

// edgeState classifies one dependency edge: satisfied now, dead forever, or
// still waiting.
func (s *Scheduler) edgeState(e *compile.Edge, state *ExecutionState) (satisfied, dead bool, reason string) {
	st := state.NodeStatus(e.Source)
	switch st {
	case StatusSkipped:
		return false, true, fmt.Sprintf("upstream %s skipped", e.Source)
	case StatusFailed:
		return false, true, fmt.Sprintf("upstream %s failed", e.Source)
	}
	if !st.Satisfies() {
		return false, false, ""
	}
	if e.Conditional {
		branch := ActiveBranch(state, e.Source)
		if branch == e.SourceOutput {
			return true, false, ""
		}
		return false, true, fmt.Sprintf("branch %s[%s] does not reach this node", e.Source, branch)
	}
	return true, false, ""
}

// gatedByPriority defers the node while a higher-priority sibling edge from
// any shared source still has a pending target.
func (s *Scheduler) gatedByPriority(n *compile.CompiledNode, edges []*compile.Edge, state *ExecutionState) bool {
	for _, e := range edges {
		for _, sibling := range s.d.Outgoing(e.Source) {
			if sibling.Target == n.ID || sibling.Priority <= e.Priority {
				continue
			}
			if state.NodeStatus(sibling.Target) == StatusPending {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) conditionSkippable(id diagram.NodeID) bool {
	n := s.d.Node(id)
	if n == nil {
		return false
	}
	cfg, ok := n.Config.(*diagram.ConditionConfig)
	return ok && cfg.Skippable
}

// RearmTargets lists the consumers to re-ready after source completed: every
// node on a live outgoing edge that already completed and, by its relevant
// edge set, would consume this output. Capped consumers whose budget is
// spent are returned in maxed instead.
func (s *Scheduler) RearmTargets(source diagram.NodeID, state *ExecutionState) (resets, maxed []diagram.NodeID) {
	seen := make(map[diagram.NodeID]bool)
	for _, e := range s.d.Outgoing(source) {
		if seen[e.Target] {
			continue
		}
		if e.Conditional && ActiveBranch(state, source) != e.SourceOutput {
			continue
		}
		target := s.d.Node(e.Target)
		if target == nil || state.NodeStatus(e.Target) != StatusCompleted {
			continue
		}
		// The edge must bind the target on its next run; a first-only edge
		// never re-arms a node past its first iteration.
		count := state.ExecCount(e.Target)
		binds := false
		for _, rel := range s.relevantEdges(target, count) {
			if rel == e {
				binds = true
				break
			}
		}
		if !binds {
			continue
		}
		seen[e.Target] = true
		if cap := target.MaxIteration(); cap > 0 && count >= cap {
			maxed = append(maxed, e.Target)
		} else {
			resets = append(resets, e.Target)
		}
	}
	return resets, maxed
}

// ShouldTerminate reports whether the execution is done: a terminate flag in
// variables, or every endpoint node settled.
func (s *Scheduler) ShouldTerminate(state *ExecutionState) bool {
	if t, ok := state.Variables["terminate"].(bool); ok && t {
		return true
	}
	endpoints := s.d.NodesOfKind(diagram.KindEndpoint)
	if len(endpoints) == 0 {
		return false
	}
	for _, n := range endpoints {
		st := state.NodeStatus(n.ID)
		if st != StatusCompleted && st != StatusSkipped {
			return false
		}
	}
	return true
}
