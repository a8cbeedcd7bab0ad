// ABOUTME: Diagram compiler: turns a validated source diagram into an executable CompiledDiagram.
// ABOUTME: Resolves handles into typed edges, attaches transform rules, decodes configs, builds adjacency indices.

package compile

import (
	"fmt"
	"sort"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// Edge is a compiled connection between two nodes. Handles are resolved, the
// content type is settled, and the transform rules that input resolution will
// run are attached in canonical order.
type Edge struct {
	ID           diagram.EdgeID
	Source       diagram.NodeID
	Target       diagram.NodeID
	SourceOutput string
	TargetInput  string
	ContentType  diagram.ContentType
	Rules        envelope.TransformRules
	Conditional  bool
	FirstOnly    bool
	Priority     int
	Metadata     map[string]any
}

// CompiledNode pairs a source node with its decoded, strongly-typed config.
// Handlers switch on Kind and assert Config to the matching *Config type.
type CompiledNode struct {
	ID     diagram.NodeID
	Kind   diagram.NodeKind
	Label  string
	Data   map[string]any
	Config any
}

// MaxIteration returns the node's execution cap, or 0 when the node is not
// iteration-capped.
func (n *CompiledNode) MaxIteration() int {
	if cfg, ok := n.Config.(*diagram.PersonJobConfig); ok && cfg.MaxIteration > 0 {
		return cfg.MaxIteration
	}
	return 0
}

// CompiledDiagram is the engine-facing form of a diagram: typed nodes, typed
// edges, and adjacency indices for O(1) neighbor lookups.
type CompiledDiagram struct {
	ID          string
	Nodes       []*CompiledNode
	Edges       []*Edge
	Persons     map[diagram.PersonID]*diagram.Person
	Metadata    map[string]any
	Diagnostics []Diagnostic

	nodesByID map[diagram.NodeID]*CompiledNode
	incoming  map[diagram.NodeID][]*Edge
	outgoing  map[diagram.NodeID][]*Edge
}

// Node returns the compiled node with the given id, or nil.
func (c *CompiledDiagram) Node(id diagram.NodeID) *CompiledNode {
	return c.nodesByID[id]
}

// Incoming returns the edges targeting the node, in declaration order.
func (c *CompiledDiagram) Incoming(id diagram.NodeID) []*Edge {
	return c.incoming[id]
}

// Outgoing returns the edges leaving the node, in declaration order.
func (c *CompiledDiagram) Outgoing(id diagram.NodeID) []*Edge {
	return c.outgoing[id]
}

// NodesOfKind returns compiled nodes of the given kind in declaration order.
func (c *CompiledDiagram) NodesOfKind(kind diagram.NodeKind) []*CompiledNode {
	var out []*CompiledNode
	for _, n := range c.Nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Person returns the catalog entry for the given person id, or nil.
func (c *CompiledDiagram) Person(id diagram.PersonID) *diagram.Person {
	if c.Persons == nil {
		return nil
	}
	return c.Persons[id]
}

// Options configures a compilation. The zero value compiles with the OS
// filesystem and no prompt directories.
type Options struct {
	// BaseDir anchors files/prompts lookups and base-relative prompt paths.
	BaseDir string
	// DiagramDir is the directory the diagram was loaded from; its prompts/
	// subdirectory is searched first for prompt files.
	DiagramDir string
	// FS abstracts file access so tests can compile against an in-memory tree.
	FS fs.FileSystem
	// Prompts is a shared read-through cache. Nil means a private cache.
	Prompts *PromptCache
}

func (o Options) filesystem() fs.FileSystem {
	if o.FS != nil {
		return o.FS
	}
	return fs.OS{}
}

// Compile validates the diagram and lowers it into executable form.
//
// Stages run in order: lint validation, prompt file resolution, config
// decoding, edge construction with transform-rule attachment, loop sanity
// checks, adjacency indexing. Any ERROR-severity diagnostic aborts with a
// *CompileError; warnings ride along on the result.
func Compile(d *diagram.Diagram, opts Options) (*CompiledDiagram, error) {
	diags, err := ValidateOrError(d)
	if err != nil {
		return nil, err
	}

	diags = append(diags, ResolvePromptFiles(d, opts)...)

	compiled := &CompiledDiagram{
		ID:        d.ID,
		Persons:   d.Persons,
		Metadata:  d.Metadata,
		nodesByID: make(map[diagram.NodeID]*CompiledNode, len(d.Nodes)),
		incoming:  make(map[diagram.NodeID][]*Edge),
		outgoing:  make(map[diagram.NodeID][]*Edge),
	}

	for _, n := range d.Nodes {
		cfg, err := diagram.DecodeNodeConfig(n)
		if err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "config_decode",
				Severity: SeverityError,
				Message:  err.Error(),
				NodeID:   n.ID,
			})
			continue
		}
		cn := &CompiledNode{
			ID:     n.ID,
			Kind:   n.Kind,
			Label:  n.Label,
			Data:   n.Data,
			Config: cfg,
		}
		compiled.Nodes = append(compiled.Nodes, cn)
		compiled.nodesByID[n.ID] = cn
	}
	if err := errorFromDiagnostics(diags); err != nil {
		return nil, err
	}

	for _, a := range d.Arrows {
		edge, edgeDiags := buildEdge(compiled, a)
		diags = append(diags, edgeDiags...)
		if edge == nil {
			continue
		}
		compiled.Edges = append(compiled.Edges, edge)
	}
	if err := errorFromDiagnostics(diags); err != nil {
		return nil, err
	}

	diags = append(diags, checkFirstOnlyCycles(compiled)...)
	if err := errorFromDiagnostics(diags); err != nil {
		return nil, err
	}

	for _, e := range compiled.Edges {
		compiled.outgoing[e.Source] = append(compiled.outgoing[e.Source], e)
		compiled.incoming[e.Target] = append(compiled.incoming[e.Target], e)
	}

	compiled.Diagnostics = diags
	return compiled, nil
}

// buildEdge lowers one arrow into an Edge. Handle references were already
// vetted by the lint pass; parse failures here are defensive and fatal.
func buildEdge(c *CompiledDiagram, a *diagram.Arrow) (*Edge, []Diagnostic) {
	src, err := diagram.ParseHandleID(a.Source)
	if err != nil {
		return nil, []Diagnostic{{Rule: "edge_build", Severity: SeverityError, Message: err.Error(), ArrowID: a.ID}}
	}
	dst, err := diagram.ParseHandleID(a.Target)
	if err != nil {
		return nil, []Diagnostic{{Rule: "edge_build", Severity: SeverityError, Message: err.Error(), ArrowID: a.ID}}
	}
	source := c.Node(src.Node)
	target := c.Node(dst.Node)
	if source == nil || target == nil {
		return nil, []Diagnostic{{
			Rule:     "edge_build",
			Severity: SeverityError,
			Message:  fmt.Sprintf("arrow %s references a node that failed compilation", a.ID),
			ArrowID:  a.ID,
		}}
	}

	edge := &Edge{
		ID:           diagram.EdgeID(a.ID),
		Source:       src.Node,
		Target:       dst.Node,
		SourceOutput: src.Label,
		TargetInput:  dst.Label,
		Priority:     a.Priority,
		Metadata:     a.Data,
	}
	if a.Label != "" {
		edge.TargetInput = a.Label
	}
	if edge.Priority == 0 {
		if p, ok := toInt(dataProp(a, "execution_priority")); ok {
			edge.Priority = p
		}
	}
	edge.FirstOnly = dst.Label == diagram.HandleFirst
	edge.Conditional = diagram.IsConditionBranch(src.Label) || truthy(dataProp(a, "is_conditional"))

	edge.ContentType = resolveContentType(a, source.Kind)
	attachRules(edge, a, source, target)
	return edge, nil
}

// resolveContentType settles the payload type of an edge: explicit arrow
// hint, then arrow data, then a default keyed on what the source node
// naturally produces.
func resolveContentType(a *diagram.Arrow, sourceKind diagram.NodeKind) diagram.ContentType {
	if a.ContentType != "" {
		return a.ContentType
	}
	if s, ok := dataProp(a, "contentType").(string); ok && s != "" {
		return diagram.ContentType(s)
	}
	switch sourceKind {
	case diagram.KindPersonJob:
		return diagram.ContentConversationState
	case diagram.KindDB, diagram.KindCodeJob, diagram.KindAPIJob, diagram.KindIntegratedAPI:
		return diagram.ContentObject
	default:
		return diagram.ContentRawText
	}
}

// attachRules derives the edge's transform pipeline from arrow data and the
// endpoint node kinds. TransformRules.Add keeps canonical ordering, so the
// attachment order below is immaterial.
func attachRules(edge *Edge, a *diagram.Arrow, source, target *CompiledNode) {
	if v := dataProp(a, "extract_variable"); v != nil {
		if s, ok := v.(string); ok && s != "" {
			edge.Rules.Add(envelope.RuleExtractVariable, s)
		}
	} else if v := dataProp(a, "extract"); v != nil {
		if s, ok := v.(string); ok && s != "" {
			edge.Rules.Add(envelope.RuleExtractVariable, s)
		}
	}
	if truthy(dataProp(a, "extract_tool_results")) {
		edge.Rules.Add(envelope.RuleExtractToolResults, nil)
	}
	if f, ok := dataProp(a, "format").(string); ok && f != "" {
		edge.Rules.Add(envelope.RuleFormat, f)
	}

	// Explicitly declared content types request coercion; defaults describe
	// what the producer already emits and need none.
	declared := a.ContentType
	if declared == "" {
		if s, ok := dataProp(a, "contentType").(string); ok {
			declared = diagram.ContentType(s)
		}
	}
	switch declared {
	case diagram.ContentObject:
		edge.Rules.Add(envelope.RuleContentTypeConversion, "object")
	case diagram.ContentRawText:
		edge.Rules.Add(envelope.RuleContentTypeConversion, "text")
	}

	if source.Kind == diagram.KindCondition && diagram.IsConditionBranch(edge.SourceOutput) {
		edge.Rules.Add(envelope.RuleBranchOn, edge.SourceOutput)
	}
	if source.Kind == diagram.KindDB && target.Kind == diagram.KindPersonJob {
		edge.Rules.Add(envelope.RuleFormatForConversation, nil)
	}
}

// checkFirstOnlyCycles rejects cycles made entirely of first-execution edges.
// Such a cycle can never fire: every node in it waits for a first input that
// transitively depends on itself.
func checkFirstOnlyCycles(c *CompiledDiagram) []Diagnostic {
	adj := make(map[diagram.NodeID][]diagram.NodeID)
	for _, e := range c.Edges {
		if e.FirstOnly {
			adj[e.Source] = append(adj[e.Source], e.Target)
		}
	}
	if len(adj) == 0 {
		return nil
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[diagram.NodeID]int)
	var cycleAt diagram.NodeID
	var visit func(id diagram.NodeID) bool
	visit = func(id diagram.NodeID) bool {
		state[id] = inStack
		for _, next := range adj[id] {
			switch state[next] {
			case inStack:
				cycleAt = next
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}

	roots := make([]diagram.NodeID, 0, len(adj))
	for id := range adj {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	for _, id := range roots {
		if state[id] == unvisited && visit(id) {
			return []Diagnostic{{
				Rule:     "first_only_cycle",
				Severity: SeverityError,
				Message:  fmt.Sprintf("cycle through first-execution edges at node %s can never fire", cycleAt),
				NodeID:   cycleAt,
				Fix:      "route the loop-back arrow into the default handle instead of first",
			}}
		}
	}
	return nil
}

func dataProp(a *diagram.Arrow, key string) any {
	if a.Data == nil {
		return nil
	}
	return a.Data[key]
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "1" || x == "yes"
	case int:
		return x != 0
	case float64:
		return x != 0
	default:
		return false
	}
}
