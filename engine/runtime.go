// ABOUTME: Per-execution runtime: the services and context a handler sees when it runs.
// ABOUTME: Also hosts input resolution, which folds upstream envelopes through edge transform rules.

package engine

import (
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/sorryhyun/DiPeO-sub003/compile"
	"github.com/sorryhyun/DiPeO-sub003/conversation"
	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// NewExecutionID mints a sortable unique execution id.
func NewExecutionID() diagram.ExecutionID {
	return diagram.ExecutionID("exec_" + ulid.Make().String())
}

// Runtime bundles the execution-scoped services handlers draw on. One
// Runtime exists per execution; the conversation and person cache are owned
// by it and die with it.
type Runtime struct {
	ExecutionID diagram.ExecutionID
	TraceID     string
	Diagram     *compile.CompiledDiagram

	Conversation *conversation.Conversation
	Persons      *conversation.PersonCache
	Selector     conversation.Selector
	Selection    conversation.SelectionConfig

	LLM         *llm.Client
	FS          fs.FileSystem
	BaseDir     string
	DiagramDir  string
	Interviewer Interviewer
	Logger      *slog.Logger

	// Engine lets the sub-diagram handler spawn isolated child executions.
	Engine *Engine
	Depth  int
}

// Person resolves a runtime person, registering it lazily from the diagram
// catalog on first reference.
func (rt *Runtime) Person(id diagram.PersonID) (*conversation.Person, error) {
	if p, ok := rt.Persons.Get(id); ok {
		return p, nil
	}
	decl := rt.Diagram.Person(id)
	if decl == nil {
		return nil, &NotFoundError{What: "person", Name: string(id)}
	}
	p := conversation.NewPerson(*decl)
	rt.Persons.Register(p)
	return p, nil
}

// Request is everything one handler invocation receives.
type Request struct {
	Node *compile.CompiledNode
	// Inputs maps target input names to transformed upstream values.
	Inputs map[string]any
	// Envelopes maps the same input names to the untransformed producer
	// envelopes, for handlers that need representations or meta.
	Envelopes map[string]*envelope.Envelope
	// Variables is the execution variable snapshot at dispatch time.
	Variables map[string]any
	// ExecutionCount is this run's 1-based iteration number.
	ExecutionCount int
	// Factory stamps output envelopes with the producing node and trace.
	Factory *envelope.Factory
	Runtime *Runtime
}

// Input returns a named input, falling back to the default input.
func (r *Request) Input(name string) (any, bool) {
	if v, ok := r.Inputs[name]; ok {
		return v, true
	}
	if name == "" {
		v, ok := r.Inputs[diagram.HandleDefault]
		return v, ok
	}
	return nil, false
}

// FirstInput returns the default input when present, otherwise any single
// input. Handlers with one logical payload use it.
func (r *Request) FirstInput() (any, bool) {
	if v, ok := r.Inputs[diagram.HandleDefault]; ok {
		return v, true
	}
	if len(r.Inputs) == 1 {
		for _, v := range r.Inputs {
			return v, true
		}
	}
	return nil, false
}

// TemplateContext assembles the standard rendering scope for this request:
// execution variables as globals, edge inputs as inputs.
func (r *Request) TemplateContext(local map[string]any) *envelope.TemplateContext {
	return envelope.NewTemplateContext(r.Variables, r.Inputs, local)
}

// resolveInputs assembles the input mapping for a node about to run. For
// every relevant live incoming edge it takes the producer's latest envelope,
// seeds the value from the view matching the edge's content type, and runs
// the edge's transform rules.
func resolveInputs(sched *Scheduler, state *ExecutionState, n *compile.CompiledNode) (map[string]any, map[string]*envelope.Envelope) {
	inputs := make(map[string]any)
	envelopes := make(map[string]*envelope.Envelope)

	for _, e := range sched.relevantEdges(n, state.ExecCount(n.ID)) {
		if e.Conditional && ActiveBranch(state, e.Source) != e.SourceOutput {
			continue
		}
		out := state.Output(e.Source)
		if out == nil {
			continue
		}
		value := edgeView(out, e.ContentType)
		value = e.Rules.Apply(value)

		name := e.TargetInput
		if name == "" {
			name = diagram.HandleDefault
		}
		inputs[name] = value
		envelopes[name] = out
	}
	return inputs, envelopes
}

// edgeView picks the envelope view matching the edge's content type.
func edgeView(env *envelope.Envelope, ct diagram.ContentType) any {
	switch ct {
	case diagram.ContentObject:
		return env.AsObject()
	case diagram.ContentConversationState:
		if c := env.AsConversation(); c != nil {
			return c
		}
		return env.Body
	case diagram.ContentRawText:
		return env.AsText()
	default:
		return env.Body
	}
}
