// ABOUTME: Handler contract and registry: one handler per node kind, dispatched by the engine.
// ABOUTME: safeExecute turns handler panics into errors so one bad node cannot take down the loop.

package engine

import (
	"context"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
)

// Handler executes one kind of node. Implementations must honor ctx
// cancellation promptly and must not mutate the request.
type Handler interface {
	Kind() diagram.NodeKind
	Execute(ctx context.Context, req *Request) (*envelope.Envelope, error)
}

// Registry maps node kinds to their handlers.
type Registry struct {
	byKind map[diagram.NodeKind]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[diagram.NodeKind]Handler)}
}

// Register adds a handler, replacing any previous one for the same kind.
func (r *Registry) Register(h Handler) {
	r.byKind[h.Kind()] = h
}

// Lookup returns the handler for a kind.
func (r *Registry) Lookup(kind diagram.NodeKind) (Handler, bool) {
	h, ok := r.byKind[kind]
	return h, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []diagram.NodeKind {
	out := make([]diagram.NodeKind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}

// DefaultRegistry returns a registry with every built-in handler.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{
		&StartHandler{},
		&ConditionHandler{},
		&CodeJobHandler{},
		&DBHandler{},
		&PersonJobHandler{},
		&EndpointHandler{},
		&SubDiagramHandler{},
		&APIJobHandler{},
		&IntegratedAPIHandler{},
		&TemplateJobHandler{},
		&JSONSchemaValidatorHandler{},
		&TypescriptAstHandler{},
		&HookHandler{},
		&DiffPatchHandler{},
		&UserResponseHandler{},
		&IrBuilderHandler{},
	} {
		r.Register(h)
	}
	return r
}

// safeExecute runs a handler with panic recovery. A panicking handler
// reports a HandlerError with the panic kind instead of crashing the engine.
func safeExecute(ctx context.Context, h Handler, req *Request) (env *envelope.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env = nil
			err = &HandlerError{
				NodeID: req.Node.ID,
				Kind:   req.Node.Kind,
				Err:    fmt.Errorf("%s: %v", ErrKindPanic, r),
			}
		}
	}()
	return h.Execute(ctx, req)
}
