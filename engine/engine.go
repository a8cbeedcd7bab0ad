// ABOUTME: Execution engine: a single driver loop dispatching ready nodes to handler tasks.
// ABOUTME: Concurrency is capped by a weighted semaphore; every state change flows through events.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sorryhyun/DiPeO-sub003/compile"
	"github.com/sorryhyun/DiPeO-sub003/conversation"
	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// FailPolicy decides what a node failure does to the rest of the execution.
type FailPolicy string

const (
	// FailFast stops dispatching as soon as any node fails.
	FailFast FailPolicy = "fail_fast"
	// ContinueIndependent keeps going unless the failed node has pending
	// downstream consumers.
	ContinueIndependent FailPolicy = "continue_independent"
)

// Options configures an Engine. Zero values take the documented defaults.
type Options struct {
	// MaxParallel caps concurrently running handlers. Default 10.
	MaxParallel int
	// NodeTimeout bounds a single handler run when the node config does not
	// set its own. Zero means no default bound.
	NodeTimeout time.Duration
	// ExecutionTimeout bounds the whole execution. Zero means unbounded.
	ExecutionTimeout time.Duration
	// CancelGrace is how long the engine waits for in-flight handlers after
	// cancellation before abandoning them. Default 5s.
	CancelGrace time.Duration
	// FailPolicy defaults to ContinueIndependent.
	FailPolicy FailPolicy
	// MaxDepth caps sub-diagram nesting. Default 10.
	MaxDepth int

	BaseDir     string
	FS          fs.FileSystem
	LLM         *llm.Client
	Interviewer Interviewer
	Logger      *slog.Logger
	Selection   conversation.SelectionConfig
	Registry    *Registry
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 10
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 5 * time.Second
	}
	if o.FailPolicy == "" {
		o.FailPolicy = ContinueIndependent
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 10
	}
	if o.FS == nil {
		o.FS = fs.OS{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Registry == nil {
		o.Registry = DefaultRegistry()
	}
	if o.Selection == (conversation.SelectionConfig{}) {
		o.Selection = conversation.DefaultSelectionConfig()
	}
	if o.Interviewer == nil {
		o.Interviewer = StaticInterviewer{}
	}
	return o
}

// ExecutionFailure is returned when an execution finishes FAILED.
type ExecutionFailure struct {
	ExecutionID diagram.ExecutionID
	Message     string
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution %s failed: %s", e.ExecutionID, e.Message)
}

// Engine drives executions against one state manager and event bus. It is
// safe to run multiple executions concurrently on one Engine.
type Engine struct {
	state    *StateManager
	bus      EventBus
	registry *Registry
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[diagram.ExecutionID]context.CancelFunc
}

// New builds an engine around the given state manager and bus. Nil state or
// bus fall back to a fresh manager and a no-op bus.
func New(state *StateManager, bus EventBus, opts Options) *Engine {
	if state == nil {
		state = NewStateManager()
	}
	if bus == nil {
		bus = NullBus{}
	}
	opts = opts.withDefaults()
	return &Engine{
		state:    state,
		bus:      bus,
		registry: opts.Registry,
		opts:     opts,
		logger:   opts.Logger,
		cancels:  make(map[diagram.ExecutionID]context.CancelFunc),
	}
}

// State exposes the engine's state manager (monitor reads it).
func (e *Engine) State() *StateManager { return e.state }

// Bus exposes the engine's event bus.
func (e *Engine) Bus() EventBus { return e.bus }

// Cancel aborts a running execution. Returns false when the execution is
// not running on this engine.
func (e *Engine) Cancel(id diagram.ExecutionID) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) track(id diagram.ExecutionID, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(id diagram.ExecutionID) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

// RunInput describes one execution request.
type RunInput struct {
	Diagram *compile.CompiledDiagram
	// Variables seed the execution variables.
	Variables map[string]any
	// ExecutionID is minted when empty.
	ExecutionID diagram.ExecutionID
	// DiagramDir anchors relative file references for handlers.
	DiagramDir string
	// Depth counts sub-diagram nesting; leave zero for top-level runs.
	Depth int
}

// nodeResult is one handler completion delivered back to the driver.
type nodeResult struct {
	node *compile.CompiledNode
	env  *envelope.Envelope
	err  error
}

// Execute runs the compiled diagram to termination and returns the final
// state snapshot. A failed execution returns the snapshot together with an
// *ExecutionFailure.
func (e *Engine) Execute(ctx context.Context, in RunInput) (*ExecutionState, error) {
	if in.Diagram == nil {
		return nil, fmt.Errorf("engine: nil diagram")
	}
	if in.Depth > e.opts.MaxDepth {
		return nil, fmt.Errorf("engine: sub-diagram nesting exceeds %d levels", e.opts.MaxDepth)
	}
	execID := in.ExecutionID
	if execID == "" {
		execID = NewExecutionID()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.opts.ExecutionTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, e.opts.ExecutionTimeout)
		defer tcancel()
	}
	e.track(execID, cancel)
	defer e.untrack(execID)

	rt := e.newRuntime(execID, in)
	log := e.logger.With("execution_id", string(execID))
	log.Info("execution starting", "diagram_id", in.Diagram.ID, "nodes", len(in.Diagram.Nodes))

	e.emit(Event{
		Type:        ExecutionStarted,
		ExecutionID: execID,
		Payload:     EventPayload{Variables: in.Variables, DiagramID: in.Diagram.ID},
	})

	sched := NewScheduler(in.Diagram)
	sem := semaphore.NewWeighted(int64(e.opts.MaxParallel))
	completions := make(chan nodeResult, e.opts.MaxParallel)

	inflight := 0
	halting := false
	var failure string

	for {
		if ctx.Err() != nil {
			if failure == "" {
				failure = "execution cancelled: " + ctx.Err().Error()
			}
			break
		}

		state, _ := e.state.Snapshot(execID)

		tick := sched.Tick(state)
		if len(tick.Maxed) > 0 || len(tick.Skips) > 0 {
			for _, id := range tick.Maxed {
				e.emit(Event{Type: NodeMaxIterReached, ExecutionID: execID, NodeID: id})
			}
			for _, sd := range tick.Skips {
				log.Debug("node skipped", "node_id", string(sd.Node), "reason", sd.Reason)
				e.emit(Event{Type: NodeSkipped, ExecutionID: execID, NodeID: sd.Node, Payload: EventPayload{Reason: sd.Reason}})
			}
			continue
		}

		done := halting || sched.ShouldTerminate(state)
		if !done {
			for _, n := range tick.Ready {
				// TryAcquire, not Acquire: the slot frees only when this
				// loop consumes a completion, so blocking here would
				// deadlock. Undispatched nodes stay ready for later ticks.
				if !sem.TryAcquire(1) {
					break
				}
				count := state.ExecCount(n.ID) + 1
				inputs, envs := resolveInputs(sched, state, n)
				e.emit(Event{
					Type:        NodeStarted,
					ExecutionID: execID,
					NodeID:      n.ID,
					Payload:     EventPayload{ExecutionCount: count},
				})
				log.Debug("node dispatched", "node_id", string(n.ID), "kind", string(n.Kind), "execution_count", count)
				inflight++
				go e.dispatch(ctx, rt, n, count, inputs, envs, state.Variables, completions)
			}
		}

		if inflight == 0 {
			if done || len(tick.Ready) == 0 {
				break
			}
			continue
		}

		res := <-completions
		inflight--
		sem.Release(1)
		if msg := e.settle(rt, sched, res); msg != "" && failure == "" {
			failure = msg
			halting = true
		}

		// Fold in any other completions that are already waiting.
	moreResults:
		for inflight > 0 {
			select {
			case res := <-completions:
				inflight--
				sem.Release(1)
				if msg := e.settle(rt, sched, res); msg != "" && failure == "" {
					failure = msg
					halting = true
				}
			default:
				break moreResults
			}
		}
	}

	if inflight > 0 {
		inflight = e.drainInflight(rt, sched, completions, inflight)
	}
	e.failLingering(execID, inflight)

	if failure != "" {
		e.emit(Event{Type: ExecutionFailed, ExecutionID: execID, Payload: EventPayload{Error: failure}})
		final, _ := e.state.Snapshot(execID)
		log.Warn("execution failed", "error", failure)
		return final, &ExecutionFailure{ExecutionID: execID, Message: failure}
	}
	e.emit(Event{Type: ExecutionCompleted, ExecutionID: execID})
	final, _ := e.state.Snapshot(execID)
	log.Info("execution completed", "nodes_executed", len(final.ExecutedNodes), "tokens", final.TokenUsage.TotalTokens)
	return final, nil
}

func (e *Engine) newRuntime(execID diagram.ExecutionID, in RunInput) *Runtime {
	declared := make(map[diagram.PersonID]diagram.Person, len(in.Diagram.Persons))
	for id, p := range in.Diagram.Persons {
		declared[id] = *p
	}
	persons := conversation.NewPersonCache(declared)

	rt := &Runtime{
		ExecutionID:  execID,
		TraceID:      string(execID),
		Diagram:      in.Diagram,
		Conversation: conversation.New(),
		Persons:      persons,
		Selection:    e.opts.Selection,
		LLM:          e.opts.LLM,
		FS:           e.opts.FS,
		BaseDir:      e.opts.BaseDir,
		DiagramDir:   in.DiagramDir,
		Interviewer:  e.opts.Interviewer,
		Logger:       e.logger.With("execution_id", string(execID)),
		Engine:       e,
		Depth:        in.Depth,
	}
	if e.opts.LLM != nil {
		rt.Selector = conversation.NewLLMSelector(e.opts.LLM, persons)
	}
	return rt
}

// dispatch runs one handler task and reports its outcome. It owns the
// per-node timeout and the translation of context errors into typed errors.
func (e *Engine) dispatch(ctx context.Context, rt *Runtime, n *compile.CompiledNode, count int,
	inputs map[string]any, envs map[string]*envelope.Envelope, vars map[string]any, out chan<- nodeResult) {

	handler, ok := e.registry.Lookup(n.Kind)
	if !ok {
		out <- nodeResult{node: n, err: &HandlerError{
			NodeID: n.ID, Kind: n.Kind,
			Err: fmt.Errorf("no handler registered for kind %q", n.Kind),
		}}
		return
	}

	req := &Request{
		Node:           n,
		Inputs:         inputs,
		Envelopes:      envs,
		Variables:      vars,
		ExecutionCount: count,
		Factory:        envelope.NewFactory(n.ID, rt.TraceID),
		Runtime:        rt,
	}

	nodeCtx := ctx
	timeout := nodeTimeout(n, e.opts.NodeTimeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env, err := safeExecute(nodeCtx, handler, req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = &CancelledError{NodeID: n.ID}
		case nodeCtx.Err() == context.DeadlineExceeded:
			err = &TimeoutError{NodeID: n.ID, Timeout: timeout}
		}
	}
	out <- nodeResult{node: n, env: env, err: err}
}

// nodeTimeout returns the node's own timeout, or the engine default. Human
// gates manage their own deadline so the default does not apply to them.
func nodeTimeout(n *compile.CompiledNode, def time.Duration) time.Duration {
	var sec int
	switch cfg := n.Config.(type) {
	case *diagram.CodeJobConfig:
		sec = cfg.TimeoutSec
	case *diagram.APIJobConfig:
		sec = cfg.TimeoutSec
	case *diagram.IntegratedAPIConfig:
		sec = cfg.TimeoutSec
	case *diagram.HookConfig:
		sec = cfg.TimeoutSec
	case *diagram.SubDiagramConfig:
		sec = cfg.TimeoutSec
	case *diagram.UserResponseConfig:
		return 0
	}
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return def
}

// settle publishes the outcome of one completed handler task and performs
// the post-completion bookkeeping: branch variables, loop re-arming, and the
// failure policy. It returns a non-empty message when the execution must
// fail.
func (e *Engine) settle(rt *Runtime, sched *Scheduler, res nodeResult) string {
	execID := rt.ExecutionID

	if res.err != nil {
		e.emit(Event{
			Type:        NodeFailed,
			ExecutionID: execID,
			NodeID:      res.node.ID,
			Payload:     EventPayload{Error: res.err.Error(), ErrorType: errorKind(res.err)},
		})
		rt.Logger.Warn("node failed", "node_id", string(res.node.ID), "kind", string(res.node.Kind), "error", res.err)

		if e.opts.FailPolicy == FailFast {
			return res.err.Error()
		}
		state, _ := e.state.Snapshot(execID)
		if hasDownstreamRequirement(sched, state, res.node.ID) {
			return res.err.Error()
		}
		return ""
	}

	payload := EventPayload{Output: res.env}
	if res.env != nil {
		if u, ok := res.env.Meta["token_usage"].(llm.Usage); ok {
			usage := u
			payload.TokenUsage = &usage
		}
		if extra, ok := res.env.Meta["variables"].(map[string]any); ok {
			payload.Variables = mergeInto(payload.Variables, extra)
		}
		if res.node.Kind == diagram.KindCondition {
			if branch := branchFromEnvelope(res.env); branch != "" {
				payload.Variables = mergeInto(payload.Variables, map[string]any{
					BranchVarKey(res.node.ID): branch,
				})
			}
		}
	}
	e.emit(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: res.node.ID, Payload: payload})
	rt.Logger.Debug("node completed", "node_id", string(res.node.ID), "kind", string(res.node.Kind))

	state, _ := e.state.Snapshot(execID)
	resets, maxed := sched.RearmTargets(res.node.ID, state)
	for _, id := range resets {
		e.emit(Event{Type: NodeReset, ExecutionID: execID, NodeID: id})
	}
	for _, id := range maxed {
		e.emit(Event{Type: NodeMaxIterReached, ExecutionID: execID, NodeID: id})
	}
	return ""
}

// drainInflight waits out in-flight handlers after cancellation or failure,
// up to the grace period. It returns how many handlers were abandoned.
func (e *Engine) drainInflight(rt *Runtime, sched *Scheduler, completions <-chan nodeResult, inflight int) int {
	timer := time.NewTimer(e.opts.CancelGrace)
	defer timer.Stop()
	for inflight > 0 {
		select {
		case res := <-completions:
			inflight--
			e.settle(rt, sched, res)
		case <-timer.C:
			return inflight
		}
	}
	return 0
}

// failLingering marks nodes still RUNNING after the drain as failed with an
// explicit cancellation error.
func (e *Engine) failLingering(execID diagram.ExecutionID, abandoned int) {
	if abandoned == 0 {
		return
	}
	state, ok := e.state.Snapshot(execID)
	if !ok {
		return
	}
	for id, ns := range state.Nodes {
		if ns.Status != StatusRunning {
			continue
		}
		cancelErr := &CancelledError{NodeID: id}
		e.emit(Event{
			Type:        NodeFailed,
			ExecutionID: execID,
			NodeID:      id,
			Payload:     EventPayload{Error: cancelErr.Error(), ErrorType: ErrKindCancelled},
		})
	}
}

// hasDownstreamRequirement reports whether any consumer of the node is still
// waiting on it.
func hasDownstreamRequirement(sched *Scheduler, state *ExecutionState, id diagram.NodeID) bool {
	for _, edge := range sched.d.Outgoing(id) {
		if state.NodeStatus(edge.Target) == StatusPending {
			return true
		}
	}
	return false
}

// branchFromEnvelope reads the branch decision off a condition output.
func branchFromEnvelope(env *envelope.Envelope) string {
	if b, ok := env.Meta["branch"].(string); ok && b != "" {
		return b
	}
	if result, ok := env.Body.(bool); ok {
		if result {
			return diagram.HandleCondTrue
		}
		return diagram.HandleCondFalse
	}
	return ""
}

func mergeInto(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// emit applies the event to state (stamping seq) and publishes the stamped
// event to the bus.
func (e *Engine) emit(evt Event) Event {
	stamped := e.state.Apply(evt)
	e.bus.Publish(stamped)
	return stamped
}
