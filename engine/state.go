// ABOUTME: Event-sourced execution state: an append-only log per execution plus a cached snapshot.
// ABOUTME: apply(event) is the only mutation path; rebuilding from the log reproduces the snapshot exactly.

package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// NodeStatus is the lifecycle state of one node within an execution.
type NodeStatus string

const (
	StatusPending        NodeStatus = "PENDING"
	StatusRunning        NodeStatus = "RUNNING"
	StatusCompleted      NodeStatus = "COMPLETED"
	StatusFailed         NodeStatus = "FAILED"
	StatusSkipped        NodeStatus = "SKIPPED"
	StatusMaxIterReached NodeStatus = "MAXITER_REACHED"
)

// Terminal reports whether the status can no longer change, except for the
// COMPLETED -> PENDING re-ready of iterative nodes.
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusMaxIterReached:
		return true
	default:
		return false
	}
}

// Satisfies reports whether the status satisfies a downstream dependency.
func (s NodeStatus) Satisfies() bool {
	return s == StatusCompleted || s == StatusMaxIterReached
}

// ExecutionStatus is the lifecycle state of a whole execution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecRunning   ExecutionStatus = "RUNNING"
	ExecCompleted ExecutionStatus = "COMPLETED"
	ExecFailed    ExecutionStatus = "FAILED"
)

// NodeState is one node's standing within an execution snapshot.
type NodeState struct {
	Status         NodeStatus         `json:"status"`
	ExecutionCount int                `json:"execution_count"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	EndedAt        *time.Time         `json:"ended_at,omitempty"`
	Error          string             `json:"error,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	TokenUsage     *llm.Usage         `json:"token_usage,omitempty"`
	Output         *envelope.Envelope `json:"output,omitempty"`
}

// ExecutionState is an immutable snapshot of one execution. Callers receive
// copies; mutating a snapshot never affects the manager.
type ExecutionState struct {
	ExecutionID   diagram.ExecutionID               `json:"execution_id"`
	Status        ExecutionStatus                   `json:"status"`
	DiagramID     string                            `json:"diagram_id,omitempty"`
	StartTime     *time.Time                        `json:"start_time,omitempty"`
	EndTime       *time.Time                        `json:"end_time,omitempty"`
	Error         string                            `json:"error,omitempty"`
	Nodes         map[diagram.NodeID]*NodeState     `json:"nodes"`
	Outputs       map[diagram.NodeID]*envelope.Envelope `json:"outputs,omitempty"`
	Variables     map[string]any                    `json:"variables,omitempty"`
	ExecutedNodes []diagram.NodeID                  `json:"executed_nodes,omitempty"`
	TokenUsage    llm.Usage                         `json:"token_usage"`
	Version       uint64                            `json:"version"`
}

// Node returns the node's state, defaulting to PENDING for nodes that have
// not produced any event yet.
func (s *ExecutionState) Node(id diagram.NodeID) NodeState {
	if ns, ok := s.Nodes[id]; ok {
		return *ns
	}
	return NodeState{Status: StatusPending}
}

// NodeStatus returns the node's status with the PENDING default.
func (s *ExecutionState) NodeStatus(id diagram.NodeID) NodeStatus {
	return s.Node(id).Status
}

// ExecCount returns how many times the node has started.
func (s *ExecutionState) ExecCount(id diagram.NodeID) int {
	return s.Node(id).ExecutionCount
}

// Output returns the node's latest output envelope, or nil.
func (s *ExecutionState) Output(id diagram.NodeID) *envelope.Envelope {
	return s.Outputs[id]
}

// ExecCounts returns the per-node execution counts.
func (s *ExecutionState) ExecCounts() map[diagram.NodeID]int {
	out := make(map[diagram.NodeID]int, len(s.Nodes))
	for id, ns := range s.Nodes {
		if ns.ExecutionCount > 0 {
			out[id] = ns.ExecutionCount
		}
	}
	return out
}

// Finished reports whether the execution reached a terminal status.
func (s *ExecutionState) Finished() bool {
	return s.Status == ExecCompleted || s.Status == ExecFailed
}

func newExecutionState(id diagram.ExecutionID) *ExecutionState {
	return &ExecutionState{
		ExecutionID: id,
		Status:      ExecPending,
		Nodes:       make(map[diagram.NodeID]*NodeState),
		Outputs:     make(map[diagram.NodeID]*envelope.Envelope),
		Variables:   make(map[string]any),
	}
}

// executionLog pairs the append-only event log with the snapshot it folds
// into. One mutex covers both so log and snapshot can never diverge.
type executionLog struct {
	mu     sync.Mutex
	events []Event
	snap   *ExecutionState
}

// StateManager owns all execution state. It mutates only in Apply, and only
// as a function of the event.
type StateManager struct {
	mu    sync.RWMutex
	execs map[diagram.ExecutionID]*executionLog
}

// NewStateManager returns an empty manager.
func NewStateManager() *StateManager {
	return &StateManager{execs: make(map[diagram.ExecutionID]*executionLog)}
}

func (m *StateManager) log(id diagram.ExecutionID, create bool) *executionLog {
	m.mu.RLock()
	l := m.execs[id]
	m.mu.RUnlock()
	if l != nil || !create {
		return l
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l = m.execs[id]; l == nil {
		l = &executionLog{snap: newExecutionState(id)}
		m.execs[id] = l
	}
	return l
}

// Apply appends the event to its execution's log and folds it into the
// snapshot. The returned event carries the assigned seq and timestamps;
// sequence numbers are gap-free per execution, starting at 1.
func (m *StateManager) Apply(evt Event) Event {
	l := m.log(evt.ExecutionID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	evt.Meta.Seq = uint64(len(l.events) + 1)
	if evt.Meta.Timestamp.IsZero() {
		evt.Meta.Timestamp = time.Now().UTC()
	}
	if evt.Meta.CorrelationID == "" {
		evt.Meta.CorrelationID = string(evt.ExecutionID)
	}
	if len(l.events) > 0 {
		evt.Meta.UptimeMS = evt.Meta.Timestamp.Sub(l.events[0].Meta.Timestamp).Milliseconds()
	}

	l.events = append(l.events, evt)
	reduce(l.snap, evt)
	return evt
}

// Snapshot returns an immutable copy of the execution's state.
func (m *StateManager) Snapshot(id diagram.ExecutionID) (*ExecutionState, bool) {
	l := m.log(id, false)
	if l == nil {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyState(l.snap), true
}

// Events returns a copy of the full event log for the execution.
func (m *StateManager) Events(id diagram.ExecutionID) []Event {
	return m.EventsSince(id, 0)
}

// EventsSince returns events with seq > afterSeq, for replay and catch-up.
func (m *StateManager) EventsSince(id diagram.ExecutionID, afterSeq uint64) []Event {
	l := m.log(id, false)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if afterSeq >= uint64(len(l.events)) {
		return nil
	}
	out := make([]Event, len(l.events)-int(afterSeq))
	copy(out, l.events[afterSeq:])
	return out
}

// EventQuery filters an execution's event log. Zero values select everything.
type EventQuery struct {
	Types    []EventType    // keep only these types
	NodeID   diagram.NodeID // keep only this node's events
	AfterSeq uint64         // exclusive lower bound
	Limit    int            // cap the result length (0 = no cap)
}

func (q EventQuery) matches(evt Event) bool {
	if evt.Meta.Seq <= q.AfterSeq {
		return false
	}
	if q.NodeID != "" && evt.NodeID != q.NodeID {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if evt.Type == t {
			return true
		}
	}
	return false
}

// QueryEvents returns matching events in log order.
func (m *StateManager) QueryEvents(id diagram.ExecutionID, q EventQuery) []Event {
	l := m.log(id, false)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, evt := range l.events {
		if !q.matches(evt) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Executions returns snapshots of every tracked execution, newest first.
func (m *StateManager) Executions() []*ExecutionState {
	m.mu.RLock()
	logs := make([]*executionLog, 0, len(m.execs))
	for _, l := range m.execs {
		logs = append(logs, l)
	}
	m.mu.RUnlock()

	out := make([]*ExecutionState, 0, len(logs))
	for _, l := range logs {
		l.mu.Lock()
		out = append(out, copyState(l.snap))
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartTime, out[j].StartTime
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return out
}

// Rebuild replays the event log from scratch and returns the result. The
// outcome always equals the cached snapshot; it exists for audits and tests.
func (m *StateManager) Rebuild(id diagram.ExecutionID) (*ExecutionState, bool) {
	l := m.log(id, false)
	if l == nil {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	state := newExecutionState(id)
	for _, evt := range l.events {
		reduce(state, evt)
	}
	return state, true
}

// Clear drops a finished execution's log and snapshot.
func (m *StateManager) Clear(id diagram.ExecutionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.execs, id)
}

// reduce folds one event into the state. Unknown event types are recorded in
// the log but leave the snapshot untouched.
func reduce(s *ExecutionState, evt Event) {
	s.Version = evt.Meta.Seq
	ts := evt.Meta.Timestamp

	switch evt.Type {
	case ExecutionStarted:
		s.Status = ExecRunning
		s.StartTime = &ts
		s.DiagramID = evt.Payload.DiagramID
		mergeVariables(s, evt.Payload.Variables)

	case ExecutionCompleted:
		s.Status = ExecCompleted
		s.EndTime = &ts

	case ExecutionFailed:
		s.Status = ExecFailed
		s.EndTime = &ts
		s.Error = evt.Payload.Error

	case NodeStarted:
		ns := nodeState(s, evt.NodeID)
		ns.Status = StatusRunning
		ns.StartedAt = &ts
		ns.EndedAt = nil
		ns.Error = ""
		ns.Reason = ""
		if evt.Payload.ExecutionCount > 0 {
			ns.ExecutionCount = evt.Payload.ExecutionCount
		} else {
			ns.ExecutionCount++
		}
		s.ExecutedNodes = append(s.ExecutedNodes, evt.NodeID)

	case NodeCompleted:
		ns := nodeState(s, evt.NodeID)
		ns.Status = StatusCompleted
		ns.EndedAt = &ts
		if evt.Payload.Output != nil {
			ns.Output = evt.Payload.Output
			s.Outputs[evt.NodeID] = evt.Payload.Output
		}
		if evt.Payload.TokenUsage != nil {
			u := *evt.Payload.TokenUsage
			ns.TokenUsage = &u
			s.TokenUsage.Add(u)
		}
		mergeVariables(s, evt.Payload.Variables)

	case NodeFailed:
		ns := nodeState(s, evt.NodeID)
		ns.Status = StatusFailed
		ns.EndedAt = &ts
		ns.Error = evt.Payload.Error

	case NodeSkipped:
		ns := nodeState(s, evt.NodeID)
		ns.Status = StatusSkipped
		ns.EndedAt = &ts
		ns.Reason = evt.Payload.Reason

	case NodeMaxIterReached:
		ns := nodeState(s, evt.NodeID)
		ns.Status = StatusMaxIterReached
		ns.EndedAt = &ts

	case NodeReset:
		ns := nodeState(s, evt.NodeID)
		ns.Status = StatusPending
		ns.StartedAt = nil
		ns.EndedAt = nil
	}
}

func nodeState(s *ExecutionState, id diagram.NodeID) *NodeState {
	ns, ok := s.Nodes[id]
	if !ok {
		ns = &NodeState{Status: StatusPending}
		s.Nodes[id] = ns
	}
	return ns
}

func mergeVariables(s *ExecutionState, vars map[string]any) {
	for k, v := range vars {
		s.Variables[k] = v
	}
}

func copyState(s *ExecutionState) *ExecutionState {
	out := *s
	out.Nodes = make(map[diagram.NodeID]*NodeState, len(s.Nodes))
	for id, ns := range s.Nodes {
		c := *ns
		out.Nodes[id] = &c
	}
	out.Outputs = make(map[diagram.NodeID]*envelope.Envelope, len(s.Outputs))
	for id, env := range s.Outputs {
		out.Outputs[id] = env
	}
	out.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		out.Variables[k] = v
	}
	out.ExecutedNodes = append([]diagram.NodeID(nil), s.ExecutedNodes...)
	return &out
}
