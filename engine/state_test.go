// ABOUTME: Tests for the event-sourced state manager: apply/reduce, replay, and snapshot isolation.
// ABOUTME: Covers sequence stamping, status transitions, token aggregation, and variable merging.

package engine

import (
	"reflect"
	"testing"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

func TestApplyStampsSequence(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-seq")

	var seqs []uint64
	for i := 0; i < 4; i++ {
		evt := m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: "n1"})
		seqs = append(seqs, evt.Meta.Seq)
		if evt.Meta.Timestamp.IsZero() {
			t.Fatalf("event %d: timestamp not stamped", i)
		}
		if evt.Meta.CorrelationID != string(execID) {
			t.Fatalf("event %d: correlation id = %q, want %q", i, evt.Meta.CorrelationID, execID)
		}
	}
	want := []uint64{1, 2, 3, 4}
	if !reflect.DeepEqual(seqs, want) {
		t.Fatalf("sequence numbers = %v, want %v", seqs, want)
	}
}

func TestApplySequencesPerExecution(t *testing.T) {
	m := NewStateManager()
	a := m.Apply(Event{Type: ExecutionStarted, ExecutionID: "exec-a"})
	b := m.Apply(Event{Type: ExecutionStarted, ExecutionID: "exec-b"})
	a2 := m.Apply(Event{Type: NodeStarted, ExecutionID: "exec-a", NodeID: "n"})

	if a.Meta.Seq != 1 || b.Meta.Seq != 1 {
		t.Fatalf("first events: seq a=%d b=%d, want 1 and 1", a.Meta.Seq, b.Meta.Seq)
	}
	if a2.Meta.Seq != 2 {
		t.Fatalf("second exec-a event: seq = %d, want 2", a2.Meta.Seq)
	}
}

func TestApplyStampsUptime(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-uptime")
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := m.Apply(Event{
		Type:        ExecutionStarted,
		ExecutionID: execID,
		Meta:        EventMeta{Timestamp: start},
	})
	if first.Meta.UptimeMS != 0 {
		t.Fatalf("first event uptime = %d, want 0", first.Meta.UptimeMS)
	}
	later := m.Apply(Event{
		Type:        NodeStarted,
		ExecutionID: execID,
		NodeID:      "n1",
		Meta:        EventMeta{Timestamp: start.Add(1500 * time.Millisecond)},
	})
	if later.Meta.UptimeMS != 1500 {
		t.Fatalf("uptime = %dms, want 1500", later.Meta.UptimeMS)
	}
}

func TestReduceNodeLifecycle(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-life")
	nodeID := diagram.NodeID("worker")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID, Payload: EventPayload{DiagramID: "demo"}})
	snap, _ := m.Snapshot(execID)
	if snap.Status != ExecRunning {
		t.Fatalf("after start: status = %s, want RUNNING", snap.Status)
	}
	if snap.DiagramID != "demo" {
		t.Fatalf("diagram id = %q, want demo", snap.DiagramID)
	}
	if snap.StartTime == nil {
		t.Fatal("start time not recorded")
	}

	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: nodeID, Payload: EventPayload{ExecutionCount: 1}})
	snap, _ = m.Snapshot(execID)
	if got := snap.NodeStatus(nodeID); got != StatusRunning {
		t.Fatalf("after node start: status = %s, want RUNNING", got)
	}
	if got := snap.ExecCount(nodeID); got != 1 {
		t.Fatalf("execution count = %d, want 1", got)
	}

	out := envelope.NewFactory(nodeID, string(execID)).Text("done")
	m.Apply(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: nodeID, Payload: EventPayload{Output: out}})
	snap, _ = m.Snapshot(execID)
	if got := snap.NodeStatus(nodeID); got != StatusCompleted {
		t.Fatalf("after node complete: status = %s, want COMPLETED", got)
	}
	if env := snap.Output(nodeID); env == nil || env.AsText() != "done" {
		t.Fatalf("output envelope = %v, want text 'done'", env)
	}
	if !reflect.DeepEqual(snap.ExecutedNodes, []diagram.NodeID{nodeID}) {
		t.Fatalf("executed nodes = %v, want [%s]", snap.ExecutedNodes, nodeID)
	}

	m.Apply(Event{Type: ExecutionCompleted, ExecutionID: execID})
	snap, _ = m.Snapshot(execID)
	if snap.Status != ExecCompleted {
		t.Fatalf("final status = %s, want COMPLETED", snap.Status)
	}
	if snap.EndTime == nil {
		t.Fatal("end time not recorded")
	}
}

func TestReduceFailureAndSkip(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-fail")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID})
	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: "bad", Payload: EventPayload{ExecutionCount: 1}})
	m.Apply(Event{Type: NodeFailed, ExecutionID: execID, NodeID: "bad", Payload: EventPayload{Error: "boom", ErrorType: "HandlerError"}})
	m.Apply(Event{Type: NodeSkipped, ExecutionID: execID, NodeID: "dead", Payload: EventPayload{Reason: "branch not taken"}})
	m.Apply(Event{Type: ExecutionFailed, ExecutionID: execID, Payload: EventPayload{Error: "node bad failed"}})

	snap, _ := m.Snapshot(execID)
	bad := snap.Node("bad")
	if bad.Status != StatusFailed || bad.Error != "boom" {
		t.Fatalf("failed node = %+v, want FAILED with error boom", bad)
	}
	dead := snap.Node("dead")
	if dead.Status != StatusSkipped || dead.Reason != "branch not taken" {
		t.Fatalf("skipped node = %+v, want SKIPPED with reason", dead)
	}
	if snap.Status != ExecFailed || snap.Error != "node bad failed" {
		t.Fatalf("execution = %s error %q, want FAILED with error", snap.Status, snap.Error)
	}
}

func TestReduceResetReturnsNodeToPending(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-reset")
	nodeID := diagram.NodeID("loop")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID})
	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: nodeID, Payload: EventPayload{ExecutionCount: 1}})
	out := envelope.NewFactory(nodeID, string(execID)).Text("round 1")
	m.Apply(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: nodeID, Payload: EventPayload{Output: out}})
	m.Apply(Event{Type: NodeReset, ExecutionID: execID, NodeID: nodeID})

	snap, _ := m.Snapshot(execID)
	ns := snap.Node(nodeID)
	if ns.Status != StatusPending {
		t.Fatalf("after reset: status = %s, want PENDING", ns.Status)
	}
	if ns.ExecutionCount != 1 {
		t.Fatalf("reset must keep the execution count, got %d", ns.ExecutionCount)
	}
	if snap.Output(nodeID) == nil {
		t.Fatal("reset must keep the last output for downstream consumers")
	}
}

func TestReduceMaxIterReached(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-max")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID})
	m.Apply(Event{Type: NodeMaxIterReached, ExecutionID: execID, NodeID: "loop"})

	snap, _ := m.Snapshot(execID)
	if got := snap.NodeStatus("loop"); got != StatusMaxIterReached {
		t.Fatalf("status = %s, want MAXITER_REACHED", got)
	}
	if !snap.NodeStatus("loop").Satisfies() {
		t.Fatal("MAXITER_REACHED must satisfy downstream dependencies")
	}
}

func TestReduceAggregatesTokenUsage(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-tokens")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID})
	m.Apply(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: "a", Payload: EventPayload{
		TokenUsage: &llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}})
	m.Apply(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: "b", Payload: EventPayload{
		TokenUsage: &llm.Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10},
	}})

	snap, _ := m.Snapshot(execID)
	if snap.TokenUsage.InputTokens != 17 || snap.TokenUsage.OutputTokens != 8 || snap.TokenUsage.TotalTokens != 25 {
		t.Fatalf("aggregate usage = %+v, want 17/8/25", snap.TokenUsage)
	}
	a := snap.Node("a")
	if a.TokenUsage == nil || a.TokenUsage.TotalTokens != 15 {
		t.Fatalf("per-node usage = %+v, want total 15", a.TokenUsage)
	}
}

func TestReduceMergesVariables(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-vars")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID, Payload: EventPayload{
		Variables: map[string]any{"n": 3, "name": "dipeo"},
	}})
	m.Apply(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: "cond", Payload: EventPayload{
		Variables: map[string]any{"branch[cond]": "condtrue", "n": 4},
	}})

	snap, _ := m.Snapshot(execID)
	want := map[string]any{"n": 4, "name": "dipeo", "branch[cond]": "condtrue"}
	if !reflect.DeepEqual(snap.Variables, want) {
		t.Fatalf("variables = %v, want %v", snap.Variables, want)
	}
}

func TestReduceIgnoresUnknownEventTypes(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-unknown")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID})
	before, _ := m.Snapshot(execID)
	evt := m.Apply(Event{Type: EventType("SOMETHING_NEW"), ExecutionID: execID, NodeID: "n"})
	after, _ := m.Snapshot(execID)

	if after.Status != before.Status || len(after.Nodes) != len(before.Nodes) {
		t.Fatalf("unknown event mutated state: before %+v after %+v", before, after)
	}
	if after.Version <= before.Version {
		t.Fatalf("version must advance for every logged event: %d -> %d", before.Version, after.Version)
	}
	if evt.Meta.Seq != 2 {
		t.Fatalf("unknown events still get sequence numbers, got %d", evt.Meta.Seq)
	}
	if IsKnownEventType("SOMETHING_NEW") {
		t.Fatal("SOMETHING_NEW must not be a known event type")
	}
}

func TestRebuildMatchesSnapshot(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-rebuild")
	f := envelope.NewFactory("p1", string(execID))

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID, Payload: EventPayload{
		DiagramID: "loop", Variables: map[string]any{"n": 1},
	}})
	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: "p1", Payload: EventPayload{ExecutionCount: 1}})
	m.Apply(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: "p1", Payload: EventPayload{
		Output:     f.Text("one"),
		TokenUsage: &llm.Usage{InputTokens: 4, OutputTokens: 2, TotalTokens: 6},
	}})
	m.Apply(Event{Type: NodeReset, ExecutionID: execID, NodeID: "p1"})
	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: "p1", Payload: EventPayload{ExecutionCount: 2}})
	m.Apply(Event{Type: NodeMaxIterReached, ExecutionID: execID, NodeID: "p1"})
	m.Apply(Event{Type: ExecutionCompleted, ExecutionID: execID})

	snap, ok := m.Snapshot(execID)
	if !ok {
		t.Fatal("snapshot missing")
	}
	rebuilt, ok := m.Rebuild(execID)
	if !ok {
		t.Fatal("rebuild missing")
	}
	if !reflect.DeepEqual(snap, rebuilt) {
		t.Fatalf("rebuild diverged from snapshot:\n snap: %+v\n rebuilt: %+v", snap, rebuilt)
	}
}

func TestSnapshotIsIsolatedFromManager(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-iso")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID, Payload: EventPayload{
		Variables: map[string]any{"k": "v"},
	}})
	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: "n", Payload: EventPayload{ExecutionCount: 1}})

	snap, _ := m.Snapshot(execID)
	snap.Variables["k"] = "mutated"
	snap.Nodes["n"].Status = StatusFailed

	fresh, _ := m.Snapshot(execID)
	if fresh.Variables["k"] != "v" {
		t.Fatalf("snapshot mutation leaked into manager variables: %v", fresh.Variables)
	}
	if fresh.NodeStatus("n") != StatusRunning {
		t.Fatalf("snapshot mutation leaked into manager nodes: %s", fresh.NodeStatus("n"))
	}
}

func TestEventsSince(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-since")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID})
	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: "a", Payload: EventPayload{ExecutionCount: 1}})
	m.Apply(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: "a"})

	tests := []struct {
		name     string
		afterSeq uint64
		want     int
	}{
		{"from start", 0, 3},
		{"skip one", 1, 2},
		{"caught up", 3, 0},
		{"beyond end", 99, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.EventsSince(execID, tt.afterSeq)
			if len(got) != tt.want {
				t.Fatalf("EventsSince(%d) returned %d events, want %d", tt.afterSeq, len(got), tt.want)
			}
			if tt.want > 0 && got[0].Meta.Seq != tt.afterSeq+1 {
				t.Fatalf("first event seq = %d, want %d", got[0].Meta.Seq, tt.afterSeq+1)
			}
		})
	}

	if evts := m.EventsSince("no-such-exec", 0); evts != nil {
		t.Fatalf("unknown execution returned events: %v", evts)
	}
}

func TestQueryEvents(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-query")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID})
	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: "a", Payload: EventPayload{ExecutionCount: 1}})
	m.Apply(Event{Type: NodeCompleted, ExecutionID: execID, NodeID: "a"})
	m.Apply(Event{Type: NodeStarted, ExecutionID: execID, NodeID: "b", Payload: EventPayload{ExecutionCount: 1}})
	m.Apply(Event{Type: NodeFailed, ExecutionID: execID, NodeID: "b", Payload: EventPayload{Error: "boom"}})
	m.Apply(Event{Type: ExecutionFailed, ExecutionID: execID, Payload: EventPayload{Error: "boom"}})

	tests := []struct {
		name     string
		query    EventQuery
		wantSeqs []uint64
	}{
		{"everything", EventQuery{}, []uint64{1, 2, 3, 4, 5, 6}},
		{"one type", EventQuery{Types: []EventType{NodeStarted}}, []uint64{2, 4}},
		{"two types", EventQuery{Types: []EventType{NodeFailed, ExecutionFailed}}, []uint64{5, 6}},
		{"by node", EventQuery{NodeID: "b"}, []uint64{4, 5}},
		{"node and type", EventQuery{NodeID: "a", Types: []EventType{NodeCompleted}}, []uint64{3}},
		{"after seq", EventQuery{AfterSeq: 4}, []uint64{5, 6}},
		{"limit", EventQuery{Limit: 2}, []uint64{1, 2}},
		{"filter then limit", EventQuery{Types: []EventType{NodeStarted}, Limit: 1}, []uint64{2}},
		{"no match", EventQuery{NodeID: "missing"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.QueryEvents(execID, tt.query)
			var seqs []uint64
			for _, evt := range got {
				seqs = append(seqs, evt.Meta.Seq)
			}
			if !reflect.DeepEqual(seqs, tt.wantSeqs) {
				t.Fatalf("QueryEvents seqs = %v, want %v", seqs, tt.wantSeqs)
			}
		})
	}

	if evts := m.QueryEvents("no-such-exec", EventQuery{}); evts != nil {
		t.Fatalf("unknown execution returned events: %v", evts)
	}
}

func TestExecutionsSortsNewestFirst(t *testing.T) {
	m := NewStateManager()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: "old", Meta: EventMeta{Timestamp: base}})
	m.Apply(Event{Type: ExecutionStarted, ExecutionID: "new", Meta: EventMeta{Timestamp: base.Add(time.Hour)}})

	execs := m.Executions()
	if len(execs) != 2 {
		t.Fatalf("executions = %d, want 2", len(execs))
	}
	if execs[0].ExecutionID != "new" || execs[1].ExecutionID != "old" {
		t.Fatalf("order = [%s %s], want newest first", execs[0].ExecutionID, execs[1].ExecutionID)
	}
}

func TestClearDropsExecution(t *testing.T) {
	m := NewStateManager()
	execID := diagram.ExecutionID("exec-clear")

	m.Apply(Event{Type: ExecutionStarted, ExecutionID: execID})
	m.Clear(execID)

	if _, ok := m.Snapshot(execID); ok {
		t.Fatal("snapshot survived Clear")
	}
	if evts := m.Events(execID); evts != nil {
		t.Fatalf("events survived Clear: %v", evts)
	}
}
