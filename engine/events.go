// ABOUTME: Domain events: the closed vocabulary by which execution state changes.
// ABOUTME: Events are immutable once published; enrichment stamps seq and timestamps before fan-out.

package engine

import (
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// EventType names one kind of state transition.
type EventType string

const (
	ExecutionStarted   EventType = "EXECUTION_STARTED"
	ExecutionCompleted EventType = "EXECUTION_COMPLETED"
	ExecutionFailed    EventType = "EXECUTION_FAILED"
	NodeStarted        EventType = "NODE_STARTED"
	NodeCompleted      EventType = "NODE_COMPLETED"
	NodeFailed         EventType = "NODE_FAILED"
	NodeSkipped        EventType = "NODE_SKIPPED"
	NodeMaxIterReached EventType = "NODE_MAXITER_REACHED"
	// NodeReset re-readies an iterative node (COMPLETED -> PENDING) when new
	// upstream input arrives and the iteration cap is not exhausted.
	NodeReset EventType = "NODE_RESET"
)

// EventMeta is stamped at publish time.
type EventMeta struct {
	// Seq is per-execution, monotonic, gap-free, starting at 1.
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID ties events of one execution together across sinks.
	CorrelationID string `json:"correlation_id,omitempty"`
	// UptimeMS is milliseconds since the execution started.
	UptimeMS int64 `json:"uptime_ms,omitempty"`
}

// EventPayload carries the type-specific fields. Only the fields relevant to
// the event's type are set; the rest stay zero.
type EventPayload struct {
	// Variables merge into execution variables (EXECUTION_STARTED seeds them;
	// NODE_COMPLETED may add branch decisions and other handler outputs).
	Variables map[string]any `json:"variables,omitempty"`
	// Output is the envelope produced by a completed node.
	Output *envelope.Envelope `json:"output,omitempty"`
	// ExecutionCount is the node's new count on NODE_STARTED.
	ExecutionCount int `json:"execution_count,omitempty"`
	// Error and ErrorType describe NODE_FAILED / EXECUTION_FAILED.
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	// Reason explains NODE_SKIPPED.
	Reason string `json:"reason,omitempty"`
	// TokenUsage accumulates into the execution aggregate on NODE_COMPLETED.
	TokenUsage *llm.Usage `json:"token_usage,omitempty"`
	// DiagramID labels EXECUTION_STARTED.
	DiagramID string `json:"diagram_id,omitempty"`
}

// Event is one immutable state transition.
type Event struct {
	Type        EventType           `json:"type"`
	ExecutionID diagram.ExecutionID `json:"execution_id"`
	NodeID      diagram.NodeID      `json:"node_id,omitempty"`
	Payload     EventPayload        `json:"payload"`
	Meta        EventMeta           `json:"meta"`
}

// knownEventTypes is the closed set; unknown types are logged but do not
// mutate state.
var knownEventTypes = map[EventType]bool{
	ExecutionStarted:   true,
	ExecutionCompleted: true,
	ExecutionFailed:    true,
	NodeStarted:        true,
	NodeCompleted:      true,
	NodeFailed:         true,
	NodeSkipped:        true,
	NodeMaxIterReached: true,
	NodeReset:          true,
}

// IsKnownEventType reports whether the type belongs to the closed set.
func IsKnownEventType(t EventType) bool { return knownEventTypes[t] }
