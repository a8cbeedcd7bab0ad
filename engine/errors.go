// ABOUTME: Error taxonomy for node execution: typed errors with kind labels for events and envelopes.
// ABOUTME: Every failure surfaced to the state layer carries a stable error_type string.

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// Error kind labels recorded in events and error envelopes.
const (
	ErrKindHandler    = "handler_error"
	ErrKindTimeout    = "timeout"
	ErrKindCancelled  = "cancelled"
	ErrKindNotFound   = "not_found"
	ErrKindIO         = "io_error"
	ErrKindValidation = "validation_error"
	ErrKindPanic      = "panic"
)

// HandlerError wraps a failure inside a node handler.
type HandlerError struct {
	NodeID diagram.NodeID
	Kind   diagram.NodeKind
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TimeoutError reports a node exceeding its execution budget.
type TimeoutError struct {
	NodeID  diagram.NodeID
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s timed out after %s", e.NodeID, e.Timeout)
}

// CancelledError reports a node torn down by execution cancellation.
type CancelledError struct {
	NodeID diagram.NodeID
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("node %s cancelled", e.NodeID)
}

// NotFoundError reports a missing referenced entity (diagram, person, file).
type NotFoundError struct {
	What string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.Name)
}

// IOError wraps a filesystem or network failure with the operation name.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ValidationError reports payload or config validation failures, with one
// message per violation.
type ValidationError struct {
	Subject    string
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("%s: %s", e.Subject, e.Violations[0])
	}
	return fmt.Sprintf("%s: %d violations (first: %s)", e.Subject, len(e.Violations), e.Violations[0])
}

// errorKind maps an error to its stable kind label.
func errorKind(err error) string {
	var te *TimeoutError
	var ce *CancelledError
	var nf *NotFoundError
	var io *IOError
	var ve *ValidationError
	switch {
	case errors.As(err, &te):
		return ErrKindTimeout
	case errors.As(err, &ce):
		return ErrKindCancelled
	case errors.As(err, &nf):
		return ErrKindNotFound
	case errors.As(err, &io):
		return ErrKindIO
	case errors.As(err, &ve):
		return ErrKindValidation
	default:
		return ErrKindHandler
	}
}
