// ABOUTME: Handle identifiers: named input/output ports on nodes.
// ABOUTME: A HandleID is "<node>_<label>_<direction>"; labels are single tokens without underscores.

package diagram

import (
	"fmt"
	"strings"
)

// HandleDirection distinguishes input from output ports.
type HandleDirection string

const (
	DirectionInput  HandleDirection = "input"
	DirectionOutput HandleDirection = "output"
)

// Well-known handle labels.
const (
	HandleDefault   = "default"
	HandleFirst     = "first"
	HandleCondTrue  = "condtrue"
	HandleCondFalse = "condfalse"
)

// Handle is a parsed handle reference.
type Handle struct {
	Node      NodeID
	Label     string
	Direction HandleDirection
}

// ID reassembles the composite handle identifier.
func (h Handle) ID() HandleID {
	return MakeHandleID(h.Node, h.Label, h.Direction)
}

// MakeHandleID builds the composite identifier for a node port.
func MakeHandleID(node NodeID, label string, dir HandleDirection) HandleID {
	return HandleID(fmt.Sprintf("%s_%s_%s", node, label, dir))
}

// ParseHandleID splits a composite handle identifier into its parts.
// The direction and label are the last two underscore-separated tokens;
// everything before them is the node id (node ids may contain underscores,
// handle labels may not).
func ParseHandleID(id HandleID) (Handle, error) {
	s := string(id)
	last := strings.LastIndex(s, "_")
	if last <= 0 {
		return Handle{}, fmt.Errorf("malformed handle id %q", id)
	}
	dir := HandleDirection(s[last+1:])
	if dir != DirectionInput && dir != DirectionOutput {
		return Handle{}, fmt.Errorf("handle id %q: direction must be input or output, got %q", id, dir)
	}
	rest := s[:last]
	second := strings.LastIndex(rest, "_")
	if second <= 0 {
		return Handle{}, fmt.Errorf("malformed handle id %q", id)
	}
	label := rest[second+1:]
	if label == "" {
		return Handle{}, fmt.Errorf("handle id %q: empty label", id)
	}
	node := NodeID(rest[:second])
	return Handle{Node: node, Label: label, Direction: dir}, nil
}

// IsConditionBranch reports whether the label names a condition output branch.
func IsConditionBranch(label string) bool {
	return label == HandleCondTrue || label == HandleCondFalse
}
