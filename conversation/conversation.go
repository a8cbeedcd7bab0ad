// ABOUTME: Global append-only conversation shared by all persons in an execution.
// ABOUTME: Appends serialize under a lock; reads return snapshot copies; views are filters.

package conversation

import (
	"sync"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// Conversation is the single message log per execution. Person "memory"
// is always a filtered view over this log, never a copy.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

// New creates an empty conversation.
func New() *Conversation {
	return &Conversation{}
}

// Add stamps missing fields (id, timestamp, execution and node ids) and
// appends the message. The stored message is returned.
func (c *Conversation) Add(msg Message, executionID diagram.ExecutionID, nodeID diagram.NodeID) Message {
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	} else {
		msg.Timestamp = msg.Timestamp.UTC()
	}
	if msg.ExecutionID == "" {
		msg.ExecutionID = executionID
	}
	if msg.NodeID == "" {
		msg.NodeID = nodeID
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return msg
}

// Messages returns a snapshot copy of the full log in append order.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// ViewFor returns the messages involving the person (sender or recipient),
// in append order.
func (c *Conversation) ViewFor(person diagram.PersonID) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Message
	for _, m := range c.messages {
		if m.Involves(person) {
			out = append(out, m)
		}
	}
	return out
}

// RemoveInvolving deletes all messages involving the person and reports
// how many were removed. Used by forgetful persons after completion.
func (c *Conversation) RemoveInvolving(person diagram.PersonID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.messages[:0]
	removed := 0
	for _, m := range c.messages {
		if m.Involves(person) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	c.messages = kept
	return removed
}

// ByID returns the message with the given id, if present.
func (c *Conversation) ByID(id diagram.MessageID) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}
