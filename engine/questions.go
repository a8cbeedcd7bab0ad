// ABOUTME: Question broker: bridges blocking interviewer asks to HTTP list/answer endpoints.
// ABOUTME: Each ask parks on a channel until a monitor client posts the answer or the ask expires.

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// PendingQuestion is the monitor-facing view of one interviewer ask.
type PendingQuestion struct {
	ID          string              `json:"id"`
	ExecutionID diagram.ExecutionID `json:"execution_id"`
	NodeID      diagram.NodeID      `json:"node_id"`
	Prompt      string              `json:"prompt"`
	Default     string              `json:"default,omitempty"`
	AskedAt     time.Time           `json:"asked_at"`
	Answered    bool                `json:"answered"`
	Answer      string              `json:"answer,omitempty"`
}

// QuestionBroker implements Interviewer over a pending-question list that
// the monitor server exposes. Ask blocks until Answer delivers a reply or
// the ask's context ends.
type QuestionBroker struct {
	mu        sync.Mutex
	questions map[diagram.ExecutionID][]*PendingQuestion
	waiters   map[string]chan string
}

// NewQuestionBroker returns an empty broker.
func NewQuestionBroker() *QuestionBroker {
	return &QuestionBroker{
		questions: make(map[diagram.ExecutionID][]*PendingQuestion),
		waiters:   make(map[string]chan string),
	}
}

// Ask parks the question until an answer arrives. Context expiry abandons
// the question; the entry stays listed as unanswered for the record.
func (b *QuestionBroker) Ask(ctx context.Context, q Question) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	pq := &PendingQuestion{
		ID:          uuid.NewString(),
		ExecutionID: q.ExecutionID,
		NodeID:      q.NodeID,
		Prompt:      q.Prompt,
		Default:     q.Default,
		AskedAt:     q.AskedAt,
	}
	ch := make(chan string, 1)

	b.mu.Lock()
	b.questions[q.ExecutionID] = append(b.questions[q.ExecutionID], pq)
	b.waiters[pq.ID] = ch
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiters, pq.ID)
		b.mu.Unlock()
		return "", ctx.Err()
	case answer := <-ch:
		return answer, nil
	}
}

// Pending returns the execution's unanswered questions, oldest first.
func (b *QuestionBroker) Pending(execID diagram.ExecutionID) []PendingQuestion {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PendingQuestion, 0)
	for _, pq := range b.questions[execID] {
		if !pq.Answered {
			out = append(out, *pq)
		}
	}
	return out
}

// Answer resolves one question by id. Returns false when the id is unknown
// for the execution or already answered.
func (b *QuestionBroker) Answer(execID diagram.ExecutionID, questionID, answer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pq := range b.questions[execID] {
		if pq.ID != questionID || pq.Answered {
			continue
		}
		pq.Answered = true
		pq.Answer = answer
		if ch, ok := b.waiters[questionID]; ok {
			delete(b.waiters, questionID)
			ch <- answer
		}
		return true
	}
	return false
}

// Clear drops an execution's question history.
func (b *QuestionBroker) Clear(execID diagram.ExecutionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pq := range b.questions[execID] {
		delete(b.waiters, pq.ID)
	}
	delete(b.questions, execID)
}
