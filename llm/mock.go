// ABOUTME: Deterministic mock provider for diagrams and tests that run without network access.
// ABOUTME: Returns scripted results in order, falling back to echoing the last user message.

package llm

import (
	"context"
	"sync"
)

// MockAdapter implements ProviderAdapter with scripted results. Enqueued
// results and errors are consumed in call order; once exhausted, Complete
// echoes the last user message.
type MockAdapter struct {
	mu        sync.Mutex
	responses []*Result
	errors    []error
	callIndex int
	calls     []*Request
	closed    bool
}

// NewMockAdapter creates an empty mock adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

func (a *MockAdapter) Name() string { return "mock" }

// EnqueueResult schedules a result for a future Complete call.
func (a *MockAdapter) EnqueueResult(r *Result) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses = append(a.responses, r)
	a.errors = append(a.errors, nil)
	return a
}

// EnqueueText schedules a plain text result.
func (a *MockAdapter) EnqueueText(text string) *MockAdapter {
	return a.EnqueueResult(&Result{
		Text:       text,
		Model:      "mock-model",
		StopReason: "end_turn",
		Usage:      Usage{InputTokens: 1, OutputTokens: approxTokens(text)},
	})
}

// EnqueueError schedules an error for a future Complete call.
func (a *MockAdapter) EnqueueError(err error) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses = append(a.responses, nil)
	a.errors = append(a.errors, err)
	return a
}

// Complete records the request and returns the next scripted result.
func (a *MockAdapter) Complete(_ context.Context, req *Request) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, req.Clone())
	idx := a.callIndex
	a.callIndex++

	if idx < len(a.errors) && a.errors[idx] != nil {
		return nil, a.errors[idx]
	}
	if idx < len(a.responses) && a.responses[idx] != nil {
		return a.responses[idx], nil
	}

	text := "mock response"
	var inputChars int
	for _, m := range req.Messages {
		inputChars += len(m.Content)
		if m.Role == RoleUser && m.Content != "" {
			text = m.Content
		}
	}
	return &Result{
		Text:       text,
		Model:      "mock-model",
		StopReason: "end_turn",
		Usage: Usage{
			InputTokens:  approxChars(inputChars),
			OutputTokens: approxTokens(text),
		},
	}, nil
}

func (a *MockAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Calls returns a copy of the requests seen so far.
func (a *MockAdapter) Calls() []*Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Request, len(a.calls))
	copy(out, a.calls)
	return out
}

// Closed reports whether Close has been called.
func (a *MockAdapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func approxTokens(s string) int { return approxChars(len(s)) }

func approxChars(n int) int {
	t := n / 4
	if t < 1 {
		t = 1
	}
	return t
}

var _ ProviderAdapter = (*MockAdapter)(nil)
