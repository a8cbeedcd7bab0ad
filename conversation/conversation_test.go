// ABOUTME: Tests for the global conversation log and person views.
// ABOUTME: Covers stamping, append order, view filtering, and goldfish purging.

package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

func TestAddStampsMissingFields(t *testing.T) {
	conv := New()
	stored := conv.Add(Message{
		From:    "alice",
		To:      "bob",
		Content: "hello",
	}, "exec_1", "node_1")

	if stored.ID == "" || len(stored.ID) != 6 {
		t.Errorf("ID = %q, want 6-char id", stored.ID)
	}
	if stored.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
	if stored.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", stored.Timestamp.Location())
	}
	if stored.ExecutionID != "exec_1" || stored.NodeID != "node_1" {
		t.Errorf("execution/node = %s/%s, want exec_1/node_1", stored.ExecutionID, stored.NodeID)
	}
}

func TestAddKeepsProvidedFields(t *testing.T) {
	conv := New()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := conv.Add(Message{
		ID:        "abc123",
		From:      "alice",
		To:        "bob",
		Content:   "hi",
		Timestamp: ts,
	}, "exec_1", "node_1")

	if stored.ID != "abc123" {
		t.Errorf("ID = %q, want abc123", stored.ID)
	}
	if !stored.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", stored.Timestamp, ts)
	}
}

func TestMessagesSnapshotIsolation(t *testing.T) {
	conv := New()
	conv.Add(Message{From: "a", To: "b", Content: "one"}, "e", "n")

	snap := conv.Messages()
	snap[0].Content = "tampered"

	if got := conv.Messages()[0].Content; got != "one" {
		t.Errorf("log mutated through snapshot: %q", got)
	}
}

func TestViewForFiltersInvolvement(t *testing.T) {
	conv := New()
	conv.Add(Message{From: "alice", To: "bob", Content: "a->b"}, "e", "n")
	conv.Add(Message{From: "bob", To: "carol", Content: "b->c"}, "e", "n")
	conv.Add(Message{From: SystemSender, To: "alice", Content: "sys->a"}, "e", "n")

	view := conv.ViewFor("alice")
	if len(view) != 2 {
		t.Fatalf("view size = %d, want 2", len(view))
	}
	if view[0].Content != "a->b" || view[1].Content != "sys->a" {
		t.Errorf("view order wrong: %q, %q", view[0].Content, view[1].Content)
	}

	if got := len(conv.ViewFor("carol")); got != 1 {
		t.Errorf("carol view size = %d, want 1", got)
	}
	if got := len(conv.ViewFor("nobody")); got != 0 {
		t.Errorf("nobody view size = %d, want 0", got)
	}
}

func TestRemoveInvolving(t *testing.T) {
	conv := New()
	conv.Add(Message{From: "alice", To: "bob", Content: "1"}, "e", "n")
	conv.Add(Message{From: "carol", To: "dave", Content: "2"}, "e", "n")
	conv.Add(Message{From: "bob", To: "alice", Content: "3"}, "e", "n")

	removed := conv.RemoveInvolving("alice")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if conv.Len() != 1 {
		t.Errorf("remaining = %d, want 1", conv.Len())
	}
	if conv.Messages()[0].Content != "2" {
		t.Errorf("survivor = %q, want 2", conv.Messages()[0].Content)
	}
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	conv := New()
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				conv.Add(Message{
					From:    diagram.PersonID(fmt.Sprintf("p%d", w)),
					To:      "hub",
					Content: fmt.Sprintf("msg %d/%d", w, i),
				}, "exec", "node")
			}
		}(w)
	}
	wg.Wait()

	if got := conv.Len(); got != writers*perWriter {
		t.Errorf("len = %d, want %d", got, writers*perWriter)
	}
}

func TestByID(t *testing.T) {
	conv := New()
	stored := conv.Add(Message{From: "a", To: "b", Content: "x"}, "e", "n")

	if _, ok := conv.ByID(stored.ID); !ok {
		t.Error("stored message not found by id")
	}
	if _, ok := conv.ByID("zzzzzz"); ok {
		t.Error("found a message that was never added")
	}
}

func TestSnippet(t *testing.T) {
	m := Message{Content: "line one\nline two with more text"}
	got := m.Snippet(12)
	if got != "line one lin..." {
		t.Errorf("Snippet = %q", got)
	}
	if short := (Message{Content: "hi"}).Snippet(10); short != "hi" {
		t.Errorf("short Snippet = %q, want unchanged", short)
	}
}
