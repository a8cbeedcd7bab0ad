// ABOUTME: Tests for memory selection: modes, dedup, scoring, parsing, and the LLM selector.
// ABOUTME: Uses the mock LLM adapter; no network calls.

package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

func msgAt(id, from, to, content string, age time.Duration) Message {
	return Message{
		ID:        diagram.MessageID(id),
		From:      diagram.PersonID(from),
		To:        diagram.PersonID(to),
		Content:   content,
		Timestamp: time.Now().UTC().Add(-age),
	}
}

func TestMemorySettingsModes(t *testing.T) {
	tests := []struct {
		memorizeTo string
		goldfish   bool
		selector   bool
	}{
		{"", false, false},
		{"  ", false, false},
		{"GOLDFISH", true, false},
		{"goldfish", true, false},
		{" GOLDFISH ", true, false},
		{"decisions and action items", false, true},
	}
	for _, tt := range tests {
		s := MemorySettings{MemorizeTo: tt.memorizeTo}
		if s.IsGoldfish() != tt.goldfish {
			t.Errorf("IsGoldfish(%q) = %v, want %v", tt.memorizeTo, s.IsGoldfish(), tt.goldfish)
		}
		if s.UsesSelector() != tt.selector {
			t.Errorf("UsesSelector(%q) = %v, want %v", tt.memorizeTo, s.UsesSelector(), tt.selector)
		}
	}
}

func TestApplyAtMostPreservesSystem(t *testing.T) {
	msgs := []Message{
		msgAt("m1", "system", "p", "system rules", 5*time.Hour),
		msgAt("m2", "p", "q", "old chatter", 4*time.Hour),
		msgAt("m3", "q", "p", "mid chatter", 3*time.Hour),
		msgAt("m4", "p", "q", "recent one", 2*time.Hour),
		msgAt("m5", "q", "p", "recent two", 1*time.Hour),
	}

	got := ApplyAtMost(msgs, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "m1" {
		t.Errorf("system message dropped, got first = %s", got[0].ID)
	}
	if got[1].ID != "m4" || got[2].ID != "m5" {
		t.Errorf("kept %s,%s want most recent m4,m5", got[1].ID, got[2].ID)
	}
}

func TestApplyAtMostNoTrimNeeded(t *testing.T) {
	msgs := []Message{msgAt("m1", "a", "b", "x", time.Hour)}
	got := ApplyAtMost(msgs, 5)
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
	if got := ApplyAtMost(msgs, 0); len(got) != 1 {
		t.Errorf("atMost=0 should disable trimming, got len %d", len(got))
	}
}

func TestDedupeCollapsesNearDuplicates(t *testing.T) {
	msgs := []Message{
		msgAt("m1", "a", "b", "the quarterly report is ready for review", 3*time.Hour),
		msgAt("m2", "a", "b", "the quarterly report is ready for review now", 2*time.Hour),
		msgAt("m3", "a", "b", "completely different topic about deployment", time.Hour),
	}

	uniques, freq := Dedupe(msgs, 0.8)
	if len(uniques) != 2 {
		t.Fatalf("uniques = %d, want 2", len(uniques))
	}
	// Newest occurrence represents the duplicate pair.
	if uniques[0].ID != "m2" {
		t.Errorf("representative = %s, want m2 (newest of dup pair)", uniques[0].ID)
	}
	if freq[uniques[0].ID] != 2 {
		t.Errorf("freq = %d, want 2", freq[uniques[0].ID])
	}
	if freq["m3"] != 1 {
		t.Errorf("freq m3 = %d, want 1", freq["m3"])
	}
	// Chronological order restored.
	if !uniques[0].Timestamp.Before(uniques[1].Timestamp) {
		t.Error("uniques not in chronological order")
	}
}

func TestDedupeRespectsThreshold(t *testing.T) {
	msgs := []Message{
		msgAt("m1", "a", "b", "alpha beta gamma delta", 2*time.Hour),
		msgAt("m2", "a", "b", "alpha beta epsilon zeta", time.Hour),
	}
	// Overlap is 2/4 = 0.5.
	uniques, _ := Dedupe(msgs, 0.8)
	if len(uniques) != 2 {
		t.Errorf("uniques = %d at threshold 0.8, want 2", len(uniques))
	}
	uniques, _ = Dedupe(msgs, 0.4)
	if len(uniques) != 1 {
		t.Errorf("uniques = %d at threshold 0.4, want 1", len(uniques))
	}
}

func TestScoreRecencyAndSystemBonus(t *testing.T) {
	cfg := DefaultSelectionConfig()
	now := time.Now().UTC()

	fresh := msgAt("m1", "a", "b", "fresh", 0)
	stale := msgAt("m2", "a", "b", "stale", 10*time.Hour)
	if Score(fresh, 1, cfg, now) <= Score(stale, 1, cfg, now) {
		t.Error("fresh message should outscore stale one")
	}

	system := msgAt("m3", "system", "b", "rules", 10*time.Hour)
	if Score(system, 1, cfg, now) <= Score(stale, 1, cfg, now) {
		t.Error("system message should outscore same-age non-system")
	}

	if Score(stale, 5, cfg, now) <= Score(stale, 1, cfg, now) {
		t.Error("higher frequency should raise the score")
	}
}

func TestRankCandidatesHardCap(t *testing.T) {
	cfg := DefaultSelectionConfig()
	cfg.HardCap = 3

	var msgs []Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, msgAt(
			diagramID(i), "a", "b",
			strings.Repeat("word", i+1)+" unique content number "+diagramID(i),
			time.Duration(i)*time.Hour,
		))
	}

	top := RankCandidates(msgs, cfg, time.Now().UTC())
	if len(top) != 3 {
		t.Fatalf("top = %d, want 3", len(top))
	}
	// Most recent (age 0) must rank first with equal frequencies.
	if top[0].ID != diagram.MessageID(diagramID(0)) {
		t.Errorf("top[0] = %s, want %s", top[0].ID, diagramID(0))
	}
}

func diagramID(i int) string {
	return string(rune('a'+i)) + "00000"
}

func TestFormatCandidateListing(t *testing.T) {
	msgs := []Message{
		msgAt("aaa111", "alice", "bob", "short note", time.Hour),
	}
	listing := FormatCandidateListing(msgs, 120)
	want := "aaa111 (alice): short note\n"
	if listing != want {
		t.Errorf("listing = %q, want %q", listing, want)
	}
}

func TestParseSelectionResponse(t *testing.T) {
	valid := map[diagram.MessageID]bool{"aaa111": true, "bbb222": true, "ccc333": true}

	tests := []struct {
		name string
		text string
		want []diagram.MessageID
	}{
		{name: "direct array", text: `["aaa111", "bbb222"]`, want: []diagram.MessageID{"aaa111", "bbb222"}},
		{name: "fenced array", text: "```json\n[\"ccc333\"]\n```", want: []diagram.MessageID{"ccc333"}},
		{name: "wrapped object", text: `{"message_ids": ["bbb222"]}`, want: []diagram.MessageID{"bbb222"}},
		{name: "array inside prose", text: `Selected: ["aaa111"] based on criteria`, want: []diagram.MessageID{"aaa111"}},
		{name: "substring fallback", text: `I choose aaa111 and ccc333 as most relevant`, want: []diagram.MessageID{"aaa111", "ccc333"}},
		{name: "unknown ids dropped", text: `["zzz999", "aaa111"]`, want: []diagram.MessageID{"aaa111"}},
		{name: "total failure", text: `cannot comply`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSelectionResponse(tt.text, valid)
			if len(got) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("ids[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCandidateMessagesFiltering(t *testing.T) {
	conv := New()
	conv.Add(Message{From: "alice", To: "bob", Content: "keep"}, "e", "n")
	conv.Add(Message{From: "alice" + diagram.PersonID(SelectorSuffix), To: "alice", Content: "selector noise"}, "e", "n")
	conv.Add(Message{From: "spammer", To: "alice", Content: "ignored person"}, "e", "n")
	conv.Add(Message{From: "carol", To: "dave", Content: "not involving alice"}, "e", "n")

	got := CandidateMessages(conv, "alice", []diagram.PersonID{"spammer"})
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1", len(got))
	}
	if got[0].Content != "keep" {
		t.Errorf("candidate = %q, want keep", got[0].Content)
	}
}

func TestSelectForJobGoldfish(t *testing.T) {
	conv := New()
	conv.Add(Message{From: "alice", To: "bob", Content: "anything"}, "e", "n")

	person := &Person{ID: "alice"}
	got, err := SelectForJob(context.Background(), conv, person, MemorySettings{MemorizeTo: "GOLDFISH"}, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("goldfish memory = %d messages, want 0", len(got))
	}
}

func TestSelectForJobDefaultView(t *testing.T) {
	conv := New()
	for i := 0; i < 5; i++ {
		conv.Add(Message{From: "alice", To: "bob", Content: "m"}, "e", "n")
	}
	person := &Person{ID: "alice"}

	got, err := SelectForJob(context.Background(), conv, person, MemorySettings{AtMost: 3}, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("default memory = %d, want trimmed to 3", len(got))
	}
}

type scriptedSelector struct {
	ids []diagram.MessageID
	err error
	req SelectRequest
}

func (s *scriptedSelector) SelectMemories(_ context.Context, req SelectRequest) ([]diagram.MessageID, error) {
	s.req = req
	return s.ids, s.err
}

func TestSelectForJobSelectorSubsetAndSystem(t *testing.T) {
	conv := New()
	sys := conv.Add(Message{From: SystemSender, To: "alice", Content: "rules"}, "e", "n")
	m1 := conv.Add(Message{From: "alice", To: "bob", Content: "picked"}, "e", "n")
	conv.Add(Message{From: "bob", To: "alice", Content: "not picked"}, "e", "n")

	sel := &scriptedSelector{ids: []diagram.MessageID{m1.ID}}
	person := &Person{ID: "alice"}

	got, err := SelectForJob(context.Background(), conv, person, MemorySettings{MemorizeTo: "key decisions"}, "task", sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("selected = %d, want picked + system", len(got))
	}
	if got[0].ID != sys.ID || got[1].ID != m1.ID {
		t.Errorf("selected ids = %s,%s", got[0].ID, got[1].ID)
	}
	if sel.req.Criteria != "key decisions" || sel.req.TaskPreview != "task" {
		t.Errorf("request not threaded through: %+v", sel.req)
	}
}

func TestSelectForJobSelectorErrorIsTyped(t *testing.T) {
	conv := New()
	conv.Add(Message{From: "alice", To: "bob", Content: "x"}, "e", "n")

	sel := &scriptedSelector{err: errors.New("model unavailable")}
	person := &Person{ID: "alice"}

	_, err := SelectForJob(context.Background(), conv, person, MemorySettings{MemorizeTo: "stuff"}, "", sel)
	var selErr *SelectionError
	if !errors.As(err, &selErr) {
		t.Fatalf("error = %v (%T), want *SelectionError", err, err)
	}
	if selErr.PersonID != "alice" {
		t.Errorf("PersonID = %s, want alice", selErr.PersonID)
	}
}

func TestLLMSelectorEndToEnd(t *testing.T) {
	mock := llm.NewMockAdapter().EnqueueText(`["aaa111"]`)
	client := llm.NewClient(llm.WithAdapter("mock", mock))

	persons := NewPersonCache(nil)
	selector := NewLLMSelector(client, persons)

	person := &Person{
		ID:   "alice",
		Name: "Alice",
		LLM:  diagram.LLMConfig{Service: "mock", Model: "mock-model", SystemPrompt: "you are alice"},
	}

	candidates := []Message{
		msgAt("aaa111", "alice", "bob", "important decision about rollout", time.Hour),
		msgAt("bbb222", "bob", "alice", "lunch plans", 2*time.Hour),
	}

	ids, err := selector.SelectMemories(context.Background(), SelectRequest{
		Person:      person,
		Candidates:  candidates,
		TaskPreview: "summarize decisions",
		Criteria:    "decisions only",
		AtMost:      5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "aaa111" {
		t.Fatalf("ids = %v, want [aaa111]", ids)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.Phase != llm.PhaseMemorySelection {
		t.Errorf("phase = %s, want memory_selection", req.Phase)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("unexpected message shape: %+v", req.Messages)
	}
	if !strings.Contains(req.Messages[0].Content, "memory selection mode") {
		t.Error("selector facet system prompt not applied")
	}
	if !strings.Contains(req.Messages[1].Content, "aaa111") {
		t.Error("candidate listing missing from prompt")
	}
	if !strings.Contains(req.Messages[1].Content, "decisions only") {
		t.Error("criteria missing from prompt")
	}
	if !strings.Contains(req.Messages[1].Content, "at most 5") {
		t.Error("at_most constraint missing from prompt")
	}
}

func TestSelectorFacetCached(t *testing.T) {
	cache := NewPersonCache(nil)
	p := &Person{ID: "alice", Name: "Alice", LLM: diagram.LLMConfig{Service: "mock", Model: "m", SystemPrompt: "base"}}
	cache.Register(p)

	f1 := cache.Selector(p)
	f2 := cache.Selector(p)
	if f1 != f2 {
		t.Error("selector facet not cached")
	}
	if f1.ID != "alice"+diagram.PersonID(SelectorSuffix) {
		t.Errorf("facet id = %s", f1.ID)
	}
	if f1.LLM.SystemPrompt == "base" {
		t.Error("facet should replace the system prompt")
	}
	if !IsSelectorID(f1.ID) {
		t.Error("IsSelectorID(facet) = false")
	}
	if BasePersonID(f1.ID) != "alice" {
		t.Errorf("BasePersonID = %s, want alice", BasePersonID(f1.ID))
	}
}
