// ABOUTME: Memory selection: what a person remembers before an LLM call.
// ABOUTME: Default view, GOLDFISH amnesia, or LLM-assisted selection with dedup and scoring.

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// Goldfish is the memorize_to sentinel for no memory at all. Messages
// involving the person are purged from the log after the job completes.
const Goldfish = "GOLDFISH"

// MemorySettings are the per-node memory controls of a PersonJob.
type MemorySettings struct {
	MemorizeTo   string
	AtMost       int
	IgnorePerson []diagram.PersonID
}

// IsGoldfish reports whether the settings request the amnesia mode.
func (s MemorySettings) IsGoldfish() bool {
	return strings.EqualFold(strings.TrimSpace(s.MemorizeTo), Goldfish)
}

// UsesSelector reports whether the settings request LLM-assisted selection.
func (s MemorySettings) UsesSelector() bool {
	return strings.TrimSpace(s.MemorizeTo) != "" && !s.IsGoldfish()
}

// SelectionConfig tunes the LLM-assisted selection pipeline.
type SelectionConfig struct {
	// WordOverlapThreshold marks two messages near-duplicates when the
	// intersection over the smaller word set reaches it.
	WordOverlapThreshold float64
	// DecayTau is the recency half-life parameter in seconds.
	DecayTau float64
	// RecencyWeight and FrequencyWeight combine the two score components.
	RecencyWeight   float64
	FrequencyWeight float64
	// HardCap bounds how many ranked candidates the selector model sees.
	HardCap int
	// SnippetLen caps the per-message preview in the candidate listing.
	SnippetLen int
	// MaxTokens bounds the selector completion.
	MaxTokens int
	// TaskPreviewLen caps the upcoming-prompt preview shown to the selector.
	TaskPreviewLen int
}

// DefaultSelectionConfig returns the standard tuning.
func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		WordOverlapThreshold: 0.8,
		DecayTau:             3600,
		RecencyWeight:        0.6,
		FrequencyWeight:      0.4,
		HardCap:              30,
		SnippetLen:           120,
		MaxTokens:            500,
		TaskPreviewLen:       500,
	}
}

// SelectRequest asks a Selector which candidate messages to keep.
type SelectRequest struct {
	Person      *Person
	Candidates  []Message
	TaskPreview string
	Criteria    string
	AtMost      int
}

// Selector chooses memories for a person. Implementations must return a
// subset of the candidate ids; unknown ids are discarded by callers.
type Selector interface {
	SelectMemories(ctx context.Context, req SelectRequest) ([]diagram.MessageID, error)
}

// SelectionError wraps a selector failure. Callers treat it as non-fatal
// and fall back to the default view.
type SelectionError struct {
	PersonID diagram.PersonID
	Err      error
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("memory selection for %s: %v", e.PersonID, e.Err)
}

func (e *SelectionError) Unwrap() error { return e.Err }

// DefaultMemory is the no-criteria path: everything involving the person,
// trimmed to at_most.
func DefaultMemory(conv *Conversation, person diagram.PersonID, atMost int) []Message {
	return ApplyAtMost(conv.ViewFor(person), atMost)
}

// CandidateMessages filters the person's view down to selector input:
// selector-facet chatter and ignored persons are excluded.
func CandidateMessages(conv *Conversation, person diagram.PersonID, ignore []diagram.PersonID) []Message {
	ignored := make(map[diagram.PersonID]bool, len(ignore))
	for _, id := range ignore {
		ignored[id] = true
	}
	var out []Message
	for _, m := range conv.ViewFor(person) {
		if IsSelectorID(m.From) || IsSelectorID(m.To) {
			continue
		}
		if ignored[m.From] || ignored[m.To] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SelectForJob resolves the memory controls for one PersonJob invocation.
// GOLDFISH yields no memory (the caller purges afterwards); empty criteria
// yields the default view; otherwise the selector picks. Selector failures
// return a *SelectionError so callers can degrade to the default view.
func SelectForJob(ctx context.Context, conv *Conversation, person *Person, settings MemorySettings, taskPreview string, selector Selector) ([]Message, error) {
	if settings.IsGoldfish() {
		return nil, nil
	}
	if !settings.UsesSelector() {
		return DefaultMemory(conv, person.ID, settings.AtMost), nil
	}

	candidates := CandidateMessages(conv, person.ID, settings.IgnorePerson)
	if len(candidates) == 0 {
		return nil, nil
	}
	if selector == nil {
		return DefaultMemory(conv, person.ID, settings.AtMost), nil
	}

	ids, err := selector.SelectMemories(ctx, SelectRequest{
		Person:      person,
		Candidates:  candidates,
		TaskPreview: taskPreview,
		Criteria:    settings.MemorizeTo,
		AtMost:      settings.AtMost,
	})
	if err != nil {
		return nil, &SelectionError{PersonID: person.ID, Err: err}
	}

	chosen := make(map[diagram.MessageID]bool, len(ids))
	for _, id := range ids {
		chosen[id] = true
	}
	var selected []Message
	for _, m := range candidates {
		// System messages survive selection unconditionally.
		if chosen[m.ID] || m.IsSystem() {
			selected = append(selected, m)
		}
	}
	return ApplyAtMost(selected, settings.AtMost), nil
}

// ApplyAtMost trims to at most n messages, keeping every system message
// and then the most recent others. Original order is preserved.
func ApplyAtMost(msgs []Message, atMost int) []Message {
	if atMost <= 0 || len(msgs) <= atMost {
		return msgs
	}
	keep := make(map[diagram.MessageID]bool, atMost)
	systemCount := 0
	for _, m := range msgs {
		if m.IsSystem() {
			keep[m.ID] = true
			systemCount++
		}
	}
	slots := atMost - systemCount
	for i := len(msgs) - 1; i >= 0 && slots > 0; i-- {
		if msgs[i].IsSystem() {
			continue
		}
		keep[msgs[i].ID] = true
		slots--
	}
	out := make([]Message, 0, atMost)
	for _, m := range msgs {
		if keep[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// Dedupe collapses near-duplicate messages, keeping the newest occurrence
// as representative and counting how often each content recurred. Results
// come back in chronological order.
func Dedupe(msgs []Message, threshold float64) ([]Message, map[diagram.MessageID]int) {
	var uniques []Message
	freq := make(map[diagram.MessageID]int)

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		dup := false
		for _, u := range uniques {
			if wordOverlap(m.Content, u.Content) >= threshold {
				freq[u.ID]++
				dup = true
				break
			}
		}
		if !dup {
			uniques = append(uniques, m)
			freq[m.ID] = 1
		}
	}

	for i, j := 0, len(uniques)-1; i < j; i, j = i+1, j-1 {
		uniques[i], uniques[j] = uniques[j], uniques[i]
	}
	return uniques, freq
}

// Score computes the composite relevance score for one message.
func Score(m Message, frequency int, cfg SelectionConfig, now time.Time) float64 {
	age := now.Sub(m.Timestamp).Seconds()
	if age < 0 {
		age = 0
	}
	recency := 100 * math.Exp(-age/cfg.DecayTau)

	freqScore := math.Min(100, 30+20*float64(frequency-1))
	if m.IsSystem() {
		freqScore += 30
	}
	return cfg.RecencyWeight*recency + cfg.FrequencyWeight*freqScore
}

// RankCandidates dedupes, scores, and returns the top candidates by score
// (highest first), capped at cfg.HardCap.
func RankCandidates(msgs []Message, cfg SelectionConfig, now time.Time) []Message {
	uniques, freq := Dedupe(msgs, cfg.WordOverlapThreshold)

	type scored struct {
		msg   Message
		score float64
	}
	ranked := make([]scored, 0, len(uniques))
	for _, m := range uniques {
		ranked = append(ranked, scored{msg: m, score: Score(m, freq[m.ID], cfg, now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	n := len(ranked)
	if cfg.HardCap > 0 && n > cfg.HardCap {
		n = cfg.HardCap
	}
	out := make([]Message, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.msg)
	}
	return out
}

// FormatCandidateListing renders the compact per-message listing shown to
// the selector model.
func FormatCandidateListing(msgs []Message, snippetLen int) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s (%s): %s\n", m.ID, m.From, m.Snippet(snippetLen))
	}
	return b.String()
}

var jsonArrayPattern = regexp.MustCompile(`\[[^\[\]]*\]`)

// ParseSelectionResponse extracts message ids from a selector completion.
// It tries, in order: a direct JSON array, a {"message_ids": [...]} object,
// the first bracketed array in the text, and finally substring matching of
// known candidate ids. Unknown ids are dropped.
func ParseSelectionResponse(text string, valid map[diagram.MessageID]bool) []diagram.MessageID {
	filter := func(raw []string) []diagram.MessageID {
		var out []diagram.MessageID
		seen := make(map[diagram.MessageID]bool)
		for _, s := range raw {
			id := diagram.MessageID(strings.TrimSpace(s))
			if valid[id] && !seen[id] {
				out = append(out, id)
				seen[id] = true
			}
		}
		return out
	}

	doc := llm.ExtractJSONDocument(text)

	var direct []string
	if doc != "" && json.Unmarshal([]byte(doc), &direct) == nil {
		if ids := filter(direct); len(ids) > 0 {
			return ids
		}
	}

	var wrapped struct {
		MessageIDs []string `json:"message_ids"`
	}
	if doc != "" && json.Unmarshal([]byte(doc), &wrapped) == nil {
		if ids := filter(wrapped.MessageIDs); len(ids) > 0 {
			return ids
		}
	}

	if m := jsonArrayPattern.FindString(text); m != "" {
		var arr []string
		if json.Unmarshal([]byte(m), &arr) == nil {
			if ids := filter(arr); len(ids) > 0 {
				return ids
			}
		}
	}

	var matched []diagram.MessageID
	for id := range valid {
		if strings.Contains(text, string(id)) {
			matched = append(matched, id)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	return matched
}

// LLMSelector implements Selector with a selector-facet completion call.
type LLMSelector struct {
	Client  *llm.Client
	Persons *PersonCache
	Config  SelectionConfig
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewLLMSelector builds a selector with default tuning.
func NewLLMSelector(client *llm.Client, persons *PersonCache) *LLMSelector {
	return &LLMSelector{Client: client, Persons: persons, Config: DefaultSelectionConfig()}
}

// SelectMemories ranks candidates, asks the selector facet, and returns
// the chosen ids (always a subset of the candidates).
func (s *LLMSelector) SelectMemories(ctx context.Context, req SelectRequest) ([]diagram.MessageID, error) {
	if len(req.Candidates) == 0 {
		return nil, nil
	}
	cfg := s.Config
	if cfg.HardCap == 0 {
		cfg = DefaultSelectionConfig()
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}

	top := RankCandidates(req.Candidates, cfg, now)
	listing := FormatCandidateListing(top, cfg.SnippetLen)

	facet := req.Person.SelectorFacet()
	if s.Persons != nil {
		facet = s.Persons.Selector(req.Person)
	}

	var prompt strings.Builder
	prompt.WriteString("CANDIDATE MESSAGES:\n")
	prompt.WriteString(listing)
	if req.TaskPreview != "" {
		preview := req.TaskPreview
		if cfg.TaskPreviewLen > 0 && len(preview) > cfg.TaskPreviewLen {
			preview = preview[:cfg.TaskPreviewLen] + "..."
		}
		prompt.WriteString("\nUPCOMING TASK:\n")
		prompt.WriteString(preview)
		prompt.WriteString("\n")
	}
	prompt.WriteString("\nSELECTION CRITERIA: ")
	prompt.WriteString(req.Criteria)
	prompt.WriteString("\n")
	if req.AtMost > 0 {
		fmt.Fprintf(&prompt, "Select at most %d message ids.\n", req.AtMost)
	}
	prompt.WriteString("Respond with a JSON array of message id strings.")

	temperature := 0.0
	maxTokens := cfg.MaxTokens
	result, err := s.Client.Complete(ctx, &llm.Request{
		Service:  facet.LLM.Service,
		Model:    facet.LLM.Model,
		APIKeyID: string(facet.LLM.APIKeyID),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: facet.LLM.SystemPrompt},
			{Role: llm.RoleUser, Content: prompt.String()},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Phase:       llm.PhaseMemorySelection,
	})
	if err != nil {
		return nil, err
	}

	valid := make(map[diagram.MessageID]bool, len(req.Candidates))
	for _, m := range req.Candidates {
		valid[m.ID] = true
	}
	return ParseSelectionResponse(result.Text, valid), nil
}

var _ Selector = (*LLMSelector)(nil)
