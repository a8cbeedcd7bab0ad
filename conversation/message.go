// ABOUTME: Message type for the global conversation log.
// ABOUTME: Ids are short random hex; timestamps are always UTC.

package conversation

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// SystemSender is the reserved sender id for system-originated messages.
const SystemSender = diagram.PersonID("system")

// UserSender is the reserved sender id for external user input.
const UserSender = diagram.PersonID("user")

// Message is one entry in the global conversation.
type Message struct {
	ID          diagram.MessageID   `json:"id"`
	From        diagram.PersonID    `json:"from_person_id"`
	To          diagram.PersonID    `json:"to_person_id"`
	Content     string              `json:"content"`
	Timestamp   time.Time           `json:"timestamp"`
	NodeID      diagram.NodeID      `json:"node_id,omitempty"`
	ExecutionID diagram.ExecutionID `json:"execution_id,omitempty"`
	TokenCount  int                 `json:"token_count,omitempty"`
}

// NewMessageID returns a 6-character random hex id.
func NewMessageID() diagram.MessageID {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		return diagram.MessageID("000000")
	}
	return diagram.MessageID(hex.EncodeToString(b[:]))
}

// Involves reports whether the person is sender or recipient.
func (m Message) Involves(p diagram.PersonID) bool {
	return m.From == p || m.To == p
}

// IsSystem reports whether the message originated from the system.
func (m Message) IsSystem() bool {
	return m.From == SystemSender
}

// Snippet returns the content truncated to limit runes.
func (m Message) Snippet(limit int) string {
	s := strings.TrimSpace(m.Content)
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// wordSet lowercases and splits content into a set of words.
func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// wordOverlap computes |A ∩ B| / min(|A|, |B|) over the messages' word sets.
func wordOverlap(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	smaller := sa
	larger := sb
	if len(sb) < len(sa) {
		smaller, larger = sb, sa
	}
	shared := 0
	for w := range smaller {
		if _, ok := larger[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(smaller))
}
