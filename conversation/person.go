// ABOUTME: Runtime person entities and the per-execution person cache.
// ABOUTME: Selector facets are derived persons used only for memory selection calls.

package conversation

import (
	"strings"
	"sync"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// SelectorSuffix marks the derived memory-selection facet of a person.
const SelectorSuffix = ".__selector"

const selectorSystemPrompt = `You are operating in memory selection mode. You will be shown a list of candidate messages, each with an id. Select the message ids most relevant to the given criteria and task. Respond with ONLY a JSON array of message id strings, nothing else.`

// Person is a runtime LLM agent bound to a provider configuration.
type Person struct {
	ID   diagram.PersonID
	Name string
	LLM  diagram.LLMConfig
}

// NewPerson builds a runtime person from its diagram declaration.
func NewPerson(p diagram.Person) *Person {
	return &Person{ID: p.ID, Name: p.Name, LLM: p.LLMConfig}
}

// SelectorFacet derives the person used for memory selection calls. The
// facet shares the provider configuration but swaps the system prompt for
// selection instructions.
func (p *Person) SelectorFacet() *Person {
	facet := &Person{
		ID:   p.ID + diagram.PersonID(SelectorSuffix),
		Name: p.Name + " (selector)",
		LLM:  p.LLM,
	}
	facet.LLM.SystemPrompt = selectorSystemPrompt
	return facet
}

// IsSelectorID reports whether the id names a selector facet.
func IsSelectorID(id diagram.PersonID) bool {
	return strings.HasSuffix(string(id), SelectorSuffix)
}

// BasePersonID strips the selector suffix, if present.
func BasePersonID(id diagram.PersonID) diagram.PersonID {
	return diagram.PersonID(strings.TrimSuffix(string(id), SelectorSuffix))
}

// PersonCache registers persons for one execution. Selector facets are
// created once per person and reused.
type PersonCache struct {
	mu        sync.Mutex
	persons   map[diagram.PersonID]*Person
	selectors map[diagram.PersonID]*Person
}

// NewPersonCache seeds a cache from diagram person declarations.
func NewPersonCache(declared map[diagram.PersonID]diagram.Person) *PersonCache {
	c := &PersonCache{
		persons:   make(map[diagram.PersonID]*Person),
		selectors: make(map[diagram.PersonID]*Person),
	}
	for id, p := range declared {
		c.persons[id] = NewPerson(p)
	}
	return c
}

// Get returns the person with the given id.
func (c *PersonCache) Get(id diagram.PersonID) (*Person, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.persons[id]
	return p, ok
}

// Register adds or replaces a person.
func (c *PersonCache) Register(p *Person) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persons[p.ID] = p
}

// Selector returns the cached selector facet for the person, creating it
// on first use.
func (c *PersonCache) Selector(base *Person) *Person {
	c.mu.Lock()
	defer c.mu.Unlock()
	if facet, ok := c.selectors[base.ID]; ok {
		return facet
	}
	facet := base.SelectorFacet()
	c.selectors[base.ID] = facet
	return facet
}

// All returns the registered persons (excluding selector facets).
func (c *PersonCache) All() []*Person {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Person, 0, len(c.persons))
	for _, p := range c.persons {
		out = append(out, p)
	}
	return out
}
