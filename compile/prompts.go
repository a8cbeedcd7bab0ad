// ABOUTME: Prompt file resolution: inlines file-backed prompts into person_job node data.
// ABOUTME: Lookups probe diagram-local prompts/, then files/prompts/ under base, then base-relative.

package compile

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// PromptCache memoizes prompt file reads keyed by (diagram dir, filename), so
// repeated compilations of diagrams sharing a prompt library hit disk once.
type PromptCache struct {
	mu      sync.Mutex
	entries map[promptKey]promptEntry
}

type promptKey struct {
	dir  string
	name string
}

type promptEntry struct {
	content string
	found   bool
}

// NewPromptCache returns an empty cache safe for concurrent use.
func NewPromptCache() *PromptCache {
	return &PromptCache{entries: make(map[promptKey]promptEntry)}
}

func (p *PromptCache) lookup(key promptKey) (promptEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return e, ok
}

func (p *PromptCache) store(key promptKey, e promptEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = e
}

// ResolvePromptFiles inlines prompt file contents into each person_job node's
// data as resolved_prompt / resolved_first_prompt. A missing file is a
// warning, not an error: the node keeps the unresolved reference and falls
// back to its inline prompt at runtime.
func ResolvePromptFiles(d *diagram.Diagram, opts Options) []Diagnostic {
	cache := opts.Prompts
	if cache == nil {
		cache = NewPromptCache()
	}
	fsys := opts.filesystem()

	var diags []Diagnostic
	for _, n := range d.Nodes {
		if n.Kind != diagram.KindPersonJob {
			continue
		}
		diags = append(diags, resolveOne(n, "prompt_file", "resolved_prompt", cache, fsys, opts)...)
		diags = append(diags, resolveOne(n, "first_prompt_file", "resolved_first_prompt", cache, fsys, opts)...)
	}
	return diags
}

func resolveOne(n *diagram.Node, fileKey, resolvedKey string, cache *PromptCache, fsys fs.FileSystem, opts Options) []Diagnostic {
	name := n.StringProp(fileKey, "")
	if name == "" {
		return nil
	}

	key := promptKey{dir: opts.DiagramDir, name: name}
	entry, cached := cache.lookup(key)
	if !cached {
		entry = readPrompt(fsys, opts, name)
		cache.store(key, entry)
	}
	if !entry.found {
		return []Diagnostic{{
			Rule:     "prompt_file",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("prompt file %q not found for node %s; inline prompt will be used", name, n.ID),
			NodeID:   n.ID,
		}}
	}

	if n.Data == nil {
		n.Data = make(map[string]any)
	}
	n.Data[resolvedKey] = entry.content
	return nil
}

// readPrompt probes the prompt search path in priority order.
func readPrompt(fsys fs.FileSystem, opts Options, name string) promptEntry {
	var candidates []string
	if opts.DiagramDir != "" {
		candidates = append(candidates, filepath.Join(opts.DiagramDir, "prompts", name))
	}
	if opts.BaseDir != "" {
		candidates = append(candidates,
			filepath.Join(opts.BaseDir, "files", "prompts", name),
			filepath.Join(opts.BaseDir, name),
		)
	} else {
		candidates = append(candidates, filepath.Join("files", "prompts", name), name)
	}

	for _, path := range candidates {
		if !fsys.Exists(path) {
			continue
		}
		data, err := fsys.Read(path)
		if err != nil {
			continue
		}
		return promptEntry{content: string(data), found: true}
	}
	return promptEntry{}
}
