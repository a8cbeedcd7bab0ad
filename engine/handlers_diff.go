// ABOUTME: Diff patch handler: applies unified diffs to files under the base directory.
// ABOUTME: Hunks locate by content sequence with a whitespace-tolerant fallback; dry-run and backup supported.

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// diffHunk is one @@ region of a unified diff. MatchLines interleave
// context and deletions in original order; ReplaceLines interleave context
// and additions.
type diffHunk struct {
	MatchLines   []string
	ReplaceLines []string
}

// DiffPatchHandler handles diff_patch nodes.
type DiffPatchHandler struct{}

// Kind returns the node kind this handler serves.
func (h *DiffPatchHandler) Kind() diagram.NodeKind { return diagram.KindDiffPatch }

// Execute parses the unified diff (config or input text) and applies it to
// target_path. A hunk that cannot be located fails the node. Dry runs
// report the patched content without writing.
func (h *DiffPatchHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.DiffPatchConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing diff_patch config")}
	}
	if cfg.TargetPath == "" {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("diff_patch requires a target_path")}
	}

	diff := cfg.Diff
	if diff == "" {
		if v, ok := req.FirstInput(); ok {
			diff = envelope.Stringify(v)
		}
	}
	hunks, err := parseUnifiedDiff(diff)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}
	if len(hunks) == 0 {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("diff contains no hunks")}
	}

	path := fs.ResolveUnder(req.Runtime.BaseDir, cfg.TargetPath)
	data, err := req.Runtime.FS.Read(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	lines := strings.Split(string(data), "\n")
	for i, hunk := range hunks {
		lines, err = applyDiffHunk(lines, hunk)
		if err != nil {
			return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("hunk %d: %w", i+1, err)}
		}
	}
	patched := strings.Join(lines, "\n")

	env := req.Factory.Text(patched).
		WithMeta("path", path).
		WithMeta("hunks", len(hunks)).
		WithMeta("dry_run", cfg.DryRun)
	if cfg.DryRun {
		return env, nil
	}

	if cfg.Backup {
		backupPath := path + ".bak"
		if err := req.Runtime.FS.Write(backupPath, data); err != nil {
			return nil, &IOError{Op: "write", Path: backupPath, Err: err}
		}
		env = env.WithMeta("backup", backupPath)
	}
	if err := req.Runtime.FS.Write(path, []byte(patched)); err != nil {
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}
	return env, nil
}

// parseUnifiedDiff extracts hunks from a unified diff. File headers and
// line-number ranges are tolerated but matching is purely content-based.
func parseUnifiedDiff(diff string) ([]diffHunk, error) {
	if strings.TrimSpace(diff) == "" {
		return nil, fmt.Errorf("empty diff")
	}

	var hunks []diffHunk
	var cur *diffHunk
	flush := func() {
		if cur != nil && (len(cur.MatchLines) > 0 || len(cur.ReplaceLines) > 0) {
			hunks = append(hunks, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "),
			strings.HasPrefix(line, "diff "), strings.HasPrefix(line, "index "):
			flush()
		case strings.HasPrefix(line, "@@"):
			flush()
			cur = &diffHunk{}
		case cur == nil:
			// Prose before the first hunk marker.
		case strings.HasPrefix(line, "+"):
			cur.ReplaceLines = append(cur.ReplaceLines, line[1:])
		case strings.HasPrefix(line, "-"):
			cur.MatchLines = append(cur.MatchLines, line[1:])
		case strings.HasPrefix(line, " "):
			cur.MatchLines = append(cur.MatchLines, line[1:])
			cur.ReplaceLines = append(cur.ReplaceLines, line[1:])
		case line == "":
			// Keep blank context lines: diffs encode them as a single space
			// that some transports strip.
			cur.MatchLines = append(cur.MatchLines, "")
			cur.ReplaceLines = append(cur.ReplaceLines, "")
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
		default:
			return nil, fmt.Errorf("unrecognized diff line %q", line)
		}
	}
	flush()
	return hunks, nil
}

// applyDiffHunk locates the hunk's match sequence and splices in the
// replacement. Exact matching tolerates trailing whitespace; the fallback
// compares fully trimmed lines.
func applyDiffHunk(lines []string, hunk diffHunk) ([]string, error) {
	if len(hunk.MatchLines) == 0 {
		return append(lines, hunk.ReplaceLines...), nil
	}
	idx := findLineSequence(lines, hunk.MatchLines, strings.TrimRight)
	if idx < 0 {
		idx = findLineSequence(lines, hunk.MatchLines, func(s, _ string) string {
			return strings.TrimSpace(s)
		})
	}
	if idx < 0 {
		return nil, fmt.Errorf("context not found: %q", excerpt(strings.Join(hunk.MatchLines, "\\n"), 120))
	}

	out := make([]string, 0, len(lines)-len(hunk.MatchLines)+len(hunk.ReplaceLines))
	out = append(out, lines[:idx]...)
	out = append(out, hunk.ReplaceLines...)
	out = append(out, lines[idx+len(hunk.MatchLines):]...)
	return out, nil
}

// findLineSequence returns the first index where seq occurs in lines under
// the given normalization, or -1.
func findLineSequence(lines, seq []string, norm func(string, string) string) int {
	if len(seq) == 0 || len(lines) < len(seq) {
		return -1
	}
	for i := 0; i <= len(lines)-len(seq); i++ {
		match := true
		for j := range seq {
			if norm(lines[i+j], " \t") != norm(seq[j], " \t") {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
