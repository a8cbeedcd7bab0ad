// ABOUTME: TypeScript AST handler: extracts declarations from TS source without a full parser.
// ABOUTME: A brace-counting line scanner collects interfaces, type aliases, enums, consts, and functions.

package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
)

// Declaration patterns the extractor recognizes.
var tsDeclPatterns = map[string]*regexp.Regexp{
	"interface": regexp.MustCompile(`^\s*(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`),
	"type":      regexp.MustCompile(`^\s*(?:export\s+)?type\s+([A-Za-z_$][\w$]*)\s*=`),
	"enum":      regexp.MustCompile(`^\s*(?:export\s+)?(?:const\s+)?enum\s+([A-Za-z_$][\w$]*)`),
	"const":     regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*(?::[^=]+)?=`),
	"function":  regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`),
	"class":     regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`),
}

// tsDecl is one extracted declaration.
type tsDecl struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Body  string `json:"body"`
	JSDoc string `json:"jsdoc,omitempty"`
	Line  int    `json:"line"`
}

// TypescriptAstHandler handles typescript_ast nodes. It is a deliberate
// approximation: declarations are found by line patterns and bodies by
// brace balance, which covers the generated-definition files this node is
// pointed at in practice.
type TypescriptAstHandler struct{}

// Kind returns the node kind this handler serves.
func (h *TypescriptAstHandler) Kind() diagram.NodeKind { return diagram.KindTypescriptAst }

// Execute scans the source (config or input text) and returns declarations
// grouped by kind. extract_patterns narrows which kinds are collected.
func (h *TypescriptAstHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.TypescriptAstConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing typescript_ast config")}
	}

	source := cfg.Source
	if source == "" {
		if v, ok := req.FirstInput(); ok {
			source = envelope.Stringify(v)
		}
	}
	if strings.TrimSpace(source) == "" {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("no TypeScript source to analyze")}
	}

	wanted := map[string]bool{}
	for _, p := range cfg.ExtractPatterns {
		wanted[strings.ToLower(strings.TrimSpace(p))] = true
	}
	if len(wanted) == 0 {
		for kind := range tsDeclPatterns {
			wanted[kind] = true
		}
	}

	decls := extractTSDeclarations(source, wanted, cfg.IncludeJSDoc)
	grouped := map[string]any{}
	for kind := range wanted {
		group := make([]tsDecl, 0)
		for _, d := range decls {
			if d.Kind == kind {
				group = append(group, d)
			}
		}
		grouped[kind+"s"] = group
	}
	return req.Factory.JSON(grouped).WithMeta("declarations", len(decls)), nil
}

// extractTSDeclarations walks the source line by line. Block declarations
// run to brace balance; type aliases and consts run to the terminating
// semicolon at depth zero.
func extractTSDeclarations(source string, wanted map[string]bool, withJSDoc bool) []tsDecl {
	lines := strings.Split(source, "\n")
	var decls []tsDecl

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		kind, name := matchTSDecl(line)
		if kind == "" || !wanted[kind] {
			continue
		}

		end := declEnd(lines, i, kind)
		body := strings.Join(lines[i:end+1], "\n")
		d := tsDecl{Name: name, Kind: kind, Body: body, Line: i + 1}
		if withJSDoc {
			d.JSDoc = precedingJSDoc(lines, i)
		}
		decls = append(decls, d)
		i = end
	}
	return decls
}

// matchTSDecl identifies the declaration a line opens. Order matters: enums
// also start with "const", so they are tested before consts.
func matchTSDecl(line string) (string, string) {
	for _, kind := range []string{"interface", "enum", "type", "function", "class", "const"} {
		if m := tsDeclPatterns[kind].FindStringSubmatch(line); m != nil {
			return kind, m[1]
		}
	}
	return "", ""
}

// declEnd finds the last line of the declaration starting at start.
func declEnd(lines []string, start int, kind string) int {
	switch kind {
	case "type", "const":
		depth := 0
		for i := start; i < len(lines); i++ {
			depth += strings.Count(lines[i], "{") - strings.Count(lines[i], "}")
			depth += strings.Count(lines[i], "(") - strings.Count(lines[i], ")")
			depth += strings.Count(lines[i], "[") - strings.Count(lines[i], "]")
			if depth <= 0 && strings.Contains(lines[i], ";") {
				return i
			}
			// A balanced single-line declaration without a semicolon still ends.
			if i == start && depth == 0 && !strings.ContainsAny(lines[i], "{([") {
				return i
			}
		}
		return len(lines) - 1
	default:
		depth := 0
		opened := false
		for i := start; i < len(lines); i++ {
			depth += strings.Count(lines[i], "{")
			if depth > 0 {
				opened = true
			}
			depth -= strings.Count(lines[i], "}")
			if opened && depth <= 0 {
				return i
			}
		}
		return len(lines) - 1
	}
}

// precedingJSDoc returns the /** ... */ block immediately above the line,
// if one exists.
func precedingJSDoc(lines []string, declLine int) string {
	end := declLine - 1
	for end >= 0 && strings.TrimSpace(lines[end]) == "" {
		end--
	}
	if end < 0 || !strings.HasSuffix(strings.TrimSpace(lines[end]), "*/") {
		return ""
	}
	for start := end; start >= 0; start-- {
		if strings.HasPrefix(strings.TrimSpace(lines[start]), "/**") {
			return strings.Join(lines[start:end+1], "\n")
		}
	}
	return ""
}
