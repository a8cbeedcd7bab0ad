// ABOUTME: Template context assembly and rendering for prompts and template nodes.
// ABOUTME: Exposes {globals, inputs, local} namespaces plus a merged flat root.

package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// Reserved local keys that never leak into the globals namespace copy.
var reservedLocalKeys = map[string]bool{
	"this":   true,
	"@index": true,
	"@first": true,
	"@last":  true,
}

// TemplateContext merges execution variables (globals), resolved node inputs,
// and handler-local values for rendering.
type TemplateContext struct {
	Globals map[string]any
	Inputs  map[string]any
	Local   map[string]any

	// GlobalsWin controls flat-root precedence on key collisions.
	GlobalsWin bool
}

// NewTemplateContext builds a context with the default globals-win
// precedence. Reserved local keys are stripped from the globals copy.
func NewTemplateContext(globals, inputs, local map[string]any) *TemplateContext {
	g := make(map[string]any, len(globals))
	for k, v := range globals {
		if reservedLocalKeys[k] {
			continue
		}
		g[k] = v
	}
	return &TemplateContext{Globals: g, Inputs: inputs, Local: local, GlobalsWin: true}
}

// Flat returns the merged root mapping plus the three namespaced views.
func (c *TemplateContext) Flat() map[string]any {
	out := make(map[string]any, len(c.Globals)+len(c.Inputs)+len(c.Local)+3)
	layers := []map[string]any{c.Local, c.Inputs, c.Globals}
	if !c.GlobalsWin {
		layers = []map[string]any{c.Globals, c.Inputs, c.Local}
	}
	// Later layers overwrite earlier ones, so the winning layer goes last.
	for i := len(layers) - 1; i >= 0; i-- {
		for k, v := range layers[i] {
			out[k] = v
		}
	}
	out["globals"] = c.Globals
	out["inputs"] = c.Inputs
	out["local"] = c.Local
	return out
}

// bareVarPattern matches {{ident}} / {{ident.path}} placeholders written in
// the prompt dialect, leaving real template actions alone.
var bareVarPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_@]+)*)\s*\}\}`)

var templateKeywords = map[string]bool{
	"if": true, "else": true, "end": true, "range": true, "with": true,
	"template": true, "define": true, "block": true, "break": true,
	"continue": true, "nil": true, "true": true, "false": true,
}

// normalizeTemplate rewrites bare {{var}} placeholders into {{.var}} so
// prompt authors can use the short form.
func normalizeTemplate(tmpl string) string {
	return bareVarPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		inner := strings.TrimSpace(m[2 : len(m)-2])
		head := inner
		if dot := strings.Index(inner, "."); dot >= 0 {
			head = inner[:dot]
		}
		if templateKeywords[head] {
			return m
		}
		return "{{." + inner + "}}"
	})
}

// templateFuncs are helpers available inside prompts and template nodes.
var templateFuncs = template.FuncMap{
	"json": func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = Stringify(it)
		}
		return strings.Join(parts, sep)
	},
	"default": func(def, v any) any {
		if v == nil {
			return def
		}
		if s, ok := v.(string); ok && s == "" {
			return def
		}
		return v
	},
}

// Render executes the template against the context's flat mapping. Missing
// keys render as empty strings rather than failing the node.
func Render(tmpl string, ctx *TemplateContext) (string, error) {
	t, err := template.New("tpl").Funcs(templateFuncs).Option("missingkey=zero").Parse(normalizeTemplate(tmpl))
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, ctx.Flat()); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	// text/template prints missing map values as "<no value>".
	return strings.ReplaceAll(b.String(), "<no value>", ""), nil
}
