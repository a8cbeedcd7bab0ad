// ABOUTME: Edge transform rules: small (value, config) -> value functions applied in a fixed order.
// ABOUTME: Rules are attached to edges at compile time and run during input resolution.

package envelope

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Canonical rule names in application order.
const (
	RuleExtractVariable       = "extract_variable"
	RuleExtractToolResults    = "extract_tool_results"
	RuleFormat                = "format"
	RuleContentTypeConversion = "content_type_conversion"
	RuleBranchOn              = "branch_on"
	RuleFormatForConversation = "format_for_conversation"
)

// ruleOrder fixes the application order for known rules; unknown (custom)
// rules run after all known ones, in insertion order.
var ruleOrder = map[string]int{
	RuleExtractVariable:       0,
	RuleExtractToolResults:    1,
	RuleFormat:                2,
	RuleContentTypeConversion: 3,
	RuleBranchOn:              4,
	RuleFormatForConversation: 5,
}

// TransformRule is one named rule with its configuration.
type TransformRule struct {
	Name   string `json:"name"`
	Config any    `json:"config,omitempty"`
}

// TransformRules is an ordered rule list. Add keeps the canonical order
// regardless of insertion order, which makes rule attachment in the compiler
// order-independent.
type TransformRules struct {
	rules []TransformRule
}

// Add inserts a rule, keeping canonical ordering. Re-adding a name replaces
// its config.
func (t *TransformRules) Add(name string, config any) {
	for i := range t.rules {
		if t.rules[i].Name == name {
			t.rules[i].Config = config
			return
		}
	}
	rule := TransformRule{Name: name, Config: config}
	rank, known := ruleOrder[name]
	if !known {
		t.rules = append(t.rules, rule)
		return
	}
	at := len(t.rules)
	for i, existing := range t.rules {
		existingRank, existingKnown := ruleOrder[existing.Name]
		if !existingKnown || existingRank > rank {
			at = i
			break
		}
	}
	t.rules = append(t.rules, TransformRule{})
	copy(t.rules[at+1:], t.rules[at:])
	t.rules[at] = rule
}

// Len returns the number of rules.
func (t *TransformRules) Len() int { return len(t.rules) }

// IsEmpty reports whether no rules are attached.
func (t *TransformRules) IsEmpty() bool { return len(t.rules) == 0 }

// Names returns rule names in application order.
func (t *TransformRules) Names() []string {
	out := make([]string, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.Name
	}
	return out
}

// Get returns the config for a rule and whether it is present.
func (t *TransformRules) Get(name string) (any, bool) {
	for _, r := range t.rules {
		if r.Name == name {
			return r.Config, true
		}
	}
	return nil, false
}

// Rules returns the ordered rule list.
func (t *TransformRules) Rules() []TransformRule {
	out := make([]TransformRule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Apply runs every rule against the value in order.
func (t *TransformRules) Apply(value any) any {
	for _, r := range t.rules {
		value = applyRule(value, r)
	}
	return value
}

func applyRule(value any, rule TransformRule) any {
	switch rule.Name {
	case RuleExtractVariable:
		key, _ := rule.Config.(string)
		return extractVariable(value, key)
	case RuleExtractToolResults:
		return extractToolResults(value)
	case RuleFormat:
		format, _ := rule.Config.(string)
		return applyFormat(value, format)
	case RuleContentTypeConversion:
		target, _ := rule.Config.(string)
		return convertContentType(value, target)
	case RuleBranchOn:
		// Routing marker: branch activation is the scheduler's job.
		return value
	case RuleFormatForConversation:
		return formatForConversation(value)
	default:
		return value
	}
}

// extractVariable pulls a key out of a mapping-like value. Non-mappings pass
// through unchanged; a mapping without the key yields nil.
func extractVariable(value any, key string) any {
	if key == "" {
		return value
	}
	if m, ok := value.(map[string]any); ok {
		return m[key]
	}
	return value
}

// extractToolResults pulls the tool_results member when present.
func extractToolResults(value any) any {
	if m, ok := value.(map[string]any); ok {
		if tr, ok := m["tool_results"]; ok {
			return tr
		}
	}
	return value
}

// applyFormat substitutes {value} in the format string; an empty format is
// plain stringification.
func applyFormat(value any, format string) any {
	s := Stringify(value)
	if format == "" {
		return s
	}
	if strings.Contains(format, "{value}") {
		return strings.ReplaceAll(format, "{value}", s)
	}
	return format + s
}

// convertContentType coerces a value toward the named target type. Already
// conforming values pass through, which makes the conversion idempotent.
func convertContentType(value any, target string) any {
	switch target {
	case "object":
		if s, ok := value.(string); ok {
			if parsed, err := parseJSONText(s); err == nil {
				return parsed
			}
		}
		return value
	case "string", "text", "raw_text":
		if _, ok := value.(string); ok {
			return value
		}
		return Stringify(value)
	case "number":
		return coerceNumber(value)
	case "boolean":
		return coerceBool(value)
	default:
		return value
	}
}

// parseJSONText parses a string that looks like a JSON object or array.
func parseJSONText(s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return nil, errNotJSON
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, err
	}
	return out, nil
}

var errNotJSON = jsonSniffError{}

type jsonSniffError struct{}

func (jsonSniffError) Error() string { return "value does not look like JSON" }

func coerceNumber(value any) any {
	switch x := value.(type) {
	case float64, int, int64, float32:
		return x
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return n
		}
	case bool:
		if x {
			return float64(1)
		}
		return float64(0)
	}
	return value
}

func coerceBool(value any) any {
	switch x := value.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "y", "on":
			return true
		case "false", "0", "no", "n", "off", "":
			return false
		}
	case float64:
		return x != 0
	case int:
		return x != 0
	case nil:
		return false
	}
	return value
}

// formatForConversation embeds a value into a conversation-state fragment so
// a person node can splice it into its message history.
func formatForConversation(value any) any {
	if m, ok := value.(map[string]any); ok {
		if _, has := m["messages"]; has {
			return m
		}
	}
	return map[string]any{
		"messages": []any{
			map[string]any{"from": "system", "content": Stringify(value)},
		},
	}
}
