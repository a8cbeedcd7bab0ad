// ABOUTME: Condition node handler: routes execution down condtrue/condfalse branches.
// ABOUTME: Evaluates a sandboxed expression or asks an LLM person for a yes/no judgment.

package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// Condition subtypes. An empty condition_type with an expression present is
// treated as ConditionExpression.
const (
	ConditionExpression  = "expression"
	ConditionLLMDecision = "llm_decision"
)

const decisionSystemPrompt = `You are a decision maker. Evaluate the given criteria against the provided context and respond with exactly one word: YES or NO.`

// ConditionHandler handles condition nodes. The boolean verdict becomes the
// envelope body; meta carries the branch name the scheduler routes on.
type ConditionHandler struct {
	programs *programCache
	initOnce sync.Once
}

// Kind returns the node kind this handler serves.
func (h *ConditionHandler) Kind() diagram.NodeKind { return diagram.KindCondition }

// Execute evaluates the node's condition and emits a boolean envelope with
// meta branch "condtrue" or "condfalse".
func (h *ConditionHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.ConditionConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing condition config")}
	}

	var (
		verdict bool
		usage   *llm.Usage
		err     error
	)
	switch {
	case cfg.ConditionType == ConditionLLMDecision:
		verdict, usage, err = h.judge(ctx, req, cfg)
	case cfg.ConditionType == ConditionExpression, cfg.ConditionType == "" && cfg.Expression != "":
		verdict, err = h.evaluate(req, cfg.Expression)
	default:
		err = fmt.Errorf("unsupported condition_type %q", cfg.ConditionType)
	}
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}

	branch := diagram.HandleCondFalse
	if verdict {
		branch = diagram.HandleCondTrue
	}
	env := req.Factory.JSON(verdict).WithMeta("branch", branch)
	if usage != nil {
		env = env.WithMeta("token_usage", *usage)
	}
	return env, nil
}

// evaluate runs the expression against inputs and variables. Any non-bool
// result is coerced by truthiness so expressions like `count` work without
// an explicit comparison.
func (h *ConditionHandler) evaluate(req *Request, src string) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	h.initOnce.Do(func() { h.programs = newProgramCache() })

	program, err := h.programs.compile(src)
	if err != nil {
		return false, fmt.Errorf("compile condition: %w", err)
	}
	result, err := expr.Run(program, exprEnv(req))
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	return truthyValue(result), nil
}

// judge renders the judge_by prompt and asks the configured person for a
// YES/NO verdict at temperature zero.
func (h *ConditionHandler) judge(ctx context.Context, req *Request, cfg *diagram.ConditionConfig) (bool, *llm.Usage, error) {
	rt := req.Runtime
	if rt.LLM == nil {
		return false, nil, fmt.Errorf("llm_decision requires an LLM client")
	}
	person, err := rt.Person(cfg.Person)
	if err != nil {
		return false, nil, err
	}

	prompt, err := envelope.Render(cfg.JudgeBy, req.TemplateContext(nil))
	if err != nil {
		return false, nil, fmt.Errorf("render judge_by: %w", err)
	}
	if strings.TrimSpace(prompt) == "" {
		return false, nil, fmt.Errorf("empty judge_by prompt")
	}

	temperature := 0.0
	maxTokens := 16
	res, err := rt.LLM.Complete(ctx, &llm.Request{
		Service:  person.LLM.Service,
		Model:    person.LLM.Model,
		APIKeyID: string(person.LLM.APIKeyID),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: decisionSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Phase:       llm.PhaseDecision,
	})
	if err != nil {
		return false, nil, fmt.Errorf("decision call: %w", err)
	}
	verdict, err := parseDecision(res.Text)
	if err != nil {
		return false, nil, err
	}
	return verdict, &res.Usage, nil
}

// parseDecision extracts a yes/no verdict from model text. The first token
// wins; otherwise an unambiguous yes-or-no anywhere in the text decides.
func parseDecision(text string) (bool, error) {
	fields := strings.FieldsFunc(strings.ToUpper(text), func(r rune) bool {
		return !('A' <= r && r <= 'Z')
	})
	if len(fields) > 0 {
		switch fields[0] {
		case "YES", "TRUE":
			return true, nil
		case "NO", "FALSE":
			return false, nil
		}
	}
	var sawYes, sawNo bool
	for _, f := range fields {
		switch f {
		case "YES", "TRUE":
			sawYes = true
		case "NO", "FALSE":
			sawNo = true
		}
	}
	switch {
	case sawYes && !sawNo:
		return true, nil
	case sawNo && !sawYes:
		return false, nil
	}
	return false, fmt.Errorf("undecidable verdict %q", strings.TrimSpace(text))
}

// truthyValue reports the truthiness of an expression result: false for
// nil, false, zero numbers, and empty strings/collections.
func truthyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
