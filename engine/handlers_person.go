// ABOUTME: PersonJob node handler: one LLM turn for a person, with memory controls.
// ABOUTME: Renders the prompt, selects memory, calls the provider, and records both sides in the conversation.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sorryhyun/DiPeO-sub003/conversation"
	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// PersonJobHandler handles person_job nodes.
type PersonJobHandler struct{}

// Kind returns the node kind this handler serves.
func (h *PersonJobHandler) Kind() diagram.NodeKind { return diagram.KindPersonJob }

// Execute runs one person turn: prompt resolution, memory selection,
// provider call, conversation bookkeeping, and envelope construction.
func (h *PersonJobHandler) Execute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, ok := req.Node.Config.(*diagram.PersonJobConfig)
	if !ok {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("missing person_job config")}
	}
	rt := req.Runtime
	if rt.LLM == nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: fmt.Errorf("person_job requires an LLM client")}
	}
	person, err := rt.Person(cfg.Person)
	if err != nil {
		return nil, err
	}

	rendered, err := h.renderPrompt(req, cfg)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}

	settings := conversation.MemorySettings{
		MemorizeTo:   cfg.MemorizeTo,
		AtMost:       cfg.AtMost,
		IgnorePerson: splitPersonList(cfg.IgnorePerson),
	}
	preview := rendered
	if n := rt.Selection.TaskPreviewLen; n > 0 && len(preview) > n {
		preview = preview[:n]
	}
	selected, err := conversation.SelectForJob(ctx, rt.Conversation, person, settings, preview, rt.Selector)
	if err != nil {
		// Selection is best-effort: a selector failure downgrades to the
		// default view instead of failing the node.
		var selErr *conversation.SelectionError
		if !errors.As(err, &selErr) {
			return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
		}
		rt.Logger.Warn("memory selection failed, using default view",
			"node_id", string(req.Node.ID), "person", string(person.ID), "error", selErr)
		selected = conversation.DefaultMemory(rt.Conversation, person.ID, settings.AtMost)
	}

	format, err := parseTextFormat(cfg.TextFormat)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}

	llmReq := &llm.Request{
		Service:     person.LLM.Service,
		Model:       person.LLM.Model,
		APIKeyID:    string(person.LLM.APIKeyID),
		Messages:    buildTurnMessages(person, selected, rendered),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Tools:       toolDefinitions(cfg.Tools),
		TextFormat:  format,
		Phase:       llm.PhaseDirect,
	}
	res, err := rt.LLM.Complete(ctx, llmReq)
	if err != nil {
		return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
	}

	counter, _ := conversation.NewTokenCounter(person.LLM.Model)
	rt.Conversation.Add(conversation.Message{
		From:       conversation.SystemSender,
		To:         person.ID,
		Content:    rendered,
		TokenCount: counter.Count(rendered),
	}, rt.ExecutionID, req.Node.ID)
	rt.Conversation.Add(conversation.Message{
		From:       person.ID,
		To:         conversation.SystemSender,
		Content:    res.Text,
		TokenCount: counter.Count(res.Text),
	}, rt.ExecutionID, req.Node.ID)

	env, err := h.buildEnvelope(req, person, res, format)
	if err != nil {
		return nil, err
	}
	if settings.UsesSelector() {
		env = env.WithMeta("memory_selection", messageIDs(selected))
	}

	if settings.IsGoldfish() {
		removed := rt.Conversation.RemoveInvolving(person.ID)
		rt.Logger.Debug("goldfish purge", "person", string(person.ID), "removed", removed)
	}
	return env, nil
}

// renderPrompt picks the iteration-appropriate prompt template and renders
// it. Compile-time resolved prompt files take precedence over inline text.
func (h *PersonJobHandler) renderPrompt(req *Request, cfg *diagram.PersonJobConfig) (string, error) {
	prompt := cfg.ResolvedPrompt
	if prompt == "" {
		prompt = cfg.DefaultPrompt
	}
	if req.ExecutionCount <= 1 {
		first := cfg.ResolvedFirstPrompt
		if first == "" {
			first = cfg.FirstOnlyPrompt
		}
		if first != "" {
			prompt = first
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("person_job requires a prompt")
	}
	rendered, err := envelope.Render(prompt, req.TemplateContext(nil))
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return rendered, nil
}

// buildEnvelope assembles the node output: structured JSON when a format
// was requested, plain text otherwise, plus the conversation representation
// when any outgoing edge consumes conversation state.
func (h *PersonJobHandler) buildEnvelope(req *Request, person *conversation.Person, res *llm.Result, format *llm.ResponseFormat) (*envelope.Envelope, error) {
	rt := req.Runtime

	var env *envelope.Envelope
	if format != nil {
		parsed, err := llm.ParseStructured(res, format)
		if err != nil {
			return nil, &HandlerError{NodeID: req.Node.ID, Kind: req.Node.Kind, Err: err}
		}
		env = req.Factory.JSON(parsed).WithRepresentation(envelope.RepText, res.Text)
	} else {
		env = req.Factory.Text(res.Text)
	}

	for _, e := range rt.Diagram.Outgoing(req.Node.ID) {
		if e.ContentType == diagram.ContentConversationState {
			env = env.WithRepresentation(envelope.RepConversation, rt.Conversation.ViewFor(person.ID))
			break
		}
	}

	model := res.Model
	if model == "" {
		model = person.LLM.Model
	}
	env = env.
		WithMeta("person_id", string(person.ID)).
		WithMeta("model", model).
		WithMeta("token_usage", res.Usage)
	return env, nil
}

// buildTurnMessages lays out the provider input: optional system prompt,
// selected memory with assistant/user roles from the person's perspective,
// then the rendered prompt as the closing user turn.
func buildTurnMessages(person *conversation.Person, memory []conversation.Message, rendered string) []llm.Message {
	msgs := make([]llm.Message, 0, len(memory)+2)
	if sys := strings.TrimSpace(person.LLM.SystemPrompt); sys != "" {
		role := llm.RoleSystem
		if isOpenAIFamily(person.LLM.Service) {
			role = llm.RoleDeveloper
		}
		msgs = append(msgs, llm.Message{Role: role, Content: sys})
	}
	for _, m := range memory {
		role := llm.RoleUser
		if m.From == person.ID {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: rendered})
}

// isOpenAIFamily reports whether the service uses "developer" as its system
// role name.
func isOpenAIFamily(service string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(service)), "openai")
}

// splitPersonList parses the comma-separated ignore_person config value.
func splitPersonList(raw string) []diagram.PersonID {
	var out []diagram.PersonID
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, diagram.PersonID(p))
		}
	}
	return out
}

// messageIDs projects selected messages to their ids for envelope meta.
func messageIDs(msgs []conversation.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.ID)
	}
	return out
}

// toolDefinitions converts raw tool config entries into provider tool
// definitions. Entries without a name are dropped.
func toolDefinitions(raw []any) []llm.ToolDefinition {
	if len(raw) == 0 {
		return nil
	}
	out := make([]llm.ToolDefinition, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var def llm.ToolDefinition
		if s, ok := m["name"].(string); ok {
			def.Name = s
		}
		if s, ok := m["description"].(string); ok {
			def.Description = s
		}
		if schema, ok := m["input_schema"].(map[string]any); ok {
			def.InputSchema = schema
		}
		if def.Name != "" {
			out = append(out, def)
		}
	}
	return out
}

// parseTextFormat parses the text_format config: either a bare JSON schema
// or an object wrapping {name, schema, strict}.
func parseTextFormat(raw string) (*llm.ResponseFormat, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("text_format is not valid JSON: %w", err)
	}
	rf := &llm.ResponseFormat{Name: "response"}
	if schema, ok := doc["schema"].(map[string]any); ok {
		rf.Schema = schema
		if name, ok := doc["name"].(string); ok && name != "" {
			rf.Name = name
		}
		if strict, ok := doc["strict"].(bool); ok {
			rf.Strict = strict
		}
	} else {
		rf.Schema = doc
	}
	return rf, nil
}
