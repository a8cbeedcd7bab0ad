// ABOUTME: Unified request/response types for the LLM provider port.
// ABOUTME: Adapters translate these into provider SDK calls; the engine never sees SDK types.

package llm

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of provider input.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name optionally labels the speaker for providers that support it.
	Name string `json:"name,omitempty"`
}

// Usage counts tokens consumed by a call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ToolDefinition describes a callable tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ResponseFormat requests structured output. Schema is a JSON schema object;
// Name labels it for providers that require one.
type ResponseFormat struct {
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// ExecutionPhase tags what the engine is using the call for. Adapters may
// tune limits per phase; it also shows up in logs.
type ExecutionPhase string

const (
	PhaseDirect          ExecutionPhase = "direct_execution"
	PhaseMemorySelection ExecutionPhase = "memory_selection"
	PhaseDecision        ExecutionPhase = "decision"
)

// Request is one completion call.
type Request struct {
	Service  string `json:"service"`
	Model    string `json:"model"`
	APIKeyID string `json:"api_key_id,omitempty"`

	Messages []Message `json:"messages"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`

	Tools      []ToolDefinition `json:"tools,omitempty"`
	TextFormat *ResponseFormat  `json:"text_format,omitempty"`

	Phase ExecutionPhase `json:"execution_phase,omitempty"`
}

// Clone returns a deep-enough copy for middleware to mutate safely.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.MaxTokens != nil {
		m := *r.MaxTokens
		out.MaxTokens = &m
	}
	if r.TopP != nil {
		p := *r.TopP
		out.TopP = &p
	}
	return &out
}

// Result is the provider-agnostic completion outcome.
type Result struct {
	Text       string     `json:"text"`
	Usage      Usage      `json:"usage"`
	Model      string     `json:"model,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`

	// Structured holds the parsed object when the request asked for a
	// structured response and parsing succeeded.
	Structured any `json:"structured,omitempty"`

	// Raw keeps a handle on the provider response for diagnostics.
	Raw any `json:"-"`
}
