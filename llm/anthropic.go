// ABOUTME: Anthropic provider adapter over the official Go SDK (messages endpoint).
// ABOUTME: System and developer messages become system blocks; tools map to tool unions.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter implements ProviderAdapter using the Anthropic Messages API.
type AnthropicAdapter struct {
	msg *sdk.MessageService
}

// NewAnthropicAdapter creates an adapter for api.anthropic.com.
func NewAnthropicAdapter(apiKey string) *AnthropicAdapter {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicAdapter{msg: &client.Messages}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Close() error { return nil }

// Complete sends the request and returns the unified result.
func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (*Result, error) {
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, NewInvalidRequestError("anthropic", err.Error())
	}
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return nil, mapAnthropicError(err)
	}
	return convertAnthropicResponse(msg), nil
}

func buildAnthropicParams(req *Request) (sdk.MessageNewParams, error) {
	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleDeveloper:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	// Anthropic has no response_format; steer structured output via an
	// extra system block carrying the schema.
	if req.TextFormat != nil && req.TextFormat.Schema != nil {
		schemaJSON, err := json.Marshal(req.TextFormat.Schema)
		if err != nil {
			return sdk.MessageNewParams{}, fmt.Errorf("marshaling text format schema: %w", err)
		}
		system = append(system, sdk.TextBlockParam{
			Text: "Respond with a single JSON document conforming to this JSON Schema, with no surrounding prose:\n" + string(schemaJSON),
		})
	}

	if len(conversation) == 0 {
		return sdk.MessageNewParams{}, errors.New("at least one user or assistant message is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(req.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}

	if len(req.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema := sdk.ToolInputSchemaParam{}
			if tool.InputSchema != nil {
				schema.ExtraFields = tool.InputSchema
			}
			u := sdk.ToolUnionParamOfTool(schema, tool.Name)
			if u.OfTool != nil && tool.Description != "" {
				u.OfTool.Description = sdk.String(tool.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}

	return params, nil
}

func convertAnthropicResponse(msg *sdk.Message) *Result {
	result := &Result{
		Model: string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
		Raw:        msg,
	}

	var texts []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	result.Text = strings.Join(texts, "\n")
	return result
}

func mapAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRequestTimeoutError("anthropic", err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		msg := err.Error()
		switch {
		case apierr.StatusCode == 429:
			var after time.Duration
			if apierr.Response != nil {
				if s := apierr.Response.Header.Get("retry-after"); s != "" {
					if secs, perr := strconv.Atoi(s); perr == nil {
						after = time.Duration(secs) * time.Second
					}
				}
			}
			return NewRateLimitError("anthropic", msg, after)
		case apierr.StatusCode == 400 && strings.Contains(msg, "prompt is too long"):
			return NewContextLengthError("anthropic", msg)
		default:
			return ErrorFromStatusCode("anthropic", apierr.StatusCode, msg)
		}
	}
	return NewNetworkError("anthropic", err)
}
