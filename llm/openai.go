// ABOUTME: OpenAI provider adapter over the official Go SDK (chat completions endpoint).
// ABOUTME: Supports custom base URLs so OpenAI-compatible gateways work unchanged.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter implements ProviderAdapter using the OpenAI Chat
// Completions API.
type OpenAIAdapter struct {
	client openai.Client
}

// NewOpenAIAdapter creates an adapter for api.openai.com.
func NewOpenAIAdapter(apiKey string) *OpenAIAdapter {
	return NewOpenAICompatAdapter(apiKey, "")
}

// NewOpenAICompatAdapter creates an adapter with a custom base URL for
// OpenAI-compatible providers.
func NewOpenAICompatAdapter(apiKey, baseURL string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{client: openai.NewClient(opts...)}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Close() error { return nil }

// Complete sends the request and returns the unified result.
func (a *OpenAIAdapter) Complete(ctx context.Context, req *Request) (*Result, error) {
	params := a.buildParams(req)
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	return convertOpenAIResponse(resp), nil
}

func (a *OpenAIAdapter) buildParams(req *Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: req.Model,
	}

	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleDeveloper:
			messages = append(messages, openai.DeveloperMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	if req.TextFormat != nil {
		name := req.TextFormat.Name
		if name == "" {
			name = "structured_output"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: req.TextFormat.Schema,
					Strict: openai.Bool(req.TextFormat.Strict),
				},
			},
		}
	}

	return params
}

func convertOpenAIResponse(resp *openai.ChatCompletion) *Result {
	result := &Result{
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		Raw: resp,
	}
	if len(resp.Choices) == 0 {
		return result
	}

	choice := resp.Choices[0]
	result.Text = choice.Message.Content
	result.StopReason = string(choice.FinishReason)

	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result
}

func mapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRequestTimeoutError("openai", err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = err.Error()
		}
		switch {
		case apierr.StatusCode == 429:
			var after time.Duration
			if apierr.Response != nil {
				if s := apierr.Response.Header.Get("Retry-After"); s != "" {
					if secs, perr := strconv.Atoi(s); perr == nil {
						after = time.Duration(secs) * time.Second
					}
				}
			}
			return NewRateLimitError("openai", msg, after)
		case apierr.StatusCode == 400 &&
			(apierr.Code == "context_length_exceeded" || strings.Contains(msg, "context length")):
			return NewContextLengthError("openai", msg)
		default:
			return ErrorFromStatusCode("openai", apierr.StatusCode, msg)
		}
	}
	return NewNetworkError("openai", err)
}
