package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 8192

// messagesAPI captures the subset of the Anthropic SDK used here so tests
// can substitute a fake.
type messagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on top of the Claude Messages API.
type AnthropicClient struct {
	msg       messagesAPI
	model     string
	maxTokens int
}

// NewAnthropicClient builds a client for the given API key and model
// identifier.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &ac.Messages, model: model, maxTokens: defaultMaxTokens}, nil
}

// WithMaxTokens overrides the default output token ceiling for calls that
// do not set their own.
func (c *AnthropicClient) WithMaxTokens(n int) *AnthropicClient {
	if n > 0 {
		c.maxTokens = n
	}
	return c
}

// Generate issues a non-streaming Messages.New call and translates the
// response into a Completion.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (*Completion, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translate(msg), nil
}

func (c *AnthropicClient) encodeRequest(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	for _, m := range req.Messages {
		blocks, err := encodeBlocks(m)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
		case RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}

	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return &params, nil
}

func encodeBlocks(m Message) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	if m.Content != "" && m.Role != RoleSystem {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	for _, call := range m.ToolCalls {
		if call.Name == "" {
			return nil, errors.New("anthropic: tool call missing name")
		}
		var input map[string]any
		if len(call.Input) > 0 {
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: tool call %s input: %w", call.Name, err)
			}
		}
		blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Name))
	}
	for _, result := range m.ToolResults {
		blocks = append(blocks, sdk.NewToolResultBlock(result.ToolCallID, result.Content, result.IsError))
	}
	return blocks, nil
}

func translate(msg *sdk.Message) *Completion {
	out := &Completion{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	return out
}
