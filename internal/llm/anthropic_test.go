package llm

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	got  sdk.MessageNewParams
	resp *sdk.Message
	err  error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.got = body
	return f.resp, f.err
}

func TestGenerateTranslatesTextAndToolCalls(t *testing.T) {
	fake := &fakeMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "writing the schema now"},
				{Type: "tool_use", ID: "tu_1", Name: "write_file", Input: json.RawMessage(`{"path":"app/database/schema.sql"}`)},
			},
			StopReason: "tool_use",
			Usage:      sdk.Usage{InputTokens: 120, OutputTokens: 40},
		},
	}
	c := &AnthropicClient{msg: fake, model: "claude-sonnet-4-20250514", maxTokens: defaultMaxTokens}

	out, err := c.Generate(context.Background(), &Request{
		System: "You are the database agent.",
		Messages: []Message{
			{Role: RoleUser, Content: "create the schema"},
		},
		Tools: []ToolDefinition{
			{Name: "write_file", Description: "Write a file", InputSchema: map[string]any{"type": "object"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "writing the schema now", out.Content)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "write_file", out.ToolCalls[0].Name)
	assert.Equal(t, "tu_1", out.ToolCalls[0].ID)
	assert.Equal(t, "tool_use", out.StopReason)
	assert.Equal(t, 120, out.Usage.InputTokens)

	require.Len(t, fake.got.Messages, 1)
	require.Len(t, fake.got.System, 1)
	assert.Equal(t, "You are the database agent.", fake.got.System[0].Text)
	require.Len(t, fake.got.Tools, 1)
}

func TestGenerateRequiresMessages(t *testing.T) {
	c := &AnthropicClient{msg: &fakeMessages{}, model: "m", maxTokens: defaultMaxTokens}
	_, err := c.Generate(context.Background(), &Request{})
	require.Error(t, err)
}

func TestGenerateEncodesToolRoundTrip(t *testing.T) {
	fake := &fakeMessages{resp: &sdk.Message{StopReason: "end_turn"}}
	c := &AnthropicClient{msg: fake, model: "m", maxTokens: defaultMaxTokens}

	_, err := c.Generate(context.Background(), &Request{
		Messages: []Message{
			{Role: RoleUser, Content: "go"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "tu_1", Name: "run_command", Input: json.RawMessage(`{"command":"ls"}`)},
			}},
			{Role: RoleUser, ToolResults: []ToolResult{
				{ToolCallID: "tu_1", Content: "ok"},
			}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, fake.got.Messages, 3)
}

func TestStubClientReplaysScript(t *testing.T) {
	stub := NewStubClient(
		&Completion{Content: "first"},
		&Completion{ToolCalls: []ToolCall{{ID: "tu_1", Name: "finish"}}},
	)

	a, err := stub.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "first", a.Content)

	b, err := stub.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	require.Len(t, b.ToolCalls, 1)

	// Script exhausted: default completion
	c, err := stub.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", c.Content)

	assert.Len(t, stub.Requests(), 3)
}
