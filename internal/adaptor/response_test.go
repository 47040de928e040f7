package adaptor

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func openaiCompletion(t *testing.T, raw string) *openai.ChatCompletion {
	t.Helper()
	var resp openai.ChatCompletion
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return &resp
}

func convertCompletion(t *testing.T, resp *openai.ChatCompletion, model string) []byte {
	t.Helper()
	body, err := ConvertOpenAIToAnthropicResponse(resp, model)
	require.NoError(t, err)
	return body
}

func TestConvertResponseText(t *testing.T) {
	resp := openaiCompletion(t, `{
		"id": "chatcmpl-123",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello there."}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`)

	body := convertCompletion(t, resp, "claude-3-5-sonnet-20241022")

	assert.True(t, strings.HasPrefix(gjson.GetBytes(body, "id").String(), "msg_"))
	assert.Equal(t, "message", gjson.GetBytes(body, "type").String())
	assert.Equal(t, "assistant", gjson.GetBytes(body, "role").String())
	assert.Equal(t, "claude-3-5-sonnet-20241022", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "end_turn", gjson.GetBytes(body, "stop_reason").String())
	assert.Equal(t, int64(12), gjson.GetBytes(body, "usage.input_tokens").Int())
	assert.Equal(t, int64(4), gjson.GetBytes(body, "usage.output_tokens").Int())

	content := gjson.GetBytes(body, "content").Array()
	require.Len(t, content, 1)
	assert.Equal(t, "text", content[0].Get("type").String())
	assert.Equal(t, "Hello there.", content[0].Get("text").String())
}

func TestConvertResponseToolCalls(t *testing.T) {
	resp := openaiCompletion(t, `{
		"id": "chatcmpl-123",
		"choices": [{"index": 0, "message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"id": "call_abc", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"SF\"}"}}]
		}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 8, "total_tokens": 28}
	}`)

	body := convertCompletion(t, resp, "claude-3-5-sonnet-20241022")

	assert.Equal(t, "tool_use", gjson.GetBytes(body, "stop_reason").String())
	content := gjson.GetBytes(body, "content").Array()
	require.Len(t, content, 1)
	block := content[0]
	assert.Equal(t, "tool_use", block.Get("type").String())
	assert.Equal(t, "call_abc", block.Get("id").String())
	assert.Equal(t, "get_weather", block.Get("name").String())

	// input must be a parsed JSON object, not the argument string.
	input := block.Get("input")
	assert.True(t, input.IsObject(), "input must be a JSON object, got %s", input.Raw)
	assert.Equal(t, "SF", input.Get("city").String())
}

func TestConvertResponseToolUseBlockShape(t *testing.T) {
	resp := openaiCompletion(t, `{
		"id": "chatcmpl-123",
		"choices": [{"index": 0, "message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"id": "call_abc", "type": "function", "function": {"name": "f", "arguments": "{}"}}]
		}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1}
	}`)

	body := convertCompletion(t, resp, "m")
	block := gjson.GetBytes(body, "content.0")

	// Exactly the Anthropic wire fields, nothing from other block types.
	keys := map[string]bool{}
	block.ForEach(func(k, v gjson.Result) bool {
		keys[k.String()] = true
		return true
	})
	assert.Equal(t, map[string]bool{"type": true, "id": true, "name": true, "input": true}, keys)
	assert.Equal(t, "{}", block.Get("input").Raw)
}

func TestConvertResponseMalformedToolArguments(t *testing.T) {
	resp := openaiCompletion(t, `{
		"id": "chatcmpl-123",
		"choices": [{"index": 0, "message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"id": "call_abc", "type": "function", "function": {"name": "f", "arguments": "{\"city\":"}}]
		}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1}
	}`)

	body := convertCompletion(t, resp, "m")
	input := gjson.GetBytes(body, "content.0.input")
	// Unparseable arguments degrade to an empty input object.
	assert.True(t, input.IsObject())
	assert.Equal(t, "{}", input.Raw)
}

func TestMapFinishReason(t *testing.T) {
	tests := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"content_filter": "stop_sequence",
		"":               "end_turn",
		"unknown":        "end_turn",
	}
	for in, want := range tests {
		assert.Equal(t, want, mapFinishReason(in), "finish_reason %q", in)
	}
}

func TestConvertResponseLengthStop(t *testing.T) {
	resp := openaiCompletion(t, `{
		"id": "chatcmpl-123",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "truncat"}, "finish_reason": "length"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 100, "total_tokens": 105}
	}`)

	body := convertCompletion(t, resp, "m")
	assert.Equal(t, "max_tokens", gjson.GetBytes(body, "stop_reason").String())
}

func TestConvertResponseNoChoices(t *testing.T) {
	resp := openaiCompletion(t, `{"id": "chatcmpl-123", "choices": [], "usage": {"prompt_tokens": 1, "completion_tokens": 0}}`)

	body := convertCompletion(t, resp, "m")
	assert.Equal(t, "[]", gjson.GetBytes(body, "content").Raw)
	assert.Equal(t, "end_turn", gjson.GetBytes(body, "stop_reason").String())
}

func TestConvertRoundTripPreservesToolUse(t *testing.T) {
	req := &anthropic.MessageNewParams{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Messages: []anthropic.MessageParam{
			textMessage(anthropic.MessageParamRoleUser, "weather in SF?"),
			{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					{OfText: &anthropic.TextBlockParam{Text: "Let me check."}},
					{OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    "toolu_01",
						Name:  "get_weather",
						Input: map[string]interface{}{"city": "SF", "unit": "c"},
					}},
				},
			},
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: "toolu_01",
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: "sunny, 21C"}},
						},
					}},
				},
			},
		},
	}

	out := ConvertAnthropicToOpenAIRequest(req, "deepseek-chat")
	require.Len(t, out.Messages, 3)

	// Feed the converted assistant turn back through the response converter,
	// as if the upstream echoed it verbatim.
	assistantJSON, err := json.Marshal(out.Messages[1])
	require.NoError(t, err)
	resp := openaiCompletion(t, fmt.Sprintf(`{
		"id": "chatcmpl-123",
		"choices": [{"index": 0, "message": %s, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 5}
	}`, assistantJSON))

	body := convertCompletion(t, resp, "claude-3-5-sonnet-20241022")

	assert.Equal(t, "tool_use", gjson.GetBytes(body, "stop_reason").String())
	content := gjson.GetBytes(body, "content").Array()
	require.Len(t, content, 2)

	assert.Equal(t, "text", content[0].Get("type").String())
	assert.Equal(t, "Let me check.", content[0].Get("text").String())

	block := content[1]
	assert.Equal(t, "tool_use", block.Get("type").String())
	assert.Equal(t, "toolu_01", block.Get("id").String())
	assert.Equal(t, "get_weather", block.Get("name").String())
	require.True(t, block.Get("input").IsObject())
	assert.Equal(t, "SF", block.Get("input.city").String())
	assert.Equal(t, "c", block.Get("input.unit").String())
}
