package adaptor

import (
	"encoding/json"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/relaypool/relaypool/internal/sse"
)

func chunk(t *testing.T, raw string) *openai.ChatCompletionChunk {
	t.Helper()
	var c openai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	return &c
}

func events(frames []sse.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func TestStreamConverterTextFlow(t *testing.T) {
	conv := NewStreamConverter("claude-3-5-sonnet-20241022")

	start := conv.Start()
	assert.Equal(t, "message_start", start.Event)
	assert.Equal(t, "claude-3-5-sonnet-20241022", gjson.GetBytes(start.Data, "message.model").String())
	assert.Equal(t, "assistant", gjson.GetBytes(start.Data, "message.role").String())

	frames := conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`))
	// First text delta opens the block.
	require.Equal(t, []string{"content_block_start", "content_block_delta"}, events(frames))
	assert.Equal(t, "text", gjson.GetBytes(frames[0].Data, "content_block.type").String())
	assert.Equal(t, "Hel", gjson.GetBytes(frames[1].Data, "delta.text").String())
	assert.Equal(t, "text_delta", gjson.GetBytes(frames[1].Data, "delta.type").String())

	frames = conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"content":"lo"}}]}`))
	require.Equal(t, []string{"content_block_delta"}, events(frames))

	frames = conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))
	require.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, events(frames))
	assert.Equal(t, "end_turn", gjson.GetBytes(frames[1].Data, "delta.stop_reason").String())
	assert.True(t, conv.Finished())

	// Post-terminal chunks are dropped.
	assert.Nil(t, conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"content":"late"}}]}`)))
}

func TestStreamConverterToolCallFlow(t *testing.T) {
	conv := NewStreamConverter("m")
	conv.Start()

	frames := conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":""}}]}}]}`))
	require.Equal(t, []string{"content_block_start"}, events(frames))
	assert.Equal(t, "tool_use", gjson.GetBytes(frames[0].Data, "content_block.type").String())
	assert.Equal(t, "call_1", gjson.GetBytes(frames[0].Data, "content_block.id").String())
	assert.Equal(t, "get_weather", gjson.GetBytes(frames[0].Data, "content_block.name").String())

	frames = conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`))
	require.Equal(t, []string{"content_block_delta"}, events(frames))
	assert.Equal(t, "input_json_delta", gjson.GetBytes(frames[0].Data, "delta.type").String())
	assert.Equal(t, `{"city":`, gjson.GetBytes(frames[0].Data, "delta.partial_json").String())

	frames = conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`))
	require.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, events(frames))
	assert.Equal(t, "tool_use", gjson.GetBytes(frames[1].Data, "delta.stop_reason").String())
}

func TestStreamConverterMixedTextAndTools(t *testing.T) {
	conv := NewStreamConverter("m")
	conv.Start()

	conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"content":"Checking."}}]}`))

	// Starting a tool block closes the open text block first.
	frames := conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":""}}]}}]}`))
	require.Equal(t, []string{"content_block_stop", "content_block_start"}, events(frames))
	assert.Equal(t, int64(0), gjson.GetBytes(frames[0].Data, "index").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(frames[1].Data, "index").Int())
	assert.Equal(t, "tool_use", gjson.GetBytes(frames[1].Data, "content_block.type").String())

	// Only the still-open tool block closes at the end.
	frames = conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`))
	require.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, events(frames))
	assert.Equal(t, int64(1), gjson.GetBytes(frames[0].Data, "index").Int())
}

func TestStreamConverterSecondToolClosesFirst(t *testing.T) {
	conv := NewStreamConverter("m")
	conv.Start()

	conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{}"}}]}}]}`))

	frames := conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"g","arguments":"{}"}}]}}]}`))
	require.Equal(t, []string{"content_block_stop", "content_block_start", "content_block_delta"}, events(frames))
	assert.Equal(t, int64(0), gjson.GetBytes(frames[0].Data, "index").Int())
	assert.Equal(t, "call_2", gjson.GetBytes(frames[1].Data, "content_block.id").String())

	frames = conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`))
	require.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, events(frames))
	assert.Equal(t, int64(1), gjson.GetBytes(frames[0].Data, "index").Int())
}

func TestStreamConverterUsageChunk(t *testing.T) {
	conv := NewStreamConverter("m")
	conv.Start()
	conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"content":"hi"}}]}`))

	// Usage-only chunk produces no frames but records the counts.
	frames := conv.Convert(chunk(t, `{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":3}}`))
	assert.Nil(t, frames)

	frames = conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))
	delta := frames[len(frames)-2]
	assert.Equal(t, int64(10), gjson.GetBytes(delta.Data, "usage.input_tokens").Int())
	assert.Equal(t, int64(3), gjson.GetBytes(delta.Data, "usage.output_tokens").Int())
}

func TestStreamConverterFinishWithoutReason(t *testing.T) {
	conv := NewStreamConverter("m")
	conv.Start()
	conv.Convert(chunk(t, `{"choices":[{"index":0,"delta":{"content":"hi"}}]}`))

	// A bare [DONE] with no finish_reason chunk still closes the stream.
	frames := conv.Finish()
	require.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, events(frames))
	assert.Equal(t, "end_turn", gjson.GetBytes(frames[1].Data, "delta.stop_reason").String())

	assert.Nil(t, conv.Finish(), "Finish is idempotent")
}

func TestStreamConverterEmptyStream(t *testing.T) {
	conv := NewStreamConverter("m")
	conv.Start()

	frames := conv.Finish()
	// No content blocks were opened, so none close.
	require.Equal(t, []string{"message_delta", "message_stop"}, events(frames))
}
