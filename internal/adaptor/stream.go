package adaptor

import (
	"encoding/json"

	"github.com/openai/openai-go/v3"

	"github.com/relaypool/relaypool/internal/sse"
)

const (
	eventTypeMessageStart      = "message_start"
	eventTypeContentBlockStart = "content_block_start"
	eventTypeContentBlockDelta = "content_block_delta"
	eventTypeContentBlockStop  = "content_block_stop"
	eventTypeMessageDelta      = "message_delta"
	eventTypeMessageStop       = "message_stop"

	blockTypeText    = "text"
	blockTypeToolUse = "tool_use"

	deltaTypeTextDelta      = "text_delta"
	deltaTypeInputJSONDelta = "input_json_delta"
)

// StreamConverter is the per-response state machine that turns OpenAI
// streaming chunks into Anthropic SSE frames. It is transport-agnostic so the
// produced frames can go straight to a client or into a broadcast session.
//
// At most one content block is open at a time; starting a new block closes
// the previous one, matching the Anthropic event ordering.
type StreamConverter struct {
	messageID string
	model     string

	activeBlockIndex      int // open content block, -1 when none
	activeIsText          bool
	nextBlockIndex        int
	toolIndexToBlockIndex map[int]int

	inputTokens  int64
	outputTokens int64
	finished     bool
}

// NewStreamConverter creates a converter for one streaming response. The
// model is echoed back to the client in message_start and may differ from the
// upstream model.
func NewStreamConverter(model string) *StreamConverter {
	return &StreamConverter{
		messageID:             newMessageID(),
		model:                 model,
		activeBlockIndex:      -1,
		toolIndexToBlockIndex: make(map[int]int),
	}
}

// Start returns the message_start frame. Call once, before any Convert.
func (s *StreamConverter) Start() sse.Frame {
	return makeFrame(eventTypeMessageStart, map[string]interface{}{
		"type": eventTypeMessageStart,
		"message": map[string]interface{}{
			"id":            s.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []interface{}{},
			"model":         s.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]interface{}{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	})
}

// Convert translates one OpenAI chunk into zero or more Anthropic frames.
// When the chunk carries a finish_reason the terminal frames are included and
// the converter is finished.
func (s *StreamConverter) Convert(chunk *openai.ChatCompletionChunk) []sse.Frame {
	if s.finished {
		return nil
	}

	var frames []sse.Frame

	// Usage-only chunks arrive after the last choice when the upstream was
	// asked to include usage.
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		s.inputTokens = chunk.Usage.PromptTokens
		s.outputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		return nil
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		if !s.activeIsText {
			frames = append(frames, s.closeActive()...)
			s.activeBlockIndex = s.nextBlockIndex
			s.nextBlockIndex++
			s.activeIsText = true
			frames = append(frames, makeFrame(eventTypeContentBlockStart, map[string]interface{}{
				"type":  eventTypeContentBlockStart,
				"index": s.activeBlockIndex,
				"content_block": map[string]interface{}{
					"type": blockTypeText,
					"text": "",
				},
			}))
		}
		frames = append(frames, makeFrame(eventTypeContentBlockDelta, map[string]interface{}{
			"type":  eventTypeContentBlockDelta,
			"index": s.activeBlockIndex,
			"delta": map[string]interface{}{
				"type": deltaTypeTextDelta,
				"text": delta.Content,
			},
		}))
	}

	for _, toolCall := range delta.ToolCalls {
		openaiIndex := int(toolCall.Index)

		blockIndex, exists := s.toolIndexToBlockIndex[openaiIndex]
		if !exists {
			frames = append(frames, s.closeActive()...)
			blockIndex = s.nextBlockIndex
			s.toolIndexToBlockIndex[openaiIndex] = blockIndex
			s.nextBlockIndex++
			s.activeBlockIndex = blockIndex
			s.activeIsText = false
			frames = append(frames, makeFrame(eventTypeContentBlockStart, map[string]interface{}{
				"type":  eventTypeContentBlockStart,
				"index": blockIndex,
				"content_block": map[string]interface{}{
					"type": blockTypeToolUse,
					"id":   toolCall.ID,
					"name": toolCall.Function.Name,
				},
			}))
		}

		if toolCall.Function.Arguments != "" {
			frames = append(frames, makeFrame(eventTypeContentBlockDelta, map[string]interface{}{
				"type":  eventTypeContentBlockDelta,
				"index": blockIndex,
				"delta": map[string]interface{}{
					"type":         deltaTypeInputJSONDelta,
					"partial_json": toolCall.Function.Arguments,
				},
			}))
		}
	}

	if choice.FinishReason != "" {
		frames = append(frames, s.finish(mapFinishReason(choice.FinishReason))...)
	}

	return frames
}

// Finish closes out a stream that ended without a finish_reason chunk, such
// as a bare [DONE]. Idempotent.
func (s *StreamConverter) Finish() []sse.Frame {
	if s.finished {
		return nil
	}
	return s.finish("end_turn")
}

// Finished reports whether the terminal frames have been emitted.
func (s *StreamConverter) Finished() bool {
	return s.finished
}

// closeActive emits content_block_stop for the open content block, if any.
func (s *StreamConverter) closeActive() []sse.Frame {
	if s.activeBlockIndex == -1 {
		return nil
	}
	frame := makeFrame(eventTypeContentBlockStop, map[string]interface{}{
		"type":  eventTypeContentBlockStop,
		"index": s.activeBlockIndex,
	})
	s.activeBlockIndex = -1
	s.activeIsText = false
	return []sse.Frame{frame}
}

func (s *StreamConverter) finish(stopReason string) []sse.Frame {
	s.finished = true

	frames := s.closeActive()
	frames = append(frames, makeFrame(eventTypeMessageDelta, map[string]interface{}{
		"type": eventTypeMessageDelta,
		"delta": map[string]interface{}{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"input_tokens":  s.inputTokens,
			"output_tokens": s.outputTokens,
		},
	}))
	frames = append(frames, makeFrame(eventTypeMessageStop, map[string]interface{}{
		"type": eventTypeMessageStop,
	}))

	return frames
}

func makeFrame(event string, data map[string]interface{}) sse.Frame {
	payload, _ := json.Marshal(data)
	return sse.Frame{Event: event, Data: payload}
}
