package adaptor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
)

// mapFinishReason converts an OpenAI finish_reason to an Anthropic
// stop_reason.
func mapFinishReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// newMessageID mints an Anthropic-style message identifier.
func newMessageID() string {
	return fmt.Sprintf("msg_%s", strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ConvertOpenAIToAnthropicResponse converts a buffered OpenAI chat completion
// to an Anthropic-format message body. Only the first choice is considered;
// the proxy never requests n > 1. The body is assembled from plain maps so
// the wire JSON carries exactly the Anthropic fields and nothing else.
func ConvertOpenAIToAnthropicResponse(openaiResp *openai.ChatCompletion, model string) ([]byte, error) {
	contentBlocks := []map[string]interface{}{}
	stopReason := "end_turn"

	if len(openaiResp.Choices) > 0 {
		choice := openaiResp.Choices[0]

		if choice.Message.Content != "" {
			contentBlocks = append(contentBlocks, map[string]interface{}{
				"type": blockTypeText,
				"text": choice.Message.Content,
			})
		}

		for _, toolCall := range choice.Message.ToolCalls {
			block := map[string]interface{}{
				"type":  blockTypeToolUse,
				"id":    toolCall.ID,
				"name":  toolCall.Function.Name,
				"input": map[string]interface{}{},
			}
			// tool_use input is an object on the Anthropic side; the OpenAI
			// arguments string must be parsed, not embedded.
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &args); err == nil && args != nil {
				block["input"] = args
			}
			contentBlocks = append(contentBlocks, block)
		}

		if choice.FinishReason != "" {
			stopReason = mapFinishReason(choice.FinishReason)
		}
	}

	return json.Marshal(map[string]interface{}{
		"id":            newMessageID(),
		"type":          "message",
		"role":          "assistant",
		"content":       contentBlocks,
		"model":         model,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]interface{}{
			"input_tokens":  openaiResp.Usage.PromptTokens,
			"output_tokens": openaiResp.Usage.CompletionTokens,
		},
	})
}
