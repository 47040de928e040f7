// Package adaptor converts between the Anthropic Messages wire format and the
// OpenAI chat-completions wire format, in both directions and for both
// buffered and streaming responses.
package adaptor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
)

// ConvertAnthropicToOpenAIRequest converts an Anthropic Messages request to an
// OpenAI chat-completions request targeting the given upstream model. The
// stream flag is left to the caller.
func ConvertAnthropicToOpenAIRequest(anthropicReq *anthropic.MessageNewParams, upstreamModel string) *openai.ChatCompletionNewParams {
	openaiReq := &openai.ChatCompletionNewParams{
		Model: openai.ChatModel(upstreamModel),
	}

	openaiReq.MaxTokens = openai.Opt(anthropicReq.MaxTokens)
	if anthropicReq.Temperature.Valid() {
		openaiReq.Temperature = openai.Opt(anthropicReq.Temperature.Value)
	}
	if anthropicReq.TopP.Valid() {
		openaiReq.TopP = openai.Opt(anthropicReq.TopP.Value)
	}
	if len(anthropicReq.StopSequences) > 0 {
		openaiReq.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: anthropicReq.StopSequences,
		}
	}

	for _, msg := range anthropicReq.Messages {
		switch string(msg.Role) {
		case "user":
			// User messages may carry tool_result and image blocks that need
			// restructuring on the OpenAI side.
			openaiReq.Messages = append(openaiReq.Messages, convertUserMessage(msg)...)
		case "assistant":
			openaiReq.Messages = append(openaiReq.Messages, convertAssistantMessage(msg))
		}
	}

	// The Anthropic system prompt becomes a leading system message.
	if len(anthropicReq.System) > 0 {
		systemMsg := openai.SystemMessage(joinTextBlocks(anthropicReq.System))
		openaiReq.Messages = append([]openai.ChatCompletionMessageParamUnion{systemMsg}, openaiReq.Messages...)
	}

	if len(anthropicReq.Tools) > 0 {
		openaiReq.Tools = convertTools(anthropicReq.Tools)
	}

	if anthropicReq.ToolChoice.OfAuto != nil || anthropicReq.ToolChoice.OfTool != nil ||
		anthropicReq.ToolChoice.OfAny != nil {
		openaiReq.ToolChoice = convertToolChoice(&anthropicReq.ToolChoice)
	}

	return openaiReq
}

// convertTools maps Anthropic tool definitions to OpenAI function tools. The
// input_schema properties and required list carry over as the function
// parameters object.
func convertTools(tools []anthropic.ToolUnionParam) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))

	for _, t := range tools {
		tool := t.OfTool
		if tool == nil {
			continue
		}

		var parameters map[string]interface{}
		if tool.InputSchema.Properties != nil || len(tool.InputSchema.Required) > 0 {
			parameters = map[string]interface{}{"type": "object"}
			if tool.InputSchema.Properties != nil {
				parameters["properties"] = tool.InputSchema.Properties
			}
			if len(tool.InputSchema.Required) > 0 {
				parameters["required"] = tool.InputSchema.Required
			}
		}

		fn := shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: param.Opt[string]{Value: tool.Description.Value},
			Parameters:  parameters,
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}

	return out
}

// convertToolChoice maps Anthropic tool_choice to the OpenAI equivalent.
// Anthropic's "any" has no direct counterpart and degrades to auto.
func convertToolChoice(tc *anthropic.ToolChoiceUnionParam) openai.ChatCompletionToolChoiceOptionUnionParam {
	if tc.OfTool != nil {
		return openai.ToolChoiceOptionFunctionToolChoice(
			openai.ChatCompletionNamedToolChoiceFunctionParam{
				Name: tc.OfTool.Name,
			},
		)
	}
	return openai.ChatCompletionToolChoiceOptionUnionParam{
		OfAuto: openai.Opt("auto"),
	}
}

// convertUserMessage converts an Anthropic user message. tool_result blocks
// become separate role="tool" messages; text and image blocks stay in a user
// message, as a plain string for text-only content or a parts array when an
// image is present.
func convertUserMessage(msg anthropic.MessageParam) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	var parts []map[string]interface{}
	hasImage := false

	for _, block := range msg.Content {
		switch {
		case block.OfText != nil:
			parts = append(parts, map[string]interface{}{
				"type": "text",
				"text": block.OfText.Text,
			})
		case block.OfImage != nil:
			if part := convertImageBlock(block.OfImage); part != nil {
				parts = append(parts, part)
				hasImage = true
			}
		case block.OfToolResult != nil:
			toolMsg := map[string]interface{}{
				"role":         "tool",
				"tool_call_id": block.OfToolResult.ToolUseID,
				"content":      joinToolResultContent(block.OfToolResult.Content),
			}
			result = append(result, unmarshalMessage(toolMsg))
		}
	}

	if len(parts) == 0 {
		return result
	}

	if !hasImage {
		var text strings.Builder
		for _, p := range parts {
			if s, ok := p["text"].(string); ok {
				text.WriteString(s)
			}
		}
		if text.Len() > 0 {
			result = append(result, openai.UserMessage(text.String()))
		}
		return result
	}

	userMsg := map[string]interface{}{
		"role":    "user",
		"content": parts,
	}
	result = append(result, unmarshalMessage(userMsg))
	return result
}

// convertImageBlock turns an Anthropic base64 image source into an OpenAI
// image_url part with a data URL. URL sources pass through directly.
func convertImageBlock(block *anthropic.ImageBlockParam) map[string]interface{} {
	var url string
	switch {
	case block.Source.OfBase64 != nil:
		src := block.Source.OfBase64
		url = fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)
	case block.Source.OfURL != nil:
		url = block.Source.OfURL.URL
	default:
		return nil
	}
	return map[string]interface{}{
		"type":      "image_url",
		"image_url": map[string]interface{}{"url": url},
	}
}

// convertAssistantMessage converts an Anthropic assistant message, turning
// tool_use blocks into OpenAI tool_calls.
func convertAssistantMessage(msg anthropic.MessageParam) openai.ChatCompletionMessageParamUnion {
	var textContent string
	var toolCalls []map[string]interface{}

	for _, block := range msg.Content {
		switch {
		case block.OfText != nil:
			textContent += block.OfText.Text
		case block.OfToolUse != nil:
			toolCall := map[string]interface{}{
				"id":   block.OfToolUse.ID,
				"type": "function",
				"function": map[string]interface{}{
					"name": block.OfToolUse.Name,
				},
			}
			if argsBytes, err := json.Marshal(block.OfToolUse.Input); err == nil {
				toolCall["function"].(map[string]interface{})["arguments"] = string(argsBytes)
			}
			toolCalls = append(toolCalls, toolCall)
		}
	}

	msgMap := map[string]interface{}{
		"role":    "assistant",
		"content": textContent,
	}
	if len(toolCalls) > 0 {
		msgMap["tool_calls"] = toolCalls
	}
	return unmarshalMessage(msgMap)
}

// unmarshalMessage builds a message union value through JSON. The union types
// have no constructors for every shape the conversion needs.
func unmarshalMessage(msgMap map[string]interface{}) openai.ChatCompletionMessageParamUnion {
	msgBytes, _ := json.Marshal(msgMap)
	var result openai.ChatCompletionMessageParamUnion
	_ = json.Unmarshal(msgBytes, &result)
	return result
}

// joinTextBlocks joins system text blocks with newlines.
func joinTextBlocks(blocks []anthropic.TextBlockParam) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n")
}

func joinToolResultContent(content []anthropic.ToolResultBlockParamContentUnion) string {
	var b strings.Builder
	for _, c := range content {
		if c.OfText != nil {
			b.WriteString(c.OfText.Text)
		}
	}
	return b.String()
}
