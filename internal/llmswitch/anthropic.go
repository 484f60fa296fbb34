package llmswitch

import (
	"encoding/json"
	"fmt"

	"github.com/ctrlmesh/gateway/internal/canon"
)

// anthropicContentBlock mirrors one entry of an Anthropic Messages API
// "content" array, covering the block shapes the switch needs to round
// trip (text, image, tool_use, tool_result). The request-level "thinking"
// field passes through opaquely via CanonicalRequest.ExtendedThinking;
// "thinking" blocks inside request messages are not decoded.
type anthropicContentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Source  *anthropicImageSource `json:"source,omitempty"`
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      json.RawMessage    `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage    `json:"tool_choice,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Thinking    json.RawMessage    `json:"thinking,omitempty"`
}

type anthropicResponse struct {
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

func decodeAnthropicInbound(body []byte) (*canon.CanonicalRequest, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("llmswitch: decoding anthropic messages request: %w", err)
	}

	out := &canon.CanonicalRequest{
		Model:            req.Model,
		Stream:           req.Stream,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		ExtendedThinking: req.Thinking,
		ToolChoice:       decodeAnthropicToolChoice(req.ToolChoice),
		InstructionsText: decodeAnthropicSystem(req.System),
	}

	for _, m := range req.Messages {
		msg := canon.Message{Role: anthropicRoleToCanon(m.Role)}
		for i, block := range m.Content {
			switch block.Type {
			case "text":
				msg.Parts = append(msg.Parts, canon.TextPart{Text: block.Text})
			case "image":
				img := canon.ImagePart{}
				if block.Source != nil {
					img.MediaType = block.Source.MediaType
					img.DataB64 = block.Source.Data
					img.URL = block.Source.URL
				}
				msg.Parts = append(msg.Parts, img)
			case "tool_use":
				msg.Parts = append(msg.Parts, canon.ToolCallPart{
					CallID:        block.ID,
					Name:          block.Name,
					ArgumentsJSON: parseToolArguments(block.Input),
					Index:         i,
				})
			case "tool_result":
				msg.Parts = append(msg.Parts, canon.ToolResultPart{
					CallID:     block.ToolUseID,
					OutputJSON: rawOrNull(block.Content),
				})
			}
		}
		out.PriorMessages = append(out.PriorMessages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, canon.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	return out, nil
}

func encodeAnthropicOutbound(req *canon.CanonicalRequest) ([]byte, error) {
	out := anthropicRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Thinking:    req.ExtendedThinking,
	}
	if req.InstructionsText != "" {
		out.System = jsonString(req.InstructionsText)
	}

	for _, m := range req.PriorMessages {
		out.Messages = append(out.Messages, encodeAnthropicMessage(m))
	}
	if len(req.UserInputs) > 0 {
		out.Messages = append(out.Messages, encodeAnthropicMessage(canon.Message{Role: canon.RoleUser, Parts: req.UserInputs}))
	}

	for _, t := range req.Tools {
		name := t.Name
		if alias, ok := req.ToolAliases[t.Name]; ok {
			name = alias
		}
		out.Tools = append(out.Tools, anthropicTool{Name: name, Description: t.Description, InputSchema: t.Parameters})
	}
	out.ToolChoice = encodeAnthropicToolChoice(req.ToolChoice)

	return json.Marshal(out)
}

func decodeAnthropicResponse(body []byte) (*canon.CanonicalResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llmswitch: decoding anthropic messages response: %w", err)
	}
	out := &canon.CanonicalResponse{Model: resp.Model, FinishReason: anthropicStopReasonToCanon(resp.StopReason)}
	for i, block := range resp.Content {
		switch block.Type {
		case "text":
			out.ContentText += block.Text
		case "thinking":
			out.ExtendedThinking = block.Input
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, canon.ToolCallPart{
				CallID:        block.ID,
				Name:          block.Name,
				ArgumentsJSON: parseToolArguments(block.Input),
				Index:         i,
			})
		}
	}
	return out, nil
}

func encodeAnthropicResponse(resp *canon.CanonicalResponse) ([]byte, error) {
	var content []anthropicContentBlock
	if resp.ContentText != "" {
		content = append(content, anthropicContentBlock{Type: "text", Text: resp.ContentText})
	}
	for i, tc := range resp.ToolCalls {
		content = append(content, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.CallID,
			Name:  tc.Name,
			Input: tc.ArgumentsJSON,
		})
		_ = i
	}
	out := map[string]any{
		"model":       resp.Model,
		"content":     content,
		"stop_reason": anthropicStopReasonFromCanon(resp.FinishReason),
	}
	return json.Marshal(out)
}

func anthropicRoleToCanon(role string) canon.Role {
	if role == "assistant" {
		return canon.RoleAssistant
	}
	return canon.RoleUser
}

func anthropicStopReasonToCanon(s string) canon.FinishReason {
	switch s {
	case "end_turn", "stop_sequence":
		return canon.FinishStop
	case "tool_use":
		return canon.FinishToolCalls
	case "max_tokens":
		return canon.FinishLength
	default:
		return canon.FinishUnspecified
	}
}

func anthropicStopReasonFromCanon(f canon.FinishReason) string {
	switch f {
	case canon.FinishStop:
		return "end_turn"
	case canon.FinishToolCalls:
		return "tool_use"
	case canon.FinishLength:
		return "max_tokens"
	case canon.FinishContentFilter:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func decodeAnthropicToolChoice(raw json.RawMessage) canon.ToolChoice {
	if len(raw) == 0 {
		return canon.ToolChoice{Mode: canon.ToolChoiceAuto}
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return canon.ToolChoice{Mode: canon.ToolChoiceAuto}
	}
	switch tc.Type {
	case "any":
		return canon.ToolChoice{Mode: canon.ToolChoiceRequired}
	case "tool":
		return canon.ToolChoice{Mode: canon.ToolChoiceNamed, Name: tc.Name}
	case "none":
		return canon.ToolChoice{Mode: canon.ToolChoiceNone}
	default:
		return canon.ToolChoice{Mode: canon.ToolChoiceAuto}
	}
}

func encodeAnthropicToolChoice(tc canon.ToolChoice) json.RawMessage {
	switch tc.Mode {
	case canon.ToolChoiceNone:
		data, _ := json.Marshal(map[string]string{"type": "none"})
		return data
	case canon.ToolChoiceRequired:
		data, _ := json.Marshal(map[string]string{"type": "any"})
		return data
	case canon.ToolChoiceNamed:
		data, _ := json.Marshal(map[string]string{"type": "tool", "name": tc.Name})
		return data
	default:
		return nil
	}
}

func decodeAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return ""
}

func encodeAnthropicMessage(m canon.Message) anthropicMessage {
	out := anthropicMessage{Role: anthropicRoleFromCanon(m.Role)}
	for _, p := range m.Parts {
		switch v := p.(type) {
		case canon.TextPart:
			out.Content = append(out.Content, anthropicContentBlock{Type: "text", Text: v.Text})
		case canon.ImagePart:
			out.Content = append(out.Content, anthropicContentBlock{
				Type:   "image",
				Source: &anthropicImageSource{Type: "base64", MediaType: v.MediaType, Data: v.DataB64, URL: v.URL},
			})
		case canon.ToolCallPart:
			out.Content = append(out.Content, anthropicContentBlock{Type: "tool_use", ID: v.CallID, Name: v.Name, Input: v.ArgumentsJSON})
		case canon.ToolResultPart:
			out.Content = append(out.Content, anthropicContentBlock{Type: "tool_result", ToolUseID: v.CallID, Content: v.OutputJSON})
		}
	}
	return out
}

func anthropicRoleFromCanon(r canon.Role) string {
	if r == canon.RoleAssistant {
		return "assistant"
	}
	return "user" // Anthropic has no distinct "tool" role; tool_result blocks live in a user turn.
}
