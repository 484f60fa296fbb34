package llmswitch

import (
	"encoding/json"
	"fmt"

	"github.com/ctrlmesh/gateway/internal/canon"
)

// chatMessage mirrors one entry of a Chat Completions "messages" array.
type chatMessage struct {
	Role       string         `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func decodeChatInbound(body []byte) (*canon.CanonicalRequest, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("llmswitch: decoding chat completions request: %w", err)
	}

	out := &canon.CanonicalRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		ToolChoice:  decodeChatToolChoice(req.ToolChoice),
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			out.InstructionsText += decodeChatContentText(m.Content)
			continue
		}
		msg := canon.Message{Role: chatRoleToCanon(m.Role)}
		if text := decodeChatContentText(m.Content); text != "" {
			msg.Parts = append(msg.Parts, canon.TextPart{Text: text})
		}
		for _, img := range decodeChatContentImages(m.Content) {
			msg.Parts = append(msg.Parts, img)
		}
		for i, tc := range m.ToolCalls {
			msg.Parts = append(msg.Parts, canon.ToolCallPart{
				CallID:        tc.ID,
				Name:          tc.Function.Name,
				ArgumentsJSON: parseToolArguments(tc.Function.Arguments),
				Index:         i,
			})
		}
		if m.Role == "tool" {
			msg.Parts = append(msg.Parts, canon.ToolResultPart{
				CallID:     m.ToolCallID,
				OutputJSON: rawOrNull(m.Content),
			})
		}
		out.PriorMessages = append(out.PriorMessages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, canon.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return out, nil
}

func encodeChatOutbound(req *canon.CanonicalRequest) ([]byte, error) {
	out := chatRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.InstructionsText != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: jsonString(req.InstructionsText)})
	}
	for _, m := range req.PriorMessages {
		out.Messages = append(out.Messages, encodeChatMessage(m))
	}
	if len(req.UserInputs) > 0 {
		out.Messages = append(out.Messages, encodeChatMessage(canon.Message{Role: canon.RoleUser, Parts: req.UserInputs}))
	}

	for _, t := range req.Tools {
		name := t.Name
		if alias, ok := req.ToolAliases[t.Name]; ok {
			name = alias
		}
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	out.ToolChoice = encodeChatToolChoice(req.ToolChoice)

	return json.Marshal(out)
}

func decodeChatResponse(body []byte) (*canon.CanonicalResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llmswitch: decoding chat completions response: %w", err)
	}
	out := &canon.CanonicalResponse{Model: resp.Model}
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	out.ContentText = decodeChatContentText(choice.Message.Content)
	for i, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, canon.ToolCallPart{
			CallID:        tc.ID,
			Name:          tc.Function.Name,
			ArgumentsJSON: parseToolArguments(tc.Function.Arguments),
			Index:         i,
		})
	}
	out.FinishReason = chatFinishReasonToCanon(choice.FinishReason)
	return out, nil
}

func encodeChatResponse(resp *canon.CanonicalResponse) ([]byte, error) {
	msg := chatMessage{Role: "assistant"}
	if resp.ContentText != "" {
		msg.Content = jsonString(resp.ContentText)
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
			ID:   tc.CallID,
			Type: "function",
			Function: chatFunction{
				Name:      tc.Name,
				Arguments: tc.ArgumentsJSON,
			},
		})
	}

	out := map[string]any{
		"model": resp.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       msg,
				"finish_reason": chatFinishReasonFromCanon(resp.FinishReason),
			},
		},
	}
	return json.Marshal(out)
}

func chatRoleToCanon(role string) canon.Role {
	switch role {
	case "system":
		return canon.RoleSystem
	case "assistant":
		return canon.RoleAssistant
	case "tool":
		return canon.RoleTool
	default:
		return canon.RoleUser
	}
}

func chatFinishReasonToCanon(s string) canon.FinishReason {
	switch s {
	case "stop":
		return canon.FinishStop
	case "tool_calls":
		return canon.FinishToolCalls
	case "length":
		return canon.FinishLength
	case "content_filter":
		return canon.FinishContentFilter
	default:
		return canon.FinishUnspecified
	}
}

func chatFinishReasonFromCanon(f canon.FinishReason) string {
	switch f {
	case canon.FinishStop:
		return "stop"
	case canon.FinishToolCalls:
		return "tool_calls"
	case canon.FinishLength:
		return "length"
	case canon.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

func decodeChatToolChoice(raw json.RawMessage) canon.ToolChoice {
	if len(raw) == 0 {
		return canon.ToolChoice{Mode: canon.ToolChoiceAuto}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none":
			return canon.ToolChoice{Mode: canon.ToolChoiceNone}
		case "required":
			return canon.ToolChoice{Mode: canon.ToolChoiceRequired}
		default:
			return canon.ToolChoice{Mode: canon.ToolChoiceAuto}
		}
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return canon.ToolChoice{Mode: canon.ToolChoiceNamed, Name: named.Function.Name}
	}
	return canon.ToolChoice{Mode: canon.ToolChoiceAuto}
}

func encodeChatToolChoice(tc canon.ToolChoice) json.RawMessage {
	switch tc.Mode {
	case canon.ToolChoiceNone:
		return jsonString("none")
	case canon.ToolChoiceRequired:
		return jsonString("required")
	case canon.ToolChoiceNamed:
		data, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		})
		return data
	default:
		return nil
	}
}

func decodeChatContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var out string
		for _, p := range parts {
			if p.Type == "text" {
				out += p.Text
			}
		}
		return out
	}
	return ""
}

func decodeChatContentImages(raw json.RawMessage) []canon.ImagePart {
	if len(raw) == 0 {
		return nil
	}
	var parts []struct {
		Type     string `json:"type"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var out []canon.ImagePart
	for _, p := range parts {
		if p.Type == "image_url" && p.ImageURL.URL != "" {
			out = append(out, canon.ImagePart{URL: p.ImageURL.URL})
		}
	}
	return out
}

func encodeChatMessage(m canon.Message) chatMessage {
	out := chatMessage{Role: chatRoleFromCanon(m.Role)}

	var contentParts []map[string]any
	var plainText string
	for _, p := range m.Parts {
		switch v := p.(type) {
		case canon.TextPart:
			plainText += v.Text
		case canon.ImagePart:
			contentParts = append(contentParts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]string{"url": v.URL},
			})
		case canon.ToolResultPart:
			out.ToolCallID = v.CallID
			out.Content = v.OutputJSON
		}
	}
	if len(contentParts) > 0 {
		if plainText != "" {
			contentParts = append([]map[string]any{{"type": "text", "text": plainText}}, contentParts...)
		}
		data, _ := json.Marshal(contentParts)
		out.Content = data
	} else if plainText != "" && len(out.Content) == 0 {
		out.Content = jsonString(plainText)
	}

	for _, tc := range m.ToolCalls() {
		out.ToolCalls = append(out.ToolCalls, chatToolCall{
			ID:   tc.CallID,
			Type: "function",
			Function: chatFunction{Name: tc.Name, Arguments: tc.ArgumentsJSON},
		})
	}
	return out
}

func chatRoleFromCanon(r canon.Role) string {
	switch r {
	case canon.RoleSystem:
		return "system"
	case canon.RoleAssistant:
		return "assistant"
	case canon.RoleTool:
		return "tool"
	default:
		return "user"
	}
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
