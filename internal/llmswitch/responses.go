package llmswitch

import (
	"encoding/json"
	"fmt"

	"github.com/ctrlmesh/gateway/internal/canon"
)

// responsesInputItem mirrors one entry of the Responses API's flat "input"
// array, which (unlike Chat Completions) puts function_call and
// function_call_output items alongside message items rather than nesting
// tool calls under a message.
type responsesInputItem struct {
	Type      string              `json:"type"`
	Role      string              `json:"role,omitempty"`
	Content   []responsesContent  `json:"content,omitempty"`
	CallID    string              `json:"call_id,omitempty"`
	Name      string              `json:"name,omitempty"`
	Arguments json.RawMessage     `json:"arguments,omitempty"`
	Output    json.RawMessage     `json:"output,omitempty"`
}

type responsesContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responsesRequest struct {
	Model        string                `json:"model"`
	Instructions string                `json:"instructions,omitempty"`
	Input        []responsesInputItem  `json:"input"`
	Tools        []responsesTool       `json:"tools,omitempty"`
	ToolChoice   json.RawMessage       `json:"tool_choice,omitempty"`
	Stream       bool                  `json:"stream,omitempty"`
	MaxOutputTokens int                `json:"max_output_tokens,omitempty"`
	Temperature  float64               `json:"temperature,omitempty"`
}

type responsesOutputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Content   []responsesContent `json:"content,omitempty"`
}

type responsesResponse struct {
	Model  string                 `json:"model"`
	Output []responsesOutputItem  `json:"output"`
	Status string                 `json:"status"`
}

func decodeResponsesInbound(body []byte) (*canon.CanonicalRequest, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("llmswitch: decoding responses request: %w", err)
	}

	out := &canon.CanonicalRequest{
		Model:            req.Model,
		InstructionsText: req.Instructions,
		Stream:           req.Stream,
		MaxTokens:        req.MaxOutputTokens,
		Temperature:      req.Temperature,
		ToolChoice:       decodeChatToolChoice(req.ToolChoice), // same shape as Chat Completions
	}

	callNameByID := make(map[string]string)

	for i, item := range req.Input {
		switch item.Type {
		case "message":
			msg := canon.Message{Role: chatRoleToCanon(item.Role)}
			for _, c := range item.Content {
				switch c.Type {
				case "input_text", "output_text", "text":
					msg.Parts = append(msg.Parts, canon.TextPart{Text: c.Text})
				case "input_image":
					msg.Parts = append(msg.Parts, canon.ImagePart{URL: c.ImageURL})
				}
			}
			out.PriorMessages = append(out.PriorMessages, msg)
		case "function_call":
			callNameByID[item.CallID] = item.Name
			out.PriorMessages = append(out.PriorMessages, canon.Message{
				Role: canon.RoleAssistant,
				Parts: []canon.Part{canon.ToolCallPart{
					CallID:        item.CallID,
					Name:          item.Name,
					ArgumentsJSON: parseToolArguments(item.Arguments),
					Index:         i,
				}},
			})
		case "function_call_output":
			out.PriorMessages = append(out.PriorMessages, canon.Message{
				Role: canon.RoleTool,
				Parts: []canon.Part{canon.ToolResultPart{
					CallID:     item.CallID,
					OutputJSON: rawOrNull(item.Output),
				}},
			})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, canon.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	return out, nil
}

func encodeResponsesOutbound(req *canon.CanonicalRequest) ([]byte, error) {
	out := responsesRequest{
		Model:           req.Model,
		Instructions:    req.InstructionsText,
		Stream:          req.Stream,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
	}

	for _, m := range req.PriorMessages {
		out.Input = append(out.Input, encodeResponsesItems(m)...)
	}
	if len(req.UserInputs) > 0 {
		out.Input = append(out.Input, encodeResponsesItems(canon.Message{Role: canon.RoleUser, Parts: req.UserInputs})...)
	}

	for _, t := range req.Tools {
		name := t.Name
		if alias, ok := req.ToolAliases[t.Name]; ok {
			name = alias
		}
		out.Tools = append(out.Tools, responsesTool{Type: "function", Name: name, Description: t.Description, Parameters: t.Parameters})
	}
	out.ToolChoice = encodeChatToolChoice(req.ToolChoice)

	return json.Marshal(out)
}

func decodeResponsesResponse(body []byte) (*canon.CanonicalResponse, error) {
	var resp responsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llmswitch: decoding responses response: %w", err)
	}
	out := &canon.CanonicalResponse{Model: resp.Model, FinishReason: responsesStatusToCanon(resp.Status)}
	for i, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					out.ContentText += c.Text
				}
			}
		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			out.ToolCalls = append(out.ToolCalls, canon.ToolCallPart{
				CallID:        callID,
				Name:          item.Name,
				ArgumentsJSON: parseToolArguments(item.Arguments),
				Index:         i,
			})
		}
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == canon.FinishStop {
		out.FinishReason = canon.FinishToolCalls
	}
	return out, nil
}

func encodeResponsesResponse(resp *canon.CanonicalResponse) ([]byte, error) {
	var output []responsesOutputItem
	if resp.ContentText != "" {
		output = append(output, responsesOutputItem{
			Type:    "message",
			Content: []responsesContent{{Type: "output_text", Text: resp.ContentText}},
		})
	}
	for _, tc := range resp.ToolCalls {
		output = append(output, responsesOutputItem{
			Type:      "function_call",
			CallID:    tc.CallID,
			Name:      tc.Name,
			Arguments: tc.ArgumentsJSON,
		})
	}
	out := map[string]any{
		"model":  resp.Model,
		"output": output,
		"status": responsesStatusFromCanon(resp.FinishReason),
	}
	return json.Marshal(out)
}

func encodeResponsesItems(m canon.Message) []responsesInputItem {
	var items []responsesInputItem
	var content []responsesContent
	for _, p := range m.Parts {
		switch v := p.(type) {
		case canon.TextPart:
			content = append(content, responsesContent{Type: "input_text", Text: v.Text})
		case canon.ImagePart:
			content = append(content, responsesContent{Type: "input_image", ImageURL: v.URL})
		case canon.ToolCallPart:
			items = append(items, responsesInputItem{Type: "function_call", CallID: v.CallID, Name: v.Name, Arguments: v.ArgumentsJSON})
		case canon.ToolResultPart:
			items = append(items, responsesInputItem{Type: "function_call_output", CallID: v.CallID, Output: v.OutputJSON})
		}
	}
	if len(content) > 0 {
		items = append([]responsesInputItem{{Type: "message", Role: chatRoleFromCanon(m.Role), Content: content}}, items...)
	}
	return items
}

func responsesStatusToCanon(s string) canon.FinishReason {
	switch s {
	case "completed":
		return canon.FinishStop
	case "incomplete":
		return canon.FinishLength
	case "failed":
		return canon.FinishContentFilter
	default:
		return canon.FinishUnspecified
	}
}

func responsesStatusFromCanon(f canon.FinishReason) string {
	switch f {
	case canon.FinishStop, canon.FinishToolCalls:
		return "completed"
	case canon.FinishLength, canon.FinishContentFilter:
		return "incomplete"
	default:
		return "completed"
	}
}
