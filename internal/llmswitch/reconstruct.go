package llmswitch

import (
	"encoding/json"

	"github.com/ctrlmesh/gateway/internal/canon"
)

// ReconstructResponse rebuilds a CanonicalResponse from a fully-buffered SSE
// stream, for the streaming manager's buffer-then-translate case (spec
// 4.G's cross-protocol and buffered-JSON-from-stream cases). This mirrors
// the teacher's reconstructAnthropic/reconstructOpenAI accumulate-by-index
// approach, generalized across all three wire protocols and targeting the
// canonical response shape rather than a provider-specific tool-call list.
func ReconstructResponse(protocol canon.WireProtocol, frames []canon.SSEFrame) *canon.CanonicalResponse {
	switch protocol {
	case canon.ProtocolAnthropic:
		return reconstructAnthropicStream(frames)
	case canon.ProtocolResponses:
		return reconstructResponsesStream(frames)
	default:
		return reconstructChatStream(frames)
	}
}

func reconstructChatStream(frames []canon.SSEFrame) *canon.CanonicalResponse {
	resp := &canon.CanonicalResponse{}
	var content string
	type accum struct {
		id, name, args string
	}
	calls := make(map[int]*accum)
	var order []int

	for _, f := range frames {
		if f.Done || len(f.DataJSON) == 0 {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function *struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(f.DataJSON, &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		content += choice.Delta.Content
		for _, tc := range choice.Delta.ToolCalls {
			a, ok := calls[tc.Index]
			if !ok {
				a = &accum{}
				calls[tc.Index] = a
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				a.id = tc.ID
			}
			if tc.Function != nil {
				if tc.Function.Name != "" {
					a.name = tc.Function.Name
				}
				a.args += tc.Function.Arguments
			}
		}
		if choice.FinishReason != nil {
			resp.FinishReason = chatFinishReasonToCanon(*choice.FinishReason)
		}
	}

	resp.ContentText = content
	for i, idx := range order {
		a := calls[idx]
		resp.ToolCalls = append(resp.ToolCalls, canon.ToolCallPart{
			CallID: a.id, Name: a.name, ArgumentsJSON: parseToolArguments(json.RawMessage(a.args)), Index: i,
		})
	}
	return resp
}

func reconstructResponsesStream(frames []canon.SSEFrame) *canon.CanonicalResponse {
	resp := &canon.CanonicalResponse{}
	var content string
	type accum struct {
		name, args string
	}
	calls := make(map[string]*accum)
	var order []string

	for _, f := range frames {
		if f.Done || len(f.DataJSON) == 0 {
			continue
		}
		var evt struct {
			Type   string `json:"type"`
			Delta  string `json:"delta"`
			CallID string `json:"call_id"`
			Name   string `json:"name"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(f.DataJSON, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "response.output_text.delta":
			content += evt.Delta
		case "response.function_call.started":
			calls[evt.CallID] = &accum{name: evt.Name}
			order = append(order, evt.CallID)
		case "response.function_call_arguments.delta":
			if a, ok := calls[evt.CallID]; ok {
				a.args += evt.Delta
			}
		case "response.completed":
			resp.FinishReason = responsesStatusToCanon(evt.Status)
		}
	}

	resp.ContentText = content
	for i, id := range order {
		a := calls[id]
		resp.ToolCalls = append(resp.ToolCalls, canon.ToolCallPart{
			CallID: id, Name: a.name, ArgumentsJSON: parseToolArguments(json.RawMessage(a.args)), Index: i,
		})
	}
	return resp
}

func reconstructAnthropicStream(frames []canon.SSEFrame) *canon.CanonicalResponse {
	resp := &canon.CanonicalResponse{}

	type block struct {
		blockType string
		text      string
		toolID    string
		toolName  string
		partial   string
	}
	blocks := make(map[int]*block)
	var order []int

	for _, f := range frames {
		if f.Done || len(f.DataJSON) == 0 {
			continue
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(f.DataJSON, &raw); err != nil {
			continue
		}
		var eventType string
		json.Unmarshal(raw["type"], &eventType)

		switch eventType {
		case "content_block_start":
			var start struct {
				Index        int `json:"index"`
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if err := json.Unmarshal(f.DataJSON, &start); err != nil {
				continue
			}
			b := &block{blockType: start.ContentBlock.Type, toolID: start.ContentBlock.ID, toolName: start.ContentBlock.Name}
			blocks[start.Index] = b
			order = append(order, start.Index)

		case "content_block_delta":
			var delta struct {
				Index int `json:"index"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if err := json.Unmarshal(f.DataJSON, &delta); err != nil {
				continue
			}
			b, ok := blocks[delta.Index]
			if !ok {
				continue
			}
			switch delta.Delta.Type {
			case "text_delta":
				b.text += delta.Delta.Text
			case "input_json_delta":
				b.partial += delta.Delta.PartialJSON
			}

		case "message_delta":
			var md struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
			}
			if err := json.Unmarshal(f.DataJSON, &md); err == nil {
				resp.FinishReason = anthropicStopReasonToCanon(md.Delta.StopReason)
			}
		}
	}

	var content string
	for i, idx := range order {
		b := blocks[idx]
		switch b.blockType {
		case "text":
			content += b.text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, canon.ToolCallPart{
				CallID: b.toolID, Name: b.toolName, ArgumentsJSON: parseToolArguments(json.RawMessage(b.partial)), Index: i,
			})
		}
	}
	resp.ContentText = content
	return resp
}
