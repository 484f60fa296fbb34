package llmswitch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ctrlmesh/gateway/internal/canon"
)

// ParseSSE reads every event out of a provider's SSE stream. Anthropic
// frames carry an explicit "event:" line; Chat Completions and Responses
// frames are bare "data:" lines terminated by a literal "[DONE]" payload.
// Anthropic "ping" keep-alive events and events with no data are dropped,
// mirroring the teacher's SSE parser.
func ParseSSE(r io.Reader) ([]canon.SSEFrame, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var frames []canon.SSEFrame
	var eventName, data string

	flush := func() {
		if data == "" || eventName == "ping" {
			return
		}
		if data == "[DONE]" {
			frames = append(frames, canon.SSEFrame{Done: true})
			return
		}
		frames = append(frames, canon.SSEFrame{EventName: eventName, DataJSON: json.RawMessage(data)})
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			if eventName == "message_stop" || data == "[DONE]" {
				eventName, data = "", ""
				break
			}
			eventName, data = "", ""
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				data = chunk
			} else {
				data += "\n" + chunk
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return frames, fmt.Errorf("llmswitch: reading SSE stream: %w", err)
	}
	return frames, nil
}

// WriteSSEFrame serializes one frame back onto the wire in the given
// protocol's framing convention.
func WriteSSEFrame(w io.Writer, protocol canon.WireProtocol, frame canon.SSEFrame) error {
	if frame.Done {
		_, err := io.WriteString(w, "data: [DONE]\n\n")
		return err
	}
	var buf bytes.Buffer
	if protocol == canon.ProtocolAnthropic && frame.EventName != "" {
		fmt.Fprintf(&buf, "event: %s\n", frame.EventName)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", string(frame.DataJSON))
	_, err := w.Write(buf.Bytes())
	return err
}

// EncodeSyntheticStream builds the SSE frame sequence for a fully-buffered
// CanonicalResponse delivered to a client that asked for streaming (spec
// 4.G's synthetic-SSE case): the text as content deltas of at most
// maxChunkChars each (see chunkContent), any tool calls emitted
// name-before-arguments as the ordering guarantee requires, then a finish
// frame and the terminal sentinel.
func EncodeSyntheticStream(protocol canon.WireProtocol, resp *canon.CanonicalResponse) []canon.SSEFrame {
	switch protocol {
	case canon.ProtocolAnthropic:
		return encodeAnthropicSyntheticStream(resp)
	case canon.ProtocolResponses:
		return encodeResponsesSyntheticStream(resp)
	default:
		return encodeChatSyntheticStream(resp)
	}
}

// chunkContent splits text into whitespace-aligned pieces no longer than
// maxChunkChars, so synthetic streams reproduce the cadence of a real
// token-by-token stream instead of delivering the whole body in one delta.
const maxChunkChars = 256

func chunkContent(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > maxChunkChars {
		cut := strings.LastIndexAny(text[:maxChunkChars], " \t\n")
		if cut <= 0 {
			cut = maxChunkChars
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func encodeChatSyntheticStream(resp *canon.CanonicalResponse) []canon.SSEFrame {
	var frames []canon.SSEFrame
	for _, chunk := range chunkContent(resp.ContentText) {
		frames = append(frames, chatDeltaFrame(map[string]any{"content": chunk}, nil))
	}
	// tool_calls[].index must be a zero-based, contiguous sequence over the
	// tool calls themselves — it is not resp.ToolCalls[i].Index, which for
	// an Anthropic-sourced response is the surrounding content block's
	// position (so a leading text block makes the first tool call's Index
	// 1, not 0). A client building its tool_calls array by this index would
	// get a sparse array if we forwarded that position verbatim.
	for i, tc := range resp.ToolCalls {
		frames = append(frames, chatDeltaFrame(nil, []map[string]any{{
			"index": i,
			"id":    tc.CallID,
			"type":  "function",
			"function": map[string]any{"name": tc.Name},
		}}))
		frames = append(frames, chatDeltaFrame(nil, []map[string]any{{
			"index":    i,
			"function": map[string]any{"arguments": string(tc.ArgumentsJSON)},
		}}))
	}
	frames = append(frames, chatFinishFrame(chatFinishReasonFromCanon(resp.FinishReason)))
	frames = append(frames, canon.SSEFrame{Done: true})
	return frames
}

func chatDeltaFrame(delta map[string]any, toolCalls []map[string]any) canon.SSEFrame {
	d := map[string]any{}
	for k, v := range delta {
		d[k] = v
	}
	if toolCalls != nil {
		d["tool_calls"] = toolCalls
	}
	data, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"index": 0, "delta": d, "finish_reason": nil}},
	})
	return canon.SSEFrame{DataJSON: data}
}

func chatFinishFrame(reason string) canon.SSEFrame {
	data, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": reason}},
	})
	return canon.SSEFrame{DataJSON: data}
}

func encodeResponsesSyntheticStream(resp *canon.CanonicalResponse) []canon.SSEFrame {
	var frames []canon.SSEFrame
	for _, chunk := range chunkContent(resp.ContentText) {
		data, _ := json.Marshal(map[string]any{"type": "response.output_text.delta", "delta": chunk})
		frames = append(frames, canon.SSEFrame{EventName: "response.output_text.delta", DataJSON: data})
	}
	for _, tc := range resp.ToolCalls {
		startData, _ := json.Marshal(map[string]any{
			"type": "response.function_call.started", "call_id": tc.CallID, "name": tc.Name,
		})
		frames = append(frames, canon.SSEFrame{EventName: "response.function_call.started", DataJSON: startData})
		argData, _ := json.Marshal(map[string]any{
			"type": "response.function_call_arguments.delta", "call_id": tc.CallID, "delta": string(tc.ArgumentsJSON),
		})
		frames = append(frames, canon.SSEFrame{EventName: "response.function_call_arguments.delta", DataJSON: argData})
	}
	doneData, _ := json.Marshal(map[string]any{"type": "response.completed", "status": responsesStatusFromCanon(resp.FinishReason)})
	frames = append(frames, canon.SSEFrame{EventName: "response.completed", DataJSON: doneData})
	frames = append(frames, canon.SSEFrame{Done: true})
	return frames
}

func encodeAnthropicSyntheticStream(resp *canon.CanonicalResponse) []canon.SSEFrame {
	var frames []canon.SSEFrame
	index := 0

	startData, _ := json.Marshal(map[string]any{"type": "message_start", "message": map[string]any{"model": resp.Model}})
	frames = append(frames, canon.SSEFrame{EventName: "message_start", DataJSON: startData})

	if chunks := chunkContent(resp.ContentText); len(chunks) > 0 {
		frames = append(frames, canon.SSEFrame{EventName: "content_block_start", DataJSON: mustJSON(map[string]any{
			"type": "content_block_start", "index": index,
			"content_block": map[string]any{"type": "text", "text": ""},
		})})
		for _, chunk := range chunks {
			frames = append(frames, canon.SSEFrame{EventName: "content_block_delta", DataJSON: mustJSON(map[string]any{
				"type": "content_block_delta", "index": index,
				"delta": map[string]any{"type": "text_delta", "text": chunk},
			})})
		}
		frames = append(frames, canon.SSEFrame{EventName: "content_block_stop", DataJSON: mustJSON(map[string]any{"type": "content_block_stop", "index": index})})
		index++
	}
	for _, tc := range resp.ToolCalls {
		frames = append(frames, canon.SSEFrame{EventName: "content_block_start", DataJSON: mustJSON(map[string]any{
			"type": "content_block_start", "index": index,
			"content_block": map[string]any{"type": "tool_use", "id": tc.CallID, "name": tc.Name, "input": map[string]any{}},
		})})
		frames = append(frames, canon.SSEFrame{EventName: "content_block_delta", DataJSON: mustJSON(map[string]any{
			"type": "content_block_delta", "index": index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": string(tc.ArgumentsJSON)},
		})})
		frames = append(frames, canon.SSEFrame{EventName: "content_block_stop", DataJSON: mustJSON(map[string]any{"type": "content_block_stop", "index": index})})
		index++
	}

	deltaData, _ := json.Marshal(map[string]any{
		"type": "message_delta", "delta": map[string]any{"stop_reason": anthropicStopReasonFromCanon(resp.FinishReason)},
	})
	frames = append(frames, canon.SSEFrame{EventName: "message_delta", DataJSON: deltaData})
	frames = append(frames, canon.SSEFrame{EventName: "message_stop", DataJSON: mustJSON(map[string]any{"type": "message_stop"})})
	return frames
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
