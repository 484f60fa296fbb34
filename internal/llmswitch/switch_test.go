package llmswitch

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ctrlmesh/gateway/internal/canon"
)

func TestDecodeChatInbound_BasicRoundTrip(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		],
		"stream": true
	}`)
	sw := New()
	req, err := sw.DecodeInbound(canon.ProtocolChat, body)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if req.Model != "gpt-4o" || req.InstructionsText != "be terse" || !req.Stream {
		t.Errorf("unexpected request: %+v", req)
	}
	if len(req.PriorMessages) != 1 || req.PriorMessages[0].Text() != "hello" {
		t.Errorf("unexpected messages: %+v", req.PriorMessages)
	}
}

func TestDecodeChatInbound_ToolCallWithPythonDictArguments(t *testing.T) {
	body := []byte(`{
		"model": "glm-4",
		"messages": [
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "search", "arguments": "{'query': 'weather', 'verbose': True}"}}
			]}
		]
	}`)
	sw := New()
	req, err := sw.DecodeInbound(canon.ProtocolChat, body)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	tc := req.PriorMessages[0].ToolCalls()
	if len(tc) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(tc))
	}
	if !json.Valid(tc[0].ArgumentsJSON) {
		t.Fatalf("expected fixed arguments to be valid JSON, got %s", tc[0].ArgumentsJSON)
	}
	var args map[string]any
	if err := json.Unmarshal(tc[0].ArgumentsJSON, &args); err != nil {
		t.Fatalf("unmarshal fixed args: %v", err)
	}
	if args["query"] != "weather" || args["verbose"] != true {
		t.Errorf("unexpected fixed args: %+v", args)
	}
}

func TestDecodeChatInbound_ZhipuObjectArguments(t *testing.T) {
	body := []byte(`{
		"model": "glm-4",
		"messages": [
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "search", "arguments": {"query": "weather"}}}
			]}
		]
	}`)
	sw := New()
	req, err := sw.DecodeInbound(canon.ProtocolChat, body)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	tc := req.PriorMessages[0].ToolCalls()
	if len(tc) != 1 || !json.Valid(tc[0].ArgumentsJSON) {
		t.Fatalf("expected valid args from object-shaped arguments, got %+v", tc)
	}
}

func TestAnthropicRoundTrip(t *testing.T) {
	body := []byte(`{
		"model": "claude-3",
		"system": "be concise",
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "hi"}]}
		],
		"tools": [{"name": "search", "input_schema": {"type": "object"}}]
	}`)
	sw := New()
	req, err := sw.DecodeInbound(canon.ProtocolAnthropic, body)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if req.Model != "claude-3" || req.InstructionsText != "be concise" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "search" {
		t.Fatalf("unexpected tools: %+v", req.Tools)
	}

	out, err := sw.EncodeProviderRequest(canon.ProtocolAnthropic, req)
	if err != nil {
		t.Fatalf("EncodeProviderRequest: %v", err)
	}
	if !strings.Contains(string(out), "claude-3") {
		t.Errorf("expected re-encoded body to contain model, got %s", out)
	}
}

func TestResponsesRoundTrip(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"instructions": "be terse",
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "hi"}]}
		]
	}`)
	sw := New()
	req, err := sw.DecodeInbound(canon.ProtocolResponses, body)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if req.Model != "gpt-4o" || req.InstructionsText != "be terse" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.PriorMessages) != 1 || req.PriorMessages[0].Text() != "hi" {
		t.Fatalf("unexpected messages: %+v", req.PriorMessages)
	}
}

func TestDecodeChatResponse_ToolCallsSetsFinishReason(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"choices": [{
			"message": {"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "search", "arguments": "{}"}}
			]},
			"finish_reason": "tool_calls"
		}]
	}`)
	sw := New()
	resp, err := sw.DecodeProviderResponse(canon.ProtocolChat, body)
	if err != nil {
		t.Fatalf("DecodeProviderResponse: %v", err)
	}
	if resp.FinishReason != canon.FinishToolCalls || len(resp.ToolCalls) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCrossProtocolSwitch_AnthropicResponseToChatClient(t *testing.T) {
	sw := New()
	resp := &canon.CanonicalResponse{
		Model:        "claude-3",
		ContentText:  "hello",
		FinishReason: canon.FinishStop,
	}
	out, err := sw.EncodeClientResponse(canon.ProtocolChat, resp)
	if err != nil {
		t.Fatalf("EncodeClientResponse: %v", err)
	}
	if !strings.Contains(string(out), "hello") || !strings.Contains(string(out), `"stop"`) {
		t.Errorf("unexpected chat-shaped output: %s", out)
	}
}

func TestParseSSE_AnthropicStream(t *testing.T) {
	stream := "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"text\":\"hi\"}}\n\n" +
		"event: ping\ndata: {}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	frames, err := ParseSSE(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("ParseSSE: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected ping to be dropped and stream to stop at message_stop, got %d frames: %+v", len(frames), frames)
	}
}

func TestParseSSE_ChatStreamTerminatesOnDone(t *testing.T) {
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	frames, err := ParseSSE(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("ParseSSE: %v", err)
	}
	if len(frames) != 2 || !frames[1].Done {
		t.Fatalf("expected 2 frames with terminal Done sentinel, got %+v", frames)
	}
}

func TestEncodeSyntheticStream_ToolCallNameBeforeArguments(t *testing.T) {
	resp := &canon.CanonicalResponse{
		Model: "gpt-4o",
		ToolCalls: []canon.ToolCallPart{
			{CallID: "call_1", Name: "search", ArgumentsJSON: json.RawMessage(`{"q":"x"}`), Index: 0},
		},
		FinishReason: canon.FinishToolCalls,
	}
	frames := EncodeSyntheticStream(canon.ProtocolChat, resp)
	if len(frames) < 3 {
		t.Fatalf("expected at least name frame, args frame, finish frame, done; got %d", len(frames))
	}
	if !strings.Contains(string(frames[0].DataJSON), `"name":"search"`) {
		t.Errorf("expected first tool-call frame to carry the name, got %s", frames[0].DataJSON)
	}
	if !strings.Contains(string(frames[1].DataJSON), "arguments") {
		t.Errorf("expected second frame to carry arguments delta, got %s", frames[1].DataJSON)
	}
	if !frames[len(frames)-1].Done {
		t.Errorf("expected terminal Done frame")
	}
}
