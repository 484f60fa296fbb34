package streaming

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/llmswitch"
)

type nopFlusher struct{ flushes int }

func (f *nopFlusher) Flush() { f.flushes++ }

func newResp(body string, sse bool) *http.Response {
	h := http.Header{}
	if sse {
		h.Set("Content-Type", "text/event-stream")
	} else {
		h.Set("Content-Type", "application/json")
	}
	return &http.Response{
		Header: h,
		Body:   io.NopCloser(strings.NewReader(body)),
	}
}

func TestHandle_PassthroughSSE_SameProtocol(t *testing.T) {
	sw := llmswitch.New()
	mgr := NewManager(sw, time.Second)

	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n\n" +
		"data: [DONE]\n\n"
	resp := newResp(body, true)

	var out bytes.Buffer
	flusher := &nopFlusher{}
	result, err := mgr.Handle(context.Background(), &out, flusher, canon.ProtocolChat, canon.ProtocolChat, true, resp)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !result.Streamed {
		t.Fatalf("expected Streamed=true for passthrough")
	}
	if !strings.Contains(out.String(), `"content":"hi"`) {
		t.Errorf("expected passthrough content forwarded, got %q", out.String())
	}
	if !strings.Contains(out.String(), "[DONE]") {
		t.Errorf("expected terminal DONE frame forwarded, got %q", out.String())
	}
	if flusher.flushes == 0 {
		t.Errorf("expected at least one flush")
	}
}

func TestHandle_BufferedJSON_FromUpstreamSSE(t *testing.T) {
	sw := llmswitch.New()
	mgr := NewManager(sw, time.Second)

	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"},\"finish_reason\":null}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	resp := newResp(body, true)

	result, err := mgr.Handle(context.Background(), io.Discard, nil, canon.ProtocolChat, canon.ProtocolChat, false, resp)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Streamed {
		t.Fatalf("expected Streamed=false for buffered-JSON case")
	}
	if result.Response == nil || result.Response.ContentText != "hello" {
		t.Errorf("expected reconstructed content %q, got %+v", "hello", result.Response)
	}
	if result.Response.FinishReason != canon.FinishStop {
		t.Errorf("expected FinishStop, got %v", result.Response.FinishReason)
	}
}

func TestHandle_SyntheticSSE_FromJSONBody(t *testing.T) {
	sw := llmswitch.New()
	mgr := NewManager(sw, time.Second)

	body := `{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`
	resp := newResp(body, false)

	var out bytes.Buffer
	result, err := mgr.Handle(context.Background(), &out, &nopFlusher{}, canon.ProtocolChat, canon.ProtocolChat, true, resp)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !result.Streamed {
		t.Fatalf("expected Streamed=true for synthetic SSE")
	}
	if !strings.Contains(out.String(), "hi there") {
		t.Errorf("expected synthesized content in stream, got %q", out.String())
	}
	if !strings.Contains(out.String(), "[DONE]") {
		t.Errorf("expected terminal DONE frame, got %q", out.String())
	}
}

func TestHandle_PlainJSON_NoStreamRequested(t *testing.T) {
	sw := llmswitch.New()
	mgr := NewManager(sw, time.Second)

	body := `{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"plain"},"finish_reason":"stop"}]}`
	resp := newResp(body, false)

	result, err := mgr.Handle(context.Background(), io.Discard, nil, canon.ProtocolChat, canon.ProtocolChat, false, resp)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Streamed {
		t.Fatalf("expected Streamed=false")
	}
	if result.Response == nil || result.Response.ContentText != "plain" {
		t.Errorf("expected decoded content %q, got %+v", "plain", result.Response)
	}
}

func TestHandle_ClientCancellationStopsPassthrough(t *testing.T) {
	sw := llmswitch.New()
	mgr := NewManager(sw, time.Second)

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"))
		// never close pw; simulate a hung upstream the client walks away from.
	}()
	resp := &http.Response{Header: http.Header{"Content-Type": []string{"text/event-stream"}}, Body: io.NopCloser(pr)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() {
		_, err := mgr.Handle(ctx, &out, &nopFlusher{}, canon.ProtocolChat, canon.ProtocolChat, true, resp)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on client cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return promptly after cancellation")
	}
}

func TestHandle_IdleTimeoutClassifiesAsServerError(t *testing.T) {
	sw := llmswitch.New()
	mgr := NewManager(sw, 20*time.Millisecond)

	pr, _ := io.Pipe() // never written to, never closed: simulates a stalled upstream
	resp := &http.Response{Header: http.Header{"Content-Type": []string{"text/event-stream"}}, Body: io.NopCloser(pr)}

	_, err := mgr.Handle(context.Background(), io.Discard, nil, canon.ProtocolChat, canon.ProtocolChat, true, resp)
	ce, ok := canon.AsError(err)
	if !ok || ce.Kind != canon.ErrServerError {
		t.Fatalf("expected ErrServerError on idle timeout, got %v", err)
	}
}
