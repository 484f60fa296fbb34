// Package streaming implements the Streaming Manager (spec 4.G): it decides
// among passthrough SSE, synthetic SSE built from a buffered JSON body, and
// buffered JSON reassembled from an upstream SSE stream, based on what the
// client asked for and what the provider actually returned. The idle-timeout
// racing idiom is adapted from the teacher's buffer-then-forward design
// (goroutine reads the stream, select races it against time.After), applied
// here to every case that must read an upstream body rather than only the
// tool-call-extraction buffering the teacher used it for.
package streaming

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/llmswitch"
)

// DefaultIdleTimeout bounds how long the manager waits for the next byte of
// an upstream stream before treating it as stalled (spec §5's "Streaming
// idle timeout (default 60s): closes stream with serverError").
const DefaultIdleTimeout = 60 * time.Second

// Manager owns translation between an upstream HTTP response and a client
// connection, across the three strict cases spec 4.G enumerates.
type Manager struct {
	sw          *llmswitch.Switch
	idleTimeout time.Duration
}

// NewManager builds a Manager with the given idle-read timeout.
func NewManager(sw *llmswitch.Switch, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{sw: sw, idleTimeout: idleTimeout}
}

// Result reports what the manager did. When Streamed is true, the full
// client response was already written to w. When false, Response carries the
// canonical completion for the caller to JSON-encode and write itself.
type Result struct {
	Streamed bool
	Response *canon.CanonicalResponse
}

// Flusher is satisfied by http.ResponseWriter; kept as a narrow interface so
// tests can exercise Handle without a real HTTP round trip.
type Flusher interface {
	Flush()
}

// Handle routes an upstream response through the appropriate case. resp.Body
// is always closed before Handle returns.
func (m *Manager) Handle(ctx context.Context, w io.Writer, flusher Flusher, clientProtocol, providerProtocol canon.WireProtocol, clientWantsStream bool, resp *http.Response) (Result, error) {
	defer resp.Body.Close()

	upstreamSSE := isEventStream(resp.Header)

	switch {
	case upstreamSSE && clientWantsStream && clientProtocol == providerProtocol:
		if err := m.passthrough(ctx, w, flusher, resp.Body); err != nil {
			return Result{}, err
		}
		return Result{Streamed: true}, nil

	case upstreamSSE:
		frames, err := m.readAllFrames(ctx, resp.Body)
		if err != nil {
			return Result{}, err
		}
		reconstructed := llmswitch.ReconstructResponse(providerProtocol, frames)
		if clientWantsStream {
			if err := m.writeSynthetic(w, flusher, clientProtocol, reconstructed); err != nil {
				return Result{}, err
			}
			return Result{Streamed: true, Response: reconstructed}, nil
		}
		return Result{Streamed: false, Response: reconstructed}, nil

	default:
		body, err := m.readAll(ctx, resp.Body)
		if err != nil {
			return Result{}, err
		}
		decoded, err := m.sw.DecodeProviderResponse(providerProtocol, body)
		if err != nil {
			return Result{}, fmt.Errorf("streaming: decoding buffered provider response: %w", err)
		}
		if clientWantsStream {
			if err := m.writeSynthetic(w, flusher, clientProtocol, decoded); err != nil {
				return Result{}, err
			}
			return Result{Streamed: true, Response: decoded}, nil
		}
		return Result{Streamed: false, Response: decoded}, nil
	}
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

func (m *Manager) writeSynthetic(w io.Writer, flusher Flusher, protocol canon.WireProtocol, resp *canon.CanonicalResponse) error {
	for _, frame := range llmswitch.EncodeSyntheticStream(protocol, resp) {
		if err := llmswitch.WriteSSEFrame(w, protocol, frame); err != nil {
			return fmt.Errorf("streaming: writing synthetic frame: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

// passthrough forwards raw SSE lines from body to w one blank-line-delimited
// frame at a time, flushing after every frame so per-frame buffering never
// exceeds spec's 64 KiB bound and cooperative reads provide backpressure. A
// client disconnect (ctx canceled) or an idle upstream both stop forwarding
// within one read cycle, discarding whatever of the next frame was only
// partially read.
func (m *Manager) passthrough(ctx context.Context, w io.Writer, flusher Flusher, body io.Reader) error {
	type readResult struct {
		line string
		eof  bool
		err  error
	}
	lines := make(chan readResult)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)

	go func() {
		for scanner.Scan() {
			select {
			case lines <- readResult{line: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case lines <- readResult{eof: true, err: scanner.Err()}:
		case <-ctx.Done():
		}
	}()

	var frame strings.Builder
	timer := time.NewTimer(m.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil // client disconnected; partial frame discarded
		case <-timer.C:
			return canon.NewError(canon.ErrServerError, "streaming: upstream idle timeout", nil)
		case r := <-lines:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(m.idleTimeout)
			if r.eof {
				return r.err
			}
			if r.line == "" {
				if frame.Len() == 0 {
					continue
				}
				fmt.Fprint(w, frame.String(), "\n")
				if flusher != nil {
					flusher.Flush()
				}
				frame.Reset()
				continue
			}
			frame.WriteString(r.line)
			frame.WriteByte('\n')
		}
	}
}

func (m *Manager) readAllFrames(ctx context.Context, body io.Reader) ([]canon.SSEFrame, error) {
	type result struct {
		frames []canon.SSEFrame
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		frames, err := llmswitch.ParseSSE(body)
		ch <- result{frames, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.frames, fmt.Errorf("streaming: parsing buffered SSE: %w", r.err)
		}
		return r.frames, nil
	case <-ctx.Done():
		return nil, nil
	case <-time.After(m.idleTimeout):
		select {
		case r := <-ch:
			return r.frames, r.err
		default:
			return nil, canon.NewError(canon.ErrServerError, "streaming: upstream idle timeout while buffering", nil)
		}
	}
}

func (m *Manager) readAll(ctx context.Context, body io.Reader) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(body)
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.data, fmt.Errorf("streaming: reading buffered body: %w", r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, nil
	case <-time.After(m.idleTimeout):
		select {
		case r := <-ch:
			return r.data, r.err
		default:
			return nil, canon.NewError(canon.ErrServerError, "streaming: upstream idle timeout while reading", nil)
		}
	}
}
