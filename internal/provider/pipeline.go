package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/config"
)

// defaultTimeout bounds a single non-streaming provider call when the
// caller's context carries no deadline of its own.
const defaultTimeout = 120 * time.Second

// Pipeline executes one outbound call against a provider's endpoint (spec
// 4.F): it composes headers, sends the already wire-encoded body, and
// returns either the raw response body or a classified *canon.Error so the
// retry controller above it can decide whether to rotate keys.
type Pipeline struct {
	pool *ConnectionPool
}

// NewPipeline builds a Pipeline over a shared connection pool.
func NewPipeline(pool *ConnectionPool) *Pipeline {
	return &Pipeline{pool: pool}
}

// Call sends body to provider's base URL + endpoint path using the given
// credential value, returning the raw response body on 2xx and a
// *canon.Error (never a bare error) otherwise.
func (p *Pipeline) Call(ctx context.Context, providerID string, prov config.ProviderConfig, endpointPath, keyValue string, body []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, prov.BaseURL+endpointPath, bytes.NewReader(body))
	if err != nil {
		return nil, canon.NewError(canon.ErrClientError, "building upstream request", err)
	}
	composeHeaders(req.Header, prov, keyValue)
	req.ContentLength = int64(len(body))

	client := p.pool.Client(providerID)
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, canon.NewError(canon.ErrRequestCanceled, "request canceled", err)
		}
		return nil, canon.NewError(canon.ErrServerError, fmt.Sprintf("calling upstream %s", providerID), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, canon.NewError(canon.ErrServerError, "reading upstream response body", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	return nil, classifyUpstreamError(resp.StatusCode, resp.Header, respBody)
}

// CallStream sends the request exactly like Call but, on a 2xx, returns the
// live *http.Response with its body unread so the streaming manager can
// consume it directly (passthrough or buffered frame-by-frame) rather than
// waiting for the whole body to land in memory. The caller owns resp.Body
// and must close it. A non-2xx response is still fully read and classified
// here, same as Call, since there is no streaming benefit to a failure body.
func (p *Pipeline) CallStream(ctx context.Context, providerID string, prov config.ProviderConfig, endpointPath, keyValue string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, prov.BaseURL+endpointPath, bytes.NewReader(body))
	if err != nil {
		return nil, canon.NewError(canon.ErrClientError, "building upstream request", err)
	}
	composeHeaders(req.Header, prov, keyValue)
	req.ContentLength = int64(len(body))

	client := p.pool.Client(providerID)
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, canon.NewError(canon.ErrRequestCanceled, "request canceled", err)
		}
		return nil, canon.NewError(canon.ErrServerError, fmt.Sprintf("calling upstream %s", providerID), err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, canon.NewError(canon.ErrServerError, "reading upstream response body", err)
	}
	return nil, classifyUpstreamError(resp.StatusCode, resp.Header, respBody)
}

// composeHeaders sets the provider's configured static headers plus the
// protocol-appropriate authentication header for the given key, mirroring
// the teacher's hop-by-hop-header-aware header copy but building an
// upstream request from scratch rather than forwarding a client request.
func composeHeaders(h http.Header, prov config.ProviderConfig, keyValue string) {
	h.Set("Content-Type", "application/json")
	for k, v := range prov.Headers {
		h.Set(k, v)
	}
	switch prov.ProviderType {
	case "anthropic":
		h.Set("x-api-key", keyValue)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", "2023-06-01")
		}
	default:
		h.Set("Authorization", "Bearer "+keyValue)
	}
}

// classifyUpstreamError maps an upstream HTTP status to the internal error
// taxonomy (spec §7), carrying any Retry-After hint for the credential
// pool's backoff computation.
func classifyUpstreamError(status int, header http.Header, body []byte) *canon.Error {
	kind := canon.ErrServerError
	switch {
	case status == http.StatusTooManyRequests:
		kind = canon.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = canon.ErrAuthError
	case status >= 400 && status < 500:
		kind = canon.ErrClientError
	case status >= 500:
		kind = canon.ErrServerError
	}

	return &canon.Error{
		Kind:           kind,
		Message:        fmt.Sprintf("upstream returned status %d: %s", status, upstreamErrorMessage(body)),
		RetryAfterHint: retryAfterMillis(header),
		UpstreamStatus: status,
	}
}

func retryAfterMillis(header http.Header) int {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return secs * 1000
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return int(d.Milliseconds())
		}
	}
	return 0
}

func upstreamErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if len(body) > 256 {
		return string(body[:256])
	}
	return string(body)
}
