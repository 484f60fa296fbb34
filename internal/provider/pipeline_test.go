package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/config"
)

func TestCall_SuccessReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	pool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(pool)
	prov := config.ProviderConfig{BaseURL: srv.URL, ProviderType: "chat"}

	body, err := pipeline.Call(context.Background(), "openai", prov, "/v1/chat/completions", "secret", []byte(`{}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestCall_AnthropicUsesXAPIKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("expected x-api-key header, got %q", r.Header.Get("x-api-key"))
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	pool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(pool)
	prov := config.ProviderConfig{BaseURL: srv.URL, ProviderType: "anthropic"}

	if _, err := pipeline.Call(context.Background(), "anthropic", prov, "/v1/messages", "secret", []byte(`{}`)); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestCall_429ClassifiesAsRateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	pool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(pool)
	prov := config.ProviderConfig{BaseURL: srv.URL, ProviderType: "chat"}

	_, err := pipeline.Call(context.Background(), "openai", prov, "/v1/chat/completions", "secret", []byte(`{}`))
	ce, ok := canon.AsError(err)
	if !ok || ce.Kind != canon.ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if ce.RetryAfterHint != 2000 {
		t.Errorf("expected 2000ms retry hint, got %d", ce.RetryAfterHint)
	}
}

func TestCall_401ClassifiesAsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	pool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(pool)
	prov := config.ProviderConfig{BaseURL: srv.URL, ProviderType: "chat"}

	_, err := pipeline.Call(context.Background(), "openai", prov, "/v1/chat/completions", "secret", []byte(`{}`))
	ce, ok := canon.AsError(err)
	if !ok || ce.Kind != canon.ErrAuthError {
		t.Fatalf("expected ErrAuthError, got %v", err)
	}
}

func TestCall_500ClassifiesAsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(pool)
	prov := config.ProviderConfig{BaseURL: srv.URL, ProviderType: "chat"}

	_, err := pipeline.Call(context.Background(), "openai", prov, "/v1/chat/completions", "secret", []byte(`{}`))
	ce, ok := canon.AsError(err)
	if !ok || ce.Kind != canon.ErrServerError {
		t.Fatalf("expected ErrServerError, got %v", err)
	}
}
