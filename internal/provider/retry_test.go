package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/config"
	"github.com/ctrlmesh/gateway/internal/credential"
	"github.com/ctrlmesh/gateway/internal/llmswitch"
	"github.com/ctrlmesh/gateway/internal/vrouter"
)

func TestController_RotatesKeyOn429(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Authorization")
		calls = append(calls, key)
		if key == "Bearer key1-secret" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	pool := credential.NewPool(filepath.Join(t.TempDir(), "state"))
	pool.Register("openai", "key1", 0)
	pool.Register("openai", "key2", 0)

	cfg := config.VirtualRouter{
		Routing: map[string][]string{"default": {"openai.gpt4o.key1", "openai.gpt4o.key2"}},
	}
	router := vrouter.New(cfg, pool)

	providers := map[string]config.ProviderConfig{
		"openai": {
			BaseURL:      srv.URL,
			ProviderType: "chat",
			Auth: config.AuthConfig{Keys: map[string]config.KeyConfig{
				"key1": {Value: "key1-secret"},
				"key2": {Value: "key2-secret"},
			}},
		},
	}

	connPool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(connPool)
	sw := llmswitch.New()
	controller := NewController(router, pool, pipeline, sw, providers, 3)

	resp, decision, err := controller.Execute(context.Background(), "default", canon.RoutingDecision{}, &canon.CanonicalRequest{Model: "gpt4o"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if decision.KeyAlias != "key2" {
		t.Errorf("expected final decision to use key2, got %q", decision.KeyAlias)
	}
	if resp.ContentText != "hi" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(calls) != 2 {
		t.Errorf("expected 2 upstream calls, got %d: %v", len(calls), calls)
	}
}

func TestController_StopsImmediatelyOnAuthError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	pool := credential.NewPool(filepath.Join(t.TempDir(), "state"))
	pool.Register("openai", "key1", 0)
	pool.Register("openai", "key2", 0)

	cfg := config.VirtualRouter{
		Routing: map[string][]string{"default": {"openai.gpt4o.key1", "openai.gpt4o.key2"}},
	}
	router := vrouter.New(cfg, pool)
	providers := map[string]config.ProviderConfig{
		"openai": {
			BaseURL:      srv.URL,
			ProviderType: "chat",
			Auth: config.AuthConfig{Keys: map[string]config.KeyConfig{
				"key1": {Value: "key1-secret"},
				"key2": {Value: "key2-secret"},
			}},
		},
	}

	connPool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(connPool)
	sw := llmswitch.New()
	controller := NewController(router, pool, pipeline, sw, providers, 3)

	_, _, err := controller.Execute(context.Background(), "default", canon.RoutingDecision{}, &canon.CanonicalRequest{Model: "gpt4o"})
	ce, ok := canon.AsError(err)
	if !ok || ce.Kind != canon.ErrAuthError {
		t.Fatalf("expected ErrAuthError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 upstream call before stopping, got %d", calls)
	}
}

func TestController_NoHealthyUpstreamWhenAllKeysExhausted(t *testing.T) {
	pool := credential.NewPool(filepath.Join(t.TempDir(), "state"))
	pool.Register("openai", "key1", 0)
	pool.ReportFailure("openai.key1", canon.ErrAuthError, 0)

	cfg := config.VirtualRouter{Routing: map[string][]string{"default": {"openai.gpt4o.key1"}}}
	router := vrouter.New(cfg, pool)
	providers := map[string]config.ProviderConfig{"openai": {BaseURL: "http://unused", ProviderType: "chat"}}

	connPool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(connPool)
	sw := llmswitch.New()
	controller := NewController(router, pool, pipeline, sw, providers, 3)

	_, _, err := controller.Execute(context.Background(), "default", canon.RoutingDecision{}, &canon.CanonicalRequest{Model: "gpt4o"})
	ce, ok := canon.AsError(err)
	if !ok || ce.Kind != canon.ErrNoHealthyUpstream {
		t.Fatalf("expected ErrNoHealthyUpstream, got %v", err)
	}
}

func TestController_ReloadSwapsProviderTableAndRetryBudget(t *testing.T) {
	pool := credential.NewPool(filepath.Join(t.TempDir(), "state"))
	pool.Register("openai", "key1", 0)

	cfg := config.VirtualRouter{Routing: map[string][]string{"default": {"openai.gpt4o.key1"}}}
	router := vrouter.New(cfg, pool)

	connPool := NewConnectionPool(DefaultPoolConfig())
	pipeline := NewPipeline(connPool)
	sw := llmswitch.New()
	controller := NewController(router, pool, pipeline, sw, map[string]config.ProviderConfig{}, 3)

	_, _, err := controller.Execute(context.Background(), "default", canon.RoutingDecision{}, &canon.CanonicalRequest{Model: "gpt4o"})
	ce, ok := canon.AsError(err)
	if !ok || ce.Kind != canon.ErrSwitchFailed {
		t.Fatalf("expected ErrSwitchFailed before reload (no provider config registered), got %v", err)
	}

	controller.Reload(map[string]config.ProviderConfig{
		"openai": {BaseURL: "http://unused", ProviderType: "chat"},
	}, 0)

	providers, maxRetries := controller.snapshot()
	if _, ok := providers["openai"]; !ok {
		t.Error("expected reloaded provider table to contain openai")
	}
	if maxRetries != 0 {
		t.Errorf("maxRetries = %d, want 0 after reload", maxRetries)
	}
}
