package toolloop

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/config"
	"github.com/ctrlmesh/gateway/internal/credential"
	"github.com/ctrlmesh/gateway/internal/vrouter"
)

func newTestPool(t *testing.T) (*credential.Pool, *vrouter.Router) {
	t.Helper()
	pool := credential.NewPool(filepath.Join(t.TempDir(), "state"))
	pool.Register("openai", "key1", 0)
	pool.Register("openai", "key2", 0)
	cfg := config.VirtualRouter{Routing: map[string][]string{"default": {"openai.gpt4o.key1", "openai.gpt4o.key2"}}}
	return pool, vrouter.New(cfg, pool)
}

func TestContinue_MergesToolOutputsIntoRequest(t *testing.T) {
	pool, router := newTestPool(t)
	c := New(time.Minute, 4)
	defer c.Stop()

	req := &canon.CanonicalRequest{Model: "gpt4o"}
	decision := canon.RoutingDecision{RouteName: "default", ProviderID: "openai", KeyAlias: "key1", Model: "gpt4o"}
	c.Register("resp-1", req, decision)

	outputs := []canon.ToolResultPart{{CallID: "call_1", OutputJSON: json.RawMessage(`{"ok":true}`)}}
	merged, gotDecision, err := c.Continue("resp-1", outputs, pool, router)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if len(merged.PriorMessages) != 1 || merged.PriorMessages[0].Role != canon.RoleTool {
		t.Fatalf("expected one tool-role message appended, got %+v", merged.PriorMessages)
	}
	if gotDecision.KeyAlias != "key1" {
		t.Errorf("expected original decision reused since key1 is healthy, got %q", gotDecision.KeyAlias)
	}
}

func TestContinue_UnknownResponseIDErrors(t *testing.T) {
	pool, router := newTestPool(t)
	c := New(time.Minute, 4)
	defer c.Stop()

	_, _, err := c.Continue("missing", nil, pool, router)
	if err == nil {
		t.Fatal("expected error for unknown responseId")
	}
}

func TestContinue_ExceedingMaxLoopsReturnsExhausted(t *testing.T) {
	pool, router := newTestPool(t)
	c := New(time.Minute, 1)
	defer c.Stop()

	req := &canon.CanonicalRequest{Model: "gpt4o"}
	decision := canon.RoutingDecision{RouteName: "default", ProviderID: "openai", KeyAlias: "key1"}
	c.Register("resp-1", req, decision)

	if _, _, err := c.Continue("resp-1", nil, pool, router); err != nil {
		t.Fatalf("first Continue should succeed: %v", err)
	}
	_, _, err := c.Continue("resp-1", nil, pool, router)
	ce, ok := canon.AsError(err)
	if !ok || ce.Kind != canon.ErrToolLoopExhausted {
		t.Fatalf("expected ErrToolLoopExhausted on second call, got %v", err)
	}
}

func TestContinue_ReResolvesWhenKeyNoLongerEligible(t *testing.T) {
	pool, router := newTestPool(t)
	c := New(time.Minute, 4)
	defer c.Stop()

	req := &canon.CanonicalRequest{Model: "gpt4o"}
	decision := canon.RoutingDecision{RouteName: "default", ProviderID: "openai", KeyAlias: "key1", Model: "gpt4o"}
	c.Register("resp-1", req, decision)

	pool.ReportFailure("openai.key1", canon.ErrAuthError, 0)

	_, gotDecision, err := c.Continue("resp-1", nil, pool, router)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if gotDecision.KeyAlias != "key2" {
		t.Errorf("expected re-resolution to pick key2, got %q", gotDecision.KeyAlias)
	}
}

func TestForget_RemovesSession(t *testing.T) {
	pool, router := newTestPool(t)
	c := New(time.Minute, 4)
	defer c.Stop()

	c.Register("resp-1", &canon.CanonicalRequest{}, canon.RoutingDecision{})
	c.Forget("resp-1")

	_, _, err := c.Continue("resp-1", nil, pool, router)
	if err == nil {
		t.Fatal("expected error after Forget removed the session")
	}
}
