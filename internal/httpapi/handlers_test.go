package httpapi

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ctrlmesh/gateway/internal/canon"
)

func TestInjectResponseID(t *testing.T) {
	body := []byte(`{"model":"gpt-test","output":[],"status":"completed"}`)
	patched := injectResponseID(body, "req_42_abcd1234")

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(patched, &obj); err != nil {
		t.Fatalf("patched body is not valid JSON: %v", err)
	}

	var id string
	if err := json.Unmarshal(obj["id"], &id); err != nil {
		t.Fatalf("id field is not a JSON string: %v", err)
	}
	if id != "req_42_abcd1234" {
		t.Errorf("id = %q, want %q", id, "req_42_abcd1234")
	}
	if _, ok := obj["model"]; !ok {
		t.Error("injectResponseID dropped the existing model field")
	}
	if _, ok := obj["status"]; !ok {
		t.Error("injectResponseID dropped the existing status field")
	}
}

func TestInjectResponseID_MalformedBodyPassesThrough(t *testing.T) {
	body := []byte("not json")
	if got := injectResponseID(body, "req_1_aaaa"); string(got) != string(body) {
		t.Errorf("malformed body should pass through unchanged, got %q", got)
	}
}

func TestErrorOutcomeReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"typed error", canon.NewError(canon.ErrRateLimited, "429", nil), "rateLimited"},
		{"untyped error", errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorOutcomeReason(tt.err); got != tt.want {
				t.Errorf("errorOutcomeReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogDecision_NilDecisionLogIsNoop(t *testing.T) {
	s := &Server{}
	decision := canon.RoutingDecision{RouteName: "default", ProviderID: "openai"}
	// Must not panic when no decision log (and no feed) is wired.
	s.logDecision(decision, decision, "routed", "", "req_1_aaaa", 100)
}
