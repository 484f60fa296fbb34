package classify

import (
	"testing"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/config"
)

func baseConfig() config.Classification {
	return config.Classification{
		ThinkingKeywords: []string{"think step by step"},
		RoutingDecisions: map[string]config.RouteDecisionRule{
			"default": {Priority: 0},
			"vision":  {Priority: 10},
			"thinking": {Priority: 8},
			"tools":   {Priority: 6, ToolTypes: []string{"webSearch"}},
			"longContext": {Priority: 4, TokenThreshold: 100},
		},
		ToolDetector: config.ToolDetectorConfig{
			Patterns: map[string][]string{
				"webSearch": {"search", "web_*"},
			},
		},
		ConfidenceThreshold: 0.1,
	}
}

func TestClassify_DefaultFallbackOnNilRequest(t *testing.T) {
	c := New(baseConfig())
	r := c.Classify(nil)
	if r.Route != "default" {
		t.Errorf("expected default route, got %q", r.Route)
	}
	if len(r.Reasons) == 0 || r.Reasons[0] != "classification-fallback" {
		t.Errorf("expected classification-fallback reason, got %v", r.Reasons)
	}
}

func TestClassify_VisionWins(t *testing.T) {
	c := New(baseConfig())
	req := &canon.CanonicalRequest{
		UserInputs: []canon.Part{canon.ImagePart{URL: "http://example.com/cat.png"}},
	}
	r := c.Classify(req)
	if r.Route != "vision" {
		t.Errorf("expected vision route, got %q", r.Route)
	}
}

func TestClassify_ThinkingKeyword(t *testing.T) {
	c := New(baseConfig())
	req := &canon.CanonicalRequest{
		UserInputs: []canon.Part{canon.TextPart{Text: "please think step by step about this"}},
	}
	r := c.Classify(req)
	if r.Route != "thinking" {
		t.Errorf("expected thinking route, got %q", r.Route)
	}
}

func TestClassify_ToolCategoryDetection(t *testing.T) {
	c := New(baseConfig())
	req := &canon.CanonicalRequest{
		Tools: []canon.Tool{{Name: "web_search", Description: "search the web"}},
	}
	r := c.Classify(req)
	if r.Route != "tools" {
		t.Errorf("expected tools route, got %q", r.Route)
	}
}

func TestClassify_LongContextByTokenThreshold(t *testing.T) {
	c := New(baseConfig())
	longText := make([]byte, 1000)
	for i := range longText {
		longText[i] = 'a'
	}
	req := &canon.CanonicalRequest{
		UserInputs: []canon.Part{canon.TextPart{Text: string(longText)}},
	}
	r := c.Classify(req)
	if r.Route != "longContext" {
		t.Errorf("expected longContext route, got %q", r.Route)
	}
}

func TestClassify_DefaultWhenNothingQualifies(t *testing.T) {
	c := New(baseConfig())
	req := &canon.CanonicalRequest{
		UserInputs: []canon.Part{canon.TextPart{Text: "hello"}},
	}
	r := c.Classify(req)
	if r.Route != "default" {
		t.Errorf("expected default route, got %q", r.Route)
	}
}

func TestClassify_BelowConfidenceThresholdFallsBackToDefault(t *testing.T) {
	cfg := baseConfig()
	cfg.RoutingDecisions = map[string]config.RouteDecisionRule{
		"default": {Priority: 0},
		"tools":   {Priority: 1, ToolTypes: []string{"webSearch"}},
	}
	cfg.ConfidenceThreshold = 0.99
	c := New(cfg)
	req := &canon.CanonicalRequest{
		Tools: []canon.Tool{{Name: "web_search", Description: "search the web"}},
	}
	r := c.Classify(req)
	if r.Route != "default" {
		t.Errorf("expected fallback to default below confidence threshold, got %q", r.Route)
	}
	if r.Alternative != "tools" {
		t.Errorf("expected alternative=tools, got %q", r.Alternative)
	}
}

func TestDetector_GlobAndLiteralMatching(t *testing.T) {
	d := compileDetector("webSearch", []string{"search", "web_*"})
	if !d.matches("web_search_tool this searches the web") {
		t.Error("expected literal substring match")
	}
	if !d.matches("web_lookup") {
		t.Error("expected glob match for web_*")
	}
	if d.matches("unrelated_tool") {
		t.Error("expected no match for unrelated tool")
	}
}
