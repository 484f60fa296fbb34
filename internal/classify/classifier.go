// Package classify implements the Request Classifier (spec 4.B): a
// deterministic, rule-based mapping from an already-canonicalized request to
// a named route, driven by a YAML-configured rule set the same way the
// teacher's internal/engine package drives tool-call gating from
// rules.yaml — here generalized from "allow/deny a tool call" to "pick a
// route category".
package classify

import (
	"sort"
	"strings"
	"sync"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/config"
)

// namedPriorityOrder is the spec's fixed tiebreak order, used as a
// secondary sort key when two routes share a configured Priority.
var namedPriorityOrder = map[string]int{
	"vision":      6,
	"thinking":    5,
	"tools":       4,
	"longContext": 3,
	"coding":      2,
	"webSearch":   1,
	"default":     0,
}

// Result is the classifier's output (spec 4.B).
type Result struct {
	Route       string
	Confidence  float64
	Reasons     []string
	Alternative string
}

// Classifier evaluates classification rules loaded from configuration.
// Safe for concurrent use; Reload swaps the compiled rule set under a
// write lock the same way the teacher's rule engine reloads rules.yaml.
type Classifier struct {
	mu         sync.RWMutex
	cfg        config.Classification
	detectors  map[string][]detector // category -> compiled patterns
	estimator  TokenEstimator
}

// New builds a Classifier from a classification configuration.
func New(cfg config.Classification) *Classifier {
	c := &Classifier{estimator: DefaultEstimator}
	c.Reload(cfg)
	return c
}

// Reload recompiles the detector set from a new configuration. Called on
// config hot-reload.
func (c *Classifier) Reload(cfg config.Classification) {
	detectors := make(map[string][]detector, len(cfg.ToolDetector.Patterns))
	for category, patterns := range cfg.ToolDetector.Patterns {
		detectors[category] = []detector{compileDetector(category, patterns)}
	}

	c.mu.Lock()
	c.cfg = cfg
	c.detectors = detectors
	c.mu.Unlock()
}

// SetEstimator overrides the pluggable token estimator (spec 4.B step 2).
func (c *Classifier) SetEstimator(est TokenEstimator) {
	c.mu.Lock()
	c.estimator = est
	c.mu.Unlock()
}

// Classify runs the deterministic algorithm of spec 4.B against an already
// protocol-canonicalized request. It never panics or returns an error: a
// malformed request classifies to "default" with reason
// "classification-fallback".
func (c *Classifier) Classify(req *canon.CanonicalRequest) Result {
	if req == nil {
		return Result{Route: "default", Confidence: 1, Reasons: []string{"classification-fallback"}}
	}

	c.mu.RLock()
	cfg := c.cfg
	detectors := c.detectors
	estimator := c.estimator
	c.mu.RUnlock()

	totalTokens := c.estimateTotalTokens(req, estimator)
	categories := detectToolCategories(req.Tools, detectors)
	hasVision := detectVision(req)
	hasThinking := detectThinking(req, cfg.ThinkingKeywords)

	type candidate struct {
		route    string
		priority int
		tiebreak int
		reasons  []string
	}

	var candidates []candidate
	sawDefault := false
	for route, rule := range cfg.RoutingDecisions {
		if route == "default" {
			sawDefault = true
		}
		if route == "longContext" && rule.TokenThreshold == 0 {
			rule.TokenThreshold = cfg.LongContextThresholdTokens
		}
		reasons := qualify(route, rule, categories, totalTokens, hasVision, hasThinking)
		if reasons == nil {
			continue
		}
		tb := namedPriorityOrder[route]
		candidates = append(candidates, candidate{route: route, priority: rule.Priority, tiebreak: tb, reasons: reasons})
	}
	if !sawDefault {
		candidates = append(candidates, candidate{route: "default", priority: 0, tiebreak: 0, reasons: []string{"default-fallback"}})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].tiebreak > candidates[j].tiebreak
	})

	winner := candidates[0]
	confidence := 1.0
	if len(candidates) > 1 {
		margin := float64(winner.priority - candidates[1].priority)
		confidence = margin / (margin + 1)
		if confidence < 0 {
			confidence = 0
		}
	}

	result := Result{Route: winner.route, Confidence: confidence, Reasons: winner.reasons}

	if result.Confidence < cfg.ConfidenceThreshold && winner.route != "default" {
		result.Alternative = winner.route
		result.Route = "default"
		result.Reasons = append(result.Reasons, "below-confidence-threshold")
	}

	return result
}

// qualify reports the reasons a route qualifies, or nil if it doesn't.
func qualify(route string, rule config.RouteDecisionRule, categories map[string]bool, totalTokens int, hasVision, hasThinking bool) []string {
	if route == "default" {
		return []string{"default-always-qualifies"}
	}

	var reasons []string

	for _, want := range rule.ToolTypes {
		if !categories[want] {
			return nil
		}
		reasons = append(reasons, "tool-category:"+want)
	}

	if rule.TokenThreshold > 0 && totalTokens < rule.TokenThreshold {
		return nil
	}
	if rule.TokenThreshold > 0 {
		reasons = append(reasons, "token-threshold-met")
	}

	switch route {
	case "vision":
		if !hasVision {
			return nil
		}
		reasons = append(reasons, "vision-detected")
	case "thinking":
		if !hasThinking {
			return nil
		}
		reasons = append(reasons, "thinking-keyword-detected")
	}

	if reasons == nil {
		reasons = []string{"route-qualified"}
	}
	return reasons
}

func (c *Classifier) estimateTotalTokens(req *canon.CanonicalRequest, est TokenEstimator) int {
	total := est.EstimateTokens(req.InstructionsText)
	for _, p := range req.UserInputs {
		total += estimatePartTokens(p, est)
	}
	for _, m := range req.PriorMessages {
		for _, p := range m.Parts {
			total += estimatePartTokens(p, est)
		}
	}
	for _, t := range req.Tools {
		total += estimateValueTokens(est, t)
	}
	return total
}

func estimatePartTokens(p canon.Part, est TokenEstimator) int {
	if t, ok := p.(canon.TextPart); ok {
		return est.EstimateTokens(t.Text)
	}
	return estimateValueTokens(est, p)
}

func detectToolCategories(tools []canon.Tool, detectors map[string][]detector) map[string]bool {
	categories := make(map[string]bool)
	for _, tool := range tools {
		haystack := strings.ToLower(tool.Name + " " + tool.Description)
		for category, ds := range detectors {
			for _, d := range ds {
				if d.matches(haystack) {
					categories[category] = true
				}
			}
		}
	}
	return categories
}

func detectVision(req *canon.CanonicalRequest) bool {
	for _, p := range req.UserInputs {
		if _, ok := p.(canon.ImagePart); ok {
			return true
		}
	}
	for _, m := range req.PriorMessages {
		for _, p := range m.Parts {
			if _, ok := p.(canon.ImagePart); ok {
				return true
			}
		}
	}
	return false
}

func detectThinking(req *canon.CanonicalRequest, keywords []string) bool {
	text := strings.ToLower(req.InstructionsText)
	for _, p := range req.UserInputs {
		if t, ok := p.(canon.TextPart); ok {
			text += " " + strings.ToLower(t.Text)
		}
	}
	for _, m := range req.PriorMessages {
		if m.Role == canon.RoleUser {
			text += " " + strings.ToLower(m.Text())
		}
	}
	for _, kw := range keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
