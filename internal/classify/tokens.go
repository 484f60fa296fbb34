package classify

import "encoding/json"

// TokenEstimator estimates the token count of a block of text. It is
// pluggable (spec 4.B step 2); Classifier falls back to DefaultEstimator
// when none is configured.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// approxBPEEstimator is a small stand-in for a real BPE tokenizer: no
// tokenizer/BPE library appears anywhere in the retrieval pack (see
// DESIGN.md), so this approximates the common "~4 characters per token"
// ratio observed across GPT/Claude-family tokenizers, rounding down with a
// floor of one token so short non-empty strings never estimate to zero.
type approxBPEEstimator struct{}

// DefaultEstimator is the default pluggable token estimator.
var DefaultEstimator TokenEstimator = approxBPEEstimator{}

func (approxBPEEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// estimateValueTokens estimates the contribution of a non-string message
// part (e.g. an image part, a tool definition) by JSON-serializing it and
// running the same estimator over the serialized length, per spec 4.B
// step 2 ("non-string message parts contribute the JSON-serialized
// length").
func estimateValueTokens(est TokenEstimator, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return est.EstimateTokens(string(data))
}
