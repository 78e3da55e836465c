// ABOUTME: Per-model USD pricing for computing turn cost from token usage.
// ABOUTME: The Messages API reports tokens, not dollars; cost is derived here.

package agent

import "strings"

// modelRates holds USD per million tokens for one model family.
type modelRates struct {
	input      float64
	output     float64
	cacheRead  float64
	cacheWrite float64
}

// Rates are matched by model name prefix, longest match wins, so dated
// snapshots like "claude-sonnet-4-5-20250929" resolve to their family.
var pricing = map[string]modelRates{
	"claude-3-5-haiku": {input: 0.80, output: 4.00, cacheRead: 0.08, cacheWrite: 1.00},
	"claude-haiku-4-5": {input: 1.00, output: 5.00, cacheRead: 0.10, cacheWrite: 1.25},
	"claude-sonnet-4":  {input: 3.00, output: 15.00, cacheRead: 0.30, cacheWrite: 3.75},
	"claude-opus-4":    {input: 15.00, output: 75.00, cacheRead: 1.50, cacheWrite: 18.75},
}

// defaultRates is used for unrecognized models so cost stays an estimate
// rather than silently reading as free.
var defaultRates = pricing["claude-sonnet-4"]

// ratesFor returns the pricing for a model name.
func ratesFor(model string) modelRates {
	var best string
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultRates
	}
	return pricing[best]
}

const tokensPerPriceUnit = 1_000_000

// CostUSD computes the dollar cost of the given usage under the model's rates.
func CostUSD(model string, u Usage) float64 {
	r := ratesFor(model)
	return float64(u.InputTokens)*r.input/tokensPerPriceUnit +
		float64(u.OutputTokens)*r.output/tokensPerPriceUnit +
		float64(u.CacheReadTokens)*r.cacheRead/tokensPerPriceUnit +
		float64(u.CacheWriteTokens)*r.cacheWrite/tokensPerPriceUnit
}
