// ABOUTME: Tests for the per-model pricing table and cost computation.
// ABOUTME: Covers prefix matching, dated model snapshots, and fallbacks.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostUSD(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{
			name:  "haiku input and output",
			model: "claude-3-5-haiku-latest",
			usage: Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want:  4.80,
		},
		{
			name:  "sonnet dated snapshot matches family",
			model: "claude-sonnet-4-5-20250929",
			usage: Usage{InputTokens: 1_000_000},
			want:  3.00,
		},
		{
			name:  "cache tokens priced separately",
			model: "claude-opus-4-1",
			usage: Usage{CacheReadTokens: 2_000_000, CacheWriteTokens: 1_000_000},
			want:  2*1.50 + 18.75,
		},
		{
			name:  "zero usage is free",
			model: "claude-3-5-haiku-latest",
			usage: Usage{},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CostUSD(tt.model, tt.usage), 1e-9)
		})
	}
}

func TestCostUSD_UnknownModelUsesDefaultRates(t *testing.T) {
	usage := Usage{InputTokens: 1_000_000}
	got := CostUSD("some-future-model", usage)
	assert.InDelta(t, 3.00, got, 1e-9)
	assert.Greater(t, got, 0.0)
}

func TestRatesFor_LongestPrefixWins(t *testing.T) {
	// "claude-3-5-haiku" must not fall through to a shorter family match.
	r := ratesFor("claude-3-5-haiku-20241022")
	assert.InDelta(t, 0.80, r.input, 1e-9)
}

func TestUsage_Add(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5}
	u.Add(Usage{InputTokens: 1, OutputTokens: 2, CacheReadTokens: 3, CacheWriteTokens: 4})

	assert.Equal(t, Usage{
		InputTokens:      11,
		OutputTokens:     7,
		CacheReadTokens:  3,
		CacheWriteTokens: 4,
	}, u)
}
