package model

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
)

func TestResolvePricing(t *testing.T) {
	assert.Equal(t, Pricing{InputPerM: 0.30, OutputPerM: 2.50}, ResolvePricing("gemini-2.5-flash"))
	assert.Equal(t, Pricing{InputPerM: 0.10, OutputPerM: 0.40}, ResolvePricing("gemini-2.5-flash-lite"))
	assert.Equal(t, Pricing{InputPerM: 3.00, OutputPerM: 15.00}, ResolvePricing("claude-sonnet-4-5-20250929"))
	assert.Equal(t, Pricing{}, ResolvePricing("unknown-model"))
}

func TestComputeCost(t *testing.T) {
	in, out, total := ComputeCost(&schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 500_000}, Pricing{InputPerM: 1, OutputPerM: 4})
	assert.InDelta(t, 1.0, in, 1e-9)
	assert.InDelta(t, 2.0, out, 1e-9)
	assert.InDelta(t, 3.0, total, 1e-9)

	_, _, total = ComputeCost(nil, Pricing{InputPerM: 1})
	assert.Zero(t, total)
}
