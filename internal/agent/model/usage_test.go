package model

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
)

func TestTokenUsageAdd(t *testing.T) {
	a := TokenUsage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}
	b := TokenUsage{InputTokens: 5, OutputTokens: 7, TotalTokens: 12}

	assert.Equal(t, TokenUsage{InputTokens: 15, OutputTokens: 9, TotalTokens: 24}, a.Add(b))
	assert.True(t, TokenUsage{}.IsZero())
	assert.False(t, a.IsZero())
}

func TestUsageFromSchemaFillsMissingTotal(t *testing.T) {
	assert.Equal(t, TokenUsage{}, UsageFromSchema(nil))

	got := UsageFromSchema(&schema.TokenUsage{PromptTokens: 40, CompletionTokens: 9})
	assert.Equal(t, TokenUsage{InputTokens: 40, OutputTokens: 9, TotalTokens: 49}, got)

	got = UsageFromSchema(&schema.TokenUsage{PromptTokens: 40, CompletionTokens: 9, TotalTokens: 60})
	assert.Equal(t, 60, got.TotalTokens)
}

func TestComputeCost(t *testing.T) {
	p := ResolvePricing("gemini-2.5-flash")
	in, out, total := ComputeCost(TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, p)

	assert.InDelta(t, 0.30, in, 1e-9)
	assert.InDelta(t, 2.50, out, 1e-9)
	assert.InDelta(t, 2.80, total, 1e-9)

	_, _, unknown := ComputeCost(TokenUsage{InputTokens: 100}, ResolvePricing("no-such-model"))
	assert.Zero(t, unknown)
}

func TestOutcomeRecord(t *testing.T) {
	o := &Outcome{}
	o.Record("m", TokenUsage{InputTokens: 1})
	o.Record("m", TokenUsage{OutputTokens: 1})
	assert.Len(t, o.Calls, 2)
}
