package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewModelConfigConvertsRatesOnce(t *testing.T) {
	m := NewModelConfig("mock", "cheap", 0.05, 0.10, 32000)
	assert.InDelta(t, 0.05/1_000_000, m.InputCost, 1e-15)
	assert.InDelta(t, 0.10/1_000_000, m.OutputCost, 1e-15)
}

func TestCostFor(t *testing.T) {
	m := NewModelConfig("mock", "premium", 10, 30, 200000)
	cost := m.CostFor(Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500})
	assert.InDelta(t, 1000*10e-6+500*30e-6, cost, 1e-12)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 10, estimateTokens("0123456789012345678901234567890123456789"))
}

func TestCheapestAndBestModel(t *testing.T) {
	models := testModels()
	assert.Equal(t, "cheap", cheapestModel(models).Model)
	assert.Equal(t, "premium", bestModel(models).Model)
}

func TestBestModelCapabilityTieBreak(t *testing.T) {
	a := NewModelConfig("mock", "plain", 5, 5, 100000)
	b := NewModelConfig("mock", "reasoner", 5, 5, 100000)
	b.IsReasoning = true
	b.SupportsTools = true

	assert.Equal(t, "reasoner", bestModel([]ModelConfig{a, b}).Model)
	assert.Equal(t, "reasoner", bestModel([]ModelConfig{b, a}).Model)
}

func TestSortByCost(t *testing.T) {
	models := testModels()
	sorted := sortByCost([]ModelConfig{models[2], models[0], models[1]})
	assert.Equal(t, "cheap", sorted[0].Model)
	assert.Equal(t, "premium", sorted[2].Model)
	// Input is not mutated.
	assert.Equal(t, "premium", models[2].Model)
}

func TestFindModel(t *testing.T) {
	m, ok := findModel(testModels(), "mid")
	assert.True(t, ok)
	assert.Equal(t, "mid", m.Model)

	_, ok = findModel(testModels(), "ghost")
	assert.False(t, ok)
}

func TestEstimateQueryCost(t *testing.T) {
	m := NewModelConfig("mock", "cheap", 1, 2, 32000)
	text := "0123456789012345678901234567890123456789" // 10 tokens
	cost := estimateQueryCost(text, m)
	assert.InDelta(t, 10*1e-6+500*2e-6, cost, 1e-12)
}
