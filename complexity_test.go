package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLevels(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name string
		text string
		want ComplexityLevel
	}{
		{"greeting", "Hello there!", ComplexityTrivial},
		{"simple arithmetic", "What is 2+2?", ComplexityTrivial},
		{"one fact lookup", "Who is the president of France?", ComplexityTrivial},
		{"short single intent", "Explain why the sky is blue in a couple of sentences, and also keep it simple for a child.", ComplexitySimple},
		{
			"multi part with structure",
			"Compare the tradeoffs of REST and gRPC for internal services? Which would you pick for a mobile backend, and also list 3 migration risks as JSON? In addition, make sure the risks cover schema evolution.",
			ComplexityModerate,
		},
		{
			"proof demand with jargon",
			"Prove the Riemann hypothesis step by step.",
			ComplexityExpert,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := c.Classify(tt.text, "")
			assert.Equal(t, tt.want, result.Level, "score=%v indicators=%v", result.Score, result.Indicators)
			assert.GreaterOrEqual(t, result.Confidence, 0.0)
			assert.LessOrEqual(t, result.Confidence, 1.0)
		})
	}
}

func TestClassifyEmptyText(t *testing.T) {
	c := NewClassifier()
	result := c.Classify("", "")
	assert.Equal(t, ComplexityTrivial, result.Level)
	assert.InDelta(t, 0.1, result.Confidence, 0.0001)
}

func TestClassifyHintOverride(t *testing.T) {
	c := NewClassifier()

	result := c.Classify("Hello!", "expert")
	assert.Equal(t, ComplexityExpert, result.Level)
	assert.Equal(t, 1.0, result.Confidence)
	assert.True(t, result.Hinted)

	// Invalid hints are ignored, not fatal.
	result = c.Classify("Hello!", "galactic")
	assert.Equal(t, ComplexityTrivial, result.Level)
	assert.False(t, result.Hinted)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := NewClassifier()
	text := "Derive the closed form of the Fibonacci sequence and justify each step rigorously."
	first := c.Classify(text, "")
	for i := 0; i < 5; i++ {
		again := c.Classify(text, "")
		assert.Equal(t, first, again)
	}
}

func TestBandForScorePrefersCheaperNearBoundary(t *testing.T) {
	// Just above the moderate boundary, within epsilon: resolve down.
	assert.Equal(t, ComplexitySimple, bandForScore(32.5))
	assert.Equal(t, ComplexityModerate, bandForScore(40))
	assert.Equal(t, ComplexityExpert, bandForScore(90))
}

func TestParseComplexity(t *testing.T) {
	level, ok := ParseComplexity(" Hard ")
	assert.True(t, ok)
	assert.Equal(t, ComplexityHard, level)

	_, ok = ParseComplexity("impossible")
	assert.False(t, ok)
}

func TestComplexityOrdering(t *testing.T) {
	assert.True(t, ComplexityExpert > ComplexityHard)
	assert.True(t, ComplexityHard > ComplexityModerate)
	assert.True(t, ComplexityModerate > ComplexitySimple)
	assert.True(t, ComplexitySimple > ComplexityTrivial)
}
