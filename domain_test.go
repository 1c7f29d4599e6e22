package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectDomains(t *testing.T) {
	dr := NewDomainRouter()

	tests := []struct {
		name string
		text string
		want Domain
	}{
		{"code", "Refactor this function to fix the bug:\n```go\nfunc add(a, b int) int { return a - b }\n```", DomainCode},
		{"data", "Analyze this dataset and compute the correlation between the csv columns.", DomainData},
		{"math", "Solve for x: the equation 3x + 5 = 20.", DomainMath},
		{"arithmetic only", "2+2", DomainMath},
		{"creative", "Write a story about a lighthouse keeper and develop the character over the plot.", DomainCreative},
		{"summary", "Summarize the key points of this article.", DomainSummary},
		{"translation", "Translate this paragraph into English.", DomainTranslation},
		{"medical", "What treatment and medication are indicated for these symptoms?", DomainMedical},
		{"legal", "Is this contract clause enforceable, and what liability does it create?", DomainLegal},
		{"financial", "Walk through the balance sheet and cash flow of this company.", DomainFinancial},
		{"conversation", "Hello, how are you today?", DomainConversation},
		{"no signal", "Something vague with nothing particular.", DomainGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := dr.Detect(tt.text, "")
			assert.Equal(t, tt.want, result.Domain, "scores=%v", result.TopScores)
			assert.GreaterOrEqual(t, result.Confidence, 0.0)
			assert.LessOrEqual(t, result.Confidence, 1.0)
		})
	}
}

func TestDetectConfidence(t *testing.T) {
	dr := NewDomainRouter()

	// No signal at all: general with zero confidence.
	result := dr.Detect("Something vague.", "")
	assert.Equal(t, DomainGeneral, result.Domain)
	assert.Equal(t, 0.0, result.Confidence)

	// Confidence is max_score/5 capped at 1.
	result = dr.Detect("Summarize the summary and condense the key points, tl;dr please, shorten it.", "")
	assert.Equal(t, DomainSummary, result.Domain)
	assert.Greater(t, result.Confidence, 0.5)
	assert.LessOrEqual(t, result.Confidence, 1.0)
}

func TestDetectHint(t *testing.T) {
	dr := NewDomainRouter()

	result := dr.Detect("Hello!", "legal")
	assert.Equal(t, DomainLegal, result.Domain)
	assert.Equal(t, 1.0, result.Confidence)
	assert.True(t, result.Hinted)

	result = dr.Detect("Hello, how are you?", "astrology")
	assert.Equal(t, DomainConversation, result.Domain)
	assert.False(t, result.Hinted)
}

func TestDetectMCQ(t *testing.T) {
	dr := NewDomainRouter()

	text := "The following are multiple choice questions (with answers) about mathematics.\n" +
		"Which of the following is a prime number?\nA) 4\nB) 6\nC) 7\nD) 9"
	result := dr.Detect(text, "")
	assert.True(t, result.IsMCQ)
	assert.Equal(t, "mathematics", result.SubjectHint)
	assert.Equal(t, DomainMath, result.Domain, "subject hint should boost math, scores=%v", result.TopScores)
}

func TestDetectMCQPenalizesConversation(t *testing.T) {
	dr := NewDomainRouter()

	// Conversational vocabulary inside an MCQ must not win the query for
	// the conversation domain.
	text := "Which of the following equals 4? Please choose the correct answer. Thanks!\nA) 2+2\nB) 5\nC) 7\nD) 9"
	result := dr.Detect(text, "")
	assert.True(t, result.IsMCQ)
	assert.Equal(t, DomainMath, result.Domain, "scores=%v", result.TopScores)
}

func TestDetectTopScoresLimitedToThree(t *testing.T) {
	dr := NewDomainRouter()
	result := dr.Detect("Analyze the data, summarize the document, translate the code, and calculate the sum.", "")
	assert.LessOrEqual(t, len(result.TopScores), 3)
}

func TestDetectIsDeterministic(t *testing.T) {
	dr := NewDomainRouter()
	text := "Summarize this legal contract clause about liability."
	first := dr.Detect(text, "")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, dr.Detect(text, ""))
	}
}
