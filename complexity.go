package cascade

import (
	"fmt"
	"log"
	"regexp"
	"strings"
)

// ComplexityLevel represents the estimated difficulty tier of a query.
// The ordering is total: higher values are strictly harder.
type ComplexityLevel int

const (
	// ComplexityTrivial is a greeting, one-fact lookup, or trivial arithmetic.
	ComplexityTrivial ComplexityLevel = iota

	// ComplexitySimple is a short single-intent question.
	ComplexitySimple

	// ComplexityModerate is a multi-part question or light reasoning task.
	ComplexityModerate

	// ComplexityHard requires deep reasoning, long context, or multi-step
	// derivation.
	ComplexityHard

	// ComplexityExpert demands specialist knowledge or rigorous proof work.
	ComplexityExpert
)

// String returns a human-readable name for the complexity level.
func (c ComplexityLevel) String() string {
	switch c {
	case ComplexityTrivial:
		return "trivial"
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityHard:
		return "hard"
	case ComplexityExpert:
		return "expert"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the level by name.
func (c ComplexityLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON accepts a level name.
func (c *ComplexityLevel) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	level, ok := ParseComplexity(s)
	if !ok {
		return fmt.Errorf("unknown complexity level: %q", s)
	}
	*c = level
	return nil
}

// ParseComplexity maps a caller-supplied hint string to a level.
func ParseComplexity(s string) (ComplexityLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trivial":
		return ComplexityTrivial, true
	case "simple":
		return ComplexitySimple, true
	case "moderate":
		return ComplexityModerate, true
	case "hard":
		return ComplexityHard, true
	case "expert":
		return ComplexityExpert, true
	}
	return ComplexityTrivial, false
}

// ComplexityResult holds the derived level, a confidence in [0,1], and the
// per-indicator scoring vector that produced it.
type ComplexityResult struct {
	Level      ComplexityLevel    `json:"level"`
	Confidence float64            `json:"confidence"`
	Score      float64            `json:"score"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Hinted     bool               `json:"hinted,omitempty"`
}

// complexityBands maps score ranges to levels. Each entry is the inclusive
// lower boundary of its band on the 0-100 scale.
var complexityBands = []struct {
	level ComplexityLevel
	lower float64
}{
	{ComplexityTrivial, 0},
	{ComplexitySimple, 15},
	{ComplexityModerate, 32},
	{ComplexityHard, 55},
	{ComplexityExpert, 75},
}

// bandEpsilon: scores this close above a boundary resolve to the lower
// (cheaper) band.
const bandEpsilon = 2.0

var (
	codeFenceRe     = regexp.MustCompile("(?s)```")
	mathNotationRe  = regexp.MustCompile(`[∑∫√≠≤≥±]|\\(frac|int|sum|sqrt)|\b\d+\s*[\^]\s*\d+`)
	numberedListRe  = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
	countRequestRe  = regexp.MustCompile(`(?i)\b(list|give|name|provide)\b.{0,20}\b(\d+|three|four|five|six|seven|eight|nine|ten)\b`)
	outputFormatRe  = regexp.MustCompile(`(?i)\bas (json|yaml|csv|xml|markdown|a table)\b|\bin (json|yaml|csv|xml|table) (format|form)\b`)
	constraintJoins = []string{"and also", "as well as", "in addition", "additionally", "furthermore", "after that", "make sure", "but not", "without using"}
	proofDemands    = []string{"prove", "derive", "show that", "demonstrate that", "formally verify"}
	reasoningCues   = []string{"step by step", "step-by-step", "justify", "explain why", "walk me through", "rigorously", "chain of thought"}
	expertJargon    = []string{"riemann", "asymptotic", "eigenvalue", "homomorphism", "pharmacokinetic", "tort", "fiduciary", "amortization", "stochastic", "bayesian", "polymorphism", "idempotent", "normalization", "distributed consensus"}
	simpleOpeners   = []string{"what is", "what's", "who is", "when did", "hello", "hi ", "hey", "thanks", "thank you", "define"}
)

// Classifier assigns a complexity level to query text. Classification is
// deterministic and rule-based: the same text always yields the same result.
// It never fails; pathological input maps to trivial with low confidence.
type Classifier struct{}

// NewClassifier creates a complexity classifier with the default indicator
// weights.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify scores the query text. A valid caller hint overrides detection;
// an invalid hint is logged and ignored.
func (c *Classifier) Classify(text, hint string) ComplexityResult {
	if hint != "" {
		if level, ok := ParseComplexity(hint); ok {
			return ComplexityResult{Level: level, Confidence: 1.0, Hinted: true}
		}
		log.Printf("[Classifier] Invalid complexity hint %q, ignoring", hint)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ComplexityResult{Level: ComplexityTrivial, Confidence: 0.1}
	}

	indicators := make(map[string]float64)
	lower := strings.ToLower(trimmed)
	words := strings.Fields(lower)

	// Length.
	switch {
	case len(words) > 200:
		indicators["length"] = 25
	case len(words) > 80:
		indicators["length"] = 15
	case len(words) > 30:
		indicators["length"] = 7
	}

	// Structural features.
	if codeFenceRe.MatchString(trimmed) {
		indicators["code_fence"] = 18
	}
	if mathNotationRe.MatchString(trimmed) {
		indicators["math_notation"] = 15
	}
	if strings.Count(trimmed, "?") >= 2 {
		indicators["multi_question"] = 10
	}
	if numberedListRe.MatchString(trimmed) {
		indicators["numbered_structure"] = 6
	}
	if outputFormatRe.MatchString(trimmed) {
		indicators["output_format"] = 8
	}

	// Chain-of-reasoning cues. Proof demands weigh heaviest: "prove" or
	// "derive" almost always means multi-step formal reasoning.
	for _, cue := range proofDemands {
		if strings.Contains(lower, cue) {
			indicators["proof_demand"] += 25
		}
	}
	for _, cue := range reasoningCues {
		if strings.Contains(lower, cue) {
			indicators["reasoning_cues"] += 12
		}
	}

	// Distinct constraints.
	constraints := 0
	for _, join := range constraintJoins {
		constraints += strings.Count(lower, join)
	}
	// "then" only counts as a constraint joiner mid-sentence.
	constraints += strings.Count(lower, ", then ")
	if constraints > 0 {
		indicators["constraints"] = float64(constraints) * 6
	}

	// Rare-domain jargon.
	for _, term := range expertJargon {
		if strings.Contains(lower, term) {
			indicators["jargon"] += 14
		}
	}

	// Proof work over specialist material is the expert signature.
	if indicators["proof_demand"] > 0 && indicators["jargon"] > 0 {
		indicators["specialist_reasoning"] = 30
	}

	// Simplicity markers reduce the score.
	for _, opener := range simpleOpeners {
		if strings.HasPrefix(lower, opener) {
			indicators["simple_opener"] = -12
			break
		}
	}
	if len(words) <= 6 && indicators["jargon"] == 0 && indicators["reasoning_cues"] == 0 {
		indicators["very_short"] = -8
	}

	score := 0.0
	for _, v := range indicators {
		score += v
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	level := bandForScore(score)
	return ComplexityResult{
		Level:      level,
		Confidence: bandConfidence(score, level),
		Score:      score,
		Indicators: indicators,
	}
}

// bandForScore maps a score to its band, resolving near-boundary scores to
// the lower (cheaper) band.
func bandForScore(score float64) ComplexityLevel {
	level := ComplexityTrivial
	for _, band := range complexityBands {
		if score >= band.lower {
			level = band.level
		}
	}
	// Within epsilon of the boundary: prefer the cheaper band.
	for _, band := range complexityBands {
		if band.level == level && band.lower > 0 && score-band.lower < bandEpsilon {
			return level - 1
		}
	}
	return level
}

// bandConfidence derives a confidence in [0,1] from how far the score sits
// from the nearest band boundary: mid-band scores are confident, boundary
// scores are not.
func bandConfidence(score float64, level ComplexityLevel) float64 {
	lower, upper := 0.0, 100.0
	for i, band := range complexityBands {
		if band.level == level {
			lower = band.lower
			if i+1 < len(complexityBands) {
				upper = complexityBands[i+1].lower
			}
			break
		}
	}

	width := upper - lower
	if width <= 0 {
		return 0.5
	}
	distToEdge := score - lower
	if upper-score < distToEdge {
		distToEdge = upper - score
	}
	conf := 0.5 + distToEdge/width
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}
