package cascade

import (
	"log"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ValidationMethod selects how a model response is scored.
type ValidationMethod string

const (
	ValidateNone        ValidationMethod = "none"
	ValidateSyntax      ValidationMethod = "syntax-check"
	ValidateQuality     ValidationMethod = "quality-check"
	ValidateFullQuality ValidationMethod = "full-quality"
	ValidateFact        ValidationMethod = "fact-check"
	ValidateSafety      ValidationMethod = "safety-check"
	ValidateSemantic    ValidationMethod = "semantic"
	ValidateCustom      ValidationMethod = "custom"
)

// Scorer is the pluggable scoring capability behind semantic, fact-check,
// and safety-check validation. Implementations may call out to ML models;
// the validator treats them as black boxes returning a score in [0,1].
type Scorer interface {
	Score(query, response string) (float64, error)
}

// CustomValidator is a caller-supplied predicate for the custom method.
type CustomValidator func(query, response string) (float64, map[string]interface{})

// ValidationResult carries the score and the evidence behind it. Thresholds
// are applied by the executor, never here.
type ValidationResult struct {
	Score    float64                `json:"score"`
	Method   ValidationMethod       `json:"method"`
	Degraded bool                   `json:"degraded,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Validator scores model responses. Methods that depend on an absent scorer
// degrade to quality-check with a logged warning; degradation is never
// silent.
type Validator struct {
	scorers map[ValidationMethod]Scorer
	custom  CustomValidator
}

// NewValidator creates a validator with no plug-in scorers.
func NewValidator() *Validator {
	return &Validator{scorers: make(map[ValidationMethod]Scorer)}
}

// SetScorer installs a plug-in scorer for semantic, fact-check, or
// safety-check validation.
func (v *Validator) SetScorer(method ValidationMethod, s Scorer) {
	v.scorers[method] = s
}

// SetCustom installs the predicate behind the custom method.
func (v *Validator) SetCustom(fn CustomValidator) {
	v.custom = fn
}

// Validate scores a response against the query using the given method.
func (v *Validator) Validate(method ValidationMethod, query, response string) ValidationResult {
	switch method {
	case ValidateNone, "":
		return ValidationResult{Score: 1.0, Method: ValidateNone}

	case ValidateSyntax:
		return v.syntaxCheck(response)

	case ValidateQuality:
		return v.qualityCheck(query, response)

	case ValidateFullQuality:
		return v.fullQualityCheck(query, response)

	case ValidateFact, ValidateSafety, ValidateSemantic:
		if scorer, ok := v.scorers[method]; ok {
			score, err := scorer.Score(query, response)
			if err == nil {
				return ValidationResult{Score: clamp01(score), Method: method}
			}
			log.Printf("[Validator] %s scorer failed: %v, degrading to quality-check", method, err)
		} else {
			log.Printf("[Validator] No %s scorer installed, degrading to quality-check", method)
		}
		r := v.qualityCheck(query, response)
		r.Method = method
		r.Degraded = true
		return r

	case ValidateCustom:
		if v.custom == nil {
			log.Printf("[Validator] No custom validator installed, degrading to quality-check")
			r := v.qualityCheck(query, response)
			r.Method = ValidateCustom
			r.Degraded = true
			return r
		}
		score, details := v.custom(query, response)
		return ValidationResult{Score: clamp01(score), Method: ValidateCustom, Details: details}

	default:
		log.Printf("[Validator] Unknown validation method %q, using quality-check", method)
		r := v.qualityCheck(query, response)
		r.Degraded = true
		return r
	}
}

var (
	sqlShapeRe     = regexp.MustCompile(`(?is)^\s*(select|insert|update|delete|create|alter|drop|with)\b.*\b(from|into|table|set|values)?\b`)
	refusalPhrases = []string{
		"i can't help", "i cannot help", "i'm unable to", "i am unable to",
		"i'm sorry, but", "as an ai", "i cannot assist",
	}
)

// syntaxCheck parses the response as JSON, fenced code, or SQL and scores
// well-formedness.
func (v *Validator) syntaxCheck(response string) ValidationResult {
	details := make(map[string]interface{})
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return ValidationResult{Score: 0, Method: ValidateSyntax, Details: map[string]interface{}{"empty": true}}
	}

	// JSON bodies get a strict parse via gjson.
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		details["kind"] = "json"
		if gjson.Valid(trimmed) {
			return ValidationResult{Score: 1.0, Method: ValidateSyntax, Details: details}
		}
		return ValidationResult{Score: 0.2, Method: ValidateSyntax, Details: details}
	}

	// Fenced code: check fence closure and bracket balance inside the fence.
	if strings.Contains(trimmed, "```") {
		details["kind"] = "code"
		if strings.Count(trimmed, "```")%2 != 0 {
			details["unclosed_fence"] = true
			return ValidationResult{Score: 0.3, Method: ValidateSyntax, Details: details}
		}
		if !bracketsBalanced(trimmed) {
			details["unbalanced"] = true
			return ValidationResult{Score: 0.4, Method: ValidateSyntax, Details: details}
		}
		return ValidationResult{Score: 0.9, Method: ValidateSyntax, Details: details}
	}

	if sqlShapeRe.MatchString(trimmed) {
		details["kind"] = "sql"
		return ValidationResult{Score: 0.85, Method: ValidateSyntax, Details: details}
	}

	// Plain text under a syntax check: mildly positive if bracket-balanced.
	details["kind"] = "text"
	if bracketsBalanced(trimmed) {
		return ValidationResult{Score: 0.7, Method: ValidateSyntax, Details: details}
	}
	return ValidationResult{Score: 0.4, Method: ValidateSyntax, Details: details}
}

// qualityCheck scores response length, refusal markers, and alignment with
// the query.
func (v *Validator) qualityCheck(query, response string) ValidationResult {
	details := make(map[string]interface{})
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		details["empty"] = true
		return ValidationResult{Score: 0, Method: ValidateQuality, Details: details}
	}

	score := 0.5

	// Length: very short answers to non-trivial questions read as low effort.
	words := len(strings.Fields(trimmed))
	details["words"] = words
	switch {
	case words >= 20:
		score += 0.2
	case words >= 5:
		score += 0.1
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			details["refusal"] = phrase
			score -= 0.4
			break
		}
	}

	alignment := tokenOverlap(query, trimmed)
	details["alignment"] = alignment
	score += 0.3 * alignment

	return ValidationResult{Score: clamp01(score), Method: ValidateQuality, Details: details}
}

// fullQualityCheck extends quality-check with structural demands: a query
// that asks for a list should get one, a query that asks "how many" should
// get a number.
func (v *Validator) fullQualityCheck(query, response string) ValidationResult {
	r := v.qualityCheck(query, response)
	r.Method = ValidateFullQuality
	if r.Details == nil {
		r.Details = make(map[string]interface{})
	}

	if countRequestRe.MatchString(query) || numberedListRe.MatchString(query) {
		hasList := numberedListRe.MatchString(response) || strings.Contains(response, "\n- ") || strings.Contains(response, "\n* ")
		r.Details["list_requested"] = true
		r.Details["list_returned"] = hasList
		if !hasList {
			r.Score = clamp01(r.Score - 0.25)
		}
	}

	lowerQ := strings.ToLower(query)
	if strings.Contains(lowerQ, "how many") || strings.Contains(lowerQ, "how much") {
		hasNumber := regexp.MustCompile(`\d`).MatchString(response)
		r.Details["number_requested"] = true
		r.Details["number_returned"] = hasNumber
		if !hasNumber {
			r.Score = clamp01(r.Score - 0.25)
		}
	}
	return r
}

// tokenOverlap returns the fraction of content words from the query that
// reappear in the response.
func tokenOverlap(query, response string) float64 {
	stop := map[string]bool{
		"the": true, "a": true, "an": true, "is": true, "are": true,
		"of": true, "to": true, "in": true, "and": true, "or": true,
		"what": true, "how": true, "why": true, "for": true, "with": true,
	}
	respLower := strings.ToLower(response)
	total, hits := 0, 0
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,?!:;\"'")
		if len(w) < 3 || stop[w] {
			continue
		}
		total++
		if strings.Contains(respLower, w) {
			hits++
		}
	}
	if total == 0 {
		return 0.5
	}
	return float64(hits) / float64(total)
}

// bracketsBalanced checks matched (), [], {} counts. A cheap structural
// signal, not a parser.
func bracketsBalanced(s string) bool {
	return strings.Count(s, "(") == strings.Count(s, ")") &&
		strings.Count(s, "[") == strings.Count(s, "]") &&
		strings.Count(s, "{") == strings.Count(s, "}")
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
