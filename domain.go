package cascade

import (
	"log"
	"regexp"
	"sort"
	"strings"
)

// Domain tags the subject area of a query. Routing strategies and domain
// pipelines key off this tag.
type Domain string

const (
	DomainCode         Domain = "code"
	DomainData         Domain = "data"
	DomainStructured   Domain = "structured"
	DomainRAG          Domain = "rag"
	DomainConversation Domain = "conversation"
	DomainTool         Domain = "tool"
	DomainCreative     Domain = "creative"
	DomainSummary      Domain = "summary"
	DomainTranslation  Domain = "translation"
	DomainMath         Domain = "math"
	DomainMedical      Domain = "medical"
	DomainLegal        Domain = "legal"
	DomainFinancial    Domain = "financial"
	DomainMultimodal   Domain = "multimodal"
	DomainGeneral      Domain = "general"
)

// allDomains lists every routable domain, general last.
var allDomains = []Domain{
	DomainCode, DomainData, DomainStructured, DomainRAG, DomainConversation,
	DomainTool, DomainCreative, DomainSummary, DomainTranslation, DomainMath,
	DomainMedical, DomainLegal, DomainFinancial, DomainMultimodal, DomainGeneral,
}

// ParseDomain maps a caller-supplied hint to a Domain.
func ParseDomain(s string) (Domain, bool) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allDomains {
		if d == known {
			return d, true
		}
	}
	return DomainGeneral, false
}

// Keyword weight tiers.
const (
	weightVeryStrong = 1.5
	weightStrong     = 1.0
	weightModerate   = 0.7
	weightWeak       = 0.3
)

// domainKeywords maps each domain to its weighted keyword table. Weights
// follow the four-tier scheme: very-strong 1.5, strong 1.0, moderate 0.7,
// weak 0.3.
var domainKeywords = map[Domain]map[string]float64{
	DomainCode: {
		"```":           weightVeryStrong,
		"stack trace":   weightVeryStrong,
		"compile error": weightVeryStrong,
		"function":      weightStrong,
		"refactor":      weightStrong,
		"debug":         weightStrong,
		"bug":           weightModerate,
		"code":          weightModerate,
		"python":        weightModerate,
		"golang":        weightModerate,
		"javascript":    weightModerate,
		"implement":     weightWeak,
		"api":           weightWeak,
	},
	DomainData: {
		"dataframe":   weightVeryStrong,
		"sql query":   weightVeryStrong,
		"aggregate":   weightStrong,
		"dataset":     weightStrong,
		"csv":         weightStrong,
		"analyze":     weightModerate,
		"statistics":  weightModerate,
		"correlation": weightModerate,
		"data":        weightWeak,
		"chart":       weightWeak,
	},
	DomainStructured: {
		"json schema": weightVeryStrong,
		"as json":     weightVeryStrong,
		"yaml":        weightStrong,
		"xml":         weightStrong,
		"structured":  weightStrong,
		"schema":      weightModerate,
		"format":      weightWeak,
		"fields":      weightWeak,
	},
	DomainRAG: {
		"according to the document": weightVeryStrong,
		"from the context":          weightVeryStrong,
		"cite":                      weightStrong,
		"passage":                   weightStrong,
		"document":                  weightModerate,
		"knowledge base":            weightModerate,
		"source":                    weightWeak,
	},
	DomainConversation: {
		"how are you": weightVeryStrong,
		"hello":       weightStrong,
		"thanks":      weightStrong,
		"chat":        weightModerate,
		"tell me":     weightWeak,
		"what do you": weightWeak,
	},
	DomainTool: {
		"call the function": weightVeryStrong,
		"use the tool":      weightVeryStrong,
		"invoke":            weightStrong,
		"tool":              weightModerate,
		"search the web":    weightModerate,
		"look up":           weightWeak,
	},
	DomainCreative: {
		"write a story": weightVeryStrong,
		"write a poem":  weightVeryStrong,
		"fiction":       weightStrong,
		"creative":      weightStrong,
		"character":     weightModerate,
		"plot":          weightModerate,
		"story":         weightModerate,
		"imagine":       weightWeak,
	},
	DomainSummary: {
		"summarize":  weightVeryStrong,
		"tl;dr":      weightVeryStrong,
		"summary":    weightStrong,
		"key points": weightStrong,
		"condense":   weightModerate,
		"shorten":    weightModerate,
		"brief":      weightWeak,
	},
	DomainTranslation: {
		"translate":    weightVeryStrong,
		"translation":  weightStrong,
		"in french":    weightStrong,
		"in spanish":   weightStrong,
		"in german":    weightStrong,
		"in japanese":  weightStrong,
		"into english": weightStrong,
		"language":     weightWeak,
	},
	DomainMath: {
		"solve for":   weightVeryStrong,
		"equation":    weightStrong,
		"theorem":     weightStrong,
		"integral":    weightStrong,
		"derivative":  weightStrong,
		"calculate":   weightModerate,
		"probability": weightModerate,
		"algebra":     weightModerate,
		"math":        weightModerate,
		"sum":         weightWeak,
		"percent":     weightWeak,
	},
	DomainMedical: {
		"diagnosis":  weightVeryStrong,
		"symptoms":   weightStrong,
		"treatment":  weightStrong,
		"medication": weightStrong,
		"patient":    weightModerate,
		"clinical":   weightModerate,
		"disease":    weightModerate,
		"dose":       weightWeak,
	},
	DomainLegal: {
		"contract clause": weightVeryStrong,
		"liability":       weightStrong,
		"statute":         weightStrong,
		"plaintiff":       weightStrong,
		"legal":           weightModerate,
		"lawsuit":         weightModerate,
		"court":           weightModerate,
		"law":             weightWeak,
	},
	DomainFinancial: {
		"balance sheet": weightVeryStrong,
		"cash flow":     weightStrong,
		"portfolio":     weightStrong,
		"interest rate": weightStrong,
		"revenue":       weightModerate,
		"investment":    weightModerate,
		"stock":         weightModerate,
		"budget":        weightWeak,
		"price":         weightWeak,
	},
	DomainMultimodal: {
		"in the image": weightVeryStrong,
		"this picture": weightVeryStrong,
		"screenshot":   weightStrong,
		"image":        weightModerate,
		"photo":        weightModerate,
		"video":        weightModerate,
		"audio":        weightWeak,
	},
}

// arithmeticRe catches bare arithmetic ("2+2", "15 * 3") that carries no
// math vocabulary.
var arithmeticRe = regexp.MustCompile(`\d+\s*[+\-*/×÷]\s*\d+`)

// mcqPatterns identify multiple-choice-question framing.
var mcqPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)which of the following`),
	regexp.MustCompile(`(?m)^\s*[A-D][).:]\s+\S`),
	regexp.MustCompile(`(?i)\b(select|choose|pick) (the )?(correct|best|right) (option|answer|choice)`),
	regexp.MustCompile(`(?i)multiple[ -]choice`),
	regexp.MustCompile(`(?i)answer with (the letter|[A-D](, ?[A-D])*( or [A-D])?)`),
}

// mcqWrapperRe strips the boilerplate instruction wrapper around MCQ bodies
// before scoring, so the wrapper vocabulary does not pollute domain scores.
var mcqWrapperRe = regexp.MustCompile(`(?i)^(answer the following multiple[ -]choice question[.:]?|the following (is|are) (a )?multiple[ -]choice questions? \(with answers?\) about [a-z ]+[.:]?)\s*`)

// mcqSubjectRe extracts the announced subject from MCQ wrappers of the form
// "... questions (with answers) about <subject>".
var mcqSubjectRe = regexp.MustCompile(`(?i)multiple[ -]choice questions? (?:\(with answers?\) )?about ([a-z ]+?)[.:\n]`)

// mcqSubjectDomains maps announced MCQ subjects to the domain they boost.
var mcqSubjectDomains = map[string]Domain{
	"mathematics":      DomainMath,
	"math":             DomainMath,
	"algebra":          DomainMath,
	"statistics":       DomainData,
	"computer science": DomainCode,
	"programming":      DomainCode,
	"medicine":         DomainMedical,
	"anatomy":          DomainMedical,
	"clinical":         DomainMedical,
	"law":              DomainLegal,
	"jurisprudence":    DomainLegal,
	"accounting":       DomainFinancial,
	"economics":        DomainFinancial,
	"finance":          DomainFinancial,
}

const (
	mcqSubjectBoost        = 0.5
	mcqConversationPenalty = 0.5
)

// DomainScore pairs a domain with its raw keyword score.
type DomainScore struct {
	Domain Domain  `json:"domain"`
	Score  float64 `json:"score"`
}

// DomainResult is the outcome of domain detection.
type DomainResult struct {
	Domain      Domain        `json:"domain"`
	Confidence  float64       `json:"confidence"`
	TopScores   []DomainScore `json:"top_scores,omitempty"`
	IsMCQ       bool          `json:"is_mcq,omitempty"`
	SubjectHint string        `json:"subject_hint,omitempty"`
	Hinted      bool          `json:"hinted,omitempty"`
}

// DomainRouter assigns a domain tag via deterministic keyword-weighted
// scoring. Same query text, same result.
type DomainRouter struct {
	keywords map[Domain]map[string]float64
}

// NewDomainRouter creates a router with the default keyword tables.
func NewDomainRouter() *DomainRouter {
	return &DomainRouter{keywords: domainKeywords}
}

// Detect scores the query against every domain table. The highest score
// wins; ties (including the all-zero case) go to general. A valid caller
// hint short-circuits detection; an invalid hint is logged and ignored.
func (dr *DomainRouter) Detect(text, hint string) DomainResult {
	if hint != "" {
		if d, ok := ParseDomain(hint); ok {
			return DomainResult{Domain: d, Confidence: 1.0, Hinted: true}
		}
		log.Printf("[DomainRouter] Invalid domain hint %q, ignoring", hint)
	}

	isMCQ := false
	subjectHint := ""
	body := text
	for _, re := range mcqPatterns {
		if re.MatchString(text) {
			isMCQ = true
			break
		}
	}
	if isMCQ {
		if m := mcqSubjectRe.FindStringSubmatch(text); len(m) == 2 {
			subjectHint = strings.TrimSpace(strings.ToLower(m[1]))
		}
		body = mcqWrapperRe.ReplaceAllString(text, "")
	}

	lower := strings.ToLower(body)
	scores := make(map[Domain]float64, len(domainKeywords))
	for domain, table := range dr.keywords {
		for keyword, weight := range table {
			if strings.Contains(lower, keyword) {
				scores[domain] += weight
			}
		}
	}
	if arithmeticRe.MatchString(body) {
		scores[DomainMath] += weightStrong
	}

	if isMCQ {
		if d, ok := mcqSubjectDomains[subjectHint]; ok {
			scores[d] += mcqSubjectBoost
		}
		scores[DomainConversation] -= mcqConversationPenalty
	}

	ranked := make([]DomainScore, 0, len(scores))
	for d, s := range scores {
		ranked = append(ranked, DomainScore{Domain: d, Score: s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Domain < ranked[j].Domain
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}

	winner := DomainGeneral
	maxScore := 0.0
	if len(ranked) > 0 && ranked[0].Score > 0 {
		maxScore = ranked[0].Score
		// A tie for first place is unresolvable: fall back to general.
		if len(ranked) > 1 && ranked[1].Score == maxScore {
			winner = DomainGeneral
		} else {
			winner = ranked[0].Domain
		}
	}

	confidence := maxScore / 5.0
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	return DomainResult{
		Domain:      winner,
		Confidence:  confidence,
		TopScores:   ranked,
		IsMCQ:       isMCQ,
		SubjectHint: subjectHint,
	}
}
