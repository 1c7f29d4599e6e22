package cascade

import (
	"fmt"
	"log"
	"sync/atomic"
)

// RoutingStrategy is the execution plan chosen for a query.
type RoutingStrategy string

const (
	// StrategyDirectCheap invokes the cheapest candidate once.
	StrategyDirectCheap RoutingStrategy = "direct-cheap"

	// StrategyDirectBest invokes the highest-quality candidate once.
	StrategyDirectBest RoutingStrategy = "direct-best"

	// StrategyCascade drafts on the cheapest model, validates, and escalates
	// to the verifier only when quality falls below threshold.
	StrategyCascade RoutingStrategy = "cascade"

	// StrategyParallel fans the query out to drafter and verifier
	// concurrently and keeps the best-scoring response.
	StrategyParallel RoutingStrategy = "parallel"
)

// RoutingDecision explains which strategy was chosen and why. Confidence
// outside [0,1] is a programming error and is rejected by the executor.
type RoutingDecision struct {
	Strategy   RoutingStrategy   `json:"strategy"`
	Reason     string            `json:"reason"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RoutingRule is a caller-supplied predicate evaluated before the built-in
// routing rules. The first rule returning ok=true wins.
type RoutingRule func(complexity ComplexityResult, domain DomainResult) (strategy RoutingStrategy, reason string, ok bool)

// RoutingContext carries the per-query inputs the PreRouter considers beyond
// the classification results.
type RoutingContext struct {
	ForceDirect bool
	Tier        string
	Rules       []RoutingRule
}

// PreRouterStats is a point-in-time snapshot of the router's monotonic
// counters.
type PreRouterStats struct {
	TotalQueries    int64            `json:"total_queries"`
	ByComplexity    map[string]int64 `json:"by_complexity"`
	ByStrategy      map[string]int64 `json:"by_strategy"`
	ForcedDirect    int64            `json:"forced_direct"`
	CascadeDisabled int64            `json:"cascade_disabled"`
}

// PreRouter maps (complexity, domain, context) to a RoutingStrategy via a
// fixed priority list. Decisions are pure functions of their inputs; the
// counters are the only mutable state and use atomic increments.
type PreRouter struct {
	cascadeEnabled bool
	strategies     map[Domain]DomainStrategy

	totalQueries    atomic.Int64
	forcedDirect    atomic.Int64
	cascadeDisabled atomic.Int64
	byComplexity    [int(ComplexityExpert) + 1]atomic.Int64
	byStrategy      map[RoutingStrategy]*atomic.Int64
}

// NewPreRouter creates a router. strategies may be nil; cascadeEnabled=false
// forces direct-best for every query not otherwise overridden.
func NewPreRouter(cascadeEnabled bool, strategies map[Domain]DomainStrategy) *PreRouter {
	byStrategy := make(map[RoutingStrategy]*atomic.Int64, 4)
	for _, s := range []RoutingStrategy{StrategyDirectCheap, StrategyDirectBest, StrategyCascade, StrategyParallel} {
		byStrategy[s] = &atomic.Int64{}
	}
	return &PreRouter{
		cascadeEnabled: cascadeEnabled,
		strategies:     strategies,
		byStrategy:     byStrategy,
	}
}

// Route picks the strategy for a classified query. Priority order, first
// match wins:
//
//  1. caller forceDirect
//  2. cascade disabled globally
//  3. caller rule-engine decision
//  4. domain strategy demands verifier
//  5. domain strategy matches current complexity
//  6. domain strategy with no complexity restriction
//  7. complexity trivial/simple/moderate
//  8. complexity hard/expert
func (pr *PreRouter) Route(complexity ComplexityResult, domain DomainResult, ctx RoutingContext) RoutingDecision {
	pr.totalQueries.Add(1)
	if lvl := int(complexity.Level); lvl >= 0 && lvl < len(pr.byComplexity) {
		pr.byComplexity[lvl].Add(1)
	}

	d := pr.route(complexity, domain, ctx)
	if c := pr.byStrategy[d.Strategy]; c != nil {
		c.Add(1)
	}
	log.Printf("[PreRouter] %s/%s -> %s (%s)", complexity.Level, domain.Domain, d.Strategy, d.Reason)
	return d
}

func (pr *PreRouter) route(complexity ComplexityResult, domain DomainResult, ctx RoutingContext) RoutingDecision {
	meta := func(rule, routerType string) map[string]string {
		return map[string]string{
			"rule":            rule,
			"router_type":     routerType,
			"complexity":      complexity.Level.String(),
			"domain":          string(domain.Domain),
			"cascade_enabled": fmt.Sprintf("%t", pr.cascadeEnabled),
		}
	}

	if ctx.ForceDirect {
		pr.forcedDirect.Add(1)
		return RoutingDecision{
			Strategy:   StrategyDirectBest,
			Reason:     "caller forced direct execution",
			Confidence: 1.0,
			Metadata:   meta("force_direct", "forced"),
		}
	}

	if !pr.cascadeEnabled {
		pr.cascadeDisabled.Add(1)
		return RoutingDecision{
			Strategy:   StrategyDirectBest,
			Reason:     "cascade disabled",
			Confidence: 1.0,
			Metadata:   meta("cascade_disabled", "config"),
		}
	}

	for _, rule := range ctx.Rules {
		if strategy, reason, ok := rule(complexity, domain); ok {
			return RoutingDecision{
				Strategy:   strategy,
				Reason:     reason,
				Confidence: 1.0,
				Metadata:   meta("rule_engine", "rule"),
			}
		}
	}

	if ds, ok := pr.strategies[domain.Domain]; ok {
		if ds.RequireVerifier {
			return RoutingDecision{
				Strategy:   StrategyDirectBest,
				Reason:     fmt.Sprintf("domain %s requires verifier", domain.Domain),
				Confidence: domain.Confidence,
				Metadata:   meta("domain_require_verifier", "domain"),
			}
		}
		if len(ds.CascadeComplexities) > 0 {
			for _, lvl := range ds.CascadeComplexities {
				if lvl == complexity.Level {
					return RoutingDecision{
						Strategy:   StrategyCascade,
						Reason:     fmt.Sprintf("domain %s cascades at %s", domain.Domain, complexity.Level),
						Confidence: combineConfidence(complexity.Confidence, domain.Confidence),
						Metadata:   meta("domain_complexity_match", "domain"),
					}
				}
			}
			// Strategy exists but excludes this complexity: fall through to
			// the complexity rules below.
		} else {
			return RoutingDecision{
				Strategy:   StrategyCascade,
				Reason:     fmt.Sprintf("domain %s has a cascade pipeline", domain.Domain),
				Confidence: domain.Confidence,
				Metadata:   meta("domain_strategy", "domain"),
			}
		}
	}

	if complexity.Level <= ComplexityModerate {
		return RoutingDecision{
			Strategy:   StrategyCascade,
			Reason:     fmt.Sprintf("%s complexity suits a cheap draft", complexity.Level),
			Confidence: complexity.Confidence,
			Metadata:   meta("complexity_cascade", "complexity"),
		}
	}

	return RoutingDecision{
		Strategy:   StrategyDirectBest,
		Reason:     fmt.Sprintf("%s complexity goes straight to the best model", complexity.Level),
		Confidence: complexity.Confidence,
		Metadata:   meta("complexity_direct", "complexity"),
	}
}

// combineConfidence merges two independent confidences conservatively: the
// joint confidence is never higher than the weaker input.
func combineConfidence(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Stats returns a snapshot of the router's counters.
func (pr *PreRouter) Stats() PreRouterStats {
	s := PreRouterStats{
		TotalQueries:    pr.totalQueries.Load(),
		ForcedDirect:    pr.forcedDirect.Load(),
		CascadeDisabled: pr.cascadeDisabled.Load(),
		ByComplexity:    make(map[string]int64, len(pr.byComplexity)),
		ByStrategy:      make(map[string]int64, len(pr.byStrategy)),
	}
	for i := range pr.byComplexity {
		if n := pr.byComplexity[i].Load(); n > 0 {
			s.ByComplexity[ComplexityLevel(i).String()] = n
		}
	}
	for strategy, c := range pr.byStrategy {
		if n := c.Load(); n > 0 {
			s.ByStrategy[string(strategy)] = n
		}
	}
	return s
}
