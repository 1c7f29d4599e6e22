package cascade

import (
	"sync"
	"time"
)

// ModelUsage aggregates per-model call statistics.
type ModelUsage struct {
	Calls            int64         `json:"calls"`
	Errors           int64         `json:"errors"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	TotalCost        float64       `json:"total_cost"`
	TotalLatency     time.Duration `json:"total_latency"`
}

// EngineStats is the snapshot returned by Engine.Stats.
type EngineStats struct {
	Router   PreRouterStats        `json:"router"`
	ByModel  map[string]ModelUsage `json:"by_model"`
	SavedUSD float64               `json:"saved_usd"`
}

// usageTracker accumulates per-model usage and the running cost-savings
// figure: what cascaded queries would have cost on the verifier alone minus
// what they actually cost.
type usageTracker struct {
	mu       sync.Mutex
	byModel  map[string]*ModelUsage
	savedUSD float64
}

func newUsageTracker() *usageTracker {
	return &usageTracker{byModel: make(map[string]*ModelUsage)}
}

func (ut *usageTracker) record(model string, usage Usage, cost float64, latency time.Duration, failed bool) {
	ut.mu.Lock()
	defer ut.mu.Unlock()
	mu, ok := ut.byModel[model]
	if !ok {
		mu = &ModelUsage{}
		ut.byModel[model] = mu
	}
	mu.Calls++
	if failed {
		mu.Errors++
	}
	mu.PromptTokens += int64(usage.PromptTokens)
	mu.CompletionTokens += int64(usage.CompletionTokens)
	mu.TotalCost += cost
	mu.TotalLatency += latency
}

func (ut *usageTracker) recordSavings(saved float64) {
	if saved <= 0 {
		return
	}
	ut.mu.Lock()
	ut.savedUSD += saved
	ut.mu.Unlock()
}

func (ut *usageTracker) snapshot() (map[string]ModelUsage, float64) {
	ut.mu.Lock()
	defer ut.mu.Unlock()
	out := make(map[string]ModelUsage, len(ut.byModel))
	for model, mu := range ut.byModel {
		out[model] = *mu
	}
	return out, ut.savedUSD
}
