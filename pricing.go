package cascade

import "sort"

// charsPerToken is the rough English-text heuristic used for pre-call token
// estimates (~4 chars per token).
const charsPerToken = 4

// completionEstimateTokens is the assumed completion size when projecting the
// cost of a query before any model has run.
const completionEstimateTokens = 500

// estimateTokens estimates the token count of a text fragment.
func estimateTokens(text string) int {
	return len(text) / charsPerToken
}

// estimateQueryCost projects the cost of running the query on the given
// model: estimated prompt plus assumed completion, at the model's rates.
func estimateQueryCost(queryText string, m ModelConfig) float64 {
	prompt := estimateTokens(queryText)
	return float64(prompt)*m.InputCost + float64(completionEstimateTokens)*m.OutputCost
}

// cheapestModel returns the model with the lowest blended per-token cost.
// The caller guarantees a non-empty slice.
func cheapestModel(models []ModelConfig) ModelConfig {
	best := models[0]
	for _, m := range models[1:] {
		if m.BlendedCost() < best.BlendedCost() {
			best = m
		}
	}
	return best
}

// bestModel returns the highest-quality model. Cost is the primary sort
// (price correlates with capability in every current lineup); capability
// flags break ties.
func bestModel(models []ModelConfig) ModelConfig {
	best := models[0]
	for _, m := range models[1:] {
		if m.BlendedCost() > best.BlendedCost() {
			best = m
			continue
		}
		if m.BlendedCost() == best.BlendedCost() && capabilityScore(m) > capabilityScore(best) {
			best = m
		}
	}
	return best
}

// capabilityScore is the tie-break ordering for equally priced models.
func capabilityScore(m ModelConfig) int {
	score := 0
	if m.IsReasoning {
		score += 4
	}
	if m.SupportsTools {
		score += 2
	}
	if m.SupportsStreaming {
		score++
	}
	if m.SupportsSystemMessages {
		score++
	}
	return score
}

// sortByCost returns a copy of models ordered cheapest first.
func sortByCost(models []ModelConfig) []ModelConfig {
	out := make([]ModelConfig, len(models))
	copy(out, models)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BlendedCost() < out[j].BlendedCost()
	})
	return out
}

// findModel locates a model by id in the candidate list.
func findModel(models []ModelConfig, id string) (ModelConfig, bool) {
	for _, m := range models {
		if m.Model == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}
