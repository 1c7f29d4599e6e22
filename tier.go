package cascade

import "log"

// TierConstraints are the hard caps a tier attaches to a routing decision
// for downstream enforcement.
type TierConstraints struct {
	MaxCostPerQuery float64 `json:"max_cost_per_query,omitempty"`
	MinQuality      float64 `json:"min_quality,omitempty"`
	MaxLatencyMs    int64   `json:"max_latency_ms,omitempty"`
}

// TierResult is the outcome of tier filtering.
type TierResult struct {
	Models      []ModelConfig
	Constraints TierConstraints
	Warnings    []string
	Applied     bool
}

// TierRouter filters candidate models by the caller's tier policy. With no
// tier parameter or no configured policies it is inert and adds zero
// overhead.
type TierRouter struct {
	tiers map[string]TierPolicy

	// fallbackToCheapest keeps a tier usable when filtering empties the
	// candidate set: the single cheapest original model is substituted and a
	// warning recorded. Disabled, an empty set is a hard tier_no_models.
	fallbackToCheapest bool
}

// NewTierRouter creates a router over the given policies.
func NewTierRouter(tiers map[string]TierPolicy, fallbackToCheapest bool) *TierRouter {
	return &TierRouter{tiers: tiers, fallbackToCheapest: fallbackToCheapest}
}

// Filter applies the named tier's policy to the candidate list. An unknown
// tier name is a configuration error; an empty tier name is a no-op.
func (tr *TierRouter) Filter(models []ModelConfig, tierName string) (TierResult, error) {
	if tierName == "" || len(tr.tiers) == 0 {
		return TierResult{Models: models}, nil
	}
	policy, ok := tr.tiers[tierName]
	if !ok {
		return TierResult{}, routerError(ErrKindConfiguration, "", "unknown tier: %s", tierName)
	}

	denied := make(map[string]bool, len(policy.DeniedModels))
	for _, m := range policy.DeniedModels {
		denied[m] = true
	}
	allowAll := false
	allowed := make(map[string]bool, len(policy.AllowedModels))
	for _, m := range policy.AllowedModels {
		if m == "*" {
			allowAll = true
			continue
		}
		allowed[m] = true
	}

	filtered := make([]ModelConfig, 0, len(models))
	for _, m := range models {
		if denied[m.Model] {
			continue
		}
		if !allowAll && !allowed[m.Model] {
			continue
		}
		filtered = append(filtered, m)
	}

	result := TierResult{
		Models:  filtered,
		Applied: true,
		Constraints: TierConstraints{
			MaxCostPerQuery: policy.MaxCostPerQuery,
			MinQuality:      policy.MinQuality,
			MaxLatencyMs:    policy.MaxLatencyMs,
		},
	}

	if len(filtered) == 0 {
		if !tr.fallbackToCheapest || len(models) == 0 {
			return TierResult{}, routerError(ErrKindTierNoModels, "", "tier %s leaves no eligible models", tierName)
		}
		cheapest := cheapestModel(models)
		log.Printf("[TierRouter] tier %s filtered out every model, falling back to %s", tierName, cheapest.Model)
		result.Models = []ModelConfig{cheapest}
		result.Warnings = append(result.Warnings, "tier filter removed all models; using cheapest "+cheapest.Model)
	}
	return result, nil
}
