package cascade

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config blobs can say "30s" or "2m".
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts "30s"-style strings or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders durations as strings.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON renders durations as strings.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON accepts "30s"-style strings.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// CascadeStep is one leg of a domain pipeline. A fallback-only step executes
// only when a prior step ended in failed-quality.
type CascadeStep struct {
	Name         string           `json:"name" yaml:"name"`
	Model        string           `json:"model" yaml:"model"`
	Provider     string           `json:"provider" yaml:"provider"`
	Validation   ValidationMethod `json:"validation" yaml:"validation"`
	Threshold    float64          `json:"threshold" yaml:"threshold"`
	FallbackOnly bool             `json:"fallback_only" yaml:"fallback_only"`
}

// DomainStrategy is an ordered multi-step cascade pipeline bound to a domain.
// At most one strategy per domain is active.
type DomainStrategy struct {
	Domain Domain        `json:"domain" yaml:"domain"`
	Steps  []CascadeStep `json:"steps" yaml:"steps"`

	// RequireVerifier forces direct-best for this domain regardless of
	// complexity.
	RequireVerifier bool `json:"require_verifier" yaml:"require_verifier"`

	// CascadeComplexities restricts cascading to the listed levels. Empty
	// means all levels cascade.
	CascadeComplexities []ComplexityLevel `json:"cascade_complexities" yaml:"cascade_complexities"`

	// Threshold overrides the per-complexity default acceptance threshold
	// when > 0.
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// TierPolicy constrains model choice and spend for a caller tier. An
// allow-list of ["*"] admits every model not denied.
type TierPolicy struct {
	Name            string   `json:"name" yaml:"name"`
	AllowedModels   []string `json:"allowed_models" yaml:"allowed_models"`
	DeniedModels    []string `json:"denied_models" yaml:"denied_models"`
	MaxCostPerQuery float64  `json:"max_cost_per_query" yaml:"max_cost_per_query"`
	MinQuality      float64  `json:"min_quality" yaml:"min_quality"`
	MaxLatencyMs    int64    `json:"max_latency_ms" yaml:"max_latency_ms"`
}

// Engine defaults.
const (
	DefaultCallTimeout       = 30 * time.Second
	DefaultQueryTimeout      = 120 * time.Second
	DefaultMaxConcurrent     = 64
	DefaultMaxPerProvider    = 16
	DefaultMaxToolIterations = 3
)

// defaultThresholds are the per-complexity cascade acceptance thresholds.
func defaultThresholds() map[ComplexityLevel]float64 {
	return map[ComplexityLevel]float64{
		ComplexityTrivial:  0.25,
		ComplexitySimple:   0.40,
		ComplexityModerate: 0.55,
		ComplexityHard:     0.70,
		ComplexityExpert:   0.80,
	}
}

// EngineConfig is the closed, validated configuration record for an Engine.
// It is validated once at construction; the hot path sees only the immutable
// result.
type EngineConfig struct {
	Models           []ModelConfig    `json:"models" yaml:"models"`
	Tiers            []TierPolicy     `json:"tiers" yaml:"tiers"`
	DomainStrategies []DomainStrategy `json:"domain_strategies" yaml:"domain_strategies"`

	CascadeEnabled    *bool `json:"cascade_enabled" yaml:"cascade_enabled"`
	ValidateToolCalls bool  `json:"validate_tool_calls" yaml:"validate_tool_calls"`

	// VerifierHandoffTools lists tools whose execution hands the final
	// invocation to the verifier.
	VerifierHandoffTools []string `json:"verifier_handoff_tools" yaml:"verifier_handoff_tools"`

	MaxConcurrent     int      `json:"max_concurrent" yaml:"max_concurrent"`
	MaxPerProvider    int      `json:"max_per_provider" yaml:"max_per_provider"`
	MaxToolIterations int      `json:"max_tool_iterations" yaml:"max_tool_iterations"`
	CallTimeout       Duration `json:"call_timeout" yaml:"call_timeout"`
	QueryTimeout      Duration `json:"query_timeout" yaml:"query_timeout"`

	// Thresholds overrides the per-complexity acceptance thresholds, keyed
	// by level name.
	Thresholds map[string]float64 `json:"thresholds" yaml:"thresholds"`
}

// ParseConfig unmarshals a host-provided YAML blob into a validated
// EngineConfig. The core never reads files or environment variables.
func ParseConfig(data []byte) (*EngineConfig, error) {
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, wrapError(ErrKindConfiguration, "", err, "parse config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *EngineConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxPerProvider <= 0 {
		c.MaxPerProvider = DefaultMaxPerProvider
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = Duration(DefaultCallTimeout)
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = Duration(DefaultQueryTimeout)
	}
}

// CascadeOn reports whether cascading is enabled (default true).
func (c *EngineConfig) CascadeOn() bool {
	return c.CascadeEnabled == nil || *c.CascadeEnabled
}

// thresholdFor resolves the acceptance threshold for a complexity level,
// honoring config overrides.
func (c *EngineConfig) thresholdFor(level ComplexityLevel) float64 {
	if c != nil && c.Thresholds != nil {
		if t, ok := c.Thresholds[level.String()]; ok {
			return t
		}
	}
	return defaultThresholds()[level]
}

// Validate checks the configuration once, at construction time.
func (c *EngineConfig) Validate() error {
	if len(c.Models) == 0 {
		return routerError(ErrKindConfiguration, "", "no models configured")
	}
	seenModels := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Provider == "" || m.Model == "" {
			return routerError(ErrKindConfiguration, "", "model entry missing provider or model id")
		}
		if m.InputCost < 0 || m.OutputCost < 0 {
			return routerError(ErrKindConfiguration, "", "model %s has negative cost", m.Model)
		}
		if seenModels[m.Model] {
			return routerError(ErrKindConfiguration, "", "duplicate model: %s", m.Model)
		}
		seenModels[m.Model] = true
	}

	seenTiers := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		if t.Name == "" {
			return routerError(ErrKindConfiguration, "", "tier with empty name")
		}
		if seenTiers[t.Name] {
			return routerError(ErrKindConfiguration, "", "duplicate tier: %s", t.Name)
		}
		seenTiers[t.Name] = true
		if t.MinQuality < 0 || t.MinQuality > 1 {
			return routerError(ErrKindConfiguration, "", "tier %s: min_quality outside [0,1]", t.Name)
		}
	}

	seenDomains := make(map[Domain]bool, len(c.DomainStrategies))
	for _, ds := range c.DomainStrategies {
		if _, ok := ParseDomain(string(ds.Domain)); !ok {
			return routerError(ErrKindConfiguration, "", "unknown domain: %s", ds.Domain)
		}
		if seenDomains[ds.Domain] {
			return routerError(ErrKindConfiguration, "", "duplicate domain strategy: %s", ds.Domain)
		}
		seenDomains[ds.Domain] = true
		if len(ds.Steps) == 0 {
			return routerError(ErrKindConfiguration, "", "domain %s: strategy has no steps", ds.Domain)
		}
		for i, step := range ds.Steps {
			if step.Model == "" {
				return routerError(ErrKindConfiguration, "", "domain %s step %d: missing model", ds.Domain, i)
			}
			if !seenModels[step.Model] {
				return routerError(ErrKindConfiguration, "", "domain %s step %d: unknown model %s", ds.Domain, i, step.Model)
			}
			if step.Threshold < 0 || step.Threshold > 1 {
				return routerError(ErrKindConfiguration, "", "domain %s step %d: threshold outside [0,1]", ds.Domain, i)
			}
			if i == 0 && step.FallbackOnly {
				return routerError(ErrKindConfiguration, "", "domain %s: first step cannot be fallback-only", ds.Domain)
			}
		}
		if ds.Threshold < 0 || ds.Threshold > 1 {
			return routerError(ErrKindConfiguration, "", "domain %s: threshold outside [0,1]", ds.Domain)
		}
	}

	for name, t := range c.Thresholds {
		if _, ok := ParseComplexity(name); !ok {
			return routerError(ErrKindConfiguration, "", "threshold for unknown complexity: %s", name)
		}
		if t < 0 || t > 1 {
			return routerError(ErrKindConfiguration, "", "threshold %s outside [0,1]", name)
		}
	}
	return nil
}

// strategyMap indexes domain strategies for the PreRouter.
func (c *EngineConfig) strategyMap() map[Domain]DomainStrategy {
	if len(c.DomainStrategies) == 0 {
		return nil
	}
	m := make(map[Domain]DomainStrategy, len(c.DomainStrategies))
	for _, ds := range c.DomainStrategies {
		m[ds.Domain] = ds
	}
	return m
}

// tierMap indexes tier policies by name.
func (c *EngineConfig) tierMap() map[string]TierPolicy {
	if len(c.Tiers) == 0 {
		return nil
	}
	m := make(map[string]TierPolicy, len(c.Tiers))
	for _, t := range c.Tiers {
		m[t.Name] = t
	}
	return m
}

// UnmarshalYAML lets complexity levels appear as names ("hard") in config.
func (c *ComplexityLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	level, ok := ParseComplexity(s)
	if !ok {
		return fmt.Errorf("unknown complexity level: %q", s)
	}
	*c = level
	return nil
}

// MarshalYAML renders complexity levels as names.
func (c ComplexityLevel) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}
