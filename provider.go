package cascade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ChatMessage represents a message in a conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // For assistant messages with tool calls
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool result messages
}

// Tool represents a function the model may call. Parameters is a
// JSON-Schema-shaped object with "type": "object" and "properties".
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Required    []string               `json:"required,omitempty"`
}

// ToolCall is a model-generated request to invoke a tool. The argument field
// is canonically named "arguments"; tool schemas use "parameters".
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Usage holds token accounting for a single model call. ReasoningTokens is
// already included in CompletionTokens for reasoning-capable models.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// GenerateRequest is the uniform request shape handed to provider adapters.
// Adapters translate it to each vendor's wire format.
type GenerateRequest struct {
	Messages  []ChatMessage `json:"messages"`
	Model     string        `json:"model,omitempty"`
	System    string        `json:"system,omitempty"`
	Tools     []Tool        `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// GenerateResponse is the uniform response shape returned by adapters.
type GenerateResponse struct {
	Content      string      `json:"content"`
	Model        string      `json:"model"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	Usage        Usage       `json:"usage"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Raw          interface{} `json:"-"`
}

// Provider is the contract every concrete LLM adapter implements. Adapters
// are registered explicitly; the engine never duck-types them.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// StreamChunk is one unit of a streamed response.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// StreamCallback receives chunks during streaming generation.
type StreamCallback func(chunk StreamChunk)

// StreamingProvider is the optional streaming capability. The executor
// collapses streams to a final response for cascade decisions and forwards
// chunks only on direct strategies.
type StreamingProvider interface {
	Provider
	GenerateStream(ctx context.Context, req *GenerateRequest, onChunk StreamCallback) (*GenerateResponse, error)
}

// ModelConfig is a logical model handle, stable for the process lifetime.
// Costs are normalized to USD per token at this boundary; constructors accept
// per-million rates and convert exactly once.
type ModelConfig struct {
	Provider      string   `json:"provider" yaml:"provider"`
	Model         string   `json:"model" yaml:"model"`
	InputCost     float64  `json:"input_cost_per_token" yaml:"input_cost_per_token"`
	OutputCost    float64  `json:"output_cost_per_token" yaml:"output_cost_per_token"`
	ContextWindow int      `json:"context_window" yaml:"context_window"`
	CallTimeout   Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`

	SupportsTools          bool `json:"supports_tools" yaml:"supports_tools"`
	SupportsStreaming      bool `json:"supports_streaming" yaml:"supports_streaming"`
	SupportsSystemMessages bool `json:"supports_system_messages" yaml:"supports_system_messages"`
	IsReasoning            bool `json:"is_reasoning" yaml:"is_reasoning"`
}

// NewModelConfig builds a ModelConfig from per-million-token rates, the unit
// most provider price sheets quote.
func NewModelConfig(provider, model string, inputPerMTok, outputPerMTok float64, contextWindow int) ModelConfig {
	return ModelConfig{
		Provider:               provider,
		Model:                  model,
		InputCost:              inputPerMTok / 1_000_000.0,
		OutputCost:             outputPerMTok / 1_000_000.0,
		ContextWindow:          contextWindow,
		SupportsSystemMessages: true,
	}
}

// CostFor returns the USD cost of a call with the given usage.
func (m ModelConfig) CostFor(u Usage) float64 {
	return float64(u.PromptTokens)*m.InputCost + float64(u.CompletionTokens)*m.OutputCost
}

// BlendedCost returns the average of input and output per-token cost, used
// for cheapest/best ordering and cost projections.
func (m ModelConfig) BlendedCost() float64 {
	return (m.InputCost + m.OutputCost) / 2.0
}

// breakerTripThreshold is the consecutive-failure count that opens a
// provider's circuit breaker.
const breakerTripThreshold = 5

// ProviderRegistry holds the registered provider adapters and a circuit
// breaker per provider. Registration is write-rare; lookups on the hot path
// take a read lock only.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]Provider),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register adds a provider adapter. Duplicate names and nil providers are
// rejected at registration, not discovered at call time.
func (r *ProviderRegistry) Register(p Provider) error {
	if p == nil {
		return routerError(ErrKindConfiguration, "", "nil provider")
	}
	name := p.Name()
	if name == "" {
		return routerError(ErrKindConfiguration, "", "provider has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return routerError(ErrKindConfiguration, "", "provider already registered: %s", name)
	}
	r.providers[name] = p
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
	})
	return nil
}

// Get returns the provider with the given name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAvailable reports whether the provider is registered and its circuit
// breaker is not open.
func (r *ProviderRegistry) IsAvailable(name string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return cb.State() != gobreaker.StateOpen
}

// Generate invokes the named provider through its circuit breaker.
func (r *ProviderRegistry) Generate(ctx context.Context, name string, req *GenerateRequest) (*GenerateResponse, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	cb := r.breakers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, routerError(ErrKindConfiguration, "", "provider not registered: %s", name)
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return p.Generate(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, wrapError(ErrKindProviderTransient, "", err, "provider %s unavailable (breaker open)", name)
		}
		return nil, err
	}
	resp, ok := out.(*GenerateResponse)
	if !ok || resp == nil {
		return nil, routerError(ErrKindInternal, "", "provider %s returned no response", name)
	}
	return resp, nil
}

// validateTools rejects duplicate tool names and malformed schemas up front.
func validateTools(tools []Tool) error {
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return routerError(ErrKindConfiguration, "", "tool with empty name")
		}
		if seen[t.Name] {
			return routerError(ErrKindConfiguration, "", "duplicate tool: %s", t.Name)
		}
		seen[t.Name] = true
		if t.Parameters != nil {
			if typ, _ := t.Parameters["type"].(string); typ != "" && typ != "object" {
				return routerError(ErrKindConfiguration, "", "tool %s: parameter schema must have type object, got %q", t.Name, typ)
			}
		}
	}
	return nil
}
