package cascade

import (
	"context"
	"time"
)

// StepStatus is the lifecycle state of one execution step.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepRunning       StepStatus = "running"
	StepSuccess       StepStatus = "success"
	StepFailedQuality StepStatus = "failed-quality"
	StepFailedError   StepStatus = "failed-error"
	StepSkipped       StepStatus = "skipped"
)

// StepResult records one model invocation within a query.
type StepResult struct {
	StepName     string            `json:"step_name"`
	Model        string            `json:"model_used"`
	Provider     string            `json:"provider"`
	Status       StepStatus        `json:"status"`
	Response     string            `json:"response,omitempty"`
	QualityScore float64           `json:"quality_score"`
	Validation   *ValidationResult `json:"validation,omitempty"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	Cost         float64           `json:"cost"`
	LatencyMs    int64             `json:"latency_ms"`
	Usage        Usage             `json:"usage"`
	Error        string            `json:"error,omitempty"`
}

// ExecutionResult is the aggregate outcome delivered to the caller.
type ExecutionResult struct {
	QueryID  string `json:"query_id"`
	Response string `json:"response"`

	ModelUsed  string            `json:"model_used"`
	Domain     Domain            `json:"domain"`
	Complexity ComplexityLevel   `json:"complexity"`
	Confidence float64           `json:"confidence"`
	Strategy   RoutingStrategy   `json:"strategy"`
	Reason     string            `json:"routing_reason"`
	Routing    map[string]string `json:"routing_metadata,omitempty"`

	TotalCost      float64 `json:"total_cost"`
	TotalTokens    int     `json:"total_tokens"`
	TotalLatencyMs int64   `json:"total_latency_ms"`
	SavedUSD       float64 `json:"saved_usd"`

	Cascaded      bool `json:"cascaded"`
	DraftAccepted bool `json:"draft_accepted"`
	FallbackUsed  bool `json:"fallback_used"`

	Trace    []StepResult `json:"trace"`
	Warnings []string     `json:"warnings,omitempty"`

	// Summary is a one-line description for UIs.
	Summary string `json:"summary,omitempty"`
}

// ToolExecutor is the host-side callback that executes tool calls and
// returns tool-result messages ({role: tool, content, tool_call_id}). The
// core never executes tools itself.
type ToolExecutor func(ctx context.Context, calls []ToolCall) ([]ChatMessage, error)

// QueryOptions are the per-query knobs accepted by Engine.Run.
type QueryOptions struct {
	Tools    []Tool
	ExecTool ToolExecutor

	// Messages supplies prior conversation turns; the query text is appended
	// as the final user message.
	Messages []ChatMessage
	System   string

	UserID   string
	UserTier string

	ComplexityHint string
	DomainHint     string
	ForceDirect    bool
	Rules          []RoutingRule

	// MaxCost caps the projected spend for this query in USD. Zero means no
	// cap.
	MaxCost float64

	// Timeout overrides the engine's per-query wall-clock timeout.
	Timeout time.Duration

	// Stream forwards provider chunks when the chosen strategy is direct and
	// the model supports streaming.
	Stream *SSEWriter

	Metadata map[string]string
}

// addStep appends a step and folds its cost, tokens, and latency into the
// aggregates. total_cost stays the sum of step costs by construction.
func (r *ExecutionResult) addStep(step StepResult) {
	r.Trace = append(r.Trace, step)
	r.TotalCost += step.Cost
	r.TotalTokens += step.Usage.TotalTokens
	r.TotalLatencyMs += step.LatencyMs
}
