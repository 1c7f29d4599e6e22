package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchTool() Tool {
	return Tool{
		Name:        "search",
		Description: "search the knowledge base",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
		},
		Required: []string{"query"},
	}
}

func searchCall(id string, args map[string]interface{}) ToolCall {
	return ToolCall{ID: id, Name: "search", Arguments: args}
}

func TestToolLoopExecutesAndSettles(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	mock.QueueFor("cheap", MockResponse{
		ToolCalls: []ToolCall{searchCall("tc1", map[string]interface{}{"query": "go"})},
		Usage:     defaultMockUsage(),
	})
	mock.QueueFor("cheap", MockResponse{Content: "The answer is 42.", Usage: defaultMockUsage()})

	var executed atomic.Int32
	result, err := e.Run(context.Background(), "What is 2+2?", QueryOptions{
		Tools: []Tool{searchTool()},
		ExecTool: func(ctx context.Context, calls []ToolCall) ([]ChatMessage, error) {
			executed.Add(1)
			require.Len(t, calls, 1)
			assert.Equal(t, "search", calls[0].Name)
			return []ChatMessage{{Role: "tool", Content: "found it", ToolCallID: calls[0].ID}}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "The answer is 42.", result.Response)
	assert.Equal(t, int32(1), executed.Load())
	assert.Equal(t, 2, mock.CallCount())

	// Both consumed responses are billed at the drafter's rates.
	require.Len(t, result.Trace, 1)
	assert.InDelta(t, 2*15*0.05/1e6, result.Trace[0].Cost, 1e-12)
	assertCostIsTraceSum(t, result)

	// The second call carries the assistant turn and the tool result.
	second := mock.Calls()[1]
	var sawToolMsg bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "tc1" {
			sawToolMsg = true
		}
	}
	assert.True(t, sawToolMsg)
}

func TestToolLoopSurfacesCallsWithoutExecutor(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	mock.QueueFor("premium", MockResponse{
		ToolCalls: []ToolCall{searchCall("tc1", map[string]interface{}{"query": "go"})},
		Usage:     defaultMockUsage(),
	})

	result, err := e.Run(context.Background(), "What is 2+2?", QueryOptions{
		Tools:       []Tool{searchTool()},
		ForceDirect: true,
	})
	require.NoError(t, err)

	// No host executor: the calls come back to the caller untouched.
	require.Len(t, result.Trace, 1)
	require.Len(t, result.Trace[0].ToolCalls, 1)
	assert.Equal(t, "search", result.Trace[0].ToolCalls[0].Name)
	assert.Equal(t, 1, mock.CallCount())
}

func TestToolLoopRegeneratesInvalidArgsOnVerifier(t *testing.T) {
	e, mock := newTestEngine(t, func(cfg *EngineConfig) {
		cfg.ValidateToolCalls = true
	})
	// Drafter emits arguments that miss the required "query" field.
	mock.QueueFor("cheap", MockResponse{
		ToolCalls: []ToolCall{searchCall("tc1", map[string]interface{}{"q": 1})},
		Usage:     defaultMockUsage(),
	})
	mock.QueueFor("premium", MockResponse{Content: "A direct answer instead of tools.", Usage: defaultMockUsage()})

	result, err := e.Run(context.Background(), "What is 2+2?", QueryOptions{
		Tools: []Tool{searchTool()},
		ExecTool: func(ctx context.Context, calls []ToolCall) ([]ChatMessage, error) {
			t.Fatal("invalid calls must never reach the host")
			return nil, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "A direct answer instead of tools.", result.Response)
	assert.Equal(t, 2, mock.CallCount())
	assert.Equal(t, "premium", mock.LastCall().Model)
}

func TestToolLoopFailsAfterSecondInvalidGeneration(t *testing.T) {
	e, mock := newTestEngine(t, func(cfg *EngineConfig) {
		cfg.ValidateToolCalls = true
	})
	// Direct-best runs on premium; both generations produce bad arguments.
	mock.QueueFor("premium", MockResponse{
		ToolCalls: []ToolCall{searchCall("tc1", map[string]interface{}{"q": 1})},
		Usage:     defaultMockUsage(),
	})
	mock.QueueFor("premium", MockResponse{
		ToolCalls: []ToolCall{searchCall("tc2", map[string]interface{}{"query": 7})},
		Usage:     defaultMockUsage(),
	})

	result, err := e.Run(context.Background(), "What is 2+2?", QueryOptions{
		Tools:       []Tool{searchTool()},
		ForceDirect: true,
		ExecTool: func(ctx context.Context, calls []ToolCall) ([]ChatMessage, error) {
			t.Fatal("invalid calls must never reach the host")
			return nil, nil
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrKindValidation, ErrorKindOf(err))
	assert.Equal(t, 2, mock.CallCount())

	// The first generation was consumed, so cost was incurred.
	require.NotNil(t, result)
	assert.Greater(t, result.TotalCost, 0.0)
	var re *RouterError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.CostIncurred)
}

func TestToolLoopIterationCap(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	for i := 1; i <= 4; i++ {
		mock.QueueFor("premium", MockResponse{
			ToolCalls: []ToolCall{searchCall(fmt.Sprintf("tc%d", i), map[string]interface{}{"query": "again"})},
			Usage:     defaultMockUsage(),
		})
	}

	var executed atomic.Int32
	result, err := e.Run(context.Background(), "What is 2+2?", QueryOptions{
		Tools:       []Tool{searchTool()},
		ForceDirect: true,
		ExecTool: func(ctx context.Context, calls []ToolCall) ([]ChatMessage, error) {
			executed.Add(1)
			return []ChatMessage{{Role: "tool", Content: "again", ToolCallID: calls[0].ID}}, nil
		},
	})
	require.NoError(t, err)

	// Default cap of 3 iterations: one initial call plus three loop calls.
	assert.Equal(t, 4, mock.CallCount())
	assert.Equal(t, int32(3), executed.Load())
	// The model never settled; its last tool calls are surfaced.
	require.Len(t, result.Trace, 1)
	assert.Len(t, result.Trace[0].ToolCalls, 1)
	// All four consumed responses are billed.
	assert.InDelta(t, 4*(10*10.0+5*30.0)/1e6, result.TotalCost, 1e-12)
}

func TestToolLoopVerifierHandoff(t *testing.T) {
	e, mock := newTestEngine(t, func(cfg *EngineConfig) {
		cfg.VerifierHandoffTools = []string{"escalate"}
	})
	mock.QueueFor("cheap", MockResponse{
		ToolCalls: []ToolCall{{ID: "tc1", Name: "escalate"}},
		Usage:     defaultMockUsage(),
	})
	mock.QueueFor("premium", MockResponse{Content: "Final answer from the verifier.", Usage: defaultMockUsage()})

	result, err := e.Run(context.Background(), "What is 2+2?", QueryOptions{
		Tools: []Tool{searchTool(), {Name: "escalate", Description: "hand off to a stronger model"}},
		ExecTool: func(ctx context.Context, calls []ToolCall) ([]ChatMessage, error) {
			return []ChatMessage{{Role: "tool", Content: "ok", ToolCallID: calls[0].ID}}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Final answer from the verifier.", result.Response)
	assert.Equal(t, 2, mock.CallCount())
	assert.Equal(t, "premium", mock.LastCall().Model)
	// One response at the drafter's rates, the final one at the verifier's.
	expected := 15*0.05/1e6 + (10*10.0+5*30.0)/1e6
	assert.InDelta(t, expected, result.TotalCost, 1e-12)
}

func TestToolLoopHostErrorBecomesToolMessage(t *testing.T) {
	e, mock := newTestEngine(t, nil)
	mock.QueueFor("cheap", MockResponse{
		ToolCalls: []ToolCall{searchCall("tc1", map[string]interface{}{"query": "go"})},
		Usage:     defaultMockUsage(),
	})
	mock.QueueFor("cheap", MockResponse{Content: "Recovered without the tool.", Usage: defaultMockUsage()})

	result, err := e.Run(context.Background(), "What is 2+2?", QueryOptions{
		Tools: []Tool{searchTool()},
		ExecTool: func(ctx context.Context, calls []ToolCall) ([]ChatMessage, error) {
			return nil, errors.New("backend down")
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Recovered without the tool.", result.Response)

	// The failure is reported to the model as a tool result.
	second := mock.Calls()[1]
	var sawFailure bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "tc1" {
			assert.Contains(t, m.Content, "backend down")
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestValidateToolArgs(t *testing.T) {
	tool := searchTool()

	require.NoError(t, validateToolArgs(tool, map[string]interface{}{"query": "go"}))

	// Wrong type.
	err := validateToolArgs(tool, map[string]interface{}{"query": 7})
	require.Error(t, err)

	// Missing required field, injected from the tool's Required list.
	err = validateToolArgs(tool, map[string]interface{}{})
	require.Error(t, err)

	// Without a schema only the Required list is enforced.
	bare := Tool{Name: "ping", Required: []string{"host"}}
	require.NoError(t, validateToolArgs(bare, map[string]interface{}{"host": "example.com"}))
	require.Error(t, validateToolArgs(bare, map[string]interface{}{}))
	require.NoError(t, validateToolArgs(Tool{Name: "noop"}, nil))
}

func TestCheckToolCallsRejectsDuplicatesAndUnknowns(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	tools := []Tool{searchTool()}

	seen := make(map[string]bool)
	valid, reason := e.checkToolCalls(tools, []ToolCall{
		searchCall("a", map[string]interface{}{"query": "one"}),
		searchCall("a", map[string]interface{}{"query": "two"}),
		{ID: "b", Name: "ghost"},
	}, seen)

	require.Len(t, valid, 1)
	assert.Equal(t, "a", valid[0].ID)
	assert.NotEmpty(t, reason)

	// IDs stay claimed across iterations.
	valid, _ = e.checkToolCalls(tools, []ToolCall{
		searchCall("a", map[string]interface{}{"query": "three"}),
	}, seen)
	assert.Empty(t, valid)
}
