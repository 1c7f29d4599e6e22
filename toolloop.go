package cascade

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// runToolLoop drives the tool-calling iteration for one step. The host
// executes tools via opts.ExecTool; the loop validates arguments, appends
// tool results, and re-invokes the model until it settles or the iteration
// cap is reached. The returned cost and usage cover every response the loop
// consumed, the final returned one included, each at its producing model's
// rates.
func (e *Engine) runToolLoop(ctx context.Context, plan execPlan, model ModelConfig, req *GenerateRequest, initial *GenerateResponse) (*GenerateResponse, float64, Usage, error) {
	var cost float64
	var usage Usage

	current := initial
	currentModel := model
	verifier := bestModel(plan.candidates)
	seenIDs := make(map[string]bool)
	regenerated := false
	finalCall := false

	for iter := 0; iter < e.cfg.MaxToolIterations; iter++ {
		if len(current.ToolCalls) == 0 || finalCall {
			break
		}

		valid, invalidReason := e.checkToolCalls(plan.opts.Tools, current.ToolCalls, seenIDs)
		if invalidReason != "" {
			if !e.cfg.ValidateToolCalls {
				log.Printf("[ToolLoop] Dropping invalid tool calls: %s", invalidReason)
				if len(valid) == 0 {
					break
				}
			} else {
				if regenerated {
					return nil, cost, usage, routerError(ErrKindValidation, plan.queryID,
						"tool calls still invalid after verifier regeneration: %s", invalidReason)
				}
				// One regeneration on the verifier, then surface.
				regenerated = true
				log.Printf("[ToolLoop] Invalid tool calls (%s), regenerating on %s", invalidReason, verifier.Model)
				cost += currentModel.CostFor(current.Usage)
				addUsage(&usage, current.Usage)
				regen, err := e.invokeWithRetry(ctx, plan, verifier, req, false)
				if err != nil {
					return nil, cost, usage, err
				}
				current = regen
				currentModel = verifier
				continue
			}
		}

		if plan.opts.ExecTool == nil {
			// No host executor: surface the tool calls to the caller.
			break
		}

		toolMsgs, err := e.executeTools(ctx, plan, valid)
		if err != nil {
			return nil, cost, usage, err
		}

		// The current response is consumed: account it and extend the
		// conversation with the assistant turn and the tool results.
		cost += currentModel.CostFor(current.Usage)
		addUsage(&usage, current.Usage)
		e.tracker.record(currentModel.Model, current.Usage, currentModel.CostFor(current.Usage), 0, false)

		req.Messages = append(req.Messages, ChatMessage{
			Role:      "assistant",
			Content:   current.Content,
			ToolCalls: valid,
		})
		req.Messages = append(req.Messages, toolMsgs...)

		if e.handoffToVerifier(valid) && currentModel.Model != verifier.Model {
			log.Printf("[ToolLoop] Handing off to verifier %s", verifier.Model)
			currentModel = verifier
			finalCall = true
		}

		next, err := e.invokeWithRetry(ctx, plan, currentModel, req, false)
		if err != nil {
			return nil, cost, usage, err
		}
		current = next
	}

	finalCost := currentModel.CostFor(current.Usage)
	cost += finalCost
	addUsage(&usage, current.Usage)
	e.tracker.record(currentModel.Model, current.Usage, finalCost, 0, false)
	return current, cost, usage, nil
}

// checkToolCalls validates each call's name, ID uniqueness, and JSON
// arguments against the tool's parameter schema. It returns the valid calls
// and a description of the first problem found.
func (e *Engine) checkToolCalls(tools []Tool, calls []ToolCall, seenIDs map[string]bool) ([]ToolCall, string) {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	valid := make([]ToolCall, 0, len(calls))
	reason := ""
	for _, call := range calls {
		tool, ok := byName[call.Name]
		if !ok {
			if reason == "" {
				reason = fmt.Sprintf("unknown tool %q", call.Name)
			}
			continue
		}
		if call.ID == "" || seenIDs[call.ID] {
			if reason == "" {
				reason = fmt.Sprintf("duplicate or missing tool call id %q", call.ID)
			}
			continue
		}
		if err := validateToolArgs(tool, call.Arguments); err != nil {
			if reason == "" {
				reason = fmt.Sprintf("tool %s: %v", call.Name, err)
			}
			continue
		}
		seenIDs[call.ID] = true
		valid = append(valid, call)
	}
	return valid, reason
}

// validateToolArgs checks a call's arguments against the tool's JSON-Schema
// parameter schema.
func validateToolArgs(tool Tool, args map[string]interface{}) error {
	if tool.Parameters == nil {
		for _, name := range tool.Required {
			if _, ok := args[name]; !ok {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
		return nil
	}

	schemaDoc := make(map[string]interface{}, len(tool.Parameters)+1)
	for k, v := range tool.Parameters {
		schemaDoc[k] = v
	}
	if _, ok := schemaDoc["required"]; !ok && len(tool.Required) > 0 {
		required := make([]interface{}, len(tool.Required))
		for i, r := range tool.Required {
			required[i] = r
		}
		schemaDoc["required"] = required
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", normalizeJSON(schemaDoc)); err != nil {
		return fmt.Errorf("invalid parameter schema: %w", err)
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return fmt.Errorf("invalid parameter schema: %w", err)
	}

	var doc interface{} = map[string]interface{}{}
	if args != nil {
		doc = normalizeJSON(args)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

// normalizeJSON coerces Go values into the shapes the schema validator
// expects from decoded JSON (ints become float64, typed maps become
// map[string]interface{}).
func normalizeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeJSON(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// executeTools hands valid calls to the host and normalizes the results into
// tool messages. Host execution errors become tool-result messages so the
// model can decide how to recover.
func (e *Engine) executeTools(ctx context.Context, plan execPlan, calls []ToolCall) ([]ChatMessage, error) {
	start := time.Now()
	msgs, err := plan.opts.ExecTool(ctx, calls)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapError(ctxErrorKind(ctx), plan.queryID, ctx.Err(), "tool execution aborted")
		}
		log.Printf("[ToolLoop] Host tool execution failed after %v: %v", time.Since(start), err)
		msgs = make([]ChatMessage, 0, len(calls))
		for _, call := range calls {
			msgs = append(msgs, ChatMessage{
				Role:       "tool",
				Content:    fmt.Sprintf("tool execution failed: %v", err),
				ToolCallID: call.ID,
			})
		}
		return msgs, nil
	}

	// Each tool_call_id appears in at most one result message.
	seen := make(map[string]bool, len(msgs))
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "tool" || m.ToolCallID == "" || seen[m.ToolCallID] {
			continue
		}
		seen[m.ToolCallID] = true
		out = append(out, m)
	}
	return out, nil
}

// handoffToVerifier reports whether any executed tool is configured to hand
// the final invocation to the verifier.
func (e *Engine) handoffToVerifier(calls []ToolCall) bool {
	if len(e.cfg.VerifierHandoffTools) == 0 {
		return false
	}
	handoff := make(map[string]bool, len(e.cfg.VerifierHandoffTools))
	for _, name := range e.cfg.VerifierHandoffTools {
		handoff[name] = true
	}
	for _, call := range calls {
		if handoff[call.Name] {
			return true
		}
	}
	return false
}
