package cascade

import (
	"context"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// execPlan carries everything the executor needs for one query.
type execPlan struct {
	queryID     string
	text        string
	opts        QueryOptions
	complexity  ComplexityResult
	domain      DomainResult
	decision    RoutingDecision
	candidates  []ModelConfig
	maxCost     float64
	constraints TierConstraints
}

// threshold resolves the acceptance threshold for this query: domain
// strategy override first, then the per-complexity default. A tier quality
// floor can only raise the result.
func (e *Engine) threshold(plan execPlan) float64 {
	t := e.cfg.thresholdFor(plan.complexity.Level)
	if ds, ok := e.cfg.strategyMap()[plan.domain.Domain]; ok && ds.Threshold > 0 {
		t = ds.Threshold
	}
	if plan.constraints.MinQuality > t {
		t = plan.constraints.MinQuality
	}
	return t
}

// execute dispatches the routed strategy. A non-nil result accompanies
// errors whenever cost was already incurred.
func (e *Engine) execute(ctx context.Context, plan execPlan) (*ExecutionResult, error) {
	result := &ExecutionResult{
		QueryID:    plan.queryID,
		Domain:     plan.domain.Domain,
		Complexity: plan.complexity.Level,
		Confidence: plan.decision.Confidence,
		Strategy:   plan.decision.Strategy,
		Reason:     plan.decision.Reason,
		Routing:    plan.decision.Metadata,
	}

	switch plan.decision.Strategy {
	case StrategyDirectCheap:
		return result, e.runDirect(ctx, plan, result, cheapestModel(plan.candidates))

	case StrategyDirectBest:
		model, warn := e.affordableBest(plan)
		if warn != "" {
			result.Warnings = append(result.Warnings, warn)
		}
		return result, e.runDirect(ctx, plan, result, model)

	case StrategyParallel:
		return result, e.runParallel(ctx, plan, result)

	case StrategyCascade:
		if ds, ok := e.cfg.strategyMap()[plan.domain.Domain]; ok && len(ds.Steps) > 1 {
			return result, e.runPipeline(ctx, plan, result, ds)
		}
		return result, e.runCascade(ctx, plan, result)

	default:
		return result, routerError(ErrKindInternal, plan.queryID, "unknown strategy %q", plan.decision.Strategy)
	}
}

// affordableBest picks the best model whose projected cost fits under the
// query's cost cap. With no affordable model it degrades to the cheapest and
// reports a warning.
func (e *Engine) affordableBest(plan execPlan) (ModelConfig, string) {
	if plan.maxCost <= 0 {
		return bestModel(plan.candidates), ""
	}
	affordable := make([]ModelConfig, 0, len(plan.candidates))
	for _, m := range plan.candidates {
		if estimateQueryCost(plan.text, m) <= plan.maxCost {
			affordable = append(affordable, m)
		}
	}
	if len(affordable) == 0 {
		cheapest := cheapestModel(plan.candidates)
		return cheapest, "no model fits the cost cap; using cheapest " + cheapest.Model
	}
	return bestModel(affordable), ""
}

// runDirect executes a single-model strategy: one call, its response is the
// final response.
func (e *Engine) runDirect(ctx context.Context, plan execPlan, result *ExecutionResult, model ModelConfig) error {
	step, resp, err := e.callStep(ctx, plan, "direct", model, true)
	result.addStep(step)
	if err != nil {
		return err
	}
	result.Response = resp.Content
	result.ModelUsed = model.Model
	return nil
}

// runCascade executes the default single-step cascade: drafter, validate,
// accept or escalate to verifier.
func (e *Engine) runCascade(ctx context.Context, plan execPlan, result *ExecutionResult) error {
	drafter := cheapestModel(plan.candidates)
	verifier := bestModel(plan.candidates)
	result.Cascaded = true

	// A single-model set collapses drafter and verifier: one call, accepted
	// regardless of quality.
	if drafter.Model == verifier.Model {
		step, resp, err := e.callStep(ctx, plan, "draft", drafter, false)
		result.addStep(step)
		if err != nil {
			return err
		}
		result.Response = resp.Content
		result.ModelUsed = drafter.Model
		result.DraftAccepted = true
		return nil
	}

	threshold := e.threshold(plan)
	method := ValidateQuality
	if ds, ok := e.cfg.strategyMap()[plan.domain.Domain]; ok && len(ds.Steps) == 1 && ds.Steps[0].Validation != "" {
		method = ds.Steps[0].Validation
	}

	draftStep, draftResp, draftErr := e.callStep(ctx, plan, "draft", drafter, false)
	if draftErr == nil {
		validation := e.validator.Validate(method, plan.text, draftResp.Content)
		draftStep.QualityScore = validation.Score
		draftStep.Validation = &validation

		if validation.Score >= threshold {
			draftStep.Status = StepSuccess
			result.addStep(draftStep)
			result.Response = draftResp.Content
			result.ModelUsed = drafter.Model
			result.DraftAccepted = true
			result.SavedUSD = savings(draftResp.Usage, drafter, verifier)
			e.tracker.recordSavings(result.SavedUSD)
			e.bus.emit(EventCascadeDecision, plan.queryID, map[string]interface{}{
				"decision":  "accept",
				"model":     drafter.Model,
				"score":     validation.Score,
				"threshold": threshold,
			})
			return nil
		}

		draftStep.Status = StepFailedQuality
		e.bus.emit(EventCascadeDecision, plan.queryID, map[string]interface{}{
			"decision":  "escalate",
			"reason":    "quality below threshold",
			"model":     drafter.Model,
			"score":     validation.Score,
			"threshold": threshold,
		})
	} else {
		// Drafter errors are absorbed: the cascade is a redundancy. Only
		// caller cancellation and deadline expiry cut through.
		if kind := ErrorKindOf(draftErr); kind == ErrKindCancelled || kind == ErrKindTimeout || kind == ErrKindBudgetExceeded {
			result.addStep(draftStep)
			return draftErr
		}
		e.bus.emit(EventCascadeDecision, plan.queryID, map[string]interface{}{
			"decision": "escalate",
			"reason":   "drafter failed",
			"model":    drafter.Model,
			"error":    draftErr.Error(),
		})
	}
	result.addStep(draftStep)

	// Escalate: same messages go to the verifier.
	verifyStep, verifyResp, verifyErr := e.callStep(ctx, plan, "verify", verifier, false)
	result.addStep(verifyStep)
	if verifyErr != nil {
		if kind := ErrorKindOf(verifyErr); kind == ErrKindCancelled || kind == ErrKindTimeout {
			return verifyErr
		}
		return wrapError(ErrKindModel, plan.queryID, verifyErr, "drafter and verifier both exhausted")
	}
	result.Response = verifyResp.Content
	result.ModelUsed = verifier.Model
	result.FallbackUsed = true
	return nil
}

// runPipeline executes a multi-step domain strategy. Step outputs feed the
// next step's context; fallback-only steps run only after a failed-quality
// step; the final response is the last successful step's output.
func (e *Engine) runPipeline(ctx context.Context, plan execPlan, result *ExecutionResult, ds DomainStrategy) error {
	result.Cascaded = true
	priorFailed := false
	var lastSuccess *StepResult
	var carried string

	for _, stepCfg := range ds.Steps {
		if stepCfg.FallbackOnly && !priorFailed {
			result.Trace = append(result.Trace, StepResult{
				StepName: stepCfg.Name,
				Model:    stepCfg.Model,
				Provider: stepCfg.Provider,
				Status:   StepSkipped,
			})
			continue
		}

		model, ok := findModel(plan.candidates, stepCfg.Model)
		if !ok {
			return routerError(ErrKindTierNoModels, plan.queryID,
				"pipeline step %s: model %s not in candidate set", stepCfg.Name, stepCfg.Model)
		}

		stepPlan := plan
		if carried != "" {
			stepPlan.opts.Messages = append(append([]ChatMessage{}, plan.opts.Messages...), ChatMessage{
				Role:    "assistant",
				Content: carried,
			})
		}
		step, resp, err := e.callStep(ctx, stepPlan, stepCfg.Name, model, false)
		if err != nil {
			result.addStep(step)
			if kind := ErrorKindOf(err); kind == ErrKindCancelled || kind == ErrKindTimeout {
				return err
			}
			priorFailed = true
			continue
		}

		validation := e.validator.Validate(stepCfg.Validation, plan.text, resp.Content)
		step.QualityScore = validation.Score
		step.Validation = &validation

		threshold := stepCfg.Threshold
		if threshold == 0 {
			threshold = e.cfg.thresholdFor(plan.complexity.Level)
		}
		if plan.constraints.MinQuality > threshold {
			threshold = plan.constraints.MinQuality
		}
		if validation.Score >= threshold {
			step.Status = StepSuccess
			result.addStep(step)
			lastSuccess = &result.Trace[len(result.Trace)-1]
			carried = resp.Content
			e.bus.emit(EventCascadeDecision, plan.queryID, map[string]interface{}{
				"decision": "accept",
				"step":     stepCfg.Name,
				"score":    validation.Score,
			})
		} else {
			step.Status = StepFailedQuality
			result.addStep(step)
			priorFailed = true
			e.bus.emit(EventCascadeDecision, plan.queryID, map[string]interface{}{
				"decision":  "escalate",
				"step":      stepCfg.Name,
				"score":     validation.Score,
				"threshold": threshold,
			})
		}
	}

	if lastSuccess == nil {
		return routerError(ErrKindModel, plan.queryID, "every pipeline step failed")
	}
	result.Response = lastSuccess.Response
	result.ModelUsed = lastSuccess.Model
	result.DraftAccepted = !priorFailed && lastSuccess.StepName == ds.Steps[0].Name
	result.FallbackUsed = priorFailed
	return nil
}

// runParallel fans the query out to drafter and verifier concurrently and
// keeps the better-scoring response.
func (e *Engine) runParallel(ctx context.Context, plan execPlan, result *ExecutionResult) error {
	drafter := cheapestModel(plan.candidates)
	verifier := bestModel(plan.candidates)
	if drafter.Model == verifier.Model {
		return e.runDirect(ctx, plan, result, drafter)
	}

	type leg struct {
		step StepResult
		resp *GenerateResponse
		err  error
	}
	legs := make([]leg, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, model := range []ModelConfig{drafter, verifier} {
		i, model := i, model
		g.Go(func() error {
			step, resp, err := e.callStep(gctx, plan, "parallel-"+model.Model, model, false)
			legs[i] = leg{step: step, resp: resp, err: err}
			return nil
		})
	}
	g.Wait()

	bestIdx := -1
	bestScore := -1.0
	for i := range legs {
		if legs[i].err != nil {
			result.addStep(legs[i].step)
			continue
		}
		validation := e.validator.Validate(ValidateQuality, plan.text, legs[i].resp.Content)
		legs[i].step.QualityScore = validation.Score
		legs[i].step.Validation = &validation
		legs[i].step.Status = StepSuccess
		result.addStep(legs[i].step)
		// Ties go to the verifier leg, which is evaluated second.
		if validation.Score >= bestScore {
			bestScore = validation.Score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		if err := ctx.Err(); err != nil {
			return wrapError(ctxErrorKind(ctx), plan.queryID, err, "parallel execution aborted")
		}
		return routerError(ErrKindModel, plan.queryID, "both parallel legs failed")
	}
	winner := legs[bestIdx]
	result.Response = winner.resp.Content
	result.ModelUsed = winner.step.Model
	return nil
}

// callStep performs one model invocation with rate limiting, per-call
// timeout, a single retry on transient errors, tool-loop handling, and event
// publication. The returned StepResult carries cost even on failure.
func (e *Engine) callStep(ctx context.Context, plan execPlan, stepName string, model ModelConfig, allowStream bool) (StepResult, *GenerateResponse, error) {
	step := StepResult{
		StepName: stepName,
		Model:    model.Model,
		Provider: model.Provider,
		Status:   StepRunning,
	}

	req := e.buildRequest(plan, model)
	e.bus.emit(EventModelCallStart, plan.queryID, map[string]interface{}{
		"step":     stepName,
		"model":    model.Model,
		"provider": model.Provider,
	})

	start := time.Now()
	resp, err := e.invokeWithRetry(ctx, plan, model, req, allowStream)
	step.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		step.Status = StepFailedError
		step.Error = err.Error()
		e.tracker.record(model.Model, Usage{}, 0, time.Since(start), true)
		e.bus.emit(EventModelCallError, plan.queryID, map[string]interface{}{
			"step":     stepName,
			"model":    model.Model,
			"provider": model.Provider,
			"error":    err.Error(),
		})
		if re, ok := err.(*RouterError); ok {
			if re.Step == "" {
				re.Step = stepName
			}
			if re.QueryID == "" {
				re.QueryID = plan.queryID
			}
		}
		return step, nil, err
	}

	// Tool loop: iterate host-executed tool calls until the model settles.
	// The loop accounts every response it consumes, the final one included.
	if len(resp.ToolCalls) > 0 && len(plan.opts.Tools) > 0 {
		var loopCost float64
		var loopUsage Usage
		resp, loopCost, loopUsage, err = e.runToolLoop(ctx, plan, model, req, resp)
		step.Cost += loopCost
		addUsage(&step.Usage, loopUsage)
		if err != nil {
			step.Status = StepFailedError
			step.Error = err.Error()
			return step, nil, err
		}
	} else {
		cost := model.CostFor(resp.Usage)
		step.Cost += cost
		addUsage(&step.Usage, resp.Usage)
		e.tracker.record(model.Model, resp.Usage, cost, time.Since(start), false)
	}

	step.Response = resp.Content
	step.ToolCalls = resp.ToolCalls
	step.Status = StepSuccess
	e.bus.emit(EventModelCallComplete, plan.queryID, map[string]interface{}{
		"step":       stepName,
		"model":      model.Model,
		"provider":   model.Provider,
		"cost":       step.Cost,
		"latency_ms": step.LatencyMs,
		"tokens":     resp.Usage.TotalTokens,
	})
	return step, resp, nil
}

// invokeWithRetry performs the provider call under the per-call timeout and
// the per-provider rate limit, retrying once with jittered backoff on
// transient errors. Permanent errors never retry.
func (e *Engine) invokeWithRetry(ctx context.Context, plan execPlan, model ModelConfig, req *GenerateRequest, allowStream bool) (*GenerateResponse, error) {
	// The tool loop hands the same request to different models (verifier
	// regeneration, handoff); the request must always name the model that is
	// actually being invoked.
	req.Model = model.Model

	if err := e.waitRateLimit(ctx, model.Provider); err != nil {
		return nil, err
	}

	resp, err := e.invoke(ctx, plan, model, req, allowStream)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, wrapError(ctxErrorKind(ctx), plan.queryID, ctx.Err(), "call to %s aborted", model.Model)
	}
	if !isTransientError(err) {
		return nil, wrapError(ErrKindProviderPermanent, plan.queryID, err, "provider %s failed", model.Provider)
	}

	backoff := 100*time.Millisecond + time.Duration(rand.Int63n(int64(300*time.Millisecond)))
	log.Printf("[Executor] Transient error from %s, retrying in %v: %v", model.Provider, backoff, err)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, wrapError(ctxErrorKind(ctx), plan.queryID, ctx.Err(), "call to %s aborted", model.Model)
	}

	resp, err = e.invoke(ctx, plan, model, req, allowStream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapError(ctxErrorKind(ctx), plan.queryID, ctx.Err(), "call to %s aborted", model.Model)
		}
		return nil, wrapError(ErrKindProviderTransient, plan.queryID, err, "provider %s failed after retry", model.Provider)
	}
	return resp, nil
}

// invoke performs one provider call under the per-call timeout, streaming
// when the caller asked for it and the strategy allows.
func (e *Engine) invoke(ctx context.Context, plan execPlan, model ModelConfig, req *GenerateRequest, allowStream bool) (*GenerateResponse, error) {
	sem := e.providerSem(model.Provider)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, wrapError(ctxErrorKind(ctx), plan.queryID, err, "waiting for a %s call slot", model.Provider)
	}
	defer sem.Release(1)

	timeout := model.CallTimeout.D()
	if timeout <= 0 {
		timeout = e.cfg.CallTimeout.D()
	}
	if ms := plan.constraints.MaxLatencyMs; ms > 0 {
		if limit := time.Duration(ms) * time.Millisecond; limit < timeout {
			timeout = limit
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if allowStream && plan.opts.Stream != nil && model.SupportsStreaming {
		if p, ok := e.registry.Get(model.Provider); ok {
			if sp, ok := p.(StreamingProvider); ok {
				return sp.GenerateStream(callCtx, req, StreamAdapter(plan.opts.Stream))
			}
		}
	}
	return e.registry.Generate(callCtx, model.Provider, req)
}

// waitRateLimit blocks until the provider's sliding window admits the call
// or the context expires.
func (e *Engine) waitRateLimit(ctx context.Context, provider string) error {
	for {
		allowed, retryAfter := e.limiter.Allow(provider)
		if allowed {
			return nil
		}
		log.Printf("[Executor] Rate limit reached for %s, waiting %v", provider, retryAfter)
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return wrapError(ctxErrorKind(ctx), "", ctx.Err(), "rate-limit wait for %s aborted", provider)
		}
	}
}

// buildRequest assembles the uniform request: prior messages plus the query
// text as the final user turn.
func (e *Engine) buildRequest(plan execPlan, model ModelConfig) *GenerateRequest {
	messages := make([]ChatMessage, 0, len(plan.opts.Messages)+1)
	messages = append(messages, plan.opts.Messages...)
	messages = append(messages, ChatMessage{Role: "user", Content: plan.text})

	req := &GenerateRequest{
		Messages: messages,
		Model:    model.Model,
		System:   plan.opts.System,
	}
	if model.SupportsTools {
		req.Tools = plan.opts.Tools
	}
	return req
}

// savings reports what the accepted draft saved versus running the same
// tokens through the verifier.
func savings(usage Usage, drafter, verifier ModelConfig) float64 {
	saved := verifier.CostFor(usage) - drafter.CostFor(usage)
	if saved < 0 {
		return 0
	}
	return saved
}

func addUsage(dst *Usage, u Usage) {
	dst.PromptTokens += u.PromptTokens
	dst.CompletionTokens += u.CompletionTokens
	dst.TotalTokens += u.TotalTokens
	dst.ReasoningTokens += u.ReasoningTokens
}
