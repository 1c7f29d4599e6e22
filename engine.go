package cascade

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"cascade/internal/ratelimit"
)

// rateLimitWindow is the sliding window for per-provider call limits.
const rateLimitWindow = time.Minute

// Engine is the routing and cascade-execution engine. Construct with
// NewEngine, register providers, then call Run for each query. An Engine is
// safe for concurrent use; Close releases its background resources.
type Engine struct {
	cfg        *EngineConfig
	registry   *ProviderRegistry
	classifier *Classifier
	domains    *DomainRouter
	preRouter  *PreRouter
	tiers      *TierRouter
	ledger     *BudgetLedger
	validator  *Validator
	bus        *Bus
	tracker    *usageTracker
	limiter    *ratelimit.Limiter

	sem      *semaphore.Weighted
	queued   atomic.Int64
	maxQueue int64

	provMu   sync.Mutex
	provSems map[string]*semaphore.Weighted

	closed atomic.Bool
}

// NewEngine validates the configuration and assembles an engine with default
// collaborators. Providers are registered separately.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		return nil, routerError(ErrKindConfiguration, "", "nil config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		registry:   NewProviderRegistry(),
		classifier: NewClassifier(),
		domains:    NewDomainRouter(),
		preRouter:  NewPreRouter(cfg.CascadeOn(), cfg.strategyMap()),
		tiers:      NewTierRouter(cfg.tierMap(), true),
		ledger:     NewBudgetLedger(),
		validator:  NewValidator(),
		bus:        NewBus(),
		tracker:    newUsageTracker(),
		limiter:    ratelimit.New(rateLimitWindow),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		maxQueue:   int64(cfg.MaxConcurrent),
		provSems:   make(map[string]*semaphore.Weighted),
	}, nil
}

// providerSem returns the call-concurrency semaphore for one provider,
// creating it on first use with the configured per-provider cap.
func (e *Engine) providerSem(provider string) *semaphore.Weighted {
	e.provMu.Lock()
	defer e.provMu.Unlock()
	sem, ok := e.provSems[provider]
	if !ok {
		sem = semaphore.NewWeighted(int64(e.cfg.MaxPerProvider))
		e.provSems[provider] = sem
	}
	return sem
}

// Close stops background resources (budget reset scheduler).
func (e *Engine) Close() {
	if e.closed.CompareAndSwap(false, true) {
		e.ledger.Close()
	}
}

// RegisterProvider adds a provider adapter.
func (e *Engine) RegisterProvider(p Provider) error {
	return e.registry.Register(p)
}

// SetProviderRateLimit caps calls per minute for one provider. Zero removes
// the cap.
func (e *Engine) SetProviderRateLimit(provider string, callsPerMinute int) {
	e.limiter.SetLimit(provider, callsPerMinute)
}

// SetValidator replaces the quality validator.
func (e *Engine) SetValidator(v *Validator) {
	if v != nil {
		e.validator = v
	}
}

// Bus returns the engine's event bus for subscriber registration.
func (e *Engine) Bus() *Bus { return e.bus }

// Budget returns the engine's budget ledger.
func (e *Engine) Budget() *BudgetLedger { return e.ledger }

// Validator returns the engine's quality validator for scorer installation.
func (e *Engine) Validator() *Validator { return e.validator }

// Stats returns a snapshot of routing counters, per-model usage, and
// accumulated cost savings.
func (e *Engine) Stats() EngineStats {
	byModel, saved := e.tracker.snapshot()
	return EngineStats{
		Router:   e.preRouter.Stats(),
		ByModel:  byModel,
		SavedUSD: saved,
	}
}

// Run routes and executes one query. The returned result is non-nil even on
// error when partial costs were incurred; the error, when present, is always
// a *RouterError.
func (e *Engine) Run(ctx context.Context, text string, opts QueryOptions) (*ExecutionResult, error) {
	queryID := uuid.New().String()

	if strings.TrimSpace(text) == "" && len(opts.Tools) > 0 {
		return nil, routerError(ErrKindConfiguration, queryID, "query has tools but no prompt")
	}
	if err := validateTools(opts.Tools); err != nil {
		if re, ok := err.(*RouterError); ok {
			re.QueryID = queryID
		}
		return nil, err
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	timeout := e.cfg.QueryTimeout.D()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.bus.emit(EventQueryStart, queryID, map[string]interface{}{
		"text_len": len(text),
		"user_id":  opts.UserID,
		"tier":     opts.UserTier,
	})

	complexity := e.classifier.Classify(text, opts.ComplexityHint)
	e.bus.emit(EventComplexityDetected, queryID, map[string]interface{}{
		"level":      complexity.Level.String(),
		"confidence": complexity.Confidence,
		"score":      complexity.Score,
	})

	domain := e.domains.Detect(text, opts.DomainHint)
	e.bus.emit(EventDomainDetected, queryID, map[string]interface{}{
		"domain":     string(domain.Domain),
		"confidence": domain.Confidence,
		"is_mcq":     domain.IsMCQ,
	})

	decision := e.preRouter.Route(complexity, domain, RoutingContext{
		ForceDirect: opts.ForceDirect,
		Tier:        opts.UserTier,
		Rules:       opts.Rules,
	})
	if decision.Confidence < 0 || decision.Confidence > 1 {
		return nil, e.fail(queryID, nil, routerError(ErrKindInternal, queryID, "routing confidence %.3f outside [0,1]", decision.Confidence))
	}

	tierResult, err := e.tiers.Filter(e.cfg.Models, opts.UserTier)
	if err != nil {
		if re, ok := err.(*RouterError); ok {
			re.QueryID = queryID
		}
		return nil, e.fail(queryID, nil, err)
	}
	candidates := tierResult.Models
	if len(candidates) == 0 {
		return nil, e.fail(queryID, nil, routerError(ErrKindTierNoModels, queryID, "no candidate models"))
	}
	if tierResult.Applied {
		if decision.Metadata == nil {
			decision.Metadata = make(map[string]string)
		}
		decision.Metadata["tier"] = opts.UserTier
		if len(tierResult.Warnings) > 0 {
			decision.Metadata["tier_fallback"] = "cheapest"
		}
		if q := tierResult.Constraints.MinQuality; q > 0 {
			decision.Metadata["tier_min_quality"] = strconv.FormatFloat(q, 'g', -1, 64)
		}
		if ms := tierResult.Constraints.MaxLatencyMs; ms > 0 {
			decision.Metadata["tier_max_latency_ms"] = strconv.FormatInt(ms, 10)
		}
	}

	maxCost := opts.MaxCost
	if tierResult.Constraints.MaxCostPerQuery > 0 && (maxCost == 0 || tierResult.Constraints.MaxCostPerQuery < maxCost) {
		maxCost = tierResult.Constraints.MaxCostPerQuery
	}

	// Budget pre-check projects against the cheapest candidate's rates.
	if opts.UserID != "" && e.ledger.HasBudget(opts.UserID) {
		projected := estimateQueryCost(text, cheapestModel(candidates))
		check := e.ledger.Check(opts.UserID, projected)
		if !check.Allowed {
			e.bus.emit(EventBudgetExceeded, queryID, map[string]interface{}{
				"user_id":   opts.UserID,
				"window":    string(check.Window),
				"consumed":  check.Consumed,
				"projected": projected,
				"cap":       check.Cap,
			})
			return nil, routerError(ErrKindBudgetExceeded, queryID,
				"budget exceeded for user %s (%s window: %.6f consumed + %.6f projected vs cap %.6f)",
				opts.UserID, check.Window, check.Consumed, projected, check.Cap)
		}
		if check.Warned {
			e.bus.emit(EventBudgetWarning, queryID, map[string]interface{}{
				"user_id":   opts.UserID,
				"window":    string(check.Window),
				"consumed":  check.Consumed,
				"projected": projected,
				"cap":       check.Cap,
			})
		}
	}

	plan := execPlan{
		queryID:     queryID,
		text:        text,
		opts:        opts,
		complexity:  complexity,
		domain:      domain,
		decision:    decision,
		candidates:  candidates,
		maxCost:     maxCost,
		constraints: tierResult.Constraints,
	}
	result, execErr := e.execute(ctx, plan)

	if result != nil {
		result.Warnings = append(result.Warnings, tierResult.Warnings...)
		// Truth in accounting: partial costs are recorded even on failure or
		// cancellation.
		if opts.UserID != "" && result.TotalCost > 0 {
			e.ledger.Record(opts.UserID, result.TotalCost)
		}
	}

	if execErr != nil {
		return result, e.fail(queryID, result, execErr)
	}

	result.Summary = fmt.Sprintf("%s via %s (%s/%s) $%.6f",
		result.ModelUsed, result.Strategy, result.Complexity, result.Domain, result.TotalCost)
	e.bus.emit(EventQueryComplete, queryID, map[string]interface{}{
		"model":          result.ModelUsed,
		"strategy":       string(result.Strategy),
		"total_cost":     result.TotalCost,
		"total_tokens":   result.TotalTokens,
		"cascaded":       result.Cascaded,
		"draft_accepted": result.DraftAccepted,
		"saved_usd":      result.SavedUSD,
	})
	return result, nil
}

// acquire implements bounded concurrency with a bounded wait queue. Overflow
// fails fast with overloaded.
func (e *Engine) acquire(ctx context.Context) error {
	if e.sem.TryAcquire(1) {
		return nil
	}
	if e.queued.Add(1) > e.maxQueue {
		e.queued.Add(-1)
		return routerError(ErrKindOverloaded, "", "engine at capacity")
	}
	err := e.sem.Acquire(ctx, 1)
	e.queued.Add(-1)
	if err != nil {
		return wrapError(ctxErrorKind(ctx), "", err, "cancelled while queued")
	}
	return nil
}

// fail normalizes an execution error, publishes QUERY_ERROR, and returns the
// error the caller sees.
func (e *Engine) fail(queryID string, result *ExecutionResult, err error) error {
	re, ok := err.(*RouterError)
	if !ok {
		re = wrapError(ErrKindInternal, queryID, err, "%v", err)
	}
	if re.QueryID == "" {
		re.QueryID = queryID
	}
	if result != nil && result.TotalCost > 0 {
		re.CostIncurred = true
	}
	log.Printf("[Engine] Query %s failed: %v", queryID, re)
	e.bus.emit(EventQueryError, queryID, map[string]interface{}{
		"kind":          string(re.Kind),
		"message":       re.Message,
		"step":          re.Step,
		"cost_incurred": re.CostIncurred,
	})
	return re
}

// ctxErrorKind maps a context error to the cancelled/timeout error kinds.
func ctxErrorKind(ctx context.Context) ErrorKind {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrKindTimeout
	}
	return ErrKindCancelled
}
