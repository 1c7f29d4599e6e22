package cascade

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies router errors into a closed, stable set. The kinds are
// part of the public contract: hosts switch on them to decide whether an error
// is user-visible, retryable, or a bug.
type ErrorKind string

const (
	// ErrKindConfiguration covers invalid tiers, unknown domains, duplicate
	// tools, and missing required models. Fatal at request time.
	ErrKindConfiguration ErrorKind = "configuration_error"

	// ErrKindBudgetExceeded means the budget pre-check denied the query
	// before any provider call was made.
	ErrKindBudgetExceeded ErrorKind = "budget_exceeded"

	// ErrKindTierNoModels means tier filtering produced an empty model set
	// and no fallback exists.
	ErrKindTierNoModels ErrorKind = "tier_no_models"

	// ErrKindProviderTransient covers timeouts, rate limits, and 5xx
	// responses. Retried once internally.
	ErrKindProviderTransient ErrorKind = "provider_transient"

	// ErrKindProviderPermanent covers non-transient 4xx provider failures.
	ErrKindProviderPermanent ErrorKind = "provider_permanent"

	// ErrKindModel means both drafter and verifier were exhausted.
	ErrKindModel ErrorKind = "model_error"

	// ErrKindValidation covers malformed tool calls and schema violations
	// under strict validation.
	ErrKindValidation ErrorKind = "validation_error"

	// ErrKindCancelled is surfaced when the caller cancels the query.
	// Partial costs already incurred are still recorded.
	ErrKindCancelled ErrorKind = "cancelled"

	// ErrKindTimeout is surfaced when the per-query deadline expires.
	ErrKindTimeout ErrorKind = "timeout"

	// ErrKindOverloaded means the engine's concurrency queue overflowed.
	ErrKindOverloaded ErrorKind = "overloaded"

	// ErrKindInternal marks a programming invariant violation, such as a
	// confidence outside [0,1].
	ErrKindInternal ErrorKind = "internal_error"
)

// RouterError is the structured error surfaced to callers. Every fatal error
// leaving the engine is a *RouterError; absorbed errors are only visible on
// the event bus.
type RouterError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	QueryID      string    `json:"query_id,omitempty"`
	Step         string    `json:"step,omitempty"`
	CostIncurred bool      `json:"cost_incurred"`

	cause error
}

func (e *RouterError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s (step=%s)", e.Kind, e.Message, e.Step)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *RouterError) Unwrap() error {
	return e.cause
}

// routerError constructs a RouterError wrapping cause.
func routerError(kind ErrorKind, queryID, format string, args ...interface{}) *RouterError {
	return &RouterError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		QueryID: queryID,
	}
}

// wrapError attaches a cause to a RouterError.
func wrapError(kind ErrorKind, queryID string, cause error, format string, args ...interface{}) *RouterError {
	e := routerError(kind, queryID, format, args...)
	e.cause = cause
	return e
}

// ErrorKindOf extracts the ErrorKind from err, or ErrKindInternal if err is
// not a RouterError.
func ErrorKindOf(err error) ErrorKind {
	var re *RouterError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrKindInternal
}

// RateLimitError represents a rate-limit response from a provider. Adapters
// may return it directly to carry a retry-after hint; the executor also
// recognizes rate limiting from error text.
type RateLimitError struct {
	StatusCode   int
	RetryAfterMs int64
	Message      string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d): %s", e.StatusCode, e.Message)
}

// isRateLimitError checks if an error indicates rate limiting. It checks for
// the RateLimitError type and common rate-limit indicators in the message.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "overloaded")
}

// isTransientError checks if a provider error is worth retrying: rate limits,
// transient server errors, timeouts. Permanent errors (auth, bad request)
// must not trigger retries or provoke a second attempt on the same model.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if isRateLimitError(err) {
		return true
	}
	var re *RouterError
	if errors.As(err, &re) && re.Kind == ErrKindProviderTransient {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "internal server error")
}
