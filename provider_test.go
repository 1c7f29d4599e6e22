package cascade

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegister(t *testing.T) {
	r := NewProviderRegistry()

	require.NoError(t, r.Register(NewMockProvider("mock")))
	assert.Equal(t, []string{"mock"}, r.Names())

	// Duplicates and nils are rejected at registration.
	err := r.Register(NewMockProvider("mock"))
	require.Error(t, err)
	assert.Equal(t, ErrKindConfiguration, ErrorKindOf(err))

	err = r.Register(nil)
	require.Error(t, err)

	err = r.Register(NewMockProvider(""))
	require.Error(t, err)
}

func TestRegistryGenerate(t *testing.T) {
	r := NewProviderRegistry()
	mock := NewMockProvider("mock")
	mock.QueueText("hello")
	require.NoError(t, r.Register(mock))

	resp, err := r.Generate(context.Background(), "mock", &GenerateRequest{Model: "cheap"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)

	_, err = r.Generate(context.Background(), "ghost", &GenerateRequest{})
	require.Error(t, err)
	assert.Equal(t, ErrKindConfiguration, ErrorKindOf(err))
}

func TestRegistryBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewProviderRegistry()
	mock := NewMockProvider("flaky")
	require.NoError(t, r.Register(mock))

	boom := errors.New("connection reset")
	for i := 0; i < breakerTripThreshold; i++ {
		mock.QueueError(boom)
		_, err := r.Generate(context.Background(), "flaky", &GenerateRequest{})
		require.Error(t, err)
	}

	assert.False(t, r.IsAvailable("flaky"))

	// Calls through an open breaker fail fast as transient.
	mock.QueueText("never reached")
	_, err := r.Generate(context.Background(), "flaky", &GenerateRequest{})
	require.Error(t, err)
	assert.Equal(t, ErrKindProviderTransient, ErrorKindOf(err))
	assert.Equal(t, breakerTripThreshold, mock.CallCount())
}

func TestRegistryIsAvailable(t *testing.T) {
	r := NewProviderRegistry()
	require.NoError(t, r.Register(NewMockProvider("mock")))
	assert.True(t, r.IsAvailable("mock"))
	assert.False(t, r.IsAvailable("ghost"))
}

func TestValidateTools(t *testing.T) {
	good := []Tool{
		{Name: "search", Parameters: map[string]interface{}{"type": "object"}},
		{Name: "fetch"},
	}
	assert.NoError(t, validateTools(good))

	dup := []Tool{{Name: "search"}, {Name: "search"}}
	err := validateTools(dup)
	require.Error(t, err)
	assert.Equal(t, ErrKindConfiguration, ErrorKindOf(err))

	unnamed := []Tool{{Name: ""}}
	assert.Error(t, validateTools(unnamed))

	badSchema := []Tool{{Name: "x", Parameters: map[string]interface{}{"type": "array"}}}
	assert.Error(t, validateTools(badSchema))
}

func TestIsTransientAndRateLimitErrors(t *testing.T) {
	assert.True(t, isRateLimitError(&RateLimitError{StatusCode: 429, Message: "slow down"}))
	assert.True(t, isRateLimitError(errors.New("HTTP 429 too many requests")))
	assert.False(t, isRateLimitError(errors.New("invalid api key")))

	assert.True(t, isTransientError(errors.New("server returned 503")))
	assert.True(t, isTransientError(errors.New("context deadline exceeded")))
	assert.True(t, isTransientError(&RateLimitError{StatusCode: 429}))
	assert.False(t, isTransientError(errors.New("400 bad request")))
	assert.False(t, isTransientError(nil))
}
