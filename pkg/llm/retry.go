package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"supportflow/pkg/llm/llmerrors"
	"supportflow/pkg/logx"
)

// RetryConfig defines configuration for transport-level retry behavior.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig provides the default transport retry policy.
//
//nolint:gochecknoglobals // Package default
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryableClient wraps an LLMClient with classified retry logic. Transport
// failures back off and retry; malformed output and auth errors surface
// immediately so callers can handle them.
type RetryableClient struct {
	client LLMClient
	config RetryConfig
	logger *logx.Logger
}

// NewRetryableClient creates a retrying wrapper around a raw client.
func NewRetryableClient(client LLMClient, config RetryConfig) *RetryableClient {
	return &RetryableClient{
		client: client,
		config: config,
		logger: logx.NewLogger("llm"),
	}
}

// Complete implements LLMClient with retry logic. The retry count for a
// failure is the client's MaxRetries tightened by the error type's own
// budget from llmerrors.DefaultRetryConfigs, so unknown-but-classified
// faults burn fewer attempts than rate limits.
func (r *RetryableClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt >= r.retryBudget(err) {
			break
		}

		delay := r.calculateDelay(attempt + 1)
		r.logger.Debug("Retry %d after %s (%s): %v", attempt+1, delay, llmerrors.TypeOf(err), err)
		select {
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return CompletionResponse{}, lastErr
}

// retryBudget caps the configured retry count by the error type's budget.
func (r *RetryableClient) retryBudget(err error) int {
	budget := r.config.MaxRetries
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		if typeCfg := llmErr.GetRetryConfig(); typeCfg.MaxRetries < budget {
			budget = typeCfg.MaxRetries
		}
	}
	return budget
}

// GetModelName returns the wrapped client's model name.
func (r *RetryableClient) GetModelName() string {
	return r.client.GetModelName()
}

func (r *RetryableClient) calculateDelay(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	if r.config.Jitter {
		jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1)) //nolint:gosec // Jitter needs no crypto rand
		delay += jitter
	}
	return delay
}

// shouldRetry consults the error classification; unclassified errors are
// not retried.
func shouldRetry(err error) bool {
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return false
}
