package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportflow/pkg/llm/llmerrors"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetryableClientRetriesTransientErrors(t *testing.T) {
	mock := NewMockClient()
	mock.QueueError(llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset"))
	mock.QueueError(llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"))
	mock.QueueText("finally")

	client := NewRetryableClient(mock, fastRetryConfig(3))
	resp, err := client.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Content)
	assert.Len(t, mock.Requests(), 3)
}

func TestRetryableClientDoesNotRetryNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, 401, "bad key")},
		{"bad prompt", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "too long")},
		{"malformed output", llmerrors.NewError(llmerrors.ErrorTypeMalformedOutput, "wrong shape")},
		{"unclassified", fmt.Errorf("some plain error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockClient()
			mock.QueueError(tt.err)
			mock.QueueText("never reached")

			client := NewRetryableClient(mock, fastRetryConfig(3))
			_, err := client.Complete(context.Background(), CompletionRequest{})
			require.Error(t, err)
			assert.Len(t, mock.Requests(), 1)
		})
	}
}

func TestRetryableClientHonorsPerTypeBudget(t *testing.T) {
	// Classified-but-unknown errors carry a budget of one retry in
	// llmerrors.DefaultRetryConfigs, regardless of the client ceiling.
	mock := NewMockClient()
	mock.QueueError(llmerrors.NewError(llmerrors.ErrorTypeUnknown, "odd failure"))
	mock.QueueError(llmerrors.NewError(llmerrors.ErrorTypeUnknown, "odd failure"))
	mock.QueueText("never reached")

	client := NewRetryableClient(mock, fastRetryConfig(5))
	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeUnknown))
	assert.Len(t, mock.Requests(), 2)
}

func TestRetryableClientExhaustsRetries(t *testing.T) {
	mock := NewMockClient()
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "flaky")
	for i := 0; i < 4; i++ {
		mock.QueueError(transient)
	}

	client := NewRetryableClient(mock, fastRetryConfig(2))
	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
	assert.Len(t, mock.Requests(), 3)
}

func TestRetryableClientHonorsContextCancel(t *testing.T) {
	mock := NewMockClient()
	mock.QueueError(llmerrors.NewError(llmerrors.ErrorTypeTransient, "flaky"))

	client := NewRetryableClient(mock, RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Hour,
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, CompletionRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
