package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	transient := &TransientFetchError{URL: "https://a.test", Err: errors.New("reset")}

	require.True(t, p.ShouldRetry(transient, 1))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(&PermanentTargetError{URL: "https://a.test"}, 0))
	require.False(t, p.ShouldRetry(&CircuitOpenError{Host: "a.test"}, 0))
	require.False(t, p.ShouldRetry(ErrLeaseLost, 0))
	require.True(t, p.ShouldRetry(&RateLimitedError{Host: "a.test", StatusCode: 429}, 0))

	timedOut := &TransientFetchError{URL: "https://a.test", Err: context.DeadlineExceeded}
	require.True(t, p.ShouldRetry(timedOut, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
}

func TestExponentialRetryPolicy_BackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(5, 10*time.Millisecond, 80*time.Millisecond)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 80*time.Millisecond)
	}
}
