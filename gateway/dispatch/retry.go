package dispatch

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/gateway/gwerrors"
)

// RetryPolicy configures the dispatcher's exponential backoff, adapted
// from the teacher's llm/retry.RetryPolicy to drive worker re-selection
// rather than re-running one fixed closure per attempt.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func normalizeRetryPolicy(p RetryPolicy) RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := d * 0.25
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < float64(p.InitialDelay) {
		d = float64(p.InitialDelay)
	}
	return time.Duration(d)
}

// attemptFn performs one dispatch attempt, returning the result and
// whether the error (if any) should be retried.
type attemptFn func(ctx context.Context, attempt int) (result any, retryable bool, err error)

// runWithRetry drives attemptFn through up to policy.MaxRetries retries,
// sleeping with exponential backoff (+jitter) between attempts and
// stopping early on a non-retryable error or context cancellation.
// Grounded on llm/retry.backoffRetryer.DoWithResult, generalized so the
// caller re-selects a worker on every attempt instead of re-running a
// fixed closure against one target.
func runWithRetry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, fn attemptFn) (any, error) {
	policy = normalizeRetryPolicy(policy)
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			d := policy.delay(attempt)
			logger.Debug("retrying dispatch", zap.Int("attempt", attempt), zap.Duration("delay", d), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, gwerrors.New(gwerrors.CodeCancelled, "dispatch cancelled during retry backoff").WithCause(ctx.Err())
			case <-time.After(d):
			}
		}

		result, retryable, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable || attempt >= policy.MaxRetries {
			break
		}
	}

	logger.Warn("dispatch retries exhausted", zap.Int("attempts", policy.MaxRetries+1), zap.Error(lastErr))
	return nil, lastErr
}
