// Package retry computes backoff delays and retryability for stage-action
// execution. The policy is pure and stateless; callers own the loop state.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/testflowhq/testflow/pkg/errkit"
	"github.com/testflowhq/testflow/pkg/metrics"
	"github.com/testflowhq/testflow/pkg/models"
)

// Policy holds the backoff parameters. The zero value is unusable; use
// DefaultPolicy or construct explicitly.
type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultPolicy matches the engine defaults: 1s base, doubling, 1m cap.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   time.Minute,
	}
}

// Delay returns the wait before retry attempt n (1-indexed):
// min(MaxDelay, BaseDelay * Multiplier^(n-1)). Monotonically non-decreasing
// and capped, with overflow clamped to the cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}

	return time.Duration(d)
}

// IsRetryable reports whether err is worth retrying. Catalog errors answer
// with their recoverability flag; unknown errors default to retryable — an
// unknown transient failure is more common than an unknown permanent one.
func IsRetryable(err error) bool {
	var e *errkit.Error
	if errors.As(err, &e) {
		return e.Recoverable
	}

	return true
}

// Operation is one attemptable unit of work.
type Operation func(ctx context.Context) error

// ExecuteWithRetry runs op up to maxAttempts times, sleeping the policy
// delay between failed attempts. Each attempt past the first records a
// retry-attempt metric; eventual success after a retry records a
// retry-success metric. The final failure is wrapped with the exhausted
// attempt count. A non-retryable error aborts immediately.
func ExecuteWithRetry(ctx context.Context, policy Policy, recorder *metrics.Recorder, workflowID string, maxAttempts int, op Operation) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && recorder != nil {
			recorder.Record(workflowID, models.MetricRetryAttempt, map[string]any{"attempt": attempt})
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 && recorder != nil {
				recorder.Record(workflowID, models.MetricRetrySuccess, map[string]any{"attempts": attempt})
			}

			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(policy.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return errkit.Wrap(errkit.KeyRetryExhausted,
		fmt.Sprintf("%d attempts", maxAttempts), lastErr).
		With("attempts", maxAttempts)
}
