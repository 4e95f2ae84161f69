package ingest

import (
	"context"
	"time"

	"github.com/avast/retry-go"
)

// RetryPolicy is the reusable retry configuration shared by the API
// client and the batch write path. Attempts are spaced by exponential
// backoff starting at InitialDelay and doubling each attempt.
type RetryPolicy struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	IsRetryable  func(error) bool
}

// DefaultRetryPolicy retries transient failures up to 3 attempts,
// backing off from 1 second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		IsRetryable: func(err error) bool {
			return IsKind(err, KindTransient)
		},
	}
}

// Do runs op under the policy. Non-retryable errors and context
// cancellation propagate immediately; the last attempt's error is
// returned once attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	return retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return WrapError(err, KindFatal, "operation cancelled")
			}
			return op()
		},
		retry.Attempts(p.MaxAttempts),
		retry.Delay(p.InitialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			if p.IsRetryable == nil {
				return IsKind(err, KindTransient)
			}
			return p.IsRetryable(err)
		}),
	)
}
