// Package resilience provides the matching service's cross-cutting
// reliability primitives: a classifying retry helper, an adaptive circuit
// breaker, and a token-bucket rate limiter. Retry and the breaker's
// RecordOutcome take a caller-supplied Classifier so they can tell transient
// contention apart from a genuine failure, instead of treating every non-nil
// error the same way.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Classifier reports whether err is the kind of failure worth retrying.
// Callers in cmd/signature-engine and internal/domain pass one built around
// errors.Is(err, domain.ErrBusy), since resilience must not import domain
// itself: Busy is lock contention a concurrent writer will clear on its own,
// where OutOfSlots, TooLong, and Duplicate are properties of the call that
// no amount of waiting fixes. A nil Classifier retries every error.
type Classifier func(error) bool

// Retry executes fn with exponential backoff (base delay) plus full jitter,
// but only for errors retryable classifies as worth another attempt. The
// first non-retryable error returns immediately without sleeping or
// consuming further attempts.
//
// delay is the initial backoff; it doubles after every retried attempt,
// capped at 60s, until attempts is exhausted or ctx is done.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, retryable Classifier, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("acmatch")
	attemptCounter, _ := meter.Int64Counter("acmatch_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("acmatch_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("acmatch_resilience_retry_fail_total")
	giveUpCounter, _ := meter.Int64Counter("acmatch_resilience_retry_nonretryable_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			giveUpCounter.Add(ctx, 1)
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
