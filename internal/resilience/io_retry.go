package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryIO retries fn using an exponential backoff with jitter, for
// transient I/O errors (a rules directory on a flaky mount, a momentarily
// unavailable file) rather than the in-process lock-contention retry that
// Retry targets. maxElapsed bounds total wall-clock time spent retrying; once
// exceeded, the last error is returned.
//
// This is distinct from Retry: Retry exists to absorb domain.ErrBusy from a
// concurrent bundle mutation, a pure in-process contention case with no
// backing store involved. RetryIO exists for callers reading from an actual
// filesystem or network source (internal/hotreload's directory watch) where
// cenkalti/backoff's stock exponential-backoff-with-jitter policy is the
// idiomatic fit.
func RetryIO(maxElapsed time.Duration, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(fn, bo)
}
