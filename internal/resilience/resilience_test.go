package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, nil, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	if v != 42 {
		t.Fatalf("Retry value = %d, want 42", v)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	attempts := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, nil, func() (int, error) {
		attempts++
		return 0, wantErr
	})
	if err != wantErr {
		t.Fatalf("Retry error = %v, want %v", err, wantErr)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 3, time.Second, nil, func() (int, error) {
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatalf("Retry returned nil error after context cancellation")
	}
}

func TestRetryGivesUpImmediatelyOnNonRetryableError(t *testing.T) {
	wantErr := errors.New("not busy")
	attempts := 0
	neverRetryable := func(error) bool { return false }
	_, err := Retry(context.Background(), 5, time.Second, neverRetryable, func() (int, error) {
		attempts++
		return 0, wantErr
	})
	if err != wantErr {
		t.Fatalf("Retry error = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no backoff sleep on non-retryable error)", attempts)
	}
}

func TestRetryRetriesOnlyClassifiedErrors(t *testing.T) {
	busy := errors.New("busy")
	attempts := 0
	onlyBusy := func(err error) bool { return errors.Is(err, busy) }
	v, err := Retry(context.Background(), 5, time.Millisecond, onlyBusy, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, busy
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	if v != 7 || attempts != 3 {
		t.Fatalf("Retry value/attempts = %d/%d, want 7/3", v, attempts)
	}
}

func TestCircuitBreakerOpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 4, 4, 0.5, 50*time.Millisecond, 1)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("Allow() = false before breaker should trip")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("Allow() = true, want breaker open after sustained failures")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 4, 2, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("breaker should be open immediately after tripping")
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("breaker should allow a half-open probe after cool-down")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed again after a successful probe")
	}
}

func TestRateLimiterTokenBucket(t *testing.T) {
	rl := NewRateLimiter(2, 1000, time.Second, 0)
	if !rl.Allow() || !rl.Allow() {
		t.Fatalf("expected first two Allow() calls to succeed with capacity 2")
	}
	if rl.Allow() {
		t.Fatalf("expected third immediate Allow() to fail with an empty bucket")
	}
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 1000, time.Minute, 1)
	if !rl.Allow() {
		t.Fatalf("expected first call within window cap to succeed")
	}
	if rl.Allow() {
		t.Fatalf("expected second call to be rejected by the per-window cap")
	}
}

func TestCircuitBreakerRecordOutcomeTreatsBusyAsNonFailure(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 4, 4, 0.5, 50*time.Millisecond, 1)
	busy := errors.New("busy")
	onlyBusy := func(err error) bool { return errors.Is(err, busy) }
	for i := 0; i < 4; i++ {
		cb.RecordOutcome(busy, onlyBusy)
	}
	if !cb.Allow() {
		t.Fatalf("breaker tripped on a retryable-classified error, want still closed")
	}

	for i := 0; i < 6; i++ {
		cb.RecordOutcome(errors.New("real failure"), onlyBusy)
	}
	if cb.Allow() {
		t.Fatalf("breaker did not trip on a run of genuine (non-retryable) failures")
	}
}

type fakeBudget struct{ live, cap int }

func (f fakeBudget) LiveCount() int { return f.live }
func (f fakeBudget) Cap() int       { return f.cap }

func TestRateLimiterAllowPatternBatchRejectsOversizedBatch(t *testing.T) {
	rl := NewRateLimiter(100, 1000, time.Minute, 100)
	if rl.AllowPatternBatch(fakeBudget{live: 8, cap: 10}, 5) {
		t.Fatalf("AllowPatternBatch allowed a batch of 5 with only 2 free slots")
	}
	if !rl.AllowPatternBatch(fakeBudget{live: 8, cap: 10}, 2) {
		t.Fatalf("AllowPatternBatch rejected a batch that exactly fits the remaining capacity")
	}
}
