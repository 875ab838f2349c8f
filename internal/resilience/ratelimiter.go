package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter implements a token bucket with a secondary fixed-window
// counter (reset wholesale once windowDur has elapsed) capping how many
// tokens one window may consume. Refill occurs lazily on each Allow check
// based on elapsed time. cmd/signature-engine uses one to bound the rate of
// externally triggered forced reloads against a domain.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

// NewRateLimiter creates a combined token bucket + sliding window limiter.
func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   time.Now(),
		windowStart:  time.Now(),
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow returns whether one token can be consumed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()
	meter := otel.GetMeterProvider().Meter("acmatch")

	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		refill := elapsed * r.fillRate
		if refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		counter, _ := meter.Int64Counter("acmatch_ratelimiter_window_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	counter, _ := meter.Int64Counter("acmatch_ratelimiter_token_drops_total")
	counter.Add(context.Background(), 1)
	return false
}

// ReserveAfter returns the duration after which n tokens will be available.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()
	need := float64(n)

	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		refill := elapsed * r.fillRate
		if refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if r.available >= need {
		return 0
	}
	shortfall := need - r.available
	seconds := shortfall / r.fillRate
	return time.Duration(seconds * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// PatternBudget reports a registry's live-vs-capacity pattern count.
// *domain.Domain satisfies this structurally (LiveCount, Cap) without
// resilience needing to import domain.
type PatternBudget interface {
	LiveCount() int
	Cap() int
}

// AllowPatternBatch refuses a batch of n pattern additions outright when
// budget reports fewer than n free slots, before the token-bucket/window
// check even runs. Without it a caller could pass the rate limiter only to
// have AddPatterns fail partway through with OutOfSlots and no rollback of
// the entries committed before the failure.
func (r *RateLimiter) AllowPatternBatch(budget PatternBudget, n int64) bool {
	if n <= 0 {
		return true
	}
	if budget != nil {
		free := int64(budget.Cap() - budget.LiveCount())
		if free < n {
			meter := otel.GetMeterProvider().Meter("acmatch")
			counter, _ := meter.Int64Counter("acmatch_ratelimiter_capacity_drops_total")
			counter.Add(context.Background(), 1)
			return false
		}
	}
	return r.AllowN(n)
}
