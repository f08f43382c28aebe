package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Category names one of the exchange's published call quotas.
type Category string

const (
	// Data covers market-data requests.
	Data Category = "data"
	// Navigation covers catalogue browsing requests.
	Navigation Category = "navigation"
	// Transaction covers order placement, cancellation and login.
	Transaction Category = "transaction"
)

// BucketConfig sets one bucket's token capacity and refill rate.
type BucketConfig struct {
	Capacity     int
	RefillPerSec float64
}

// Defaults mirror the exchange's published quotas: 60 data calls burst
// refilling 1/s, 1000 navigation calls refilling ~16.67/s, 60 transactions
// refilling 1/s.
func Defaults() map[Category]BucketConfig {
	return map[Category]BucketConfig{
		Data:        {Capacity: 60, RefillPerSec: 1},
		Navigation:  {Capacity: 1000, RefillPerSec: 1000.0 / 60.0},
		Transaction: {Capacity: 60, RefillPerSec: 1},
	}
}

// ErrCapacity reports a request for more tokens than a bucket can ever hold.
// It is a programmer error, never a transient condition.
type ErrCapacity struct {
	Category  Category
	Requested int
	Capacity  int
}

func (e *ErrCapacity) Error() string {
	return fmt.Sprintf("ratelimit: %s bucket capacity %d cannot satisfy request for %d tokens",
		e.Category, e.Capacity, e.Requested)
}

// Limiter holds the three independent token buckets. Refill is computed
// lazily from elapsed wall-clock time inside rate.Limiter; there is no
// background refill goroutine.
type Limiter struct {
	buckets map[Category]*rate.Limiter
	caps    map[Category]int
}

// New builds a limiter from per-category configs, falling back to Defaults
// for any category with a non-positive capacity.
func New(cfgs map[Category]BucketConfig) *Limiter {
	defaults := Defaults()
	l := &Limiter{
		buckets: make(map[Category]*rate.Limiter, len(defaults)),
		caps:    make(map[Category]int, len(defaults)),
	}
	for cat, def := range defaults {
		cfg := def
		if c, ok := cfgs[cat]; ok && c.Capacity > 0 && c.RefillPerSec > 0 {
			cfg = c
		}
		l.buckets[cat] = rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity)
		l.caps[cat] = cfg.Capacity
	}
	return l
}

// Acquire blocks the calling goroutine until n tokens are available in the
// category's bucket or the context is cancelled. Other goroutines are never
// blocked by the wait. Requesting more tokens than the bucket capacity fails
// immediately with ErrCapacity rather than waiting forever.
func (l *Limiter) Acquire(ctx context.Context, cat Category, n int) error {
	b, ok := l.buckets[cat]
	if !ok {
		return fmt.Errorf("ratelimit: unknown category %q", cat)
	}
	if n > l.caps[cat] {
		return &ErrCapacity{Category: cat, Requested: n, Capacity: l.caps[cat]}
	}
	return b.WaitN(ctx, n)
}

// TryAcquire reports whether n tokens were immediately available and, if so,
// consumes them. It never waits.
func (l *Limiter) TryAcquire(cat Category, n int) bool {
	b, ok := l.buckets[cat]
	if !ok || n > l.caps[cat] {
		return false
	}
	return b.AllowN(time.Now(), n)
}

// Capacity returns the configured capacity for a category, zero if unknown.
func (l *Limiter) Capacity(cat Category) int {
	return l.caps[cat]
}
