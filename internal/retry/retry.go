package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Policy retries an arbitrary fallible operation with exponential backoff.
// The delay before attempt n is InitialDelay * Multiplier^(n-1) capped at
// MaxDelay, optionally randomized to avoid synchronized retries across
// concurrent callers.
//
// The streaming reconnect loop does not use this policy; it runs its own
// bounded loop because reconnection also has re-subscription bookkeeping.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultPolicy matches the REST client defaults: three attempts starting at
// half a second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Do runs op until it succeeds or MaxAttempts is reached, returning the last
// error. Backoff waits run to completion once started; the context is checked
// between attempts, not mid-sleep.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    p.InitialDelay,
		Max:    p.MaxDelay,
		Factor: p.Multiplier,
		Jitter: p.Jitter,
	}
	if b.Min <= 0 {
		b.Min = 500 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor <= 1 {
		b.Factor = 2
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(b.Duration())
	}
	return fmt.Errorf("retry: %d attempts exhausted: %w", attempts, err)
}
