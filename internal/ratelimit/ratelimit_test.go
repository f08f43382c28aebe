package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func smallLimiter() *Limiter {
	return New(map[Category]BucketConfig{
		Data:        {Capacity: 5, RefillPerSec: 1},
		Navigation:  {Capacity: 5, RefillPerSec: 1},
		Transaction: {Capacity: 5, RefillPerSec: 1},
	})
}

func TestBurstThenBlock(t *testing.T) {
	l := smallLimiter()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, Data, 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("burst acquires should not wait, took %s", elapsed)
	}

	start = time.Now()
	if err := l.Acquire(ctx, Data, 1); err != nil {
		t.Fatalf("sixth acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 700*time.Millisecond {
		t.Fatalf("sixth acquire should block about a second, took %s", elapsed)
	}
}

func TestTryAcquireNeverWaits(t *testing.T) {
	l := smallLimiter()
	for i := 0; i < 5; i++ {
		if !l.TryAcquire(Navigation, 1) {
			t.Fatalf("expected token %d available", i)
		}
	}
	start := time.Now()
	if l.TryAcquire(Navigation, 1) {
		t.Fatalf("expected empty bucket")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("TryAcquire must return immediately, took %s", elapsed)
	}
}

func TestAcquireOverCapacityFailsFast(t *testing.T) {
	l := smallLimiter()
	err := l.Acquire(context.Background(), Transaction, 6)
	if err == nil {
		t.Fatalf("expected capacity error")
	}
	var capErr *ErrCapacity
	if !errors.As(err, &capErr) {
		t.Fatalf("expected ErrCapacity, got %T: %v", err, err)
	}
	if capErr.Requested != 6 || capErr.Capacity != 5 {
		t.Fatalf("unexpected capacity error: %+v", capErr)
	}
	if l.TryAcquire(Transaction, 6) {
		t.Fatalf("TryAcquire over capacity must fail")
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	l := smallLimiter()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, Data, 1); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(cancelled, Data, 1); err == nil {
		t.Fatalf("expected context error on drained bucket")
	}
}

func TestUnknownCategory(t *testing.T) {
	l := smallLimiter()
	if err := l.Acquire(context.Background(), Category("bogus"), 1); err == nil {
		t.Fatalf("expected error for unknown category")
	}
	if l.TryAcquire(Category("bogus"), 1) {
		t.Fatalf("expected TryAcquire failure for unknown category")
	}
}

func TestDefaults(t *testing.T) {
	l := New(nil)
	if got := l.Capacity(Data); got != 60 {
		t.Errorf("data capacity = %d, want 60", got)
	}
	if got := l.Capacity(Navigation); got != 1000 {
		t.Errorf("navigation capacity = %d, want 1000", got)
	}
	if got := l.Capacity(Transaction); got != 60 {
		t.Errorf("transaction capacity = %d, want 60", got)
	}
}
