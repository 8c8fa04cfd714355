package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Limiter caps how many transforms a stage may execute at once. It is a
// counting semaphore handing out permit handles: whoever holds a permit
// releases it exactly once no matter how the holding scope exits.
type Limiter struct {
	slots   chan struct{}
	waiting atomic.Int64
}

// NewLimiter builds a limiter with maxConcurrency permits.
func NewLimiter(maxConcurrency int) (*Limiter, error) {
	if maxConcurrency < 1 {
		return nil, &ConfigError{
			Field:  "maxConcurrency",
			Reason: fmt.Sprintf("must be at least 1, got %d", maxConcurrency),
		}
	}
	return &Limiter{slots: make(chan struct{}, maxConcurrency)}, nil
}

// Acquire waits for a free permit. The wait is a plain channel receive, so
// a suspended caller costs nothing but its goroutine. Returns ctx.Err()
// when the context ends first.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.waiting.Add(1)
	defer l.waiting.Add(-1)
	select {
	case l.slots <- struct{}{}:
		return &Permit{limiter: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cap returns the configured permit count.
func (l *Limiter) Cap() int { return cap(l.slots) }

// InFlight returns how many permits are currently held.
func (l *Limiter) InFlight() int { return len(l.slots) }

// Waiting returns how many callers are suspended in Acquire.
func (l *Limiter) Waiting() int { return int(l.waiting.Load()) }

// Permit is one admission through the limiter.
type Permit struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the permit. Safe to call more than once; only the first
// call counts.
func (p *Permit) Release() {
	p.once.Do(func() { <-p.limiter.slots })
}
