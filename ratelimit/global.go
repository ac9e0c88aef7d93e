package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Throttle is the shared "send nothing before T" deadline for REST traffic.
type Throttle interface {
	// Deadline returns the current pause deadline, zero when unpaused.
	Deadline(ctx context.Context) (time.Time, error)

	// Extend moves the deadline to until if that is later than the current
	// one. It never shortens a pause.
	Extend(ctx context.Context, until time.Time) error

	// Reset clears any pause.
	Reset(ctx context.Context) error
}

// GlobalThrottle is the in-process Throttle. The deadline is held as unix
// nanoseconds and extended with compare-and-swap.
type GlobalThrottle struct {
	until atomic.Int64
}

// NewGlobalThrottle creates an unpaused throttle.
func NewGlobalThrottle() *GlobalThrottle {
	return &GlobalThrottle{}
}

// Deadline returns the current pause deadline.
func (g *GlobalThrottle) Deadline(context.Context) (time.Time, error) {
	return g.deadline(), nil
}

// Extend moves the deadline forward.
func (g *GlobalThrottle) Extend(_ context.Context, until time.Time) error {
	g.extend(until)
	return nil
}

// Reset clears the pause.
func (g *GlobalThrottle) Reset(context.Context) error {
	g.until.Store(0)
	return nil
}

func (g *GlobalThrottle) deadline() time.Time {
	n := g.until.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// extend reports whether the deadline moved.
func (g *GlobalThrottle) extend(until time.Time) bool {
	n := until.UnixNano()
	for {
		cur := g.until.Load()
		if n <= cur {
			return false
		}
		if g.until.CompareAndSwap(cur, n) {
			return true
		}
	}
}

var _ Throttle = (*GlobalThrottle)(nil)
