package ratelimit

import (
	"context"
	"time"
)

// reap periodically evicts idle buckets until ctx is done.
func (d *Dispatcher) reap(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Sweep runs one eviction pass and returns the number of buckets removed.
func (d *Dispatcher) Sweep() int {
	n := d.registry.Sweep(d.clock.Now(), d.config.IdleTimeout)
	if n > 0 {
		d.logger.Evicted(n, d.registry.Len())
	}
	return n
}
