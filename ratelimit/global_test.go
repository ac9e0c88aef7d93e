package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGlobalThrottle(t *testing.T) {
	ctx := context.Background()
	g := NewGlobalThrottle()

	if d, _ := g.Deadline(ctx); !d.IsZero() {
		t.Errorf("new throttle deadline = %v, want zero", d)
	}

	later := t0.Add(2 * time.Second)
	_ = g.Extend(ctx, later)
	_ = g.Extend(ctx, t0.Add(time.Second))
	if d, _ := g.Deadline(ctx); !d.Equal(later) {
		t.Errorf("deadline = %v, want %v (never shortened)", d, later)
	}

	_ = g.Reset(ctx)
	if d, _ := g.Deadline(ctx); !d.IsZero() {
		t.Errorf("deadline after reset = %v", d)
	}
}

func TestGlobalThrottle_ConcurrentExtend(t *testing.T) {
	g := NewGlobalThrottle()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g.extend(t0.Add(time.Duration(i) * time.Millisecond))
		}(i)
	}
	wg.Wait()

	if d := g.deadline(); !d.Equal(t0.Add(100 * time.Millisecond)) {
		t.Errorf("deadline = %v, want the latest extension", d)
	}
}
