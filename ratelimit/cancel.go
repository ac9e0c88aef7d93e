package ratelimit

import (
	"context"
	"time"
)

// epoch is one clear generation. Every unit submitted during the epoch is
// cancelled when the epoch ends.
type epoch struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newEpoch() *epoch {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &epoch{ctx: ctx, cancel: cancel}
}

// scope is the cancellation of one unit. It is derived from the clear
// epoch, so Clear and Shutdown reach it synchronously; the caller's context
// and the parent are linked in and polled before every send.
type scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	linked []context.Context
	stops  []func() bool
}

func newScope(ep context.Context, linked ...context.Context) *scope {
	ctx, cancel := context.WithCancelCause(ep)
	s := &scope{ctx: ctx, cancel: cancel, linked: linked}
	for _, o := range linked {
		s.stops = append(s.stops, context.AfterFunc(o, func() {
			cancel(context.Cause(o))
		}))
	}
	return s
}

// err folds in a linked context that is done but whose callback has not
// run yet, and reports whether the unit is cancelled.
func (s *scope) err() error {
	for _, o := range s.linked {
		if o.Err() != nil {
			s.cancel(context.Cause(o))
		}
	}
	return s.ctx.Err()
}

func (s *scope) release() {
	for _, stop := range s.stops {
		stop()
	}
	s.cancel(nil)
}

// SetParent installs the long-lived context representing the owning
// client's lifetime. Units submitted afterwards are cancelled when it is.
func (d *Dispatcher) SetParent(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	d.parent = ctx
	d.mu.Unlock()
}

// Clear cancels every unit of work currently queued or in flight and
// starts a new epoch. The global pause is lifted. Units submitted after
// Clear returns are unaffected.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	old := d.epoch
	d.epoch = newEpoch()
	d.mu.Unlock()

	old.cancel(ErrCleared)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.throttle.Reset(ctx); err != nil {
		d.logger.Warn("global_reset_failed", map[string]interface{}{"error": err.Error()})
	}

	d.logger.Cleared(d.registry.Len())
}

// ResetGateway drops every gateway bucket so that a new connection starts
// with fresh windows.
func (d *Dispatcher) ResetGateway() int {
	n := d.registry.Remove(func(k BucketKey) bool {
		return k.Kind == KindGateway
	})
	d.logger.Debug("gateway_buckets_reset", map[string]interface{}{"removed": n})
	return n
}
