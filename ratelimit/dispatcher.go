package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	derrors "github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/shutdown"
	"github.com/vinayprograms/dispatchkit/telemetry"
)

// Feedback is what a transport reports about one send.
type Feedback struct {
	// Snapshot is the rate-limit information carried by the response.
	Snapshot Snapshot

	// RateLimited is set when the server rejected the send for exceeding a
	// rate limit. The unit is retried; other failures are returned as errors.
	RateLimited bool
}

// SendFunc performs one transmission attempt. Results are passed back to
// the submitter by closure capture.
type SendFunc func(ctx context.Context) (Feedback, error)

// Request is a unit of work and its routing metadata.
type Request struct {
	// ID identifies the unit in logs and spans. Default: a random UUID
	ID string

	// Key routes the unit to an explicit bucket.
	Key *BucketKey

	// Method, Route (template) and Major derive the bucket when Key and
	// Override are nil.
	Method string
	Route  string
	Major  string

	// Override routes the unit to a predeclared scope such as ClientSendEdit.
	Override *BucketKey

	// IgnoreLimit skips the bucket's local wait. The send still counts.
	IgnoreLimit bool

	// NoRetry fails the unit with RATE_LIMITED instead of waiting.
	NoRetry bool

	// Send transmits the unit.
	Send SendFunc
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Default: discard.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer. Default: the global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithThrottle replaces the in-process global throttle.
func WithThrottle(t Throttle) Option {
	return func(d *Dispatcher) { d.throttle = t }
}

// WithEventHandler sets the handler called on every rate-limit rejection.
func WithEventHandler(h EventHandler) Option {
	return func(d *Dispatcher) { d.onEvent = h }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// Dispatcher is the entry point for all outbound work. It resolves each
// unit to its bucket, applies the global throttle and the bucket's window,
// and owns the cancellation protocol and the idle-bucket reaper.
type Dispatcher struct {
	config   Config
	registry *Registry
	throttle Throttle
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	onEvent  EventHandler
	clock    Clock

	mu       sync.RWMutex // guards closed, parent, epoch and inflight.Add
	closed   bool
	parent   context.Context
	epoch    *epoch
	inflight sync.WaitGroup
	released atomic.Bool

	stopReaper context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Dispatcher and starts its reaper.
func New(config Config, opts ...Option) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	d := &Dispatcher{
		config: config,
		clock:  realClock{},
		parent: context.Background(),
		epoch:  newEpoch(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	if d.tracer == nil {
		d.tracer = telemetry.GetTracer()
	}
	if d.throttle == nil {
		d.throttle = NewGlobalThrottle()
	}
	d.registry = NewRegistry(config.Buckets, d.clock.Now)

	ctx, cancel := context.WithCancel(context.Background())
	d.stopReaper = cancel
	d.wg.Add(1)
	go d.reap(ctx)

	return d, nil
}

// Registry returns the bucket registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Throttle returns the global throttle.
func (d *Dispatcher) Throttle() Throttle {
	return d.throttle
}

// unit is a request in flight through the dispatcher.
type unit struct {
	id       string
	key      BucketKey
	route    string
	req      *Request
	span     trace.Span
	scope    *scope
	attempts int
}

// Submit routes req to its bucket and blocks until it has been sent, has
// failed, or has been cancelled. Rate-limit rejections are absorbed and
// retried; transport errors are returned unchanged.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) error {
	if req == nil || req.Send == nil {
		return derrors.InvalidInput("request has no send function", derrors.WithCause(ErrNoSend))
	}
	key, route, err := d.route(req)
	if err != nil {
		return err
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return derrors.Closed(derrors.WithCause(ErrClosed), derrors.WithBucket(key.String()), derrors.WithRoute(route))
	}
	parent, ep := d.parent, d.epoch
	d.inflight.Add(1)
	d.mu.RUnlock()
	defer d.inflight.Done()

	sc := newScope(ep.ctx, ctx, parent)
	defer sc.release()
	ctx = sc.ctx

	u := &unit{
		id:    req.ID,
		key:   key,
		route: route,
		req:   req,
		scope: sc,
	}
	if u.id == "" {
		u.id = uuid.NewString()
	}

	start := d.clock.Now()
	ctx, u.span = d.tracer.StartDispatchSpan(ctx, route)
	err = d.dispatch(ctx, u)
	d.tracer.EndDispatchSpan(u.span, telemetry.DispatchSpanOptions{
		RequestID: u.id,
		Bucket:    key.String(),
		Route:     route,
		Attempts:  u.attempts,
		Queued:    d.clock.Now().Sub(start),
	}, err)

	return err
}

// route picks the bucket key: explicit Key, then Override, then the key
// derived from method, route template and major parameter.
func (d *Dispatcher) route(req *Request) (BucketKey, string, error) {
	var key BucketKey
	switch {
	case req.Key != nil:
		key = *req.Key
	case req.Override != nil:
		key = *req.Override
	case req.Route != "":
		key = RouteKey(req.Method, req.Route, req.Major)
	default:
		return BucketKey{}, "", derrors.InvalidInput("request has no route or bucket key")
	}

	route := key.Route
	if req.Route != "" {
		route = RouteKey(req.Method, req.Route, "").Route
	}

	if key.IsStatic() && !d.registry.Declared(key) {
		return key, route, derrors.InvalidInput("unknown static bucket "+key.String(),
			derrors.WithCause(ErrUnknownBucket), derrors.WithBucket(key.String()))
	}
	return key, route, nil
}

// enqueue joins the queue of the bucket currently serving key.
func (d *Dispatcher) enqueue(key BucketKey) (*Bucket, *waiter) {
	for {
		b := d.registry.Resolve(key)
		if w, err := b.join(); err == nil {
			return b, w
		}
	}
}

// forward moves a head-of-queue waiter from a redirected bucket to the
// bucket it redirects to. The new place is taken before the old one is
// released so later units of the same key stay behind it.
func (d *Dispatcher) forward(b *Bucket, w *waiter, next *Bucket, key BucketKey) (*Bucket, *waiter) {
	nw, err := next.join()
	if err != nil {
		b.leave(w)
		return d.enqueue(key)
	}
	b.leave(w)
	return next, nw
}

func (d *Dispatcher) dispatch(ctx context.Context, u *unit) error {
	b, w := d.enqueue(u.key)
	defer func() { b.leave(w) }()

	rejections := 0
	for {
		if err := b.wait(ctx, w); err != nil {
			return d.canceled(ctx, u)
		}
		if next := b.redirected(); next != nil {
			b, w = d.forward(b, w, next, u.key)
			continue
		}

		if err := d.admit(ctx, b, u, u.req.IgnoreLimit); err != nil {
			return err
		}
		if debitsConnection(u.key) {
			if err := d.debit(ctx, u); err != nil {
				return err
			}
			// The connection wait may have crossed this bucket's reset.
			if err := d.admit(ctx, b, u, u.req.IgnoreLimit); err != nil {
				return err
			}
		}
		if u.scope.err() != nil {
			return d.canceled(ctx, u)
		}

		sentAt := d.clock.Now()
		b.markAttempt(sentAt)
		u.attempts++

		fb, err := u.req.Send(ctx)
		now := d.clock.Now()
		if err != nil {
			if u.scope.err() != nil {
				return d.canceled(ctx, u)
			}
			d.logger.TransportError(b.Key().String(), u.route, err)
			return err
		}

		target := b.adopt(fb.Snapshot.Bucket)
		if target != b {
			d.logger.Redirected(u.key.String(), target.Key().String())
		}
		if !fb.RateLimited {
			target.complete(sentAt, now, fb.Snapshot)
			return nil
		}

		snap := fb.Snapshot
		if u.key.Kind == KindGateway {
			snap.Global = false
		}
		retry := target.reject(now, snap)
		d.rejected(ctx, target, u, snap, retry, now)

		rejections++
		if u.req.NoRetry || rejections > d.config.MaxRateLimitRetries {
			return derrors.RateLimited("rate limit not cleared after retries",
				derrors.WithBucket(target.Key().String()),
				derrors.WithRoute(u.route),
				derrors.WithMetadata("retry_after", retry.String()))
		}
	}
}

// debit takes one slot from the connection-wide gateway bucket. It runs
// after the command's own bucket admitted it and before the send, so the
// slot lands in the window the command is actually sent in.
func (d *Dispatcher) debit(ctx context.Context, u *unit) error {
	b, w := d.enqueue(GatewayConnection)
	defer b.leave(w)

	if err := b.wait(ctx, w); err != nil {
		return d.canceled(ctx, u)
	}
	if err := d.admit(ctx, b, u, false); err != nil {
		return err
	}

	now := d.clock.Now()
	b.markAttempt(now)
	b.complete(now, now, Snapshot{})
	return nil
}

// admit blocks until both the bucket's window and, for REST traffic, the
// global throttle allow a send.
func (d *Dispatcher) admit(ctx context.Context, b *Bucket, u *unit, ignoreLimit bool) error {
	for {
		if u.scope.err() != nil {
			return d.canceled(ctx, u)
		}

		now := d.clock.Now()
		wait := b.admit(now, ignoreLimit)
		global := false
		if u.key.Kind != KindGateway {
			if until := d.globalDeadline(ctx); until.Sub(now) > wait {
				wait = until.Sub(now)
				global = true
			}
		}
		if wait <= 0 {
			return nil
		}

		bucket := b.Key().String()
		if u.req.NoRetry {
			return derrors.RateLimited("rate limited and retries disabled",
				derrors.WithBucket(bucket),
				derrors.WithRoute(u.route),
				derrors.WithMetadata("wait", wait.String()))
		}

		d.logger.Throttled(bucket, u.id, wait)
		d.tracer.AddThrottleEvent(u.span, bucket, wait, global)

		select {
		case <-ctx.Done():
			return d.canceled(ctx, u)
		case <-d.clock.After(wait):
		}
	}
}

func (d *Dispatcher) globalDeadline(ctx context.Context) time.Time {
	until, err := d.throttle.Deadline(ctx)
	if err != nil {
		d.logger.Warn("global_deadline_unavailable", map[string]interface{}{"error": err.Error()})
		return time.Time{}
	}
	return until
}

// rejected records a server rejection: a global one pauses every REST
// bucket, and exactly one event is emitted.
func (d *Dispatcher) rejected(ctx context.Context, b *Bucket, u *unit, snap Snapshot, retry time.Duration, now time.Time) {
	key := b.Key()

	if snap.Global {
		until := now.Add(retry + snap.lag())
		if err := d.throttle.Extend(ctx, until); err != nil {
			d.logger.Warn("global_extend_failed", map[string]interface{}{"error": err.Error()})
		}
		d.logger.GlobalPause(until)
	}

	d.logger.RateLimited(key.String(), u.route, snap.Global, retry)
	d.tracer.AddRateLimitEvent(u.span, key.String(), retry, snap.Global)

	if d.onEvent != nil {
		d.onEvent(Event{
			RequestID:  u.id,
			Bucket:     key,
			Route:      u.route,
			Global:     snap.Global,
			RetryAfter: retry,
			Snapshot:   snap,
			At:         now,
		})
	}
}

// canceled converts the cancellation of ctx into a caller-visible error.
func (d *Dispatcher) canceled(ctx context.Context, u *unit) error {
	cause := context.Cause(ctx)
	opts := []derrors.Option{
		derrors.WithCause(cause),
		derrors.WithBucket(u.key.String()),
		derrors.WithRoute(u.route),
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return derrors.New(derrors.ErrCodeTimeout, "request timed out", opts...)
	}
	return derrors.Canceled("request canceled", opts...)
}

// Shutdown cancels all queued and in-flight work, stops the reaper and
// releases every bucket. Later submissions fail with DISPATCHER_CLOSED.
// If ctx ends before in-flight work has drained, a later call finishes the
// release.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	start := d.clock.Now()

	d.mu.Lock()
	first := !d.closed
	d.closed = true
	ep := d.epoch
	d.mu.Unlock()

	if first {
		ep.cancel(errShutdown)
		d.stopReaper()
	}

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if d.released.CompareAndSwap(false, true) {
		d.registry.Remove(func(BucketKey) bool { return true })
		d.logger.Closed(d.clock.Now().Sub(start))
	}
	return nil
}

// OnShutdown implements shutdown.ShutdownHandler.
func (d *Dispatcher) OnShutdown(ctx context.Context) error {
	return d.Shutdown(ctx)
}

// Close shuts the dispatcher down, waiting at most five seconds.
func (d *Dispatcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}

var _ shutdown.ShutdownHandler = (*Dispatcher)(nil)
