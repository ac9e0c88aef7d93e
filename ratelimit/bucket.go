package ratelimit

import (
	"context"
	"sync"
	"time"
)

// minimumSleep is the pause used when a bucket is exhausted but no reset
// time is known.
const minimumSleep = 750 * time.Millisecond

// waiter is one queued unit of work. ready is closed when the waiter
// reaches the head of its bucket's queue.
type waiter struct {
	ready chan struct{}
}

// Bucket owns the admission decisions of one rate-limit scope. Units of
// work queue in submission order and only the head is ever admitted, so at
// most one unit per bucket is in flight.
//
// A limit of zero means the server has not reported a limit for the scope
// and sends are not locally restricted.
type Bucket struct {
	registry *Registry

	mu            sync.Mutex
	key           BucketKey
	window        time.Duration // static scopes only
	limit         int
	remaining     int
	resetAt       time.Time // zero when no window is open
	lastAttemptAt time.Time
	queue         []*waiter
	redirect      *Bucket
	evicted       bool
}

// BucketStats is a point-in-time copy of a bucket's state.
type BucketStats struct {
	Key           BucketKey
	Limit         int
	Remaining     int
	ResetAt       time.Time
	LastAttemptAt time.Time
	Queued        int // including the unit at the head
	Redirected    bool
}

func newBucket(r *Registry, key BucketKey, now time.Time) *Bucket {
	b := &Bucket{
		registry:      r,
		key:           key,
		limit:         1, // one request until the server reports the real limit
		remaining:     1,
		lastAttemptAt: now,
	}
	if l, ok := r.statics[key]; ok {
		b.window = l.Window
		b.limit = l.Count
		b.remaining = l.Count
	}
	return b
}

// Key returns the bucket's current key. It becomes canonical once the
// bucket is promoted to a server hash.
func (b *Bucket) Key() BucketKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// Stats returns a copy of the bucket's state.
func (b *Bucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketStats{
		Key:           b.key,
		Limit:         b.limit,
		Remaining:     b.remaining,
		ResetAt:       b.resetAt,
		LastAttemptAt: b.lastAttemptAt,
		Queued:        len(b.queue),
		Redirected:    b.redirect != nil,
	}
}

// --- Queue ---

// join appends a waiter. The first waiter is released immediately.
func (b *Bucket) join() (*waiter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.evicted {
		return nil, errEvicted
	}

	w := &waiter{ready: make(chan struct{})}
	b.queue = append(b.queue, w)
	if len(b.queue) == 1 {
		close(w.ready)
	}
	return w, nil
}

// wait blocks until w is at the head of the queue. On cancellation w
// leaves the queue and the context's cause is returned.
func (b *Bucket) wait(ctx context.Context, w *waiter) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		b.leave(w)
		return context.Cause(ctx)
	}
}

// leave removes w from the queue and releases the next waiter if w was at
// the head. Leaving twice is a no-op.
func (b *Bucket) leave(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, q := range b.queue {
		if q != w {
			continue
		}
		copy(b.queue[i:], b.queue[i+1:])
		b.queue[len(b.queue)-1] = nil
		b.queue = b.queue[:len(b.queue)-1]
		if i == 0 && len(b.queue) > 0 {
			close(b.queue[0].ready)
		}
		return
	}
}

func (b *Bucket) redirected() *Bucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.redirect
}

// --- State machine ---

// admit returns how long the head must wait for a local slot. The window
// is refilled once its reset time has passed.
func (b *Bucket) admit(now time.Time, ignoreLimit bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 || ignoreLimit {
		return 0
	}
	if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
		b.remaining = b.limit
		b.resetAt = time.Time{}
	}
	if b.remaining > 0 {
		return 0
	}
	if b.resetAt.IsZero() {
		b.resetAt = now.Add(minimumSleep)
	}
	return b.resetAt.Sub(now)
}

func (b *Bucket) markAttempt(now time.Time) {
	b.mu.Lock()
	b.lastAttemptAt = now
	b.mu.Unlock()
}

// complete consumes one slot and applies a successful response. Static
// scopes open their window at the first send and never extend it.
func (b *Bucket) complete(sentAt, now time.Time, snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.remaining > 0 {
		b.remaining--
	}
	if snap.Limit != nil && *snap.Limit > 0 {
		b.limit = *snap.Limit
	}
	if snap.Remaining != nil {
		b.remaining = *snap.Remaining
	}

	reset, ok := snap.resetTime(now)
	switch {
	case ok:
		if reset.After(b.resetAt) {
			b.resetAt = reset
		}
	case b.window > 0:
		if b.resetAt.IsZero() {
			b.resetAt = sentAt.Add(b.window)
		}
	case snap.Limit == nil && snap.Remaining == nil && b.resetAt.IsZero():
		// No limit information for this route.
		b.limit = 0
	}
	if now.After(b.lastAttemptAt) {
		b.lastAttemptAt = now
	}
}

// reject applies a rate-limit rejection and returns the retry delay. A
// global rejection leaves the bucket's own window untouched.
func (b *Bucket) reject(now time.Time, snap Snapshot) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := minimumSleep
	switch {
	case snap.RetryAfter != nil:
		retry = *snap.RetryAfter
	case snap.ResetAfter != nil:
		retry = *snap.ResetAfter
	}

	if snap.Limit != nil && *snap.Limit > 0 {
		b.limit = *snap.Limit
	}
	b.lastAttemptAt = now
	if snap.Global {
		return retry
	}

	if b.limit <= 0 {
		b.limit = 1
	}
	b.remaining = 0
	if until := now.Add(retry); until.After(b.resetAt) {
		b.resetAt = until
	}
	return retry
}

// adopt records a server hash seen on a response and returns the bucket
// whose state the response belongs to: b itself when it was promoted to the
// hash, or the existing hash bucket that b now redirects to.
func (b *Bucket) adopt(hash string) *Bucket {
	if hash == "" {
		return b
	}

	b.mu.Lock()
	key, redirect := b.key, b.redirect
	b.mu.Unlock()

	if redirect != nil {
		return redirect
	}
	if key.IsCanonical() || key.IsStatic() {
		return b
	}

	target := b.registry.InstallRedirect(key, hash, b)

	b.mu.Lock()
	if target == b {
		b.key = key.WithHash(hash)
	} else {
		b.redirect = target
	}
	b.mu.Unlock()

	return target
}

// --- Eviction ---

// tryEvict marks the bucket evicted when it has no queued work and has not
// been used for longer than idle. A pending reset counts as use.
func (b *Bucket) tryEvict(now time.Time, idle time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.evicted {
		return true
	}
	if len(b.queue) > 0 {
		return false
	}
	last := b.lastAttemptAt
	if b.resetAt.After(last) {
		last = b.resetAt
	}
	if now.Sub(last) <= idle {
		return false
	}
	b.evicted = true
	return true
}

func (b *Bucket) evict() {
	b.mu.Lock()
	b.evicted = true
	b.mu.Unlock()
}

func (b *Bucket) isEvicted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
