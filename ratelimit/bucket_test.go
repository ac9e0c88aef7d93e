package ratelimit

import (
	"context"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestBucket(key BucketKey, statics map[BucketKey]Limit) *Bucket {
	r := NewRegistry(statics, func() time.Time { return t0 })
	return r.Resolve(key)
}

func TestBucket_InitialState(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "guilds/{guild_id}", "1"), nil)
	s := b.Stats()
	if s.Limit != 1 || s.Remaining != 1 {
		t.Errorf("limit/remaining = %d/%d, want 1/1", s.Limit, s.Remaining)
	}
	if !s.ResetAt.IsZero() {
		t.Error("new bucket should have no open window")
	}
	if !s.LastAttemptAt.Equal(t0) {
		t.Errorf("LastAttemptAt = %v, want creation time", s.LastAttemptAt)
	}
}

func TestBucket_AdmitWaitsForReset(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)

	if w := b.admit(t0, false); w != 0 {
		t.Fatalf("first admit wait = %v, want 0", w)
	}
	b.complete(t0, t0, Snapshot{Limit: intp(2), Remaining: intp(0), ResetAfter: durp(3 * time.Second)})

	if w := b.admit(t0.Add(time.Second), false); w != 2*time.Second {
		t.Errorf("admit wait = %v, want 2s", w)
	}
	if w := b.admit(t0.Add(3*time.Second), false); w != 0 {
		t.Errorf("admit after reset = %v, want 0", w)
	}
	if s := b.Stats(); s.Remaining != 2 || !s.ResetAt.IsZero() {
		t.Errorf("after refill remaining=%d resetAt=%v", s.Remaining, s.ResetAt)
	}
}

func TestBucket_AdmitIgnoreLimit(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.complete(t0, t0, Snapshot{Limit: intp(1), Remaining: intp(0), ResetAfter: durp(time.Minute)})

	if w := b.admit(t0, true); w != 0 {
		t.Errorf("ignoreLimit wait = %v, want 0", w)
	}
	if w := b.admit(t0, false); w != time.Minute {
		t.Errorf("wait = %v, want 1m", w)
	}
}

func TestBucket_ExhaustedWithoutReset(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.complete(t0, t0, Snapshot{Limit: intp(3), Remaining: intp(0)})

	if w := b.admit(t0, false); w != minimumSleep {
		t.Errorf("wait = %v, want %v", w, minimumSleep)
	}
}

func TestBucket_NoInfoDisablesLimit(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.complete(t0, t0, Snapshot{})

	if s := b.Stats(); s.Limit != 0 {
		t.Fatalf("Limit = %d, want 0", s.Limit)
	}
	for i := 0; i < 5; i++ {
		if w := b.admit(t0, false); w != 0 {
			t.Fatalf("admit %d wait = %v, want 0", i, w)
		}
		b.complete(t0, t0, Snapshot{})
	}
}

func TestBucket_SparseSnapshot(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.complete(t0, t0, Snapshot{Limit: intp(5), Remaining: intp(4), ResetAfter: durp(10 * time.Second)})

	// Only remaining reported; limit and reset are kept.
	b.complete(t0, t0.Add(time.Second), Snapshot{Remaining: intp(3)})
	s := b.Stats()
	if s.Limit != 5 || s.Remaining != 3 {
		t.Errorf("limit/remaining = %d/%d, want 5/3", s.Limit, s.Remaining)
	}
	if !s.ResetAt.Equal(t0.Add(10 * time.Second)) {
		t.Errorf("ResetAt = %v", s.ResetAt)
	}

	// An earlier reset never shortens the window.
	b.complete(t0, t0.Add(time.Second), Snapshot{Remaining: intp(2), ResetAfter: durp(time.Second)})
	if s := b.Stats(); !s.ResetAt.Equal(t0.Add(10 * time.Second)) {
		t.Errorf("ResetAt moved back to %v", s.ResetAt)
	}
}

func TestBucket_StaticWindow(t *testing.T) {
	key := StaticKey(KindClient, "test")
	b := newTestBucket(key, map[BucketKey]Limit{key: {Count: 2, Window: 10 * time.Second}})

	b.complete(t0, t0, Snapshot{})
	b.complete(t0.Add(time.Second), t0.Add(time.Second), Snapshot{})

	s := b.Stats()
	if s.Limit != 2 || s.Remaining != 0 {
		t.Errorf("limit/remaining = %d/%d, want 2/0", s.Limit, s.Remaining)
	}
	if !s.ResetAt.Equal(t0.Add(10 * time.Second)) {
		t.Errorf("window should open at the first send, resetAt = %v", s.ResetAt)
	}
	if w := b.admit(t0.Add(4*time.Second), false); w != 6*time.Second {
		t.Errorf("wait = %v, want 6s", w)
	}
}

func TestBucket_Reject(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.complete(t0, t0, Snapshot{Limit: intp(5), Remaining: intp(4), ResetAfter: durp(time.Second)})

	retry := b.reject(t0, Snapshot{RetryAfter: durp(3 * time.Second)})
	if retry != 3*time.Second {
		t.Errorf("retry = %v, want 3s", retry)
	}
	s := b.Stats()
	if s.Remaining != 0 || !s.ResetAt.Equal(t0.Add(3*time.Second)) {
		t.Errorf("remaining=%d resetAt=%v", s.Remaining, s.ResetAt)
	}
}

func TestBucket_RejectGlobalKeepsWindow(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.complete(t0, t0, Snapshot{Limit: intp(5), Remaining: intp(4), ResetAfter: durp(time.Second)})

	retry := b.reject(t0, Snapshot{Global: true, RetryAfter: durp(2 * time.Second)})
	if retry != 2*time.Second {
		t.Errorf("retry = %v, want 2s", retry)
	}
	if s := b.Stats(); s.Remaining != 4 {
		t.Errorf("global rejection changed remaining to %d", s.Remaining)
	}
}

func TestBucket_RejectDefaultsToMinimumSleep(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.complete(t0, t0, Snapshot{})

	if retry := b.reject(t0, Snapshot{}); retry != minimumSleep {
		t.Errorf("retry = %v, want %v", retry, minimumSleep)
	}
	if s := b.Stats(); s.Limit != 1 {
		t.Errorf("a rejection should re-enable the limit, got %d", s.Limit)
	}
}

func TestBucket_QueueOrder(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	ctx := context.Background()

	w1, _ := b.join()
	w2, _ := b.join()
	w3, _ := b.join()

	if err := b.wait(ctx, w1); err != nil {
		t.Fatalf("head should be released: %v", err)
	}
	select {
	case <-w2.ready:
		t.Fatal("second waiter released early")
	default:
	}

	// A cancelled waiter in the middle leaves without releasing anyone.
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := b.wait(cctx, w2); err == nil {
		t.Fatal("expected cancellation")
	}
	select {
	case <-w3.ready:
		t.Fatal("third waiter released while head still queued")
	default:
	}

	b.leave(w1)
	if err := b.wait(ctx, w3); err != nil {
		t.Fatalf("third waiter should be head: %v", err)
	}
	b.leave(w1) // no-op
	if s := b.Stats(); s.Queued != 1 {
		t.Errorf("Queued = %d, want 1", s.Queued)
	}
}

func TestBucket_JoinEvicted(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.evict()
	if _, err := b.join(); err != errEvicted {
		t.Errorf("join() error = %v, want errEvicted", err)
	}
}

func TestBucket_TryEvict(t *testing.T) {
	b := newTestBucket(RouteKey("GET", "x", ""), nil)
	b.complete(t0, t0, Snapshot{Limit: intp(1), Remaining: intp(0), ResetAfter: durp(5 * time.Minute)})

	if b.tryEvict(t0.Add(2*time.Minute), time.Minute) {
		t.Error("bucket with a pending reset should not be evicted")
	}
	if !b.tryEvict(t0.Add(7*time.Minute), time.Minute) {
		t.Error("idle bucket should be evicted")
	}

	q := newTestBucket(RouteKey("GET", "y", ""), nil)
	w, _ := q.join()
	if q.tryEvict(t0.Add(time.Hour), time.Minute) {
		t.Error("bucket with queued work should not be evicted")
	}
	q.leave(w)
	if !q.tryEvict(t0.Add(time.Hour), time.Minute) {
		t.Error("empty idle bucket should be evicted")
	}
}

func TestBucket_AdoptStaticIgnored(t *testing.T) {
	b := newTestBucket(GatewayIdentify, DefaultStaticBuckets())
	if got := b.adopt("abc"); got != b {
		t.Error("static buckets never adopt a hash")
	}
	if b.Key() != GatewayIdentify {
		t.Errorf("Key() = %v", b.Key())
	}
}
