package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestRegistry_ResolveConverges(t *testing.T) {
	r := NewRegistry(nil, func() time.Time { return t0 })
	key := RouteKey("GET", "channels/{channel_id}", "1")

	var wg sync.WaitGroup
	got := make([]*Bucket, 50)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Resolve(key)
		}(i)
	}
	wg.Wait()

	for i := range got {
		if got[i] != got[0] {
			t.Fatal("concurrent first uses produced different buckets")
		}
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_InstallRedirect(t *testing.T) {
	r := NewRegistry(nil, func() time.Time { return t0 })
	a := RouteKey("GET", "channels/{channel_id}/a", "1")
	b := RouteKey("GET", "channels/{channel_id}/b", "1")

	ba := r.Resolve(a)
	if got := ba.adopt("H"); got != ba {
		t.Fatal("first bucket to see a hash should be promoted")
	}
	if !ba.Key().IsCanonical() {
		t.Errorf("promoted key = %v", ba.Key())
	}
	if got, _ := r.Lookup(a); got != ba {
		t.Error("original key should still find the promoted bucket")
	}

	bb := r.Resolve(b)
	if bb == ba {
		t.Fatal("second route should start with its own bucket")
	}
	if got := bb.adopt("H"); got != ba {
		t.Fatal("second route should redirect to the existing hash bucket")
	}
	if !bb.Stats().Redirected {
		t.Error("second bucket should be marked redirected")
	}
	if got := r.Resolve(b); got != ba {
		t.Error("resolve should follow the redirect")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_SweepDropsRedirects(t *testing.T) {
	r := NewRegistry(nil, func() time.Time { return t0 })
	a := RouteKey("GET", "a", "1")
	b := RouteKey("GET", "b", "1")

	r.Resolve(a).adopt("H")
	r.Resolve(b).adopt("H")

	if n := r.Sweep(t0.Add(30*time.Second), time.Minute); n != 0 {
		t.Fatalf("Sweep() = %d, want 0 before idle timeout", n)
	}
	if n := r.Sweep(t0.Add(2*time.Minute), time.Minute); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, ok := r.Lookup(b); ok {
		t.Error("redirect should be gone with its bucket")
	}

	fresh := r.Resolve(b)
	if fresh.Key() != b {
		t.Errorf("fresh bucket key = %v, want %v", fresh.Key(), b)
	}
	if s := fresh.Stats(); s.Limit != 1 || s.Remaining != 1 {
		t.Errorf("fresh bucket limit/remaining = %d/%d", s.Limit, s.Remaining)
	}
}

func TestRegistry_ResolveAfterEvict(t *testing.T) {
	r := NewRegistry(nil, func() time.Time { return t0 })
	key := RouteKey("GET", "a", "")

	old := r.Resolve(key)
	old.evict()

	b := r.Resolve(key)
	if b == old {
		t.Fatal("evicted bucket returned")
	}
	if _, err := b.join(); err != nil {
		t.Errorf("join() on fresh bucket error = %v", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(DefaultStaticBuckets(), nil)
	r.Resolve(GatewayIdentify)
	r.Resolve(GatewayPresence)
	r.Resolve(RouteKey("GET", "a", ""))

	n := r.Remove(func(k BucketKey) bool { return k.Kind == KindGateway })
	if n != 2 {
		t.Errorf("Remove() = %d, want 2", n)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if !r.Declared(GatewayIdentify) || r.Declared(StaticKey(KindClient, "nope")) {
		t.Error("Declared() mismatch")
	}
}
