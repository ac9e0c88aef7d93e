package ratelimit

import (
	"sync"
	"time"
)

// Registry maps bucket keys to buckets and non-canonical keys to the
// canonical key of the server bucket they share. Lookups and inserts are
// lock-free per key; eviction uses compare-and-delete so it never blocks
// admission.
type Registry struct {
	buckets   sync.Map // BucketKey -> *Bucket
	redirects sync.Map // BucketKey -> BucketKey (canonical)
	statics   map[BucketKey]Limit
	now       func() time.Time
}

// NewRegistry creates a registry with the given static scopes.
func NewRegistry(statics map[BucketKey]Limit, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	s := make(map[BucketKey]Limit, len(statics))
	for k, v := range statics {
		s[k] = v
	}
	return &Registry{statics: s, now: now}
}

// Declared reports whether key is a configured static scope.
func (r *Registry) Declared(key BucketKey) bool {
	_, ok := r.statics[key]
	return ok
}

// Resolve returns the bucket for key, following at most one redirect and
// creating the bucket on first use. Concurrent first uses of a key converge
// on one bucket.
func (r *Registry) Resolve(key BucketKey) *Bucket {
	if canon, ok := r.redirects.Load(key); ok {
		key = canon.(BucketKey)
	}

	for {
		if v, ok := r.buckets.Load(key); ok {
			b := v.(*Bucket)
			if !b.isEvicted() {
				return b
			}
			r.buckets.CompareAndDelete(key, b)
			continue
		}

		v, _ := r.buckets.LoadOrStore(key, newBucket(r, key, r.now()))
		b := v.(*Bucket)
		if !b.isEvicted() {
			return b
		}
		r.buckets.CompareAndDelete(key, b)
	}
}

// Lookup returns the bucket currently serving key without creating one.
func (r *Registry) Lookup(key BucketKey) (*Bucket, bool) {
	if canon, ok := r.redirects.Load(key); ok {
		key = canon.(BucketKey)
	}
	v, ok := r.buckets.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Bucket), true
}

// InstallRedirect records that original shares the server bucket named by
// hash. If no bucket holds the canonical key yet, b is promoted to it;
// otherwise the existing canonical bucket is returned and original is
// redirected to it.
func (r *Registry) InstallRedirect(original BucketKey, hash string, b *Bucket) *Bucket {
	canon := original.WithHash(hash)

	v, _ := r.buckets.LoadOrStore(canon, b)
	target := v.(*Bucket)

	r.redirects.Store(original, canon)
	r.buckets.CompareAndDelete(original, b)

	return target
}

// Sweep evicts buckets with no queued work that have been idle for longer
// than idle, along with the redirects that point at them. It returns the
// number of buckets evicted.
func (r *Registry) Sweep(now time.Time, idle time.Duration) int {
	evicted := 0
	r.buckets.Range(func(k, v any) bool {
		b := v.(*Bucket)
		if b.tryEvict(now, idle) {
			if r.buckets.CompareAndDelete(k, b) {
				evicted++
			}
		}
		return true
	})

	r.redirects.Range(func(k, v any) bool {
		if _, ok := r.buckets.Load(v); !ok {
			r.redirects.CompareAndDelete(k, v)
		}
		return true
	})

	return evicted
}

// Remove evicts every bucket whose key matches pred, regardless of
// idleness, and drops redirects left dangling. It returns the number of
// buckets removed.
func (r *Registry) Remove(pred func(BucketKey) bool) int {
	removed := 0
	r.buckets.Range(func(k, v any) bool {
		if !pred(k.(BucketKey)) {
			return true
		}
		b := v.(*Bucket)
		b.evict()
		if r.buckets.CompareAndDelete(k, b) {
			removed++
		}
		return true
	})

	r.redirects.Range(func(k, v any) bool {
		if _, ok := r.buckets.Load(v); !ok {
			r.redirects.CompareAndDelete(k, v)
		}
		return true
	})

	return removed
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	n := 0
	r.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Buckets returns the live buckets.
func (r *Registry) Buckets() []*Bucket {
	var out []*Bucket
	r.buckets.Range(func(_, v any) bool {
		out = append(out, v.(*Bucket))
		return true
	})
	return out
}
