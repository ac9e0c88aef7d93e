package ratelimit

import (
	"strings"
)

// Kind discriminates how a BucketKey was obtained.
type Kind uint8

const (
	// KindRoute keys are derived from an HTTP method, route template and
	// major parameter.
	KindRoute Kind = iota
	// KindClient keys name client-side scopes with documented limits.
	KindClient
	// KindGateway keys name gateway command scopes.
	KindGateway
)

func (k Kind) String() string {
	switch k {
	case KindRoute:
		return "route"
	case KindClient:
		return "client"
	case KindGateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// BucketKey identifies a rate-limit scope. It is a comparable value and is
// used directly as a map key.
type BucketKey struct {
	Kind  Kind
	Route string // "METHOD template" for routes, scope name for static keys
	Major string // major parameter value (channel, guild or webhook id)
	Hash  string // server-assigned bucket hash, set on canonical keys only
}

// RouteKey derives a key from a request's method, route template and
// major parameter.
func RouteKey(method, route, major string) BucketKey {
	return BucketKey{
		Kind:  KindRoute,
		Route: strings.ToUpper(method) + " " + strings.TrimPrefix(route, "/"),
		Major: major,
	}
}

// StaticKey names a predeclared scope.
func StaticKey(kind Kind, name string) BucketKey {
	return BucketKey{Kind: kind, Route: name}
}

// WithHash returns the canonical key for a server-assigned hash. The route
// is dropped so that every route the server groups under the hash maps to
// the same key; the major parameter is kept because server buckets are
// scoped per hash and major parameter.
func (k BucketKey) WithHash(hash string) BucketKey {
	return BucketKey{Kind: KindRoute, Major: k.Major, Hash: hash}
}

// IsCanonical reports whether the key carries a server hash.
func (k BucketKey) IsCanonical() bool {
	return k.Hash != ""
}

// IsStatic reports whether the key names a predeclared scope.
func (k BucketKey) IsStatic() bool {
	return k.Kind != KindRoute
}

func (k BucketKey) String() string {
	var b strings.Builder
	if k.IsCanonical() {
		b.WriteString("hash:")
		b.WriteString(k.Hash)
	} else {
		b.WriteString(k.Kind.String())
		b.WriteByte(':')
		b.WriteString(k.Route)
	}
	if k.Major != "" {
		b.WriteByte(':')
		b.WriteString(k.Major)
	}
	return b.String()
}
