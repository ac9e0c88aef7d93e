package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rate-limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
)

// Snapshot is the rate-limit information carried by one response. Nil
// fields were absent or malformed and leave bucket state untouched.
type Snapshot struct {
	Global     bool
	Limit      *int
	Remaining  *int
	RetryAfter *time.Duration
	ResetAfter *time.Duration
	ResetAt    *time.Time     // server clock
	Lag        *time.Duration // local clock minus server clock
	Bucket     string         // server-assigned hash
	Scope      string         // "user", "global" or "shared"
}

// Empty reports whether the snapshot carries no information at all.
func (s Snapshot) Empty() bool {
	return !s.Global && s.Limit == nil && s.Remaining == nil && s.RetryAfter == nil &&
		s.ResetAfter == nil && s.ResetAt == nil && s.Bucket == "" && s.Scope == ""
}

// ParseHeaders extracts a Snapshot from HTTP response headers. now is the
// local receive time and is used to estimate clock lag from the Date header.
func ParseHeaders(h http.Header, now time.Time) Snapshot {
	var s Snapshot

	if v, ok := parseInt(h.Get(HeaderLimit)); ok {
		s.Limit = &v
	}
	if v, ok := parseInt(h.Get(HeaderRemaining)); ok {
		s.Remaining = &v
	}
	if v, ok := parseSeconds(h.Get(HeaderRetryAfter)); ok {
		s.RetryAfter = &v
	}
	if v, ok := parseSeconds(h.Get(HeaderResetAfter)); ok {
		s.ResetAfter = &v
	}
	if v, ok := parseFloat(h.Get(HeaderReset)); ok {
		sec, frac := math.Modf(v)
		t := time.Unix(int64(sec), int64(frac*1e9))
		s.ResetAt = &t
	}
	if date := h.Get("Date"); date != "" {
		if t, err := http.ParseTime(date); err == nil {
			lag := now.Sub(t)
			s.Lag = &lag
		}
	}

	s.Global, _ = strconv.ParseBool(h.Get(HeaderGlobal))
	s.Bucket = h.Get(HeaderBucket)
	s.Scope = h.Get(HeaderScope)
	if s.Scope == "global" {
		s.Global = true
	}

	return s
}

type rejectionBody struct {
	RetryAfter *float64 `json:"retry_after"`
	Global     *bool    `json:"global"`
}

// ParseRejectionBody supplements a snapshot with the JSON body of a 429
// response. The body's retry_after has millisecond precision and takes
// precedence over the Retry-After header. Malformed bodies are ignored.
func ParseRejectionBody(body []byte, s Snapshot) Snapshot {
	var rb rejectionBody
	if len(body) == 0 || json.Unmarshal(body, &rb) != nil {
		return s
	}
	if rb.RetryAfter != nil && *rb.RetryAfter >= 0 {
		d := time.Duration(*rb.RetryAfter * float64(time.Second))
		s.RetryAfter = &d
	}
	if rb.Global != nil && *rb.Global {
		s.Global = true
	}
	return s
}

// resetTime converts the snapshot into a local reset instant. RetryAfter is
// the most precise signal, then ResetAfter, then the absolute reset shifted
// by clock lag. A missing lag pads the absolute reset by one second.
func (s Snapshot) resetTime(now time.Time) (time.Time, bool) {
	switch {
	case s.RetryAfter != nil:
		return now.Add(*s.RetryAfter), true
	case s.ResetAfter != nil:
		return now.Add(*s.ResetAfter), true
	case s.ResetAt != nil:
		lag := time.Second
		if s.Lag != nil {
			lag = *s.Lag
		}
		return s.ResetAt.Add(lag), true
	default:
		return time.Time{}, false
	}
}

// lag returns the estimated clock lag, never negative.
func (s Snapshot) lag() time.Duration {
	if s.Lag == nil || *s.Lag < 0 {
		return 0
	}
	return *s.Lag
}

func parseInt(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseFloat(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func parseSeconds(v string) (time.Duration, bool) {
	f, ok := parseFloat(v)
	if !ok {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}
