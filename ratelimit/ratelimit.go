package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrClosed        = errors.New("dispatcher closed")
	ErrCleared       = fmt.Errorf("queue cleared: %w", context.Canceled)
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoSend        = errors.New("request has no send function")
	ErrUnknownBucket = errors.New("unknown static bucket")

	// errShutdown is the cancellation cause of work in flight at shutdown.
	errShutdown = fmt.Errorf("%w: %w", ErrClosed, context.Canceled)
	// errEvicted tells a submitter to resolve its key again.
	errEvicted = errors.New("bucket evicted")
)

// SubjectPrefix is the message bus subject prefix for rate limit messages.
const SubjectPrefix = "ratelimit."

const (
	// SubjectGlobal carries global pause announcements between processes.
	SubjectGlobal = SubjectPrefix + "global"
	// SubjectEvents carries rate-limit rejection events.
	SubjectEvents = SubjectPrefix + "events"
)

// Limit is a fixed window: Count sends per Window.
type Limit struct {
	Count  int
	Window time.Duration
}

// Config configures a Dispatcher.
type Config struct {
	// ReapInterval is how often idle buckets are swept.
	// Default: 1 minute
	ReapInterval time.Duration

	// IdleTimeout is how long a bucket must go unused before it is evicted.
	// Default: 1 minute
	IdleTimeout time.Duration

	// MaxRateLimitRetries bounds how many server rejections a single request
	// absorbs before failing with RATE_LIMITED.
	// Default: 10
	MaxRateLimitRetries int

	// Buckets declares the static scopes and their limits.
	// Default: DefaultStaticBuckets()
	Buckets map[BucketKey]Limit
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReapInterval:        time.Minute,
		IdleTimeout:         time.Minute,
		MaxRateLimitRetries: 10,
		Buckets:             DefaultStaticBuckets(),
	}
}

// Validate checks the configuration. Zero values are accepted and replaced
// by defaults in New.
func (c *Config) Validate() error {
	if c.ReapInterval < 0 || c.IdleTimeout < 0 || c.MaxRateLimitRetries < 0 {
		return ErrInvalidConfig
	}
	for key, l := range c.Buckets {
		if !key.IsStatic() || key.Route == "" {
			return fmt.Errorf("%w: bucket %s is not a static scope", ErrInvalidConfig, key)
		}
		if l.Count <= 0 || l.Window <= 0 {
			return fmt.Errorf("%w: bucket %s needs a positive count and window", ErrInvalidConfig, key)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReapInterval == 0 {
		c.ReapInterval = def.ReapInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxRateLimitRetries == 0 {
		c.MaxRateLimitRetries = def.MaxRateLimitRetries
	}
	if c.Buckets == nil {
		c.Buckets = def.Buckets
	}
	return c
}
