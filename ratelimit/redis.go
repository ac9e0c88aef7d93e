package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed global_extend.lua
var globalExtendScript string

// DefaultRedisKey is the key holding the shared pause deadline.
const DefaultRedisKey = "ratelimit:global"

// RedisThrottle keeps the global pause deadline in Redis so that every
// process sharing the key honours it. Extensions run as a script and never
// shorten an existing pause.
type RedisThrottle struct {
	client redis.UniversalClient
	key    string
	script *redis.Script
}

// NewRedisThrottle verifies connectivity and loads the extend script.
// An empty key uses DefaultRedisKey.
func NewRedisThrottle(client redis.UniversalClient, key string) (*RedisThrottle, error) {
	if client == nil {
		return nil, ErrInvalidConfig
	}
	if key == "" {
		key = DefaultRedisKey
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	script := redis.NewScript(globalExtendScript)
	if err := script.Load(ctx, client).Err(); err != nil {
		return nil, err
	}

	return &RedisThrottle{
		client: client,
		key:    key,
		script: script,
	}, nil
}

// Deadline reads the shared deadline.
func (r *RedisThrottle) Deadline(ctx context.Context) (time.Time, error) {
	v, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Extend moves the shared deadline forward.
func (r *RedisThrottle) Extend(ctx context.Context, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	// Round up so the key never expires before the pause ends.
	expiry := ttl.Milliseconds() + 1000

	return r.script.Run(ctx, r.client, []string{r.key}, until.UnixMilli(), expiry).Err()
}

// Reset deletes the shared deadline.
func (r *RedisThrottle) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

var _ Throttle = (*RedisThrottle)(nil)
