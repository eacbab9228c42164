// Package lease provides the single-worker guarantee for the tick loop. The
// lease holder is the only process that executes due entries; other replicas
// idle until the lease frees up or expires.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKey is the Redis key guarding the tick loop.
	DefaultKey = "digest:leader"
	// DefaultTTL outlives one poll interval so a healthy holder renews
	// before expiry while a crashed one frees the lease within two ticks.
	DefaultTTL = 90 * time.Second
)

type (
	// Lease gates the tick loop. Acquire is called once per tick and must be
	// cheap; it takes the lease when free and renews it when already held by
	// this process.
	Lease interface {
		Acquire(ctx context.Context) (bool, error)
		Release(ctx context.Context) error
	}

	// Local is a process-local lease for single-instance deployments.
	// Acquire always succeeds.
	Local struct{}

	// Redis is a distributed lease over a single Redis key. Each instance
	// writes its own holder id with SETNX; renewal and release compare the
	// id server-side so an expired holder can never clobber its successor.
	Redis struct {
		client *redis.Client
		key    string
		id     string
		ttl    time.Duration
	}
)

var (
	_ Lease = Local{}
	_ Lease = (*Redis)(nil)
)

// Acquire always grants the local lease.
func (Local) Acquire(context.Context) (bool, error) { return true, nil }

// Release is a no-op for the local lease.
func (Local) Release(context.Context) error { return nil }

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NewRedis builds a Redis-backed lease with a fresh holder identity.
func NewRedis(client *redis.Client, key string, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		key:    key,
		id:     uuid.NewString(),
		ttl:    ttl,
	}, nil
}

// Acquire takes the lease when free, or extends it when this instance is
// already the holder.
func (l *Redis) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return res == 1, nil
}

// Release frees the lease when this instance holds it. Releasing a lease
// held by someone else is a no-op.
func (l *Redis) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Name implements health.Pinger.
func (l *Redis) Name() string { return "lease-redis" }

// Ping implements health.Pinger.
func (l *Redis) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
