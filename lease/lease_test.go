package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAlwaysGrants(t *testing.T) {
	var l Local
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(context.Background()))
}

func newRedisLease(t *testing.T, mr *miniredis.Miniredis, ttl time.Duration) *Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l, err := NewRedis(client, "digest:test-leader", ttl)
	require.NoError(t, err)
	return l
}

func TestRedisLeaseExcludesSecondHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := newRedisLease(t, mr, time.Minute)
	second := newRedisLease(t, mr, time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second instance must not take a held lease")

	// The holder re-acquires on every tick.
	ok, err = first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLeaseReleaseHandsOver(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := newRedisLease(t, mr, time.Minute)
	second := newRedisLease(t, mr, time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, first.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing a lease now held by someone else must not steal it.
	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLeaseExpiresToNewHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := newRedisLease(t, mr, 30*time.Second)
	second := newRedisLease(t, mr, 30*time.Second)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be claimable")

	ok, err = first.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "previous holder lost the lease")
}

func TestRedisLeaseRenewExtendsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	l := newRedisLease(t, mr, 30*time.Second)
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(20 * time.Second)
	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Renewal reset the clock, so the original deadline passing changes
	// nothing.
	mr.FastForward(20 * time.Second)
	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRedisValidation(t *testing.T) {
	_, err := NewRedis(nil, "", 0)
	require.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l, err := NewRedis(client, "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultKey, l.key)
	assert.Equal(t, DefaultTTL, l.ttl)
	assert.NotEmpty(t, l.id)
}
