package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	a := newLocalLock("campaign:42", time.Minute)
	b := newLocalLock("campaign:42", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is rejected while the guard is live")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestLocalLockExpires(t *testing.T) {
	ctx := context.Background()
	a := newLocalLock("campaign:43", 5*time.Millisecond)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)

	b := newLocalLock("campaign:43", time.Minute)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired guard is free for the taking")
	require.NoError(t, b.Release(ctx))
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockAcquireRelease(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	a := NewRedisLock(client, "campaign:42", time.Minute)
	b := NewRedisLock(client, "campaign:42", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A non-owner release is a no-op.
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "owner's guard survives a stranger's release")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExtendKeepsOwnership(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	a := NewRedisLock(client, "campaign:44", time.Minute)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Extend(ctx, time.Hour))

	// A stranger's extend does not touch the guard.
	b := NewRedisLock(client, "campaign:44", time.Minute)
	require.NoError(t, b.Extend(ctx, time.Millisecond))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "guard still held after a non-owner extend")

	require.NoError(t, a.Release(ctx))
}

func TestNewLockPicksBackend(t *testing.T) {
	client := newTestRedis(t)
	assert.IsType(t, &RedisLock{}, NewLock(client, nil, "", "k", time.Minute))
	assert.IsType(t, &localLock{}, NewLock(nil, nil, "sqlite3", "k", time.Minute))
}
