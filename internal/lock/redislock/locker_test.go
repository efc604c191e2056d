package redislock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLockerRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	locker, err := NewLocker(rdb, WithPrefix("test:lock:"+uuid.NewString()+":"), WithAcquireTimeout(0))
	require.NoError(t, err)

	held, err := locker.TryAcquire(ctx, "site:ts", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, held)

	busy, err := locker.TryAcquire(ctx, "site:ts", 5*time.Second)
	require.NoError(t, err)
	require.Nil(t, busy)

	require.NoError(t, locker.Release(ctx, held))

	again, err := locker.TryAcquire(ctx, "site:ts", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.NoError(t, locker.Release(ctx, again))
}

func TestNewLockerRejectsNilClient(t *testing.T) {
	_, err := NewLocker(nil)
	require.Error(t, err)
}
