package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"powermeter-cloud/internal/heartbeat"
)

func TestStoreAllOlderThan(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := heartbeat.Key{CustomerID: "c1", DeviceID: "d1"}
	fresh := heartbeat.Key{CustomerID: "c1", DeviceID: "d2"}
	require.NoError(t, store.Touch(ctx, stale, base.Add(-time.Hour)))
	require.NoError(t, store.Touch(ctx, fresh, base))

	keys, err := store.AllOlderThan(ctx, base.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []heartbeat.Key{stale}, keys)
}

func TestStoreKeepsNewestTouch(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	key := heartbeat.Key{CustomerID: "c1", DeviceID: "d1"}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Touch(ctx, key, now))
	require.NoError(t, store.Touch(ctx, key, now.Add(-time.Hour)))

	last, err := store.LastTouch(ctx, key)
	require.NoError(t, err)
	require.True(t, last.Equal(now))

	missing, err := store.LastTouch(ctx, heartbeat.Key{CustomerID: "c1", DeviceID: "none"})
	require.NoError(t, err)
	require.True(t, missing.IsZero())
}

func TestParseKey(t *testing.T) {
	key, ok := heartbeat.ParseKey("c1|d1")
	require.True(t, ok)
	require.Equal(t, heartbeat.Key{CustomerID: "c1", DeviceID: "d1"}, key)

	_, ok = heartbeat.ParseKey("broken")
	require.False(t, ok)
}
