package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatchat/internal/storage"
	"github.com/chatchat/internal/storage/storetest"
)

func newTestClient(t *testing.T, mr *miniredis.Miniredis) *Client {
	t.Helper()
	c, err := New(context.Background(), "redis://"+mr.Addr(), "test")
	require.NoError(t, err)
	return c
}

func TestClient_StoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	storetest.Run(t, storetest.Backend{
		Connect: func(t *testing.T) storage.Store { return newTestClient(t, mr) },
	})
}

func TestClient_ServerTimestampUsesRedisTime(t *testing.T) {
	mr := miniredis.RunT(t)
	at := time.Unix(1_700_000_000, 500_000_000)
	mr.SetTime(at)
	c := newTestClient(t, mr)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "rooms/a/users/u1", map[string]any{"name": "Ann", "lastSeen": storage.ServerTimestamp}))
	snap, err := c.Get(ctx, "rooms/a/users")
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	assert.InDelta(t, 1_700_000_000.5, snap.Children[0].Value.(map[string]any)["lastSeen"], 1e-3)
}

func TestClient_OnDisconnectKeyLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, c.OnDisconnectUpdate(ctx, "rooms/a/users/u1", map[string]any{"isOnline": false}))
	key := c.onDisconnectKey()
	require.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	require.NoError(t, c.Close())
	assert.False(t, mr.Exists(key))
	raw := mr.HGet(c.treeKey("rooms/a/users"), "u1")
	assert.JSONEq(t, `{"isOnline":false}`, raw)

	assert.ErrorIs(t, c.Set(ctx, "rooms/a/users/u1", map[string]any{}), storage.ErrClosed)
	_, err := c.Listen("rooms/a/users", func(storage.Snapshot) {}, func(error) {})
	assert.ErrorIs(t, err, storage.ErrClosed)
}
