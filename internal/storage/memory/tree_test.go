package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatchat/internal/storage"
	"github.com/chatchat/internal/storage/storetest"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for callback")
	}
	var zero T
	return zero
}

func TestListen_InitialAndUpdates(t *testing.T) {
	tree := NewTree()
	conn := tree.Connect()
	defer conn.Close()

	snaps := make(chan storage.Snapshot, 8)
	l, err := conn.Listen("rooms/a/messages", func(s storage.Snapshot) { snaps <- s }, func(error) {})
	require.NoError(t, err)
	defer l.Stop()

	first := recv(t, snaps)
	assert.Equal(t, 0, first.Len())

	key, err := conn.Push(context.Background(), "rooms/a/messages", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	var snap storage.Snapshot
	require.Eventually(t, func() bool {
		select {
		case snap = <-snaps:
			return snap.Len() == 1
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, key, snap.Children[0].Key)
}

func TestPush_KeysAreTimeOrdered(t *testing.T) {
	conn := NewTree().Connect()
	ctx := context.Background()
	var keys []string
	for i := 0; i < 20; i++ {
		k, err := conn.Push(ctx, "c/m", map[string]any{"i": i})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	snap, err := conn.Get(ctx, "c/m")
	require.NoError(t, err)
	require.Equal(t, 20, snap.Len())
	for i, ch := range snap.Children {
		assert.Equal(t, keys[i], ch.Key)
	}
}

func TestSetOverwritesUpdateMerges(t *testing.T) {
	tree := NewTree()
	conn := tree.Connect()
	ctx := context.Background()

	require.NoError(t, conn.Set(ctx, "c/u/1", map[string]any{"name": "A", "isOnline": true}))
	require.NoError(t, conn.Update(ctx, "c/u/1", map[string]any{"isOnline": false}))
	rec, ok := tree.Record("c/u/1")
	require.True(t, ok)
	assert.Equal(t, "A", rec["name"])
	assert.Equal(t, false, rec["isOnline"])

	require.NoError(t, conn.Set(ctx, "c/u/1", map[string]any{"email": "a@x"}))
	rec, _ = tree.Record("c/u/1")
	assert.NotContains(t, rec, "name")
	assert.Equal(t, 3, tree.Writes())
}

func TestOnDisconnect_CloseFiresDropDoesNot(t *testing.T) {
	tree := NewTree()
	fixed := time.Unix(1700000000, 0)
	tree.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	a := tree.Connect()
	require.NoError(t, a.Set(ctx, "r/users/a", map[string]any{"isOnline": true}))
	require.NoError(t, a.OnDisconnectUpdate(ctx, "r/users/a", map[string]any{"isOnline": false, "lastSeen": storage.ServerTimestamp}))
	require.NoError(t, a.Close())

	rec, _ := tree.Record("r/users/a")
	assert.Equal(t, false, rec["isOnline"])
	assert.Equal(t, 1700000000.0, rec["lastSeen"])

	b := tree.Connect()
	require.NoError(t, b.Set(ctx, "r/users/b", map[string]any{"isOnline": true}))
	require.NoError(t, b.OnDisconnectUpdate(ctx, "r/users/b", map[string]any{"isOnline": false}))
	b.Drop()
	rec, _ = tree.Record("r/users/b")
	assert.Equal(t, true, rec["isOnline"])

	assert.ErrorIs(t, b.Set(ctx, "r/users/b", map[string]any{}), storage.ErrClosed)
}

func TestDeny(t *testing.T) {
	tree := NewTree()
	conn := tree.Connect()
	defer conn.Close()
	ctx := context.Background()

	cancelled := make(chan error, 1)
	snaps := make(chan storage.Snapshot, 4)
	_, err := conn.Listen("chat-rooms/x/messages", func(s storage.Snapshot) { snaps <- s }, func(err error) { cancelled <- err })
	require.NoError(t, err)
	recv(t, snaps)

	tree.Deny(OpRead, "chat-rooms/x")
	err = recv(t, cancelled)
	assert.True(t, storage.IsPermissionDenied(err))

	_, err = conn.Get(ctx, "chat-rooms/x/messages")
	assert.True(t, storage.IsPermissionDenied(err))

	_, err = conn.Get(ctx, "chat-rooms/xy/messages")
	assert.NoError(t, err, "prefix matches whole segments only")

	tree.Deny(OpWrite, "chat-rooms/y")
	_, err = conn.Push(ctx, "chat-rooms/y/messages", map[string]any{"text": "t"})
	assert.True(t, storage.IsPermissionDenied(err))
	assert.Equal(t, 0, tree.Writes())
}

func TestListen_DeniedCancelsImmediately(t *testing.T) {
	tree := NewTree()
	tree.Deny(OpRead, "secret")
	conn := tree.Connect()
	cancelled := make(chan error, 1)
	_, err := conn.Listen("secret/messages", func(storage.Snapshot) { t.Error("unexpected snapshot") }, func(err error) { cancelled <- err })
	require.NoError(t, err)
	assert.True(t, storage.IsPermissionDenied(recv(t, cancelled)))
}

func TestInvalidPath(t *testing.T) {
	conn := NewTree().Connect()
	_, err := conn.Listen("a//b", func(storage.Snapshot) {}, func(error) {})
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
	assert.ErrorIs(t, conn.Set(context.Background(), "root", map[string]any{}), storage.ErrInvalidPath)
}

func TestListen_ConcurrentWritesEndOnLatestSnapshot(t *testing.T) {
	const writers = 200
	for round := 0; round < 20; round++ {
		tree := NewTree()
		conn := tree.Connect()

		var mu sync.Mutex
		last := -1
		l, err := conn.Listen("rooms/a/messages", func(s storage.Snapshot) {
			mu.Lock()
			last = s.Len()
			mu.Unlock()
		}, func(error) {})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := conn.Push(context.Background(), "rooms/a/messages", map[string]any{"text": "m"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return last == writers
		}, 2*time.Second, 5*time.Millisecond, "round %d ended on a stale snapshot", round)

		// нового снимка не будет: последний доставленный должен остаться полным
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, writers, last)
		mu.Unlock()

		l.Stop()
		conn.Drop()
	}
}

func TestTree_StoreContract(t *testing.T) {
	tree := NewTree()
	storetest.Run(t, storetest.Backend{
		Connect: func(*testing.T) storage.Store { return tree.Connect() },
		Revoke: func(t *testing.T, prefix string) {
			tree.Deny(OpRead, prefix)
			t.Cleanup(tree.Allow)
		},
	})
}
