// Package storetest проверяет реализацию storage.Store на том поведении,
// на которое опираются сервисы: снимки подписки, слияние Update, on-disconnect
// при Close и сценарии синхронизатора и присутствия поверх конкретного backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/repository"
	"github.com/chatchat/internal/service"
	"github.com/chatchat/internal/storage"
)

const waitFor = 5 * time.Second

// Backend описывает проверяемое хранилище.
type Backend struct {
	// Connect открывает новое соединение с тем же деревом. Закрытие на вызывающем.
	Connect func(t *testing.T) storage.Store
	// Revoke запрещает чтение под prefix и обрывает его подписки; nil, если backend не умеет.
	Revoke func(t *testing.T, prefix string)
}

// Run запускает все проверки как подтесты.
func Run(t *testing.T, b Backend) {
	t.Run("ListenDeliversSnapshots", func(t *testing.T) { testListen(t, b) })
	t.Run("UpdateMergesConcurrentWriters", func(t *testing.T) { testUpdateMerge(t, b) })
	t.Run("OnDisconnectFiresOnClose", func(t *testing.T) { testOnDisconnect(t, b) })
	t.Run("MessagesSortedAndIncompleteDropped", func(t *testing.T) { testMessages(t, b) })
	t.Run("PresenceOfflineAfterClose", func(t *testing.T) { testPresence(t, b) })
	t.Run("RevokeEndsSubscription", func(t *testing.T) {
		if b.Revoke == nil {
			t.Skip("backend has no access control")
		}
		testRevoke(t, b)
	})
}

// room возвращает уникальный id комнаты: тесты могут делить одно дерево.
func room() string { return "r-" + uuid.NewString() }

func connect(t *testing.T, b Backend) storage.Store {
	t.Helper()
	s := b.Connect(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// until читает из ch, пока match не примет значение.
func until[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case v := <-ch:
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timeout waiting for update")
			var zero T
			return zero
		}
	}
}

func testListen(t *testing.T, b Backend) {
	s := connect(t, b)
	ctx := context.Background()
	path := repository.MessagesPath(room())

	snaps := make(chan storage.Snapshot, 16)
	l, err := s.Listen(path, func(snap storage.Snapshot) { snaps <- snap }, func(error) {})
	require.NoError(t, err)
	defer l.Stop()

	first := until(t, snaps, func(storage.Snapshot) bool { return true })
	assert.Equal(t, 0, first.Len())

	key, err := s.Push(ctx, path, map[string]any{"text": "hi"})
	require.NoError(t, err)
	snap := until(t, snaps, func(snap storage.Snapshot) bool { return snap.Len() == 1 })
	assert.Equal(t, key, snap.Children[0].Key)
	assert.Equal(t, map[string]any{"text": "hi"}, snap.Children[0].Value)

	// запись другого соединения тоже доходит
	other := connect(t, b)
	require.NoError(t, other.Set(ctx, storage.Join(path, "zz"), map[string]any{"text": "yo"}))
	snap = until(t, snaps, func(snap storage.Snapshot) bool { return snap.Len() == 2 })
	assert.Equal(t, "zz", snap.Children[1].Key)
}

func testUpdateMerge(t *testing.T, b Backend) {
	s := connect(t, b)
	ctx := context.Background()
	node := storage.Join(repository.UsersPath(room()), "u1")
	require.NoError(t, s.Set(ctx, node, map[string]any{"name": "Ann", "isOnline": true}))

	const writers = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Update(ctx, node, map[string]any{fmt.Sprintf("f%d", i): float64(i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, s.Update(ctx, node, map[string]any{"isOnline": false}))

	snap, err := s.Get(ctx, repository.UsersPath(roomOf(node)))
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	rec, ok := snap.Children[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ann", rec["name"])
	assert.Equal(t, false, rec["isOnline"])
	for i := 0; i < writers; i++ {
		assert.Equal(t, float64(i), rec[fmt.Sprintf("f%d", i)])
	}

	// Update несуществующей записи создаёт её
	fresh := storage.Join(repository.UsersPath(room()), "u2")
	require.NoError(t, s.Update(ctx, fresh, map[string]any{"isOnline": false}))
	snap, err = s.Get(ctx, repository.UsersPath(roomOf(fresh)))
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, map[string]any{"isOnline": false}, snap.Children[0].Value)
}

// roomOf достаёт id комнаты из пути chat-rooms/{room}/users/{uid}.
func roomOf(node string) string {
	parent, _, _ := storage.Split(node)
	users, _, _ := storage.Split(parent)
	_, id, _ := storage.Split(users)
	return id
}

func testOnDisconnect(t *testing.T, b Backend) {
	ctx := context.Background()
	watcher := connect(t, b)
	r := room()
	users := repository.UsersPath(r)
	node := storage.Join(users, "u1")

	s := b.Connect(t)
	require.NoError(t, s.Set(ctx, node, map[string]any{"name": "Ann", "isOnline": true}))
	require.NoError(t, s.OnDisconnectUpdate(ctx, node, map[string]any{"isOnline": false}))
	require.NoError(t, s.OnDisconnectUpdate(ctx, node, map[string]any{"lastSeen": storage.ServerTimestamp}))

	snap, err := watcher.Get(ctx, users)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, true, snap.Children[0].Value.(map[string]any)["isOnline"], "fires only on close")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	snap, err = watcher.Get(ctx, users)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	rec := snap.Children[0].Value.(map[string]any)
	assert.Equal(t, "Ann", rec["name"])
	assert.Equal(t, false, rec["isOnline"])
	lastSeen, ok := rec["lastSeen"].(float64)
	require.True(t, ok, "lastSeen resolved to a number, got %#v", rec["lastSeen"])
	assert.Greater(t, lastSeen, 0.0)

	_, err = s.Get(ctx, users)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func testMessages(t *testing.T, b Backend) {
	s := connect(t, b)
	ctx := context.Background()
	r := room()
	base := repository.MessagesPath(r)
	records := map[string]map[string]any{
		"a": {"text": "third", "senderId": "u1", "senderName": "A", "timestamp": 30.0},
		"b": {"text": "first", "senderId": "u2", "senderName": "B", "timestamp": 10.0},
		"c": {"text": "second", "senderId": "u1", "senderName": "A", "timestamp": 20.0},
		"d": {"senderId": "u1", "senderName": "A", "timestamp": 5.0},
		"e": {"text": "bad ts", "senderId": "u1", "senderName": "A", "timestamp": "soon"},
	}
	for k, v := range records {
		require.NoError(t, s.Set(ctx, storage.Join(base, k), v))
	}

	updates := make(chan service.MessageUpdate, 8)
	sub, err := service.NewMessageSynchronizer(repository.NewMessageRepository(s)).
		Subscribe(r, func(u service.MessageUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()

	u := until(t, updates, func(u service.MessageUpdate) bool { return len(u.Messages) == 3 })
	require.NoError(t, u.Err)
	assert.True(t, u.Authorized)
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{u.Messages[0].Text, u.Messages[1].Text, u.Messages[2].Text})

	id := auth.Static{Identity: model.Identity{UID: "u3", DisplayName: "Cid"}}
	sender := service.NewMessageSender(repository.NewMessageRepository(s), id)
	sender.Send(ctx, r, "fourth", func(err error) { t.Errorf("send: %v", err) })
	sender.Wait()
	u = until(t, updates, func(u service.MessageUpdate) bool { return len(u.Messages) == 4 })
	assert.Equal(t, "fourth", u.Messages[3].Text)
	assert.True(t, u.Messages[3].IsSentBy("u3"))
}

func testPresence(t *testing.T, b Backend) {
	ctx := context.Background()
	watcher := connect(t, b)
	r := room()

	updates := make(chan service.PresenceUpdate, 8)
	sub, err := service.NewPresenceTracker(repository.NewPresenceRepository(watcher), auth.Static{}).
		Watch(r, func(u service.PresenceUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()

	s := b.Connect(t)
	id := auth.Static{Identity: model.Identity{UID: "u1", DisplayName: "Ann", Email: "ann@example.com"}}
	uid, err := service.NewPresenceTracker(repository.NewPresenceRepository(s), id).Join(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	u := until(t, updates, func(u service.PresenceUpdate) bool { return len(u.Users) == 1 && u.Users[0].IsOnline })
	assert.Equal(t, "Ann", u.Users[0].Name)

	require.NoError(t, s.Close())
	u = until(t, updates, func(u service.PresenceUpdate) bool { return len(u.Users) == 1 && !u.Users[0].IsOnline })
	assert.Equal(t, "u1", u.Users[0].ID)
	assert.Greater(t, u.Users[0].LastSeen, 0.0)
}

func testRevoke(t *testing.T, b Backend) {
	s := connect(t, b)
	r := room()
	msgs := repository.NewMessageRepository(s)

	updates := make(chan service.MessageUpdate, 8)
	sub, err := service.NewMessageSynchronizer(msgs).Subscribe(r, func(u service.MessageUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()
	until(t, updates, func(u service.MessageUpdate) bool { return u.Err == nil })

	b.Revoke(t, repository.MessagesPath(r))
	u := until(t, updates, func(u service.MessageUpdate) bool { return u.Err != nil })
	assert.False(t, u.Authorized)
	assert.True(t, storage.IsPermissionDenied(u.Err))

	ok, err := service.NewAuthorizationProbe(msgs).CheckAccess(context.Background(), r)
	assert.False(t, ok)
	assert.True(t, storage.IsPermissionDenied(err))
}
