package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/repository"
	"github.com/chatchat/internal/storage"
	"github.com/chatchat/internal/storage/memory"
)

const waitFor = 2 * time.Second

type fixture struct {
	tree     *memory.Tree
	conn     *memory.Conn
	msgs     *repository.MessageRepository
	presence *repository.PresenceRepository
	identity auth.Static
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tree := memory.NewTree()
	conn := tree.Connect()
	t.Cleanup(func() { conn.Drop() })
	return &fixture{
		tree:     tree,
		conn:     conn,
		msgs:     repository.NewMessageRepository(conn),
		presence: repository.NewPresenceRepository(conn),
		identity: auth.Static{Identity: model.Identity{UID: "u1", DisplayName: "Ann", Email: "ann@example.com"}},
	}
}

// next returns the first value from ch that satisfies match.
func next[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
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

func TestSynchronizer_SortsAndDropsIncomplete(t *testing.T) {
	f := newFixture(t)
	base := repository.MessagesPath("general")
	require.NoError(t, f.tree.Put(base+"/a", map[string]any{"text": "third", "senderId": "u1", "senderName": "A", "timestamp": 30.0}))
	require.NoError(t, f.tree.Put(base+"/b", map[string]any{"text": "first", "senderId": "u2", "senderName": "B", "timestamp": 10}))
	require.NoError(t, f.tree.Put(base+"/c", map[string]any{"text": "second", "senderId": "u1", "senderName": "A", "timestamp": 20.0}))
	require.NoError(t, f.tree.Put(base+"/d", map[string]any{"senderId": "u1", "senderName": "A", "timestamp": 5.0}))
	require.NoError(t, f.tree.Put(base+"/e", map[string]any{"text": "no sender name", "senderId": "u1", "timestamp": 6.0}))
	require.NoError(t, f.tree.Put(base+"/f", map[string]any{"text": "bad ts", "senderId": "u1", "senderName": "A", "timestamp": "soon"}))

	updates := make(chan MessageUpdate, 8)
	sub, err := NewMessageSynchronizer(f.msgs).Subscribe("general", func(u MessageUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()

	u := next(t, updates, func(MessageUpdate) bool { return true })
	require.NoError(t, u.Err)
	assert.True(t, u.Authorized)
	require.Len(t, u.Messages, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{u.Messages[0].Text, u.Messages[1].Text, u.Messages[2].Text})
	for i := 1; i < len(u.Messages); i++ {
		assert.LessOrEqual(t, u.Messages[i-1].Timestamp, u.Messages[i].Timestamp)
	}
}

func TestSynchronizer_EqualTimestampsKeepKeyOrder(t *testing.T) {
	f := newFixture(t)
	base := repository.MessagesPath("r")
	for _, k := range []string{"k3", "k1", "k2"} {
		require.NoError(t, f.tree.Put(base+"/"+k, map[string]any{"text": k, "senderId": "u", "senderName": "U", "timestamp": 1.0}))
	}
	updates := make(chan MessageUpdate, 4)
	sub, err := NewMessageSynchronizer(f.msgs).Subscribe("r", func(u MessageUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()

	u := next(t, updates, func(u MessageUpdate) bool { return len(u.Messages) == 3 })
	assert.Equal(t, "k1", u.Messages[0].ID)
	assert.Equal(t, "k2", u.Messages[1].ID)
	assert.Equal(t, "k3", u.Messages[2].ID)
}

func TestSynchronizer_PermissionRevoked(t *testing.T) {
	f := newFixture(t)
	updates := make(chan MessageUpdate, 8)
	sub, err := NewMessageSynchronizer(f.msgs).Subscribe("secret", func(u MessageUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()

	first := next(t, updates, func(MessageUpdate) bool { return true })
	assert.True(t, first.Authorized)
	assert.Empty(t, first.Messages)

	f.tree.Deny(memory.OpRead, repository.MessagesPath("secret"))
	u := next(t, updates, func(u MessageUpdate) bool { return u.Err != nil })
	assert.False(t, u.Authorized)
	assert.True(t, storage.IsPermissionDenied(u.Err))

	// no updates after a failure, even once access is back
	f.tree.Allow()
	require.NoError(t, f.tree.Put(repository.MessagesPath("secret")+"/x", map[string]any{"text": "t", "senderId": "u", "senderName": "U", "timestamp": 1.0}))
	select {
	case extra := <-updates:
		t.Fatalf("unexpected update after failure: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSynchronizer_CancelStopsUpdates(t *testing.T) {
	f := newFixture(t)
	updates := make(chan MessageUpdate, 8)
	sub, err := NewMessageSynchronizer(f.msgs).Subscribe("r", func(u MessageUpdate) { updates <- u })
	require.NoError(t, err)
	next(t, updates, func(MessageUpdate) bool { return true })

	sub.Cancel()
	sub.Cancel()
	require.NoError(t, f.tree.Put(repository.MessagesPath("r")+"/x", map[string]any{"text": "t", "senderId": "u", "senderName": "U", "timestamp": 1.0}))
	select {
	case extra := <-updates:
		t.Fatalf("unexpected update after cancel: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSender_RoundTrip(t *testing.T) {
	f := newFixture(t)
	updates := make(chan MessageUpdate, 8)
	sub, err := NewMessageSynchronizer(f.msgs).Subscribe("general", func(u MessageUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()

	sender := NewMessageSender(f.msgs, f.identity)
	before := model.EpochSeconds(time.Now())
	sender.Send(context.Background(), "general", "hello", func(err error) { t.Errorf("send failed: %v", err) })
	sender.Wait()

	u := next(t, updates, func(u MessageUpdate) bool { return len(u.Messages) == 1 })
	m := u.Messages[0]
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, "u1", m.SenderID)
	assert.Equal(t, "Ann", m.SenderName)
	assert.GreaterOrEqual(t, m.Timestamp, before)
	assert.True(t, m.IsSentBy("u1"))
}

func TestSender_Defaults(t *testing.T) {
	f := newFixture(t)
	sender := NewMessageSender(f.msgs, auth.Static{Identity: model.Identity{UID: "u9"}}).
		WithClock(func() time.Time { return time.Unix(100, 0) })
	sender.Send(context.Background(), "r", "hi", nil)
	sender.Wait()

	snap, err := f.conn.Get(context.Background(), repository.MessagesPath("r"))
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	rec := snap.Children[0].Value.(map[string]any)
	assert.Equal(t, model.UnknownSenderName, rec["senderName"])
	assert.Equal(t, "", rec["senderPhotoURL"])
	assert.Equal(t, 100.0, rec["timestamp"])
}

func TestSender_NoIdentityIsNoop(t *testing.T) {
	f := newFixture(t)
	sender := NewMessageSender(f.msgs, auth.Static{})
	sender.Send(context.Background(), "r", "hi", func(err error) { t.Errorf("unexpected error: %v", err) })
	sender.Wait()
	assert.Equal(t, 0, f.tree.Writes())
}

func TestSender_WriteFailureReported(t *testing.T) {
	f := newFixture(t)
	f.tree.Deny(memory.OpWrite, repository.MessagesPath("locked"))
	errs := make(chan error, 1)
	sender := NewMessageSender(f.msgs, f.identity)
	sender.Send(context.Background(), "locked", "hi", func(err error) { errs <- err })
	sender.Wait()
	err := next(t, errs, func(error) bool { return true })
	assert.True(t, storage.IsPermissionDenied(err))
}

func TestSender_SurvivesCallerCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	sender := NewMessageSender(f.msgs, f.identity)
	sender.Send(ctx, "r", "hi", nil)
	cancel()
	sender.Wait()
	assert.Equal(t, 1, f.tree.Writes())
}

func TestPresence_JoinIsIdempotentOverwrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tracker := NewPresenceTracker(f.presence, f.identity)
	uid, err := tracker.Join(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	renamed := auth.Static{Identity: model.Identity{UID: "u1", DisplayName: "Ann B", Email: "annb@example.com"}}
	_, err = NewPresenceTracker(f.presence, renamed).Join(ctx, "general")
	require.NoError(t, err)

	snap, err := f.conn.Get(ctx, repository.UsersPath("general"))
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	rec := snap.Children[0].Value.(map[string]any)
	assert.Equal(t, "Ann B", rec["name"])
	assert.Equal(t, "annb@example.com", rec["email"])
	assert.Equal(t, true, rec["isOnline"])
}

func TestPresence_OnDisconnectMarksOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.tree.Connect()
	_, err := NewPresenceTracker(repository.NewPresenceRepository(other), f.identity).Join(ctx, "general")
	require.NoError(t, err)
	require.NoError(t, other.Close())

	rec, ok := f.tree.Record(repository.UserPath("general", "u1"))
	require.True(t, ok)
	assert.Equal(t, false, rec["isOnline"])
	assert.Equal(t, "Ann", rec["name"])
}

func TestPresence_LeaveAndNoIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tracker := NewPresenceTracker(f.presence, f.identity).WithClock(func() time.Time { return time.Unix(50, 0) })
	uid, err := tracker.Join(ctx, "r")
	require.NoError(t, err)
	require.NoError(t, tracker.Leave(ctx, "r", uid))
	rec, _ := f.tree.Record(repository.UserPath("r", "u1"))
	assert.Equal(t, false, rec["isOnline"])
	assert.Equal(t, 50.0, rec["lastSeen"])

	writes := f.tree.Writes()
	anon := NewPresenceTracker(f.presence, auth.Static{})
	uid, err = anon.Join(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, uid)
	require.NoError(t, anon.Leave(ctx, "r", uid))
	assert.Equal(t, writes, f.tree.Writes())
}

func TestPresence_LeaveTargetsJoinedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := auth.NewManager()
	require.NoError(t, a.SignIn(model.Identity{UID: "u1", DisplayName: "Ann", Email: "ann@example.com"}))
	tracker := NewPresenceTracker(f.presence, a)

	uid, err := tracker.Join(ctx, "general")
	require.NoError(t, err)
	require.NoError(t, a.SignIn(model.Identity{UID: "u2", DisplayName: "Bob", Email: "bob@example.com"}))
	require.NoError(t, tracker.Leave(ctx, "general", uid))

	rec, ok := f.tree.Record(repository.UserPath("general", "u1"))
	require.True(t, ok)
	assert.Equal(t, false, rec[model.FieldIsOnline])
	_, ok = f.tree.Record(repository.UserPath("general", "u2"))
	assert.False(t, ok, "no partial record for the new identity")
}

func TestPresence_WatchOrderIndependent(t *testing.T) {
	f := newFixture(t)
	base := repository.UsersPath("general")
	require.NoError(t, f.tree.Put(base+"/zed", map[string]any{"name": "A", "email": "a@x", "isOnline": true}))
	require.NoError(t, f.tree.Put(base+"/amy", map[string]any{"name": "B", "email": "b@x", "isOnline": false}))
	require.NoError(t, f.tree.Put(base+"/nomail", map[string]any{"name": "C", "isOnline": true}))

	now := time.Unix(900, 0)
	updates := make(chan PresenceUpdate, 4)
	sub, err := NewPresenceTracker(f.presence, f.identity).
		WithClock(func() time.Time { return now }).
		Watch("general", func(u PresenceUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()

	u := next(t, updates, func(PresenceUpdate) bool { return true })
	require.NoError(t, u.Err)
	require.Len(t, u.Users, 2)
	assert.Equal(t, "amy", u.Users[0].ID)
	assert.Equal(t, "B", u.Users[0].Name)
	assert.False(t, u.Users[0].IsOnline)
	assert.Equal(t, 900.0, u.Users[0].LastSeen)
	assert.Equal(t, "zed", u.Users[1].ID)
	assert.True(t, u.Users[1].IsOnline)
}

func TestProbe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	probe := NewAuthorizationProbe(f.msgs)

	ok, err := probe.CheckAccess(ctx, "empty")
	assert.True(t, ok)
	assert.NoError(t, err)

	f.tree.Deny(memory.OpRead, repository.MessagesPath("private"))
	ok, err = probe.CheckAccess(ctx, "private")
	assert.False(t, ok)
	assert.True(t, storage.IsPermissionDenied(err))
}

func TestProbeAndSynchronizerAgreeOnDenial(t *testing.T) {
	f := newFixture(t)
	f.tree.Deny(memory.OpRead, repository.MessagesPath("private"))

	ok, err := NewAuthorizationProbe(f.msgs).CheckAccess(context.Background(), "private")
	assert.False(t, ok)
	require.Error(t, err)

	updates := make(chan MessageUpdate, 2)
	sub, err := NewMessageSynchronizer(f.msgs).Subscribe("private", func(u MessageUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()
	u := next(t, updates, func(MessageUpdate) bool { return true })
	assert.False(t, u.Authorized)
	assert.True(t, storage.IsPermissionDenied(u.Err))
}
