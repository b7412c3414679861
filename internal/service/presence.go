package service

import (
	"context"
	"time"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/repository"
	"github.com/chatchat/internal/storage"
)

// PresenceUpdate is the full presence set of a room, ordered by user id.
// A listener failure arrives as Err with a nil Users.
type PresenceUpdate struct {
	Users []model.ChatUser
	Err   error
}

// PresenceTracker announces the signed-in user in a room and mirrors who else is there.
type PresenceTracker struct {
	repo     *repository.PresenceRepository
	identity auth.Provider
	clock    func() time.Time
}

func NewPresenceTracker(repo *repository.PresenceRepository, identity auth.Provider) *PresenceTracker {
	return &PresenceTracker{repo: repo, identity: identity, clock: time.Now}
}

// WithClock replaces the clock used for lastSeen and decoding defaults.
func (p *PresenceTracker) WithClock(clock func() time.Time) *PresenceTracker {
	p.clock = clock
	return p
}

func (p *PresenceTracker) now() float64 {
	return model.EpochSeconds(p.clock())
}

// Join overwrites the signed-in user's presence record as online and asks the store
// to flip it offline when the connection drops. It returns the uid it joined as,
// or "" without an identity.
func (p *PresenceTracker) Join(ctx context.Context, roomID string) (string, error) {
	id, ok := p.identity.Current()
	if !ok {
		logger.Infof("join %s skipped: not signed in", roomID)
		return "", nil
	}
	if err := p.repo.Put(ctx, roomID, model.PresenceFor(id, p.now())); err != nil {
		return "", err
	}
	if err := p.repo.OfflineOnDisconnect(ctx, roomID, id.UID); err != nil {
		// the online record stays until Leave
		logger.Errorf("join %s: on-disconnect: %v", roomID, err)
	}
	return id.UID, nil
}

// Leave marks uid offline in the room. uid is the one Join returned, so a later
// identity switch does not redirect the write. Best effort: callers log the error.
func (p *PresenceTracker) Leave(ctx context.Context, roomID, uid string) error {
	if uid == "" {
		return nil
	}
	return p.repo.SetOffline(ctx, roomID, uid, p.now())
}

// Watch publishes the room's presence set on every change.
func (p *PresenceTracker) Watch(roomID string, fn func(PresenceUpdate)) (Subscription, error) {
	sub := &subscription{}
	l, err := p.repo.Watch(roomID,
		func(snap storage.Snapshot) {
			if !sub.active() {
				return
			}
			fn(PresenceUpdate{Users: p.decode(roomID, snap)})
		},
		func(err error) {
			if !sub.end() {
				return
			}
			logger.Errorf("presence listener %s cancelled: %v", roomID, err)
			fn(PresenceUpdate{Err: err})
		},
	)
	if err != nil {
		return nil, err
	}
	sub.attach(l)
	return sub, nil
}

func (p *PresenceTracker) decode(roomID string, snap storage.Snapshot) []model.ChatUser {
	now := p.now()
	users := make([]model.ChatUser, 0, snap.Len())
	for _, ch := range snap.Children {
		u, err := model.DecodeUser(ch.Key, ch.Value, now)
		if err != nil {
			logger.Debugf("presence %s: drop %s: %v", roomID, ch.Key, err)
			continue
		}
		users = append(users, u)
	}
	model.SortUsers(users)
	return users
}
