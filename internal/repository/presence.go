package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/storage"
)

type PresenceRepository struct {
	store storage.Store
}

func NewPresenceRepository(store storage.Store) *PresenceRepository {
	return &PresenceRepository{store: store}
}

// Put перезаписывает запись присутствия целиком.
func (r *PresenceRepository) Put(ctx context.Context, roomID string, u model.ChatUser) error {
	defer logger.DeferLogDuration("presence.Put", time.Now())()
	if err := r.store.Set(ctx, UserPath(roomID, u.ID), u.Record()); err != nil {
		return fmt.Errorf("presenceRepo.Put: %w", err)
	}
	return nil
}

// SetOffline сливает isOnline=false и lastSeen в запись, остальные поля не трогает.
func (r *PresenceRepository) SetOffline(ctx context.Context, roomID, uid string, lastSeen float64) error {
	defer logger.DeferLogDuration("presence.SetOffline", time.Now())()
	err := r.store.Update(ctx, UserPath(roomID, uid), map[string]any{
		model.FieldIsOnline: false,
		model.FieldLastSeen: lastSeen,
	})
	if err != nil {
		return fmt.Errorf("presenceRepo.SetOffline: %w", err)
	}
	return nil
}

// OfflineOnDisconnect просит хранилище пометить пользователя offline при обрыве соединения.
// lastSeen берётся по часам хранилища.
func (r *PresenceRepository) OfflineOnDisconnect(ctx context.Context, roomID, uid string) error {
	err := r.store.OnDisconnectUpdate(ctx, UserPath(roomID, uid), map[string]any{
		model.FieldIsOnline: false,
		model.FieldLastSeen: storage.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("presenceRepo.OfflineOnDisconnect: %w", err)
	}
	return nil
}

// Watch подписывается на коллекцию присутствия комнаты.
func (r *PresenceRepository) Watch(roomID string, onSnapshot func(storage.Snapshot), onCancel func(error)) (storage.Listener, error) {
	l, err := r.store.Listen(UsersPath(roomID), onSnapshot, onCancel)
	if err != nil {
		return nil, fmt.Errorf("presenceRepo.Watch: %w", err)
	}
	return l, nil
}
