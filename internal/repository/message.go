package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/storage"
)

// Корень дерева комнат: chat-rooms/{roomId}/messages/{autoId}, chat-rooms/{roomId}/users/{userId}.
const roomsRoot = "chat-rooms"

func MessagesPath(roomID string) string { return storage.Join(roomsRoot, roomID, "messages") }
func UsersPath(roomID string) string    { return storage.Join(roomsRoot, roomID, "users") }

func UserPath(roomID, uid string) string {
	return storage.Join(roomsRoot, roomID, "users", uid)
}

type MessageRepository struct {
	store storage.Store
}

func NewMessageRepository(store storage.Store) *MessageRepository {
	return &MessageRepository{store: store}
}

// Create добавляет сообщение под ключом, выданным хранилищем, и записывает ключ в m.ID.
func (r *MessageRepository) Create(ctx context.Context, m *model.ChatMessage) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	key, err := r.store.Push(ctx, MessagesPath(m.RoomID), m.Record())
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	m.ID = key
	return nil
}

// Watch подписывается на всю коллекцию сообщений комнаты.
func (r *MessageRepository) Watch(roomID string, onSnapshot func(storage.Snapshot), onCancel func(error)) (storage.Listener, error) {
	l, err := r.store.Listen(MessagesPath(roomID), onSnapshot, onCancel)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Watch: %w", err)
	}
	return l, nil
}

// Read: разовое чтение коллекции сообщений.
func (r *MessageRepository) Read(ctx context.Context, roomID string) (storage.Snapshot, error) {
	defer logger.DeferLogDuration("msg.Read", time.Now())()
	snap, err := r.store.Get(ctx, MessagesPath(roomID))
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("msgRepo.Read: %w", err)
	}
	return snap, nil
}
