package service

import (
	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/repository"
	"github.com/chatchat/internal/storage"
)

// MessageUpdate is one published view of a room's message collection.
// On failure Messages is nil, Authorized is false and Err is set.
type MessageUpdate struct {
	Messages   []model.ChatMessage
	Authorized bool
	Err        error
}

// MessageSynchronizer mirrors a room's messages collection as a sorted list.
type MessageSynchronizer struct {
	repo *repository.MessageRepository
}

func NewMessageSynchronizer(repo *repository.MessageRepository) *MessageSynchronizer {
	return &MessageSynchronizer{repo: repo}
}

// Subscribe attaches a listener to the room's messages. Every snapshot replaces
// the previous list. After a failure fn is called once more and never again.
func (s *MessageSynchronizer) Subscribe(roomID string, fn func(MessageUpdate)) (Subscription, error) {
	sub := &subscription{}
	l, err := s.repo.Watch(roomID,
		func(snap storage.Snapshot) {
			if !sub.active() {
				return
			}
			fn(MessageUpdate{Messages: DecodeMessages(roomID, snap), Authorized: true})
		},
		func(err error) {
			if !sub.end() {
				return
			}
			logger.Errorf("messages listener %s cancelled: %v", roomID, err)
			fn(MessageUpdate{Authorized: false, Err: err})
		},
	)
	if err != nil {
		return nil, err
	}
	sub.attach(l)
	return sub, nil
}

// DecodeMessages decodes all children of a snapshot, dropping incomplete ones,
// and sorts the result by timestamp.
func DecodeMessages(roomID string, snap storage.Snapshot) []model.ChatMessage {
	msgs := make([]model.ChatMessage, 0, snap.Len())
	for _, ch := range snap.Children {
		m, err := model.DecodeMessage(roomID, ch.Key, ch.Value)
		if err != nil {
			logger.Debugf("messages %s: drop %s: %v", roomID, ch.Key, err)
			continue
		}
		msgs = append(msgs, m)
	}
	model.SortByTimestamp(msgs)
	return msgs
}
