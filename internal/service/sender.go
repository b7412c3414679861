package service

import (
	"context"
	"sync"
	"time"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/repository"
)

const sendTimeout = 15 * time.Second

// MessageSender appends messages to a room without waiting for the store.
type MessageSender struct {
	repo     *repository.MessageRepository
	identity auth.Provider
	clock    func() time.Time
	wg       sync.WaitGroup
}

func NewMessageSender(repo *repository.MessageRepository, identity auth.Provider) *MessageSender {
	return &MessageSender{repo: repo, identity: identity, clock: time.Now}
}

// WithClock replaces the clock used for message timestamps.
func (s *MessageSender) WithClock(clock func() time.Time) *MessageSender {
	s.clock = clock
	return s
}

// Send stamps text with the current identity and the client clock and writes it
// in the background. The caller validates text. Without an identity nothing is written.
// onError, if set, receives a failed write; there is no retry.
func (s *MessageSender) Send(ctx context.Context, roomID, text string, onError func(error)) {
	id, ok := s.identity.Current()
	if !ok {
		logger.Infof("send to %s skipped: not signed in", roomID)
		return
	}
	msg := model.ChatMessage{
		RoomID:         roomID,
		Text:           text,
		SenderID:       id.UID,
		SenderName:     id.SenderName(),
		SenderPhotoURL: id.PhotoURL,
		Timestamp:      model.EpochSeconds(s.clock()),
	}

	// the write outlives the caller's request
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.repo.Create(wctx, &msg); err != nil {
			logger.Errorf("send to %s: %v", roomID, err)
			if onError != nil {
				onError(err)
			}
		}
	}()
}

// Wait blocks until in-flight writes finish.
func (s *MessageSender) Wait() {
	s.wg.Wait()
}
