package service

import (
	"sync"

	"github.com/chatchat/internal/storage"
)

// Subscription is a disposable handle for a live listener. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// subscription gates callbacks: after Cancel or a delivered failure nothing reaches the consumer.
type subscription struct {
	mu       sync.Mutex
	listener storage.Listener
	ended    bool
}

func (s *subscription) attach(l storage.Listener) {
	s.mu.Lock()
	ended := s.ended
	s.listener = l
	s.mu.Unlock()
	if ended {
		l.Stop()
	}
}

func (s *subscription) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// end marks the subscription finished; it reports false if it already was.
func (s *subscription) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	return true
}

func (s *subscription) Cancel() {
	s.mu.Lock()
	s.ended = true
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.Stop()
	}
}
