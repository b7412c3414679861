package session

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
)

// Manager keeps one Session per entered room.
type Manager struct {
	svc Services

	mu       sync.RWMutex
	sessions map[string]*Session
	enter    singleflight.Group
}

func NewManager(svc Services) *Manager {
	return &Manager{svc: svc, sessions: make(map[string]*Session)}
}

// Enter returns the room's session, opening it on first entry.
// Concurrent entries of the same room share one open.
func (m *Manager) Enter(ctx context.Context, roomID string) (*Session, error) {
	if s, ok := m.Get(roomID); ok {
		return s, nil
	}
	v, err, _ := m.enter.Do(roomID, func() (any, error) {
		if s, ok := m.Get(roomID); ok {
			return s, nil
		}
		s := New(roomID, m.svc)
		if err := s.Open(ctx); err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
			defer cancel()
			_ = s.Close(closeCtx)
			return nil, err
		}
		m.mu.Lock()
		m.sessions[roomID] = s
		m.mu.Unlock()
		logger.Infof("room %s entered", roomID)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) Get(roomID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[roomID]
	return s, ok
}

// Rooms lists entered rooms in id order.
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Leave closes the room's session. Leaving a room that was not entered is a no-op.
func (m *Manager) Leave(ctx context.Context, roomID string) error {
	m.mu.Lock()
	s, ok := m.sessions[roomID]
	delete(m.sessions, roomID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	logger.Infof("room %s left", roomID)
	return s.Close(ctx)
}

// CloseAll closes every session in parallel and returns the first error.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	// a failing room must not cancel the others
	var g errgroup.Group
	for _, s := range all {
		g.Go(func() error {
			return s.Close(ctx)
		})
	}
	return g.Wait()
}

// BindAuth closes all sessions when the identity signs out or is replaced by
// another uid, so no room keeps announcing a user who is no longer signed in.
// Signing in again as the same uid keeps them. The returned function detaches the binding.
func (m *Manager) BindAuth(a *auth.Manager) func() {
	var mu sync.Mutex
	last := ""
	if id, ok := a.Current(); ok {
		last = id.UID
	}
	return a.OnChange(func(id model.Identity, signedIn bool) {
		mu.Lock()
		prev := last
		if signedIn {
			last = id.UID
		} else {
			last = ""
		}
		mu.Unlock()
		if signedIn && (prev == "" || prev == id.UID) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := m.CloseAll(ctx); err != nil {
			logger.Errorf("identity change from %s: close sessions: %v", prev, err)
		}
	})
}
