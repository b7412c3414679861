// Package auth holds the identity the client is signed in as.
// Sign-in itself happens outside the process; the Manager only mirrors its result.
package auth

import (
	"errors"
	"strings"
	"sync"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
)

var ErrInvalidIdentity = errors.New("identity uid is required")

// Provider answers "who is signed in right now".
type Provider interface {
	Current() (model.Identity, bool)
}

// Manager is a Provider with sign-in state listeners.
type Manager struct {
	mu        sync.RWMutex
	current   *model.Identity
	listeners map[int]func(model.Identity, bool)
	nextID    int
}

func NewManager() *Manager {
	return &Manager{listeners: make(map[int]func(model.Identity, bool))}
}

func (m *Manager) Current() (model.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return model.Identity{}, false
	}
	return *m.current, true
}

// SignIn replaces the current identity and notifies listeners.
func (m *Manager) SignIn(id model.Identity) error {
	id.UID = strings.TrimSpace(id.UID)
	if id.UID == "" {
		return ErrInvalidIdentity
	}
	m.mu.Lock()
	m.current = &id
	fns := m.snapshotLocked()
	m.mu.Unlock()

	logger.Infof("auth: signed in as %s", id.UID)
	for _, fn := range fns {
		fn(id, true)
	}
	return nil
}

// SignOut clears the identity. Listeners get the identity that was signed out.
func (m *Manager) SignOut() {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	prev := *m.current
	m.current = nil
	fns := m.snapshotLocked()
	m.mu.Unlock()

	logger.Infof("auth: signed out %s", prev.UID)
	for _, fn := range fns {
		fn(prev, false)
	}
}

// OnChange registers fn for sign-in/sign-out events and returns its remover.
func (m *Manager) OnChange(fn func(id model.Identity, signedIn bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) snapshotLocked() []func(model.Identity, bool) {
	fns := make([]func(model.Identity, bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// Static is a fixed Provider, handy where the identity never changes.
type Static struct {
	Identity model.Identity
}

func (s Static) Current() (model.Identity, bool) {
	return s.Identity, s.Identity.UID != ""
}
