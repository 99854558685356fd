package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]Session)}
}

// Get returns a copy of the stored session, applying the same unknown-state
// validation as the Redis store.
func (m *MemoryStore) Get(_ context.Context, chatID int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := sess
	if cp.State != "" {
		if _, err := ParseState(string(cp.State)); err != nil {
			return &cp, err
		}
	}
	return &cp, nil
}

// Put stores a copy of the session.
func (m *MemoryStore) Put(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ChatID] = *sess
	return nil
}

// Delete removes the session for a chat id.
func (m *MemoryStore) Delete(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, chatID)
	return nil
}
