package sessionstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory for the lifetime of the widget.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	current  string
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.current = s.ID
	return nil
}

func (m *MemoryStore) Current(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	id := m.current
	m.mu.RUnlock()
	if id == "" {
		return nil, ErrSessionNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.IsExpired(m.now()) {
		return nil, ErrSessionExpired
	}
	return &s, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	if m.current == id {
		m.current = ""
	}
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	count := 0
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, id)
			if m.current == id {
				m.current = ""
			}
			count++
		}
	}
	return count, nil
}
