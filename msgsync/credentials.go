package msgsync

import (
	"context"
	"sync"
)

// CredentialStore persists the session where every running client of the
// same user can see it, and reports changes made by any of them.
type CredentialStore interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
	// Watch calls fn with the stored session whenever it changes, until ctx
	// is done. It blocks.
	Watch(ctx context.Context, fn func(Session)) error
}

// MemoryStore is a CredentialStore shared by clients in one process.
type MemoryStore struct {
	mu       sync.Mutex
	session  Session
	watchers map[uint64]func(Session)
	next     uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{watchers: make(map[uint64]func(Session))}
}

// Load returns the stored session.
func (m *MemoryStore) Load(context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

// Save stores s and notifies watchers synchronously.
func (m *MemoryStore) Save(_ context.Context, s Session) error {
	m.set(s)
	return nil
}

// Clear stores an empty session.
func (m *MemoryStore) Clear(context.Context) error {
	m.set(Session{})
	return nil
}

// Watch registers fn until ctx is done.
func (m *MemoryStore) Watch(ctx context.Context, fn func(Session)) error {
	m.mu.Lock()
	id := m.next
	m.next++
	m.watchers[id] = fn
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) set(s Session) {
	m.mu.Lock()
	if m.session == s {
		m.mu.Unlock()
		return
	}
	m.session = s
	watchers := make([]func(Session), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(s)
	}
}
