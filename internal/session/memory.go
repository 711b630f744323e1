package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore keeps sessions in-memory with TTL-based cleanup.
// It is thread-safe and suitable for a single-process deployment.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]Session // sessionID -> Session
	life          lifetime
	now           Clock
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store with the given absolute TTL.
// It starts a background cleanup goroutine that runs every minute.
func NewMemoryStore(ttl time.Duration, opts ...Option) *MemoryStore {
	return newMemoryStore(ttl, time.Now, opts...)
}

func newMemoryStore(ttl time.Duration, now Clock, opts ...Option) *MemoryStore {
	m := &MemoryStore{
		sessions:      make(map[string]Session),
		life:          newLifetime(ttl, opts),
		now:           now,
		cleanupTicker: time.NewTicker(1 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// Close stops the cleanup goroutine.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() {
		m.cleanupTicker.Stop()
		close(m.stopCleanup)
	})
	return nil
}

// Create creates a new session, optionally populated by init.
func (m *MemoryStore) Create(init func(*Session) error) (Session, error) {
	sess, err := newSession(m.now())
	if err != nil {
		return Session{}, fmt.Errorf("failed to generate session ID: %w", err)
	}
	if init != nil {
		if err := init(&sess); err != nil {
			return Session{}, err
		}
	}
	if err := sess.validate(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess.clone()
	m.mu.Unlock()

	return sess, nil
}

// Get retrieves a session by its ID.
func (m *MemoryStore) Get(id string) (Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	if m.expired(sess, m.now()) {
		return Session{}, false
	}

	return sess.clone(), true
}

// Mutate applies fn to a copy of the session under the write lock.
func (m *MemoryStore) Mutate(id string, fn func(*Session) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, ok := m.sessions[id]
	if !ok || m.expired(current, now) {
		return Session{}, ErrNotFound
	}

	next := current.clone()
	if err := fn(&next); err != nil {
		return Session{}, err
	}
	if err := next.validate(); err != nil {
		return Session{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.LastTouchedAt = now

	m.sessions[id] = next
	return next.clone(), nil
}

// Destroy removes a session from the store.
func (m *MemoryStore) Destroy(id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Count returns the current number of stored sessions.
// Useful for monitoring and testing.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) expired(sess Session, now time.Time) bool {
	return m.life.expired(sess, now)
}

// cleanupLoop periodically removes expired sessions until Close is called.
func (m *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired sessions.
func (m *MemoryStore) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expiredCount := 0

	for id, sess := range m.sessions {
		if m.expired(sess, now) {
			delete(m.sessions, id)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		slog.Info("cleaned up expired sessions", "count", expiredCount)
	}
}
