package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

const boltCleanupInterval = 5 * time.Minute

// errAbort rolls back a bbolt transaction without surfacing as a storage error.
var errAbort = errors.New("abort")

// BoltStore persists sessions in a bbolt file so they survive restarts within
// the TTL. bbolt serializes write transactions, which serializes Mutate.
type BoltStore struct {
	db       *bbolt.DB
	life     lifetime
	now      Clock
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens (or creates) the session database at path.
func OpenBoltStore(path string, ttl time.Duration, opts ...Option) (*BoltStore, error) {
	return openBoltStore(path, ttl, time.Now, opts...)
}

func openBoltStore(path string, ttl time.Duration, now Clock, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}

	s := &BoltStore{
		db:     db,
		life:   newLifetime(ttl, opts),
		now:    now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Close stops the cleanup goroutine and closes the database.
func (s *BoltStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		err = s.db.Close()
	})
	return err
}

// Create writes a new session, optionally populated by init.
func (s *BoltStore) Create(init func(*Session) error) (Session, error) {
	sess, err := newSession(s.now())
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

	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(sess.ID), data)
	})
	if err != nil {
		return Session{}, fmt.Errorf("storing session: %w", err)
	}
	return sess, nil
}

// Get loads a session by ID.
func (s *BoltStore) Get(id string) (Session, bool) {
	var sess Session
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		slog.Warn("failed to read session", "error", err)
		return Session{}, false
	}
	if !found || s.life.expired(sess, s.now()) {
		return Session{}, false
	}
	return sess, true
}

// Mutate applies fn inside a single read-write transaction.
func (s *BoltStore) Mutate(id string, fn func(*Session) error) (Session, error) {
	var result Session
	var fnErr error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var current Session
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("decoding session: %w", err)
		}
		now := s.now()
		if s.life.expired(current, now) {
			return ErrNotFound
		}

		next := current.clone()
		if err := fn(&next); err != nil {
			fnErr = err
			return errAbort
		}
		if err := next.validate(); err != nil {
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.LastTouchedAt = now

		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}
		result = next
		return b.Put([]byte(id), encoded)
	})
	if fnErr != nil {
		return Session{}, fnErr
	}
	if err != nil {
		return Session{}, err
	}
	return result, nil
}

// Destroy deletes a session; a missing ID is not an error.
func (s *BoltStore) Destroy(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// Count returns the number of stored sessions, expired ones included.
func (s *BoltStore) Count() int {
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(sessionsBucket).Stats().KeyN
		return nil
	})
	return n
}

func (s *BoltStore) cleanupLoop() {
	defer close(s.done)
	ticker := time.NewTicker(boltCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired deletes expired and undecodable sessions.
func (s *BoltStore) sweepExpired() {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil || s.life.expired(sess, now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		slog.Error("failed to sweep expired sessions", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("cleaned up expired sessions", "count", removed)
	}
}
