// Package ratelimit implements fixed-window request counters keyed by client address.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket names used for logging and metrics.
const (
	BucketLogin   = "login"
	BucketGeneral = "general"
)

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time // end of the current window
}

// RetryAfter is how long the caller should wait before the window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.Reset.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// record is one client's counter within a window.
type record struct {
	windowStart time.Time
	count       int
}

// Limiter counts requests per key in fixed, wall-clock windows.
// A window for a key starts with its first request and resets precisely at
// windowStart + window. State is not persisted.
type Limiter struct {
	name    string
	limit   int
	window  time.Duration
	message string
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*record
	maxSize int // maximum number of tracked keys

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMaxKeys caps the number of tracked client addresses.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxSize = n }
}

// New creates a limiter allowing limit requests per window for each key.
// It starts a background goroutine evicting lapsed windows; call Stop to end it.
func New(name string, limit int, window time.Duration, message string, opts ...Option) *Limiter {
	l := &Limiter{
		name:    name,
		limit:   limit,
		window:  window,
		message: message,
		now:     time.Now,
		records: make(map[string]*record),
		maxSize: 100000,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.evictLoop()

	return l
}

// Name returns the bucket name.
func (l *Limiter) Name() string { return l.name }

// Message returns the human-readable throttling message.
func (l *Limiter) Message() string { return l.message }

// Check counts one request for key and reports whether it is allowed.
// Rejected requests are counted too, so hammering does not shorten the wait.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok || !now.Before(rec.windowStart.Add(l.window)) {
		if !ok && len(l.records) >= l.maxSize {
			l.evictOldest()
		}
		rec = &record{windowStart: now}
		l.records[key] = rec
	}
	rec.count++

	remaining := l.limit - rec.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   rec.count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     rec.windowStart.Add(l.window),
	}
}

// Stop ends the eviction goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// evictLoop periodically removes lapsed windows.
func (l *Limiter) evictLoop() {
	interval := l.window
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops every record whose window has ended.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, rec := range l.records {
		if !now.Before(rec.windowStart.Add(l.window)) {
			delete(l.records, key)
		}
	}
}

// evictOldest removes the record with the oldest window. Must be called with mu held.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldestStart time.Time

	for key, rec := range l.records {
		if oldestKey == "" || rec.windowStart.Before(oldestStart) {
			oldestKey = key
			oldestStart = rec.windowStart
		}
	}

	if oldestKey != "" {
		delete(l.records, oldestKey)
	}
}
