// Package lock provides narrow, per-resource locking for the engine's
// mutation-serialization guarantees (spec §5): enroll/upgrade/delete on the
// same (realm, user_id) never interleave, but unrelated users never contend.
package lock

import (
	"sync"
)

// Key builds the composite lock key for a (realm, user_id) pair.
func Key(realm, userID string) string {
	return realm + "\x00" + userID
}

type entry struct {
	mu  sync.Mutex
	ref int
}

// Striped is a map of per-key mutexes, cleaned up lazily once the last
// holder releases — grounded on the reference stack's per-alert/per-tenant
// processing granularity rather than a single global mutex.
type Striped struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewStriped returns an empty Striped lock table.
func NewStriped() *Striped {
	return &Striped{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, creating it on first use. The returned
// func must be called exactly once to release and, if no other goroutine is
// waiting, remove the entry.
func (s *Striped) Lock(key string) (unlock func()) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.ref++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		s.mu.Lock()
		e.ref--
		if e.ref == 0 {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
}

// TryLock attempts to acquire the mutex for key without blocking. It returns
// (unlock, true) on success, (nil, false) if already held.
func (s *Striped) TryLock(key string) (unlock func(), ok bool) {
	s.mu.Lock()
	e, exists := s.entries[key]
	if !exists {
		e = &entry{}
		s.entries[key] = e
	}
	e.ref++
	s.mu.Unlock()

	if !e.mu.TryLock() {
		s.mu.Lock()
		e.ref--
		if e.ref == 0 {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}

	return func() {
		e.mu.Unlock()

		s.mu.Lock()
		e.ref--
		if e.ref == 0 {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}, true
}

// Len reports the number of currently tracked keys (held or pending); useful
// for tests asserting cleanup.
func (s *Striped) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
