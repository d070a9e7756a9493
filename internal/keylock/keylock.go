// Package keylock provides one mutex per string key, created on demand and dropped when unused.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set is a collection of per-key mutexes. The zero value is ready to use.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock blocks until key is held and returns the function that releases it.
func (s *Set) Lock(key string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = map[string]*entry{}
	}
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Len reports how many keys are currently locked or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
