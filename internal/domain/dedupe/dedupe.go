// Package dedupe tracks keys already handled within one pass.
package dedupe

import (
	"sync"
)

// Deduper records seen keys to ensure at-most-once handling within a pass.
type Deduper[K comparable] interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen, false if it was newly recorded.
	SeenAndRecord(key K) bool

	// Unrecord removes a key so it can be handled again, used when handling
	// failed after the key was recorded.
	Unrecord(key K)

	// Reset forgets every key.
	Reset()

	Size() int
}

// set implements Deduper with a map and, when bounded, FIFO eviction of the
// oldest key.
type set[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]struct{}
	order   []K
	maxSize int // 0 or negative means unbounded
}

// New creates an in-memory Deduper.
func New[K comparable](opts ...Option) Deduper[K] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &set[K]{
		seen:    make(map[K]struct{}),
		maxSize: o.maxSize,
	}
}

func (s *set[K]) SeenAndRecord(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	if s.maxSize > 0 {
		s.order = append(s.order, key)
		for len(s.seen) > s.maxSize && len(s.order) > 0 {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.seen, oldest)
		}
	}
	return false
}

func (s *set[K]) Unrecord(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; !ok {
		return
	}
	delete(s.seen, key)
	if s.maxSize > 0 {
		for i, k := range s.order {
			if k == key {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

func (s *set[K]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[K]struct{})
	s.order = nil
}

func (s *set[K]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
