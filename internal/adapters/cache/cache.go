// Package cache keeps upstream season metadata between sync passes.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/okian/elosync/internal/domain/model"
)

// DefaultTTL is how long season metadata stays fresh.
const DefaultTTL = 6 * time.Hour

// SeasonCache stores the current season per competition.
type SeasonCache interface {
	// Get returns the cached season and whether it is present and fresh.
	Get(ctx context.Context, competition string) (model.Season, bool, error)
	Set(ctx context.Context, competition string, s model.Season) error
}

type entry struct {
	season  model.Season
	expires time.Time
}

// Memory is an in-process SeasonCache.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates a Memory cache with the given TTL; zero uses DefaultTTL.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{ttl: ttl, now: time.Now, entries: make(map[string]entry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements SeasonCache.
func (m *Memory) Get(_ context.Context, competition string) (model.Season, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[competition]
	if !ok {
		return model.Season{}, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, competition)
		return model.Season{}, false, nil
	}
	return e.season, true, nil
}

// Set implements SeasonCache.
func (m *Memory) Set(_ context.Context, competition string, s model.Season) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[competition] = entry{season: s, expires: m.now().Add(m.ttl)}
	return nil
}
