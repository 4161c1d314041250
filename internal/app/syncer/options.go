package syncer

import (
	"context"
	"time"

	"github.com/okian/elosync/internal/adapters/cache"
	"github.com/okian/elosync/pkg/logger"
)

// Defaults.
const (
	DefaultInterval        = 24 * time.Hour
	DefaultLookbackDays    = 10
	DefaultChunkDays       = 5
	DefaultRequestInterval = 6 * time.Second
	DefaultMaxRetries      = 3
	DefaultBackoffBase     = 5 * time.Second
	DefaultBackoffMax      = 60 * time.Second
	DefaultCompetition     = "PL"
	DefaultDedupeSize      = 10000
)

// DefaultSeasonStart is the lower bound used when no event is stored.
var DefaultSeasonStart = time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

// Option applies a configuration option to the Controller.
type Option func(*Controller)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCompetition sets the upstream competition code.
func WithCompetition(code string) Option {
	return func(c *Controller) {
		if code != "" {
			c.competition = code
		}
	}
}

// WithInterval sets the time between passes.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLookbackDays sets how far before the latest stored event a pass
// starts.
func WithLookbackDays(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.lookbackDays = n
		}
	}
}

// WithChunkDays sets the length of each upstream sub-window.
func WithChunkDays(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.chunkDays = n
		}
	}
}

// WithRequestInterval sets the minimum spacing of upstream requests.
func WithRequestInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.requestInterval = d
		}
	}
}

// WithMaxRetries sets the rate-limit retries per sub-window.
func WithMaxRetries(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the first rate-limit delay used without a server hint
// and the cap applied to every delay.
func WithBackoff(base, limit time.Duration) Option {
	return func(c *Controller) {
		if base > 0 {
			c.backoffBase = base
		}
		if limit > 0 {
			c.backoffMax = limit
		}
	}
}

// WithSeasonStart sets the lower bound used when no event is stored.
func WithSeasonStart(t time.Time) Option {
	return func(c *Controller) {
		if !t.IsZero() {
			c.seasonStart = t.UTC()
		}
	}
}

// WithSeasonCache sets where season metadata is kept between passes.
func WithSeasonCache(sc cache.SeasonCache) Option {
	return func(c *Controller) {
		if sc != nil {
			c.seasons = sc
		}
	}
}

// WithRebuildOnLateEvents rebuilds all ratings after a pass that ingested
// events out of chronological order. Enabled by default.
func WithRebuildOnLateEvents(on bool) Option {
	return func(c *Controller) { c.rebuildOnLate = on }
}

// WithDedupeSize bounds the per-pass set of seen external ids.
func WithDedupeSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.dedupeSize = n
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep sets how the controller waits within a pass.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}
