package ingest

import (
	"strings"
	"time"

	"github.com/okian/elosync/internal/adapters/publisher"
	"github.com/okian/elosync/internal/domain/prediction"
	"github.com/okian/elosync/internal/domain/rating"
	"github.com/okian/elosync/pkg/logger"
)

// DefaultBatchSize is the number of events a rebuild folds between
// cancellation checks.
const DefaultBatchSize = 500

// DefaultPublishTimeout bounds one rating update announcement.
const DefaultPublishTimeout = 2 * time.Second

// Option applies a configuration option to the Ingester.
type Option func(*Ingester)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(in *Ingester) {
		if l != nil {
			in.logger = l
		}
	}
}

// WithEngine sets the rating engine.
func WithEngine(r rating.Rater) Option {
	return func(in *Ingester) {
		if r != nil {
			in.engine = r
		}
	}
}

// WithAliases maps upstream display names to stored names before lookup.
// Matching is case-insensitive.
func WithAliases(aliases map[string]string) Option {
	return func(in *Ingester) {
		for from, to := range aliases {
			from, to = strings.TrimSpace(from), strings.TrimSpace(to)
			if from != "" && to != "" {
				in.aliases[strings.ToLower(from)] = to
			}
		}
	}
}

// WithPredictor enables predictions at ingestion time.
func WithPredictor(g *prediction.Guard) Option {
	return func(in *Ingester) { in.guard = g }
}

// WithPublisher announces committed rating changes.
func WithPublisher(p publisher.Publisher) Option {
	return func(in *Ingester) {
		if p != nil {
			in.publisher = p
		}
	}
}

// WithBatchSize sets how many events a rebuild folds between cancellation
// checks.
func WithBatchSize(n int) Option {
	return func(in *Ingester) {
		if n > 0 {
			in.batchSize = n
		}
	}
}

// WithClock sets the time source for prediction timestamps.
func WithClock(now func() time.Time) Option {
	return func(in *Ingester) {
		if now != nil {
			in.now = now
		}
	}
}

// WithPublishTimeout bounds how long one announcement may take.
func WithPublishTimeout(d time.Duration) Option {
	return func(in *Ingester) {
		if d > 0 {
			in.publishTimeout = d
		}
	}
}
