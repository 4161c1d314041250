package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/elosync/internal/adapters/repository"
	"github.com/okian/elosync/internal/domain/dedupe"
	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/pkg/logger"
	"github.com/okian/elosync/pkg/metrics"
)

// RebuildReport summarizes a ReprocessAll run.
type RebuildReport struct {
	EventsFolded      int
	DuplicatesSkipped int
	CompetitorsReset  int
	RatingSumBefore   float64
	RatingSumAfter    float64
	Duration          time.Duration
}

// ReprocessAll recomputes every rating by replaying all events in
// (date, id) order from the default rating, rewriting the rating log. The
// reset and the replay share one transaction, so readers see either the
// previous state or the rebuilt one and a failure leaves nothing behind.
func (in *Ingester) ReprocessAll(ctx context.Context) (RebuildReport, error) {
	const op = "ingest.ReprocessAll"
	start := time.Now()

	in.mu.Lock()
	defer in.mu.Unlock()

	var (
		report  RebuildReport
		ratings map[int64]float64
	)
	err := in.store.WithinTx(ctx, func(tx repository.Queries) error {
		report = RebuildReport{}
		snap, err := tx.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		report.CompetitorsReset = len(snap.Ratings)
		for _, r := range snap.Ratings {
			report.RatingSumBefore += r
		}
		in.logger.Info(ctx, "rebuilding ratings",
			logger.Int("competitors", report.CompetitorsReset),
			logger.Int("batchSize", in.batchSize))

		ratings, err = in.replay(ctx, tx, &report)
		return err
	})
	if err != nil {
		metrics.RecordRebuildFailure()
		in.logger.Warn(ctx, "rebuild failed, previous ratings kept", logger.Error(err))
		return report, model.E(model.KindStorage, op, fmt.Errorf("rebuild: %w", err))
	}

	for _, r := range ratings {
		report.RatingSumAfter += r
	}
	// competitors without events keep the default
	report.RatingSumAfter += float64(report.CompetitorsReset-len(ratings)) * model.DefaultRating
	report.Duration = time.Since(start)

	metrics.RecordRebuild(report.Duration)
	metrics.RecordRatingUpdates(2 * report.EventsFolded)
	metrics.UpdateCompetitorCount(report.CompetitorsReset)
	in.logger.Info(ctx, "ratings rebuilt",
		logger.Int("events", report.EventsFolded),
		logger.Int("duplicatesSkipped", report.DuplicatesSkipped),
		logger.Float64("ratingSumBefore", report.RatingSumBefore),
		logger.Float64("ratingSumAfter", report.RatingSumAfter),
		logger.Duration("duration", report.Duration))
	return report, nil
}

// replay resets ratings inside tx and folds every event, checking for
// cancellation between batches. It returns the resulting rating of every
// competitor that took part in an event.
func (in *Ingester) replay(ctx context.Context, tx repository.Queries, report *RebuildReport) (map[int64]float64, error) {
	if err := tx.ResetRatings(ctx, model.DefaultRating); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	if err := tx.ClearRatingHistory(ctx); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	events, err := tx.EventsInOrder(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	seen := dedupe.New[int64]()
	ratings := make(map[int64]float64)
	current := func(id int64) float64 {
		if r, ok := ratings[id]; ok {
			return r
		}
		return model.DefaultRating
	}

	for lo := 0; lo < len(events); lo += in.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+in.batchSize, len(events))
		folded := 0
		for _, ev := range events[lo:hi] {
			if seen.SeenAndRecord(ev.ID) {
				report.DuplicatesSkipped++
				continue
			}
			h, a, err := in.fold(ctx, tx, ev, current(ev.HomeID), current(ev.AwayID))
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", ev.ID, err)
			}
			ratings[ev.HomeID], ratings[ev.AwayID] = h, a
			folded++
		}
		report.EventsFolded += folded
		in.logger.Debug(ctx, "rebuild batch folded",
			logger.Int("from", lo),
			logger.Int("to", hi),
			logger.Int("folded", folded))
	}
	return ratings, nil
}
