package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/pkg/logger"
	"github.com/okian/elosync/pkg/metrics"
)

// ErrNoPredictor is returned by BackfillPredictions when predictions are
// disabled.
var ErrNoPredictor = errors.New("no predictor configured")

// BackfillReport summarizes BackfillPredictions.
type BackfillReport struct {
	Scanned  int
	Stored   int
	FellBack int
	Failed   int
}

// BackfillPredictions stores a prediction for every event dated on or
// after since that lacks one, using features as of each event's date.
// Existing predictions are never replaced.
func (in *Ingester) BackfillPredictions(ctx context.Context, since time.Time) (BackfillReport, error) {
	if in.guard == nil {
		return BackfillReport{}, ErrNoPredictor
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	events, err := in.store.EventsWithoutPrediction(ctx, model.Day(since))
	if err != nil {
		return BackfillReport{}, err
	}

	var report BackfillReport
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		stored, fellBack, err := in.backfillOne(ctx, ev)
		switch {
		case err != nil:
			report.Failed++
			in.logger.Warn(ctx, "failed to backfill prediction",
				logger.Int64("eventID", ev.ID),
				logger.Error(err))
			continue
		case !stored:
			continue
		}
		report.Stored++
		if fellBack {
			report.FellBack++
		}
	}
	in.logger.Info(ctx, "predictions backfilled",
		logger.Time("since", model.Day(since)),
		logger.Int("scanned", report.Scanned),
		logger.Int("stored", report.Stored),
		logger.Int("fellBack", report.FellBack),
		logger.Int("failed", report.Failed))
	return report, nil
}

func (in *Ingester) backfillOne(ctx context.Context, ev model.Event) (bool, bool, error) {
	home, err := in.store.CompetitorByID(ctx, ev.HomeID)
	if err != nil {
		return false, false, err
	}
	away, err := in.store.CompetitorByID(ctx, ev.AwayID)
	if err != nil {
		return false, false, err
	}
	cutoff := ev.Date
	v, err := in.features.ForCompetitors(ctx, home, away, &cutoff)
	if err != nil {
		return false, false, err
	}
	p, fellBack := in.guard.Predict(ctx, v)
	if fellBack {
		metrics.RecordPrediction("fallback")
	} else {
		metrics.RecordPrediction("model")
	}
	stored, err := in.store.InsertPredictionIfAbsent(ctx, model.Prediction{
		EventID:       ev.ID,
		Probabilities: p,
		CreatedAt:     in.now(),
	})
	return stored, fellBack, err
}
