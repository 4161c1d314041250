// Package ingest turns finished results into stored events and folds them
// into competitor ratings exactly once.
package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/okian/elosync/internal/adapters/publisher"
	"github.com/okian/elosync/internal/adapters/repository"
	"github.com/okian/elosync/internal/domain/features"
	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/internal/domain/prediction"
	"github.com/okian/elosync/internal/domain/rating"
	"github.com/okian/elosync/pkg/logger"
	"github.com/okian/elosync/pkg/metrics"
)

// Status tells what Ingest did with a record.
type Status string

// Ingest statuses.
const (
	StatusInserted  Status = "inserted"
	StatusDuplicate Status = "duplicate"
)

// Result describes one ingested record.
type Result struct {
	Status Status
	Event  model.Event
	// Late is set when the event is dated before an already folded event
	// of either side, leaving current ratings out of chronological order.
	Late bool
	// Prediction is the stored snapshot, nil when none was made.
	Prediction *model.Probabilities
}

// BatchResult summarizes IngestBatch.
type BatchResult struct {
	Inserted   int
	Duplicates int
	Rejected   int
	Failed     int
	Late       int
}

// Ingester owns every rating mutation. Ingest and ReprocessAll are
// serialized by one mutex. Announcements happen after the mutex is released.
type Ingester struct {
	mu sync.Mutex

	store     repository.Store
	engine    rating.Rater
	features  *features.Computer
	guard     *prediction.Guard
	publisher publisher.Publisher
	aliases   map[string]string
	batchSize int
	// publishTimeout bounds each announcement after commit.
	publishTimeout time.Duration
	now            func() time.Time
	logger         logger.Logger
}

// New creates an Ingester over store.
func New(store repository.Store, opts ...Option) *Ingester {
	in := &Ingester{
		store:          store,
		engine:         rating.New(),
		features:       features.New(store),
		publisher:      publisher.Nop{},
		aliases:        make(map[string]string),
		batchSize:      DefaultBatchSize,
		publishTimeout: DefaultPublishTimeout,
		now:            time.Now,
		logger:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest validates raw and, unless it is already stored, persists it and
// folds it into both ratings in one transaction. A duplicate is reported
// through Result.Status, not as an error.
func (in *Ingester) Ingest(ctx context.Context, raw model.RawEvent) (Result, error) {
	start := time.Now()
	res, err := raw.Result()
	if err != nil {
		metrics.RecordEventRejected("validation")
		return Result{}, err
	}
	res.Home.Name = in.alias(res.Home.Name)
	res.Away.Name = in.alias(res.Away.Name)

	out, update, err := in.commit(ctx, res)
	if err != nil {
		metrics.RecordEventRejected(model.KindOf(err).String())
		return Result{}, err
	}

	if out.Status == StatusDuplicate {
		metrics.RecordEventDuplicate()
		in.logger.Debug(ctx, "event already stored",
			logger.Int64("eventID", out.Event.ID),
			logger.String("externalID", res.ExternalID))
		return out, nil
	}

	metrics.RecordEventIngested()
	metrics.RecordRatingUpdates(2)
	metrics.RecordIngestLatency(float64(time.Since(start)) / float64(time.Millisecond))
	if out.Late {
		metrics.RecordEventLate()
	}
	home, away := update.Changes[0], update.Changes[1]
	in.logger.Debug(ctx, "event ingested",
		logger.Int64("eventID", out.Event.ID),
		logger.String("date", update.Date),
		logger.String("home", home.Name),
		logger.String("away", away.Name),
		logger.Float64("homeRating", home.After),
		logger.Float64("awayRating", away.After),
		logger.Bool("late", out.Late))

	in.publish(ctx, update)
	return out, nil
}

// commit runs the transactional part of Ingest under the mutex and returns
// the update to announce once it has committed.
func (in *Ingester) commit(ctx context.Context, res model.Result) (Result, publisher.RatingUpdate, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	var (
		out    Result
		update publisher.RatingUpdate
		notes  afterCommit
	)
	err := in.store.WithinTx(ctx, func(tx repository.Queries) error {
		out, notes = Result{}, notes[:0]
		home, homeNew, err := in.resolve(ctx, tx, res.Home, &notes)
		if err != nil {
			return err
		}
		away, awayNew, err := in.resolve(ctx, tx, res.Away, &notes)
		if err != nil {
			return err
		}
		if home.ID == away.ID {
			return model.Validationf("ingest.Ingest", "home and away resolve to the same competitor %q", home.Name)
		}

		dup, found, err := in.duplicate(ctx, tx, res, home.ID, away.ID, &notes)
		if err != nil {
			return err
		}
		if found {
			out = Result{Status: StatusDuplicate, Event: dup}
			return nil
		}

		late, err := in.isLate(ctx, tx, res.Date, home.ID, away.ID)
		if err != nil {
			return err
		}

		var probs *model.Probabilities
		if homeNew || awayNew {
			if in.guard != nil {
				metrics.RecordPrediction("skipped")
			}
		} else {
			probs = in.predict(ctx, tx, res, home, away)
		}

		ev, err := tx.InsertEvent(ctx, model.Event{
			ExternalID: res.ExternalID,
			Date:       res.Date,
			HomeID:     home.ID,
			AwayID:     away.ID,
			HomeGoals:  res.HomeGoals,
			AwayGoals:  res.AwayGoals,
			Outcome:    res.Outcome,
		})
		if err != nil {
			return err
		}

		homeAfter, awayAfter, err := in.fold(ctx, tx, ev, home.Rating, away.Rating)
		if err != nil {
			return err
		}

		out = Result{Status: StatusInserted, Event: ev, Late: late}
		if probs != nil {
			stored, err := tx.InsertPredictionIfAbsent(ctx, model.Prediction{
				EventID:       ev.ID,
				Probabilities: *probs,
				CreatedAt:     in.now(),
			})
			if err != nil {
				return err
			}
			if stored {
				out.Prediction = probs
			}
		}
		update = publisher.RatingUpdate{
			EventID:    ev.ID,
			ExternalID: ev.ExternalID,
			Date:       ev.Date.Format(model.DateLayout),
			Outcome:    ev.Outcome,
			Changes: []publisher.RatingChange{
				{CompetitorID: home.ID, Name: home.Name, Before: home.Rating, After: homeAfter},
				{CompetitorID: away.ID, Name: away.Name, Before: away.Rating, After: awayAfter},
			},
		}
		return nil
	})
	if err != nil {
		return Result{}, publisher.RatingUpdate{}, err
	}
	notes.run()
	return out, update, nil
}

// afterCommit holds log lines that are only true once the transaction that
// produced them has committed.
type afterCommit []func()

func (a *afterCommit) add(f func()) { *a = append(*a, f) }

func (a afterCommit) run() {
	for _, f := range a {
		f()
	}
}

// IngestBatch ingests every record, logging and continuing past records
// that fail validation or storage.
func (in *Ingester) IngestBatch(ctx context.Context, raws []model.RawEvent) (BatchResult, error) {
	var br BatchResult
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return br, err
		}
		res, err := in.Ingest(ctx, raw)
		switch {
		case err == nil && res.Status == StatusDuplicate:
			br.Duplicates++
		case err == nil:
			br.Inserted++
			if res.Late {
				br.Late++
			}
		case model.IsKind(err, model.KindValidation):
			br.Rejected++
			in.logger.Debug(ctx, "skipping record",
				logger.String("externalID", raw.ExternalID),
				logger.String("status", raw.Status),
				logger.Error(err))
		default:
			br.Failed++
			in.logger.Error(ctx, "failed to ingest record",
				logger.String("externalID", raw.ExternalID),
				logger.Error(err))
		}
	}
	return br, nil
}

func (in *Ingester) alias(name string) string {
	if to, ok := in.aliases[strings.ToLower(name)]; ok {
		return to
	}
	return name
}

// resolve finds the competitor for side by external id, then by name,
// backfilling the external id onto an id-less row, and creates it
// otherwise. The boolean is true when the competitor was created.
func (in *Ingester) resolve(ctx context.Context, q repository.Queries, side model.Side, notes *afterCommit) (model.Competitor, bool, error) {
	const op = "ingest.resolve"
	if side.ExternalID != "" {
		c, err := q.CompetitorByExternalID(ctx, side.ExternalID)
		if err == nil {
			return c, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return model.Competitor{}, false, err
		}
	}

	name := side.Name
	if name == "" {
		name = side.ExternalID
	}
	c, err := q.CompetitorByName(ctx, name)
	switch {
	case err == nil:
		if side.ExternalID == "" {
			return c, false, nil
		}
		if c.ExternalID != "" && c.ExternalID != side.ExternalID {
			return model.Competitor{}, false, model.Validationf(op, "name %q is bound to external id %q, record has %q",
				name, c.ExternalID, side.ExternalID)
		}
		if c.ExternalID == "" {
			if err := q.SetCompetitorExternalID(ctx, c.ID, side.ExternalID); err != nil {
				return model.Competitor{}, false, err
			}
			c.ExternalID = side.ExternalID
			notes.add(func() {
				in.logger.Info(ctx, "reconciled competitor external id",
					logger.Int64("competitorID", c.ID),
					logger.String("name", c.Name),
					logger.String("externalID", c.ExternalID))
			})
		}
		return c, false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return model.Competitor{}, false, err
	}

	c, err = q.CreateCompetitor(ctx, model.Competitor{
		ExternalID: side.ExternalID,
		Name:       name,
		Rating:     model.DefaultRating,
	})
	if err != nil {
		return model.Competitor{}, false, err
	}
	notes.add(func() {
		in.logger.Info(ctx, "created competitor",
			logger.Int64("competitorID", c.ID),
			logger.String("name", c.Name),
			logger.String("externalID", c.ExternalID))
	})
	return c, true, nil
}

// duplicate reports an already stored event matching res. An id-less row
// with the same natural key receives the record's external id.
func (in *Ingester) duplicate(ctx context.Context, q repository.Queries, res model.Result, homeID, awayID int64, notes *afterCommit) (model.Event, bool, error) {
	if res.ExternalID != "" {
		e, err := q.EventByExternalID(ctx, res.ExternalID)
		if err == nil {
			return e, true, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return model.Event{}, false, err
		}
	}

	e, err := q.EventByNaturalKey(ctx, res.Date, homeID, awayID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, err
	}
	switch {
	case res.ExternalID == "":
		return e, true, nil
	case e.ExternalID == "":
		if err := q.SetEventExternalID(ctx, e.ID, res.ExternalID); err != nil {
			return model.Event{}, false, err
		}
		e.ExternalID = res.ExternalID
		notes.add(func() {
			in.logger.Info(ctx, "reconciled event external id",
				logger.Int64("eventID", e.ID),
				logger.String("externalID", e.ExternalID))
		})
		return e, true, nil
	}
	// same pairing on the same day under another external id
	return model.Event{}, false, nil
}

func (in *Ingester) isLate(ctx context.Context, q repository.Queries, date time.Time, ids ...int64) (bool, error) {
	for _, id := range ids {
		latest, ok, err := q.LatestChangeDate(ctx, id)
		if err != nil {
			return false, err
		}
		if ok && date.Before(latest) {
			return true, nil
		}
	}
	return false, nil
}

// fold applies ev to the given ratings and persists the new ratings with
// their log entries.
func (in *Ingester) fold(ctx context.Context, q repository.Queries, ev model.Event, home, away float64) (float64, float64, error) {
	r := in.engine.Rate(rating.Input{Home: home, Away: away, Outcome: ev.Outcome})
	if err := q.SetRating(ctx, ev.HomeID, r.Home); err != nil {
		return 0, 0, err
	}
	if err := q.SetRating(ctx, ev.AwayID, r.Away); err != nil {
		return 0, 0, err
	}
	err := q.AppendRatingChanges(ctx,
		model.RatingChange{EventID: ev.ID, CompetitorID: ev.HomeID, Date: ev.Date, Before: home, After: r.Home},
		model.RatingChange{EventID: ev.ID, CompetitorID: ev.AwayID, Date: ev.Date, Before: away, After: r.Away},
	)
	if err != nil {
		return 0, 0, err
	}
	return r.Home, r.Away, nil
}

// predict computes features as of res's date through q and asks the model.
// It returns nil when predictions are disabled or the features fail.
func (in *Ingester) predict(ctx context.Context, q repository.Queries, res model.Result, home, away model.Competitor) *model.Probabilities {
	if in.guard == nil {
		return nil
	}
	cutoff := res.Date
	v, err := in.features.With(q).ForCompetitors(ctx, home, away, &cutoff)
	if err != nil {
		in.logger.Warn(ctx, "computing features failed, skipping prediction",
			logger.String("externalID", res.ExternalID),
			logger.Error(err))
		metrics.RecordPrediction("skipped")
		return nil
	}
	p, fellBack := in.guard.Predict(ctx, v)
	if fellBack {
		metrics.RecordPrediction("fallback")
	} else {
		metrics.RecordPrediction("model")
	}
	return &p
}

// publish announces u, giving up after the publish timeout.
func (in *Ingester) publish(ctx context.Context, u publisher.RatingUpdate) {
	pctx, cancel := context.WithTimeout(ctx, in.publishTimeout)
	defer cancel()
	if err := in.publisher.Publish(pctx, u); err != nil {
		in.logger.Warn(ctx, "failed to publish rating update",
			logger.Int64("eventID", u.EventID),
			logger.Error(err))
	}
}
