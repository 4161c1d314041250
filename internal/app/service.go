// Package service is the library boundary of the rating pipeline: it wires
// the store, the ingestion and sync controllers and the predictor behind
// one facade used by the commands and the ops API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/elosync/internal/adapters/repository"
	"github.com/okian/elosync/internal/app/ingest"
	"github.com/okian/elosync/internal/app/syncer"
	"github.com/okian/elosync/internal/domain/features"
	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/internal/domain/prediction"
	"github.com/okian/elosync/pkg/logger"
	"github.com/okian/elosync/pkg/metrics"
)

// seasonStartMonth is the month a season's backfill range begins in.
const seasonStartMonth = time.August

// ErrNoSyncer is returned by SyncOnce when no sync controller is wired.
var ErrNoSyncer = errors.New("sync controller not configured")

// Status is a point-in-time summary for operators.
type Status struct {
	Started     bool       `json:"started"`
	Watermark   *time.Time `json:"watermark,omitempty"`
	Events      int        `json:"events"`
	Competitors int        `json:"competitors"`
	Top         []Standing `json:"top"`
}

// Standing is one row of the rating table.
type Standing struct {
	Name       string  `json:"name"`
	ExternalID string  `json:"externalId,omitempty"`
	Rating     float64 `json:"rating"`
}

// Service implements the pipeline operations.
type Service struct {
	mu sync.RWMutex

	store    repository.Store
	ingester *ingest.Ingester
	features *features.Computer
	guard    *prediction.Guard
	syncer   *syncer.Controller

	started bool
	runDone chan struct{}
	stopRun context.CancelFunc

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIngester sets the ingestion controller. By default one with the
// standard engine is built over the store.
func WithIngester(in *ingest.Ingester) Option {
	return func(s *Service) {
		if in != nil {
			s.ingester = in
		}
	}
}

// WithPredictor sets the predictor used by Predict.
func WithPredictor(g *prediction.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithSyncer sets the sync controller driven by Start and SyncOnce.
func WithSyncer(c *syncer.Controller) Option {
	return func(s *Service) { s.syncer = c }
}

// New constructs a Service over store.
func New(store repository.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		features: features.New(store),
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ingester == nil {
		s.ingester = ingest.New(store, ingest.WithLogger(s.logger), ingest.WithPredictor(s.guard))
	}
	return s
}

// Start launches the sync loop in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.syncer == nil {
		return ErrNoSyncer
	}

	s.logger.Info(ctx, "starting rating service...")
	runCtx, cancel := context.WithCancel(ctx)
	s.runDone, s.stopRun = make(chan struct{}), cancel
	go func() {
		defer close(s.runDone)
		if err := s.syncer.Run(runCtx); err != nil {
			s.logger.Error(ctx, "sync loop exited", logger.Error(err))
		}
	}()
	s.started = true
	return nil
}

// Stop waits for the running pass to finish and stops the sync loop. The
// service can be started again afterwards.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping rating service...")
	// the loop may not have entered Run yet, so cancel it as well
	s.stopRun()
	err := s.syncer.Shutdown(ctx)
	if err == nil {
		select {
		case <-s.runDone:
		case <-ctx.Done():
			err = fmt.Errorf("sync shutdown timed out: %w", ctx.Err())
		}
	}
	if err != nil {
		return err
	}
	s.started = false
	s.logger.Info(ctx, "rating service stopped")
	return err
}

// Ingest stores and folds one record.
func (s *Service) Ingest(ctx context.Context, raw model.RawEvent) (ingest.Result, error) {
	return s.ingester.Ingest(ctx, raw)
}

// ReprocessAll rebuilds every rating from the stored events.
func (s *Service) ReprocessAll(ctx context.Context) (ingest.RebuildReport, error) {
	return s.ingester.ReprocessAll(ctx)
}

// BackfillPredictions stores predictions for events since the given day
// that lack one.
func (s *Service) BackfillPredictions(ctx context.Context, since time.Time) (ingest.BackfillReport, error) {
	return s.ingester.BackfillPredictions(ctx, since)
}

// FeaturesFor computes the vector for a pairing as of cutoff; nil uses all
// history and current ratings.
func (s *Service) FeaturesFor(ctx context.Context, homeExtID, awayExtID string, cutoff *time.Time) (features.Vector, error) {
	return s.features.For(ctx, homeExtID, awayExtID, cutoff)
}

// Predict returns outcome probabilities for a pairing from current state.
// The boolean reports whether the fallback triple was used.
func (s *Service) Predict(ctx context.Context, homeExtID, awayExtID string) (model.Probabilities, bool, error) {
	v, err := s.features.For(ctx, homeExtID, awayExtID, nil)
	if err != nil {
		return model.Probabilities{}, false, err
	}
	p, fellBack := s.guard.Predict(ctx, v)
	if fellBack {
		metrics.RecordPrediction("fallback")
	} else {
		metrics.RecordPrediction("model")
	}
	return p, fellBack, nil
}

// CurrentRating returns the rating of the competitor with extID.
func (s *Service) CurrentRating(ctx context.Context, extID string) (float64, error) {
	c, err := s.store.CompetitorByExternalID(ctx, extID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, model.E(model.KindNotFound, "service.CurrentRating", fmt.Errorf("competitor %q: %w", extID, err))
		}
		return 0, err
	}
	return c.Rating, nil
}

// LastSyncWatermark returns when the last pass finished, false before the
// first one.
func (s *Service) LastSyncWatermark(ctx context.Context) (time.Time, bool, error) {
	return s.store.Watermark(ctx)
}

// SyncOnce runs a single sync pass.
func (s *Service) SyncOnce(ctx context.Context) (syncer.Report, error) {
	if s.syncer == nil {
		return syncer.Report{}, ErrNoSyncer
	}
	return s.syncer.SyncOnce(ctx)
}

// Ready reports whether the store answers.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Status returns the watermark, table sizes and the top n competitors.
func (s *Service) Status(ctx context.Context, n int) (Status, error) {
	s.mu.RLock()
	st := Status{Started: s.started}
	s.mu.RUnlock()

	if wm, ok, err := s.store.Watermark(ctx); err != nil {
		return Status{}, err
	} else if ok {
		st.Watermark = &wm
	}
	events, err := s.store.CountEvents(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Events = events

	cs, err := s.store.Competitors(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Competitors = len(cs)
	metrics.UpdateCompetitorCount(len(cs))
	if n > 0 && len(cs) > n {
		cs = cs[:n]
	}
	st.Top = make([]Standing, 0, len(cs))
	for _, c := range cs {
		st.Top = append(st.Top, Standing{Name: c.Name, ExternalID: c.ExternalID, Rating: c.Rating})
	}
	return st, nil
}

// SeasonStart returns August 1 of the season that now falls in.
func SeasonStart(now time.Time) time.Time {
	y := now.UTC().Year()
	if now.UTC().Month() < seasonStartMonth {
		y--
	}
	return time.Date(y, seasonStartMonth, 1, 0, 0, 0, 0, time.UTC)
}
