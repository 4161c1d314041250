// Package syncer keeps the local store in step with the upstream results
// provider: one windowed, paced and retried pass per interval.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/okian/elosync/internal/adapters/cache"
	"github.com/okian/elosync/internal/app/ingest"
	"github.com/okian/elosync/internal/domain/dedupe"
	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/pkg/logger"
	"github.com/okian/elosync/pkg/metrics"
)

// Source is the upstream results provider.
type Source interface {
	CurrentSeason(ctx context.Context, competition string) (model.Season, error)
	// Matches returns records scheduled in [from, to], both days inclusive.
	Matches(ctx context.Context, competition string, from, to time.Time) ([]model.RawEvent, error)
}

// Ingester stores records and rebuilds ratings.
type Ingester interface {
	Ingest(ctx context.Context, raw model.RawEvent) (ingest.Result, error)
	ReprocessAll(ctx context.Context) (ingest.RebuildReport, error)
}

// State is the part of the store a pass reads and advances.
type State interface {
	LatestEventDate(ctx context.Context) (time.Time, bool, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Report summarizes one pass.
type Report struct {
	ID             string
	From           time.Time
	To             time.Time
	NoOp           bool
	Windows        int
	WindowsSkipped int
	Fetched        int
	Inserted       int
	Duplicates     int
	Rejected       int
	Failed         int
	Late           int
	Rebuilt        bool
	Watermark      time.Time
}

// Controller runs sync passes.
type Controller struct {
	source   Source
	ingester Ingester
	state    State
	seasons  cache.SeasonCache
	seen     dedupe.Deduper[string]

	competition     string
	interval        time.Duration
	lookbackDays    int
	chunkDays       int
	requestInterval time.Duration
	maxRetries      int
	backoffBase     time.Duration
	backoffMax      time.Duration
	seasonStart     time.Time
	rebuildOnLate   bool
	dedupeSize      int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// passMu serializes passes; lastRequest is guarded by it.
	passMu      sync.Mutex
	lastRequest time.Time

	// lifeMu guards the loop state below. Each Run gets fresh channels so
	// the loop can be started again after Shutdown.
	lifeMu   sync.Mutex
	running  bool
	stopping bool
	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// New creates a Controller.
func New(source Source, ingester Ingester, state State, opts ...Option) *Controller {
	c := &Controller{
		source:          source,
		ingester:        ingester,
		state:           state,
		competition:     DefaultCompetition,
		interval:        DefaultInterval,
		lookbackDays:    DefaultLookbackDays,
		chunkDays:       DefaultChunkDays,
		requestInterval: DefaultRequestInterval,
		maxRetries:      DefaultMaxRetries,
		backoffBase:     DefaultBackoffBase,
		backoffMax:      DefaultBackoffMax,
		seasonStart:     DefaultSeasonStart,
		rebuildOnLate:   true,
		dedupeSize:      DefaultDedupeSize,
		now:             time.Now,
		sleep:           sleepCtx,
		shutdown:        make(chan struct{}),
		logger:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.seasons == nil {
		c.seasons = cache.NewMemory(cache.DefaultTTL, cache.WithClock(c.now))
	}
	c.seen = dedupe.New[string](dedupe.WithMaxSize(c.dedupeSize))
	return c
}

// Run performs a pass immediately and then one per interval until ctx is
// done or Shutdown is called. A pass in progress is never interrupted.
// Once Run has returned it may be called again.
func (c *Controller) Run(ctx context.Context) error {
	c.lifeMu.Lock()
	if c.running {
		c.lifeMu.Unlock()
		return errors.New("sync controller already running")
	}
	c.running = true
	done := make(chan struct{})
	c.done = done
	shutdown := c.shutdown
	c.lifeMu.Unlock()

	defer func() {
		c.lifeMu.Lock()
		c.running = false
		if c.stopping {
			c.shutdown = make(chan struct{})
			c.stopping = false
		}
		c.lifeMu.Unlock()
		close(done)
	}()

	c.logger.Info(ctx, "sync loop started",
		logger.String("competition", c.competition),
		logger.Duration("interval", c.interval))

	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	for {
		if _, err := c.SyncOnce(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error(ctx, "sync pass failed", logger.Error(err))
		}
		timer.Reset(c.interval)

		select {
		case <-ctx.Done():
			c.logger.Info(ctx, "sync loop stopped")
			return nil
		case <-shutdown:
			c.logger.Info(ctx, "sync loop stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Shutdown stops the loop at its next sleep and waits for the current pass
// to finish. It is a no-op when the loop is not running.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.lifeMu.Lock()
	if !c.running {
		c.lifeMu.Unlock()
		return nil
	}
	if !c.stopping {
		close(c.shutdown)
		c.stopping = true
	}
	done := c.done
	c.lifeMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.logger.Warn(ctx, "sync shutdown timed out")
		return fmt.Errorf("sync shutdown timed out: %w", ctx.Err())
	}
}

// SyncOnce runs one pass: fetch every sub-window of the current window,
// ingest what arrives and advance the watermark.
func (c *Controller) SyncOnce(ctx context.Context) (Report, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	report := Report{ID: uuid.NewString()}
	log := c.logger.With(logger.String("passID", report.ID))
	start := time.Now()

	from, to, err := c.window(ctx, log)
	if err != nil {
		metrics.RecordSyncPass("error")
		return report, err
	}
	report.From, report.To = from, to

	c.seen.Reset()
	if from.After(to) {
		report.NoOp = true
		log.Info(ctx, "nothing to fetch",
			logger.String("from", from.Format(model.DateLayout)),
			logger.String("to", to.Format(model.DateLayout)))
	} else {
		log.Info(ctx, "sync pass started",
			logger.String("from", from.Format(model.DateLayout)),
			logger.String("to", to.Format(model.DateLayout)))
		for _, w := range Chunks(from, to, c.chunkDays) {
			if err := ctx.Err(); err != nil {
				metrics.RecordSyncPass("error")
				return report, err
			}
			report.Windows++
			raws, err := c.fetch(ctx, log, w)
			if err != nil {
				report.WindowsSkipped++
				metrics.RecordSyncWindow("skipped")
				log.Warn(ctx, "skipping sub-window",
					logger.String("from", w.From.Format(model.DateLayout)),
					logger.String("to", w.To.Format(model.DateLayout)),
					logger.String("kind", model.KindOf(err).String()),
					logger.Error(err))
				continue
			}
			metrics.RecordSyncWindow("ok")
			report.Fetched += len(raws)
			c.ingestAll(ctx, log, raws, &report)
		}
	}

	if report.Late > 0 && c.rebuildOnLate {
		log.Info(ctx, "late events ingested, rebuilding ratings", logger.Int("late", report.Late))
		if _, err := c.ingester.ReprocessAll(ctx); err != nil {
			log.Error(ctx, "rebuild after late events failed", logger.Error(err))
		} else {
			report.Rebuilt = true
		}
	}

	report.Watermark = c.now().UTC()
	if err := c.state.SetWatermark(ctx, report.Watermark); err != nil {
		metrics.RecordSyncPass("error")
		return report, fmt.Errorf("advancing watermark: %w", err)
	}
	metrics.UpdateSyncWatermark(report.Watermark)

	result := "ok"
	switch {
	case report.NoOp:
		result = "noop"
	case report.WindowsSkipped > 0:
		result = "partial"
	}
	metrics.RecordSyncPass(result)
	log.Info(ctx, "sync pass finished",
		logger.String("result", result),
		logger.Int("windows", report.Windows),
		logger.Int("windowsSkipped", report.WindowsSkipped),
		logger.Int("fetched", report.Fetched),
		logger.Int("inserted", report.Inserted),
		logger.Int("duplicates", report.Duplicates),
		logger.Int("rejected", report.Rejected),
		logger.Int("failed", report.Failed),
		logger.Int("late", report.Late),
		logger.Duration("duration", time.Since(start)))
	return report, nil
}

func (c *Controller) ingestAll(ctx context.Context, log logger.Logger, raws []model.RawEvent, report *Report) {
	for _, raw := range raws {
		if raw.ExternalID != "" && c.seen.SeenAndRecord(raw.ExternalID) {
			report.Duplicates++
			continue
		}
		res, err := c.ingester.Ingest(ctx, raw)
		switch {
		case err == nil && res.Status == ingest.StatusDuplicate:
			report.Duplicates++
		case err == nil:
			report.Inserted++
			if res.Late {
				report.Late++
			}
		case model.IsKind(err, model.KindValidation):
			report.Rejected++
			log.Debug(ctx, "skipping record",
				logger.String("externalID", raw.ExternalID),
				logger.String("status", raw.Status),
				logger.Error(err))
		default:
			report.Failed++
			// a later pass may succeed
			c.seen.Unrecord(raw.ExternalID)
			log.Error(ctx, "failed to ingest record",
				logger.String("externalID", raw.ExternalID),
				logger.Error(err))
		}
	}
}

// window returns the inclusive day range of a pass.
func (c *Controller) window(ctx context.Context, log logger.Logger) (time.Time, time.Time, error) {
	from := model.Day(c.seasonStart)
	latest, ok, err := c.state.LatestEventDate(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("reading latest event: %w", err)
	}
	if ok {
		from = model.Day(latest).AddDate(0, 0, -c.lookbackDays)
	}

	season, err := c.season(ctx, log)
	if err != nil {
		to := model.Day(c.now())
		log.Warn(ctx, "season metadata unavailable, fetching up to today",
			logger.String("to", to.Format(model.DateLayout)),
			logger.Error(err))
		return from, to, nil
	}
	return from, model.Day(season.End).AddDate(0, 0, 1), nil
}

func (c *Controller) season(ctx context.Context, log logger.Logger) (model.Season, error) {
	s, ok, err := c.seasons.Get(ctx, c.competition)
	if err != nil {
		log.Warn(ctx, "season cache read failed", logger.Error(err))
	}
	if ok {
		return s, nil
	}

	if err := c.pace(ctx); err != nil {
		return model.Season{}, err
	}
	s, err = c.source.CurrentSeason(ctx, c.competition)
	if err != nil {
		return model.Season{}, err
	}
	if err := c.seasons.Set(ctx, c.competition, s); err != nil {
		log.Warn(ctx, "season cache write failed", logger.Error(err))
	}
	return s, nil
}

// fetch requests one sub-window, retrying rate-limit responses. Any other
// failure is returned at once.
func (c *Controller) fetch(ctx context.Context, log logger.Logger, w Window) ([]model.RawEvent, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.backoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.backoffMax,
	}
	b.Reset()

	for attempt := 0; ; attempt++ {
		if err := c.pace(ctx); err != nil {
			return nil, err
		}
		raws, err := c.source.Matches(ctx, c.competition, w.From, w.To)
		if err == nil {
			return raws, nil
		}
		if !model.IsKind(err, model.KindRateLimited) {
			return nil, err
		}
		if attempt >= c.maxRetries {
			return nil, fmt.Errorf("giving up after %d retries: %w", attempt, err)
		}

		next := b.NextBackOff()
		wait, hinted := model.RetryAfter(err)
		if !hinted {
			wait = next
		}
		wait = min(wait, c.backoffMax)
		log.Warn(ctx, "rate limited, waiting",
			logger.Duration("wait", wait),
			logger.Bool("suggested", hinted),
			logger.Int("attempt", attempt+1),
			logger.Int("maxRetries", c.maxRetries))
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// pace waits until requestInterval has passed since the previous request
// and marks a new one.
func (c *Controller) pace(ctx context.Context) error {
	if !c.lastRequest.IsZero() {
		if wait := c.lastRequest.Add(c.requestInterval).Sub(c.now()); wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	c.lastRequest = c.now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
