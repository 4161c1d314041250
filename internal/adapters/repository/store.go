// Package repository persists competitors, events, the rating log,
// predictions and the sync watermark in a SQL database.
package repository

import (
	"context"
	"time"

	"github.com/okian/elosync/internal/domain/model"
)

// Competitors reads and mutates the entity table.
type Competitors interface {
	// CompetitorByExternalID returns ErrNotFound if no row carries extID.
	CompetitorByExternalID(ctx context.Context, extID string) (model.Competitor, error)
	// CompetitorByName returns ErrNotFound if no row carries name.
	CompetitorByName(ctx context.Context, name string) (model.Competitor, error)
	CompetitorByID(ctx context.Context, id int64) (model.Competitor, error)
	CreateCompetitor(ctx context.Context, c model.Competitor) (model.Competitor, error)
	SetCompetitorExternalID(ctx context.Context, id int64, extID string) error
	SetRating(ctx context.Context, id int64, rating float64) error
	// Competitors lists every competitor ordered by rating descending.
	Competitors(ctx context.Context) ([]model.Competitor, error)
	ResetRatings(ctx context.Context, rating float64) error
}

// Events reads and mutates the event table.
type Events interface {
	EventByExternalID(ctx context.Context, extID string) (model.Event, error)
	// EventByNaturalKey looks up (date, home, away) regardless of external id.
	EventByNaturalKey(ctx context.Context, date time.Time, homeID, awayID int64) (model.Event, error)
	SetEventExternalID(ctx context.Context, id int64, extID string) error
	InsertEvent(ctx context.Context, e model.Event) (model.Event, error)
	// EventsInOrder lists every event by (date, id) ascending.
	EventsInOrder(ctx context.Context) ([]model.Event, error)
	// LatestEventDate returns false when the table is empty.
	LatestEventDate(ctx context.Context) (time.Time, bool, error)
	CountEvents(ctx context.Context) (int, error)
}

// History reads the windows used by feature computation. A nil before
// means no cutoff. Results are ordered by (date, id) descending.
type History interface {
	RecentMeetings(ctx context.Context, a, b int64, before *time.Time, limit int) ([]model.Event, error)
	RecentHomeEvents(ctx context.Context, homeID int64, before *time.Time, limit int) ([]model.Event, error)
	RecentAwayEvents(ctx context.Context, awayID int64, before *time.Time, limit int) ([]model.Event, error)
}

// Ratings reads and writes the per-event rating log.
type Ratings interface {
	AppendRatingChanges(ctx context.Context, changes ...model.RatingChange) error
	// RatingAsOf returns the rating after the latest change dated strictly
	// before t, false when the competitor had no change yet.
	RatingAsOf(ctx context.Context, competitorID int64, t time.Time) (float64, bool, error)
	// LatestChangeDate returns the date of the competitor's latest change.
	LatestChangeDate(ctx context.Context, competitorID int64) (time.Time, bool, error)
	ClearRatingHistory(ctx context.Context) error
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Predictions stores point-in-time probability snapshots.
type Predictions interface {
	// InsertPredictionIfAbsent returns false when the event already has one.
	InsertPredictionIfAbsent(ctx context.Context, p model.Prediction) (bool, error)
	PredictionByEventID(ctx context.Context, eventID int64) (model.Prediction, error)
	// EventsWithoutPrediction lists events dated on or after since that have
	// no prediction, by (date, id) ascending.
	EventsWithoutPrediction(ctx context.Context, since time.Time) ([]model.Event, error)
}

// Settings stores the single-row sync watermark.
type Settings interface {
	// Watermark returns false when no pass has completed yet.
	Watermark(ctx context.Context) (time.Time, bool, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Queries is everything readable and writable inside or outside a unit of
// work.
type Queries interface {
	Competitors
	Events
	History
	Ratings
	Predictions
	Settings
}

// Store is the authoritative pipeline state.
type Store interface {
	Queries
	// WithinTx runs fn in one transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Snapshot captures the rating table and the rating log.
type Snapshot struct {
	Ratings map[int64]float64
	History []model.RatingChange
}
