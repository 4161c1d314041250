package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/okian/elosync/internal/domain/model"
)

const (
	competitorCols = `id, external_id, name, rating`
	eventCols      = `id, external_id, date, home_id, away_id, home_goals, away_goals, outcome`

	watermarkKey = "last_sync_watermark"
)

// queries implements Queries over a querier, so the same code serves the
// pool and an open transaction.
type queries struct {
	q   querier
	d   dialect
	now func() time.Time
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *queries) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatDate(t time.Time) string {
	return model.Day(t).Format(model.DateLayout)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCompetitor(row scanner) (model.Competitor, error) {
	var (
		c   model.Competitor
		ext sql.NullString
	)
	if err := row.Scan(&c.ID, &ext, &c.Name, &c.Rating); err != nil {
		return model.Competitor{}, err
	}
	c.ExternalID = ext.String
	return c, nil
}

func scanEvent(row scanner) (model.Event, error) {
	var (
		e       model.Event
		ext     sql.NullString
		date    string
		outcome string
	)
	if err := row.Scan(&e.ID, &ext, &date, &e.HomeID, &e.AwayID, &e.HomeGoals, &e.AwayGoals, &outcome); err != nil {
		return model.Event{}, err
	}
	d, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return model.Event{}, fmt.Errorf("event %d: bad date %q: %w", e.ID, date, err)
	}
	e.ExternalID = ext.String
	e.Date = d
	e.Outcome = model.Outcome(outcome)
	return e, nil
}

func (s *queries) oneCompetitor(ctx context.Context, op, where string, args ...any) (model.Competitor, error) {
	c, err := scanCompetitor(s.queryRow(ctx, `SELECT `+competitorCols+` FROM competitors WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Competitor{}, ErrNotFound
	}
	return c, storageErr(op, err)
}

func (s *queries) oneEvent(ctx context.Context, op, where string, args ...any) (model.Event, error) {
	e, err := scanEvent(s.queryRow(ctx, `SELECT `+eventCols+` FROM events WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	return e, storageErr(op, err)
}

func (s *queries) manyEvents(ctx context.Context, op, query string, args ...any) ([]model.Event, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, e)
	}
	return out, storageErr(op, rows.Err())
}

// Competitors

func (s *queries) CompetitorByExternalID(ctx context.Context, extID string) (model.Competitor, error) {
	return s.oneCompetitor(ctx, "CompetitorByExternalID", `external_id = ?`, extID)
}

func (s *queries) CompetitorByName(ctx context.Context, name string) (model.Competitor, error) {
	return s.oneCompetitor(ctx, "CompetitorByName", `name = ?`, name)
}

func (s *queries) CompetitorByID(ctx context.Context, id int64) (model.Competitor, error) {
	return s.oneCompetitor(ctx, "CompetitorByID", `id = ?`, id)
}

func (s *queries) CreateCompetitor(ctx context.Context, c model.Competitor) (model.Competitor, error) {
	if c.Rating == 0 {
		c.Rating = model.DefaultRating
	}
	err := s.queryRow(ctx,
		`INSERT INTO competitors (external_id, name, rating, updated_at) VALUES (?, ?, ?, ?) RETURNING id`,
		nullable(c.ExternalID), c.Name, c.Rating, s.stamp(),
	).Scan(&c.ID)
	if err != nil {
		return model.Competitor{}, storageErr("CreateCompetitor", err)
	}
	return c, nil
}

func (s *queries) SetCompetitorExternalID(ctx context.Context, id int64, extID string) error {
	_, err := s.exec(ctx, `UPDATE competitors SET external_id = ?, updated_at = ? WHERE id = ?`,
		nullable(extID), s.stamp(), id)
	return storageErr("SetCompetitorExternalID", err)
}

func (s *queries) SetRating(ctx context.Context, id int64, rating float64) error {
	res, err := s.exec(ctx, `UPDATE competitors SET rating = ?, updated_at = ? WHERE id = ?`, rating, s.stamp(), id)
	if err != nil {
		return storageErr("SetRating", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *queries) Competitors(ctx context.Context) ([]model.Competitor, error) {
	rows, err := s.query(ctx, `SELECT `+competitorCols+` FROM competitors ORDER BY rating DESC, id ASC`)
	if err != nil {
		return nil, storageErr("Competitors", err)
	}
	defer rows.Close()

	var out []model.Competitor
	for rows.Next() {
		c, err := scanCompetitor(rows)
		if err != nil {
			return nil, storageErr("Competitors", err)
		}
		out = append(out, c)
	}
	return out, storageErr("Competitors", rows.Err())
}

func (s *queries) ResetRatings(ctx context.Context, rating float64) error {
	_, err := s.exec(ctx, `UPDATE competitors SET rating = ?, updated_at = ?`, rating, s.stamp())
	return storageErr("ResetRatings", err)
}

// Events

func (s *queries) EventByExternalID(ctx context.Context, extID string) (model.Event, error) {
	return s.oneEvent(ctx, "EventByExternalID", `external_id = ?`, extID)
}

func (s *queries) EventByNaturalKey(ctx context.Context, date time.Time, homeID, awayID int64) (model.Event, error) {
	return s.oneEvent(ctx, "EventByNaturalKey",
		`date = ? AND home_id = ? AND away_id = ? ORDER BY id ASC LIMIT 1`, formatDate(date), homeID, awayID)
}

func (s *queries) SetEventExternalID(ctx context.Context, id int64, extID string) error {
	_, err := s.exec(ctx, `UPDATE events SET external_id = ? WHERE id = ?`, nullable(extID), id)
	return storageErr("SetEventExternalID", err)
}

func (s *queries) InsertEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if !e.Outcome.Valid() {
		e.Outcome = model.OutcomeFor(e.HomeGoals, e.AwayGoals)
	}
	e.Date = model.Day(e.Date)
	err := s.queryRow(ctx,
		`INSERT INTO events (external_id, date, home_id, away_id, home_goals, away_goals, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		nullable(e.ExternalID), formatDate(e.Date), e.HomeID, e.AwayID, e.HomeGoals, e.AwayGoals, string(e.Outcome), s.stamp(),
	).Scan(&e.ID)
	if err != nil {
		return model.Event{}, storageErr("InsertEvent", err)
	}
	return e, nil
}

func (s *queries) EventsInOrder(ctx context.Context) ([]model.Event, error) {
	return s.manyEvents(ctx, "EventsInOrder", `SELECT `+eventCols+` FROM events ORDER BY date ASC, id ASC`)
}

func (s *queries) LatestEventDate(ctx context.Context) (time.Time, bool, error) {
	var d sql.NullString
	if err := s.queryRow(ctx, `SELECT MAX(date) FROM events`).Scan(&d); err != nil {
		return time.Time{}, false, storageErr("LatestEventDate", err)
	}
	if !d.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(model.DateLayout, d.String)
	if err != nil {
		return time.Time{}, false, storageErr("LatestEventDate", err)
	}
	return t, true, nil
}

func (s *queries) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, storageErr("CountEvents", err)
}

// History

func beforeClause(before *time.Time) (string, []any) {
	if before == nil {
		return "", nil
	}
	return ` AND date < ?`, []any{formatDate(*before)}
}

func (s *queries) RecentMeetings(ctx context.Context, a, b int64, before *time.Time, limit int) ([]model.Event, error) {
	clause, extra := beforeClause(before)
	args := append([]any{a, b, b, a}, extra...)
	args = append(args, limit)
	return s.manyEvents(ctx, "RecentMeetings",
		`SELECT `+eventCols+` FROM events
		 WHERE ((home_id = ? AND away_id = ?) OR (home_id = ? AND away_id = ?))`+clause+`
		 ORDER BY date DESC, id DESC LIMIT ?`, args...)
}

func (s *queries) RecentHomeEvents(ctx context.Context, homeID int64, before *time.Time, limit int) ([]model.Event, error) {
	clause, extra := beforeClause(before)
	args := append([]any{homeID}, extra...)
	args = append(args, limit)
	return s.manyEvents(ctx, "RecentHomeEvents",
		`SELECT `+eventCols+` FROM events WHERE home_id = ?`+clause+` ORDER BY date DESC, id DESC LIMIT ?`, args...)
}

func (s *queries) RecentAwayEvents(ctx context.Context, awayID int64, before *time.Time, limit int) ([]model.Event, error) {
	clause, extra := beforeClause(before)
	args := append([]any{awayID}, extra...)
	args = append(args, limit)
	return s.manyEvents(ctx, "RecentAwayEvents",
		`SELECT `+eventCols+` FROM events WHERE away_id = ?`+clause+` ORDER BY date DESC, id DESC LIMIT ?`, args...)
}

// Ratings

func (s *queries) AppendRatingChanges(ctx context.Context, changes ...model.RatingChange) error {
	for _, c := range changes {
		_, err := s.exec(ctx,
			`INSERT INTO rating_history (event_id, competitor_id, date, rating_before, rating_after) VALUES (?, ?, ?, ?, ?)`,
			c.EventID, c.CompetitorID, formatDate(c.Date), c.Before, c.After)
		if err != nil {
			return storageErr("AppendRatingChanges", err)
		}
	}
	return nil
}

func (s *queries) RatingAsOf(ctx context.Context, competitorID int64, t time.Time) (float64, bool, error) {
	var r float64
	err := s.queryRow(ctx,
		`SELECT rating_after FROM rating_history WHERE competitor_id = ? AND date < ?
		 ORDER BY date DESC, event_id DESC LIMIT 1`, competitorID, formatDate(t)).Scan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("RatingAsOf", err)
	}
	return r, true, nil
}

func (s *queries) LatestChangeDate(ctx context.Context, competitorID int64) (time.Time, bool, error) {
	var d sql.NullString
	if err := s.queryRow(ctx, `SELECT MAX(date) FROM rating_history WHERE competitor_id = ?`, competitorID).Scan(&d); err != nil {
		return time.Time{}, false, storageErr("LatestChangeDate", err)
	}
	if !d.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(model.DateLayout, d.String)
	if err != nil {
		return time.Time{}, false, storageErr("LatestChangeDate", err)
	}
	return t, true, nil
}

func (s *queries) ClearRatingHistory(ctx context.Context) error {
	_, err := s.exec(ctx, `DELETE FROM rating_history`)
	return storageErr("ClearRatingHistory", err)
}

func (s *queries) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Ratings: make(map[int64]float64)}

	cs, err := s.Competitors(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, c := range cs {
		snap.Ratings[c.ID] = c.Rating
	}

	rows, err := s.query(ctx,
		`SELECT event_id, competitor_id, date, rating_before, rating_after FROM rating_history ORDER BY date ASC, event_id ASC`)
	if err != nil {
		return Snapshot{}, storageErr("Snapshot", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c    model.RatingChange
			date string
		)
		if err := rows.Scan(&c.EventID, &c.CompetitorID, &date, &c.Before, &c.After); err != nil {
			return Snapshot{}, storageErr("Snapshot", err)
		}
		if c.Date, err = time.Parse(model.DateLayout, date); err != nil {
			return Snapshot{}, storageErr("Snapshot", err)
		}
		snap.History = append(snap.History, c)
	}
	return snap, storageErr("Snapshot", rows.Err())
}

// Predictions

func (s *queries) InsertPredictionIfAbsent(ctx context.Context, p model.Prediction) (bool, error) {
	created := p.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.exec(ctx,
		`INSERT INTO predictions (event_id, home_win, draw, away_win, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		p.EventID, p.Home, p.Draw, p.Away, created.UTC().Format(time.RFC3339))
	if err != nil {
		return false, storageErr("InsertPredictionIfAbsent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("InsertPredictionIfAbsent", err)
	}
	return n > 0, nil
}

func (s *queries) PredictionByEventID(ctx context.Context, eventID int64) (model.Prediction, error) {
	var (
		p       model.Prediction
		created string
	)
	err := s.queryRow(ctx, `SELECT event_id, home_win, draw, away_win, created_at FROM predictions WHERE event_id = ?`, eventID).
		Scan(&p.EventID, &p.Home, &p.Draw, &p.Away, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Prediction{}, ErrNotFound
	}
	if err != nil {
		return model.Prediction{}, storageErr("PredictionByEventID", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return model.Prediction{}, storageErr("PredictionByEventID", err)
	}
	return p, nil
}

func (s *queries) EventsWithoutPrediction(ctx context.Context, since time.Time) ([]model.Event, error) {
	return s.manyEvents(ctx, "EventsWithoutPrediction",
		`SELECT e.id, e.external_id, e.date, e.home_id, e.away_id, e.home_goals, e.away_goals, e.outcome
		 FROM events e LEFT JOIN predictions p ON p.event_id = e.id
		 WHERE p.event_id IS NULL AND e.date >= ?
		 ORDER BY e.date ASC, e.id ASC`, formatDate(since))
}

// Settings

func (s *queries) Watermark(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := s.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, watermarkKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storageErr("Watermark", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, storageErr("Watermark", err)
	}
	return t, true, nil
}

func (s *queries) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := s.exec(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		watermarkKey, t.UTC().Format(time.RFC3339Nano))
	return storageErr("SetWatermark", err)
}
