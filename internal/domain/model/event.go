// Package model contains domain models passed between layers.
package model

import (
	"strings"
	"time"
)

// DefaultRating is the rating of a competitor that has not played yet.
const DefaultRating = 1500.0

// DateLayout is the day-granularity layout events are stored with.
const DateLayout = "2006-01-02"

// StatusFinished is the upstream status of a match with a final score.
const StatusFinished = "FINISHED"

// Outcome is the result of an event from the home side's perspective.
type Outcome string

// Outcomes.
const (
	HomeWin Outcome = "HOME_WIN"
	Draw    Outcome = "DRAW"
	AwayWin Outcome = "AWAY_WIN"
)

// OutcomeFor derives the outcome from a final score.
func OutcomeFor(homeGoals, awayGoals int) Outcome {
	switch {
	case homeGoals > awayGoals:
		return HomeWin
	case homeGoals < awayGoals:
		return AwayWin
	default:
		return Draw
	}
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	return o == HomeWin || o == Draw || o == AwayWin
}

// HomeScore is the actual score of the home side: 1, 0.5 or 0.
func (o Outcome) HomeScore() float64 {
	switch o {
	case HomeWin:
		return 1
	case AwayWin:
		return 0
	default:
		return 0.5
	}
}

// Competitor is a team with a persistent rating.
type Competitor struct {
	ID         int64
	ExternalID string // empty when unknown
	Name       string
	Rating     float64
}

// Event is a stored finished match.
type Event struct {
	ID         int64
	ExternalID string // empty when unknown
	Date       time.Time
	HomeID     int64
	AwayID     int64
	HomeGoals  int
	AwayGoals  int
	Outcome    Outcome
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an upstream date, either RFC 3339 or YYYY-MM-DD, to a
// UTC day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Day(t), nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}

// Side describes one competitor of a raw record.
type Side struct {
	ExternalID string
	Name       string
}

// RawEvent is an event record as received from the upstream provider.
// Goals are nil until the match has a score.
type RawEvent struct {
	ExternalID string
	Status     string
	Date       string
	Home       Side
	Away       Side
	HomeGoals  *int
	AwayGoals  *int
}

// Result is a validated finished record ready for ingestion.
type Result struct {
	ExternalID string
	Date       time.Time
	Home       Side
	Away       Side
	HomeGoals  int
	AwayGoals  int
	Outcome    Outcome
}

// Result validates r and returns the finished result it describes.
func (r RawEvent) Result() (Result, error) {
	const op = "model.RawEvent.Result"
	if !strings.EqualFold(strings.TrimSpace(r.Status), StatusFinished) {
		return Result{}, Validationf(op, "status %q is not %s", r.Status, StatusFinished)
	}
	for role, s := range map[string]Side{"home": r.Home, "away": r.Away} {
		if strings.TrimSpace(s.ExternalID) == "" && strings.TrimSpace(s.Name) == "" {
			return Result{}, Validationf(op, "%s side has neither id nor name", role)
		}
	}
	if r.Home.ExternalID != "" && r.Home.ExternalID == r.Away.ExternalID {
		return Result{}, Validationf(op, "home and away are the same competitor %q", r.Home.ExternalID)
	}
	if r.HomeGoals == nil || r.AwayGoals == nil {
		return Result{}, Validationf(op, "missing score")
	}
	if *r.HomeGoals < 0 || *r.AwayGoals < 0 {
		return Result{}, Validationf(op, "negative score %d-%d", *r.HomeGoals, *r.AwayGoals)
	}
	date, err := ParseDate(r.Date)
	if err != nil {
		return Result{}, Validationf(op, "unparseable date %q: %v", r.Date, err)
	}
	return Result{
		ExternalID: strings.TrimSpace(r.ExternalID),
		Date:       date,
		Home:       Side{ExternalID: strings.TrimSpace(r.Home.ExternalID), Name: strings.TrimSpace(r.Home.Name)},
		Away:       Side{ExternalID: strings.TrimSpace(r.Away.ExternalID), Name: strings.TrimSpace(r.Away.Name)},
		HomeGoals:  *r.HomeGoals,
		AwayGoals:  *r.AwayGoals,
		Outcome:    OutcomeFor(*r.HomeGoals, *r.AwayGoals),
	}, nil
}

// RatingChange is one entry of the per-event rating log.
type RatingChange struct {
	EventID      int64
	CompetitorID int64
	Date         time.Time
	Before       float64
	After        float64
}

// Probabilities is a home, draw, away outcome distribution.
type Probabilities struct {
	Home float64
	Draw float64
	Away float64
}

// FallbackProbabilities is used when the predictor cannot produce a result.
var FallbackProbabilities = Probabilities{Home: 0.4, Draw: 0.3, Away: 0.3}

// Prediction is a stored point-in-time probability snapshot for an event.
type Prediction struct {
	EventID int64
	Probabilities
	CreatedAt time.Time
}

// Season is the date span of a competition season, both days inclusive.
type Season struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
