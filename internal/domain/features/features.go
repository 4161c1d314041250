// Package features derives the fixed-order prediction input for a
// competitor pair as of an optional cutoff date.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/elosync/internal/domain/model"
)

// Window is the number of most recent qualifying events each aggregate
// considers.
const Window = 5

// Size is the length of a feature vector.
const Size = 8

// Names lists vector fields in output order.
var Names = [Size]string{
	"away_rating",
	"home_rating",
	"h2h_draws_last5",
	"draw_tendency_home",
	"draw_tendency_away",
	"avg_home_goal_diff_last5",
	"avg_away_goal_diff_last5",
	"elo_difference",
}

// Vector is the feature set for one pairing.
type Vector struct {
	AwayRating           float64
	HomeRating           float64
	H2HDrawsLast5        float64
	DrawTendencyHome     float64
	DrawTendencyAway     float64
	AvgHomeGoalDiffLast5 float64
	AvgAwayGoalDiffLast5 float64
	EloDifference        float64
}

// Slice returns the vector in output order.
func (v Vector) Slice() []float64 {
	return []float64{
		v.AwayRating,
		v.HomeRating,
		v.H2HDrawsLast5,
		v.DrawTendencyHome,
		v.DrawTendencyAway,
		v.AvgHomeGoalDiffLast5,
		v.AvgAwayGoalDiffLast5,
		v.EloDifference,
	}
}

// Reader is the state the computer reads. A nil before means no cutoff.
type Reader interface {
	CompetitorByExternalID(ctx context.Context, extID string) (model.Competitor, error)
	RecentMeetings(ctx context.Context, a, b int64, before *time.Time, limit int) ([]model.Event, error)
	RecentHomeEvents(ctx context.Context, homeID int64, before *time.Time, limit int) ([]model.Event, error)
	RecentAwayEvents(ctx context.Context, awayID int64, before *time.Time, limit int) ([]model.Event, error)
	RatingAsOf(ctx context.Context, competitorID int64, t time.Time) (float64, bool, error)
}

// Computer builds vectors from stored history.
type Computer struct {
	r Reader
}

// New creates a Computer reading from r.
func New(r Reader) *Computer {
	return &Computer{r: r}
}

// With returns a Computer reading from r, for use inside a unit of work.
func (c *Computer) With(r Reader) *Computer {
	return &Computer{r: r}
}

// For resolves both competitors by external id and computes their vector.
// Either side being unknown yields a NotFound error and no vector.
func (c *Computer) For(ctx context.Context, homeExtID, awayExtID string, cutoff *time.Time) (Vector, error) {
	const op = "features.For"
	home, err := c.r.CompetitorByExternalID(ctx, homeExtID)
	if err != nil {
		return Vector{}, resolveErr(op, "home", homeExtID, err)
	}
	away, err := c.r.CompetitorByExternalID(ctx, awayExtID)
	if err != nil {
		return Vector{}, resolveErr(op, "away", awayExtID, err)
	}
	return c.ForCompetitors(ctx, home, away, cutoff)
}

func resolveErr(op, role, extID string, err error) error {
	if model.IsKind(err, model.KindNotFound) {
		return model.E(model.KindNotFound, op, fmt.Errorf("%s competitor %q: %w", role, extID, err))
	}
	return err
}

// ForCompetitors computes the vector for already resolved competitors. Only
// events dated strictly before cutoff contribute; a nil cutoff uses every
// event and the current ratings.
func (c *Computer) ForCompetitors(ctx context.Context, home, away model.Competitor, cutoff *time.Time) (Vector, error) {
	var cut *time.Time
	if cutoff != nil {
		d := model.Day(*cutoff)
		cut = &d
	}

	homeRating, err := c.ratingAsOf(ctx, home, cut)
	if err != nil {
		return Vector{}, err
	}
	awayRating, err := c.ratingAsOf(ctx, away, cut)
	if err != nil {
		return Vector{}, err
	}

	meetings, err := c.r.RecentMeetings(ctx, home.ID, away.ID, cut, Window)
	if err != nil {
		return Vector{}, err
	}
	homeGames, err := c.r.RecentHomeEvents(ctx, home.ID, cut, Window)
	if err != nil {
		return Vector{}, err
	}
	awayGames, err := c.r.RecentAwayEvents(ctx, away.ID, cut, Window)
	if err != nil {
		return Vector{}, err
	}

	return Vector{
		AwayRating:           awayRating,
		HomeRating:           homeRating,
		H2HDrawsLast5:        float64(draws(meetings)),
		DrawTendencyHome:     drawRate(homeGames),
		DrawTendencyAway:     drawRate(awayGames),
		AvgHomeGoalDiffLast5: meanGoalDiff(homeGames, true),
		AvgAwayGoalDiffLast5: meanGoalDiff(awayGames, false),
		EloDifference:        homeRating - awayRating,
	}, nil
}

func (c *Computer) ratingAsOf(ctx context.Context, comp model.Competitor, cut *time.Time) (float64, error) {
	if cut == nil {
		return comp.Rating, nil
	}
	r, ok, err := c.r.RatingAsOf(ctx, comp.ID, *cut)
	if err != nil {
		return 0, err
	}
	if !ok {
		return model.DefaultRating, nil
	}
	return r, nil
}

func draws(events []model.Event) int {
	n := 0
	for _, e := range events {
		if e.Outcome == model.Draw {
			n++
		}
	}
	return n
}

func drawRate(events []model.Event) float64 {
	if len(events) == 0 {
		return 0
	}
	return float64(draws(events)) / float64(len(events))
}

// meanGoalDiff averages own minus opponent goals, own being the home side
// when asHome is set.
func meanGoalDiff(events []model.Event, asHome bool) float64 {
	if len(events) == 0 {
		return 0
	}
	sum := 0
	for _, e := range events {
		if asHome {
			sum += e.HomeGoals - e.AwayGoals
		} else {
			sum += e.AwayGoals - e.HomeGoals
		}
	}
	return float64(sum) / float64(len(events))
}
