package features_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/elosync/internal/adapters/repository"
	"github.com/okian/elosync/internal/domain/features"
	"github.com/okian/elosync/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

type fixture struct {
	ctx   context.Context
	store *repository.SQLStore
	home  model.Competitor
	away  model.Competitor
	other model.Competitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := repository.Open(ctx, repository.DriverSQLite, filepath.Join(t.TempDir(), "features.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{ctx: ctx, store: s}
	f.home, _ = s.CreateCompetitor(ctx, model.Competitor{ExternalID: "H", Name: "Home FC", Rating: 1540})
	f.away, _ = s.CreateCompetitor(ctx, model.Competitor{ExternalID: "A", Name: "Away FC", Rating: 1470})
	f.other, _ = s.CreateCompetitor(ctx, model.Competitor{ExternalID: "O", Name: "Other FC"})
	return f
}

func day(s string) time.Time {
	d, _ := time.Parse(model.DateLayout, s)
	return d
}

func (f *fixture) play(date string, home, away model.Competitor, hg, ag int) model.Event {
	e, err := f.store.InsertEvent(f.ctx, model.Event{
		ExternalID: date + home.ExternalID + away.ExternalID,
		Date:       day(date), HomeID: home.ID, AwayID: away.ID, HomeGoals: hg, AwayGoals: ag,
	})
	So(err, ShouldBeNil)
	return e
}

func (f *fixture) rate(e model.Event, c model.Competitor, after float64) {
	So(f.store.AppendRatingChanges(f.ctx, model.RatingChange{
		EventID: e.ID, CompetitorID: c.ID, Date: e.Date, Before: 0, After: after,
	}), ShouldBeNil)
}

func TestComputer_NoHistory(t *testing.T) {
	Convey("Given two competitors that never played", t, func() {
		f := newFixture(t)
		c := features.New(f.store)

		Convey("When features are computed without a cutoff", func() {
			v, err := c.For(f.ctx, "H", "A", nil)
			So(err, ShouldBeNil)

			Convey("Then ratings are current and aggregates default to zero", func() {
				So(v.Slice(), ShouldResemble, []float64{1470, 1540, 0, 0, 0, 0, 0, 70})
			})
		})

		Convey("When a cutoff is given before any rating change", func() {
			cut := day("2024-08-01")
			v, err := c.For(f.ctx, "H", "A", &cut)
			So(err, ShouldBeNil)

			Convey("Then both sides are at the default rating", func() {
				So(v.HomeRating, ShouldEqual, model.DefaultRating)
				So(v.AwayRating, ShouldEqual, model.DefaultRating)
				So(v.EloDifference, ShouldEqual, 0.0)
			})
		})

		Convey("When a competitor is unknown", func() {
			_, err := c.For(f.ctx, "H", "missing", nil)

			Convey("Then the call fails with NotFound", func() {
				So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "away competitor")
			})
		})
	})
}

func TestComputer_Windows(t *testing.T) {
	Convey("Given a history of home, away and head-to-head games", t, func() {
		f := newFixture(t)
		c := features.New(f.store)

		// home side at home: 2-0, 1-1, 0-1, 3-1, 2-2, 4-0 (oldest first)
		f.play("2024-08-01", f.home, f.other, 2, 0)
		f.play("2024-08-08", f.home, f.other, 1, 1)
		f.play("2024-08-15", f.home, f.other, 0, 1)
		f.play("2024-08-22", f.home, f.away, 3, 1)
		f.play("2024-08-29", f.home, f.other, 2, 2)
		f.play("2024-09-05", f.home, f.away, 4, 0)
		// away side away: 0-0, 1-2
		f.play("2024-08-10", f.other, f.away, 0, 0)
		f.play("2024-08-17", f.other, f.away, 1, 2)
		// reversed meeting, draw
		f.play("2024-08-24", f.away, f.home, 1, 1)

		Convey("When no cutoff is given", func() {
			v, err := c.For(f.ctx, "H", "A", nil)
			So(err, ShouldBeNil)

			Convey("Then each aggregate uses the five most recent qualifying games", func() {
				// last five home games: 4-0, 2-2, 3-1, 0-1, 1-1
				So(v.DrawTendencyHome, ShouldAlmostEqual, 2.0/5.0, 1e-12)
				So(v.AvgHomeGoalDiffLast5, ShouldAlmostEqual, (4+0+2-1+0)/5.0, 1e-12)
				// away side away games, own goals first: 0-4, 1-3, 2-1, 0-0
				So(v.DrawTendencyAway, ShouldAlmostEqual, 1.0/4.0, 1e-12)
				So(v.AvgAwayGoalDiffLast5, ShouldAlmostEqual, (-4-2+1+0)/4.0, 1e-12)
				// meetings in either role: 4-0, 1-1 (reversed), 3-1
				So(v.H2HDrawsLast5, ShouldEqual, 1.0)
				So(v.EloDifference, ShouldEqual, v.HomeRating-v.AwayRating)
			})
		})

		Convey("When the cutoff falls inside the history", func() {
			e := f.play("2024-08-20", f.other, f.home, 0, 0)
			f.rate(e, f.home, 1533.3)
			cut := day("2024-08-22")
			v, err := c.For(f.ctx, "H", "A", &cut)
			So(err, ShouldBeNil)

			Convey("Then nothing dated on or after the cutoff contributes", func() {
				// home games before cutoff: 0-1, 1-1, 2-0
				So(v.DrawTendencyHome, ShouldAlmostEqual, 1.0/3.0, 1e-12)
				So(v.AvgHomeGoalDiffLast5, ShouldAlmostEqual, (-1+0+2)/3.0, 1e-12)
				// away games before cutoff: 1-2, 0-0
				So(v.DrawTendencyAway, ShouldAlmostEqual, 0.5, 1e-12)
				So(v.AvgAwayGoalDiffLast5, ShouldAlmostEqual, 0.5, 1e-12)
				So(v.H2HDrawsLast5, ShouldEqual, 0.0)
			})

			Convey("And ratings come from the log as of the cutoff", func() {
				So(v.HomeRating, ShouldEqual, 1533.3)
				So(v.AwayRating, ShouldEqual, model.DefaultRating)
				So(v.EloDifference, ShouldAlmostEqual, 33.3, 1e-9)
			})
		})
	})
}

func TestVectorOrder(t *testing.T) {
	Convey("Given a vector with distinct fields", t, func() {
		v := features.Vector{
			AwayRating: 1, HomeRating: 2, H2HDrawsLast5: 3, DrawTendencyHome: 4,
			DrawTendencyAway: 5, AvgHomeGoalDiffLast5: 6, AvgAwayGoalDiffLast5: 7, EloDifference: 8,
		}

		Convey("Then the slice follows the documented order", func() {
			So(v.Slice(), ShouldResemble, []float64{1, 2, 3, 4, 5, 6, 7, 8})
			So(features.Names[0], ShouldEqual, "away_rating")
			So(features.Names[features.Size-1], ShouldEqual, "elo_difference")
		})
	})
}
