package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/elosync/internal/adapters/repository"
	"github.com/okian/elosync/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func openStore(t *testing.T) *repository.SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "elosync.db")
	s, err := repository.Open(context.Background(), repository.DriverSQLite, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func day(s string) time.Time {
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSQLStore_Competitors(t *testing.T) {
	Convey("Given an empty sqlite store", t, func() {
		ctx := context.Background()
		s := openStore(t)

		Convey("When a competitor is created without a rating", func() {
			c, err := s.CreateCompetitor(ctx, model.Competitor{ExternalID: "57", Name: "Arsenal"})
			So(err, ShouldBeNil)

			Convey("Then it gets an id and the default rating", func() {
				So(c.ID, ShouldBeGreaterThan, 0)
				So(c.Rating, ShouldEqual, model.DefaultRating)
			})

			Convey("And it can be found by external id and by name", func() {
				byExt, err := s.CompetitorByExternalID(ctx, "57")
				So(err, ShouldBeNil)
				So(byExt, ShouldResemble, c)

				byName, err := s.CompetitorByName(ctx, "Arsenal")
				So(err, ShouldBeNil)
				So(byName.ID, ShouldEqual, c.ID)
			})
		})

		Convey("When an id-less competitor gets its external id backfilled", func() {
			c, err := s.CreateCompetitor(ctx, model.Competitor{Name: "Fulham"})
			So(err, ShouldBeNil)
			So(c.ExternalID, ShouldEqual, "")
			So(s.SetCompetitorExternalID(ctx, c.ID, "63"), ShouldBeNil)

			Convey("Then it resolves by the new id", func() {
				got, err := s.CompetitorByExternalID(ctx, "63")
				So(err, ShouldBeNil)
				So(got.ID, ShouldEqual, c.ID)
			})
		})

		Convey("When an unknown competitor is requested", func() {
			_, err := s.CompetitorByExternalID(ctx, "nope")

			Convey("Then it is not found in both error vocabularies", func() {
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When ratings are set and then reset", func() {
			a, _ := s.CreateCompetitor(ctx, model.Competitor{Name: "A"})
			b, _ := s.CreateCompetitor(ctx, model.Competitor{Name: "B"})
			So(s.SetRating(ctx, a.ID, 1512.02), ShouldBeNil)
			So(s.SetRating(ctx, b.ID, 1487.98), ShouldBeNil)

			list, err := s.Competitors(ctx)
			So(err, ShouldBeNil)
			So(list[0].Name, ShouldEqual, "A")

			So(s.ResetRatings(ctx, model.DefaultRating), ShouldBeNil)
			list, _ = s.Competitors(ctx)
			for _, c := range list {
				So(c.Rating, ShouldEqual, model.DefaultRating)
			}
		})

		Convey("When the rating of a missing competitor is set", func() {
			err := s.SetRating(ctx, 999, 1600)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestSQLStore_Events(t *testing.T) {
	Convey("Given a store with two competitors", t, func() {
		ctx := context.Background()
		s := openStore(t)
		home, _ := s.CreateCompetitor(ctx, model.Competitor{ExternalID: "1", Name: "Home"})
		away, _ := s.CreateCompetitor(ctx, model.Competitor{ExternalID: "2", Name: "Away"})

		Convey("When an event with an external id is inserted", func() {
			e, err := s.InsertEvent(ctx, model.Event{
				ExternalID: "m-1", Date: day("2024-08-16"), HomeID: home.ID, AwayID: away.ID, HomeGoals: 3, AwayGoals: 3,
			})
			So(err, ShouldBeNil)

			Convey("Then the outcome is derived and it resolves both ways", func() {
				So(e.Outcome, ShouldEqual, model.Draw)
				got, err := s.EventByExternalID(ctx, "m-1")
				So(err, ShouldBeNil)
				So(got, ShouldResemble, e)
				byKey, err := s.EventByNaturalKey(ctx, day("2024-08-16"), home.ID, away.ID)
				So(err, ShouldBeNil)
				So(byKey.ID, ShouldEqual, e.ID)
			})

			Convey("And the same external id cannot be inserted twice", func() {
				_, err := s.InsertEvent(ctx, model.Event{
					ExternalID: "m-1", Date: day("2024-08-20"), HomeID: away.ID, AwayID: home.ID,
				})
				So(model.IsKind(err, model.KindStorage), ShouldBeTrue)
			})
		})

		Convey("When two id-less events share the natural key", func() {
			_, err := s.InsertEvent(ctx, model.Event{Date: day("2024-08-16"), HomeID: home.ID, AwayID: away.ID, HomeGoals: 1})
			So(err, ShouldBeNil)
			_, err = s.InsertEvent(ctx, model.Event{Date: day("2024-08-16"), HomeID: home.ID, AwayID: away.ID, HomeGoals: 2})

			Convey("Then the partial unique index rejects the second", func() {
				So(err, ShouldNotBeNil)
				n, _ := s.CountEvents(ctx)
				So(n, ShouldEqual, 1)
			})
		})

		Convey("When events straddle a cutoff", func() {
			for i, d := range []string{"2024-08-01", "2024-08-08", "2024-08-15", "2024-08-22"} {
				hg := i % 2
				_, err := s.InsertEvent(ctx, model.Event{Date: day(d), HomeID: home.ID, AwayID: away.ID, HomeGoals: hg})
				So(err, ShouldBeNil)
			}
			_, err := s.InsertEvent(ctx, model.Event{Date: day("2024-08-29"), HomeID: away.ID, AwayID: home.ID})
			So(err, ShouldBeNil)

			cutoff := day("2024-08-15")

			Convey("Then windows only return events strictly before it, newest first", func() {
				meetings, err := s.RecentMeetings(ctx, home.ID, away.ID, &cutoff, 5)
				So(err, ShouldBeNil)
				So(meetings, ShouldHaveLength, 2)
				So(meetings[0].Date, ShouldEqual, day("2024-08-08"))

				homes, err := s.RecentHomeEvents(ctx, home.ID, nil, 5)
				So(err, ShouldBeNil)
				So(homes, ShouldHaveLength, 4)
				So(homes[0].Date, ShouldEqual, day("2024-08-22"))

				aways, err := s.RecentAwayEvents(ctx, home.ID, nil, 5)
				So(err, ShouldBeNil)
				So(aways, ShouldHaveLength, 1)
			})

			Convey("And the limit caps each window", func() {
				meetings, err := s.RecentMeetings(ctx, away.ID, home.ID, nil, 3)
				So(err, ShouldBeNil)
				So(meetings, ShouldHaveLength, 3)
				So(meetings[0].Date, ShouldEqual, day("2024-08-29"))
			})

			Convey("And the latest date and ordering are reported", func() {
				latest, ok, err := s.LatestEventDate(ctx)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(latest, ShouldEqual, day("2024-08-29"))

				all, err := s.EventsInOrder(ctx)
				So(err, ShouldBeNil)
				So(all, ShouldHaveLength, 5)
				So(all[0].Date, ShouldEqual, day("2024-08-01"))
			})
		})

		Convey("When the table is empty", func() {
			_, ok, err := s.LatestEventDate(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestSQLStore_RatingsAndPredictions(t *testing.T) {
	Convey("Given a store with one folded event", t, func() {
		ctx := context.Background()
		s := openStore(t)
		home, _ := s.CreateCompetitor(ctx, model.Competitor{Name: "Home"})
		away, _ := s.CreateCompetitor(ctx, model.Competitor{Name: "Away"})
		e, _ := s.InsertEvent(ctx, model.Event{Date: day("2024-08-16"), HomeID: home.ID, AwayID: away.ID, HomeGoals: 2})
		So(s.AppendRatingChanges(ctx,
			model.RatingChange{EventID: e.ID, CompetitorID: home.ID, Date: e.Date, Before: 1500, After: 1512},
			model.RatingChange{EventID: e.ID, CompetitorID: away.ID, Date: e.Date, Before: 1500, After: 1488},
		), ShouldBeNil)

		Convey("When an as-of rating is asked for", func() {
			Convey("Then the change is invisible on its own date", func() {
				_, ok, err := s.RatingAsOf(ctx, home.ID, day("2024-08-16"))
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
			})

			Convey("And visible the day after", func() {
				r, ok, err := s.RatingAsOf(ctx, home.ID, day("2024-08-17"))
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(r, ShouldEqual, 1512.0)
			})

			Convey("And the latest change date is reported", func() {
				d, ok, err := s.LatestChangeDate(ctx, away.ID)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(d, ShouldEqual, day("2024-08-16"))
			})
		})

		Convey("When a snapshot is taken", func() {
			So(s.SetRating(ctx, home.ID, 1512), ShouldBeNil)
			snap, err := s.Snapshot(ctx)
			So(err, ShouldBeNil)

			Convey("Then it holds the ratings and the log", func() {
				So(snap.Ratings[home.ID], ShouldEqual, 1512.0)
				So(snap.History, ShouldHaveLength, 2)
				So(snap.History[0].After+snap.History[1].After, ShouldEqual, 3000.0)
			})
		})

		Convey("When a prediction is inserted twice", func() {
			first, err := s.InsertPredictionIfAbsent(ctx, model.Prediction{
				EventID: e.ID, Probabilities: model.Probabilities{Home: 0.5, Draw: 0.3, Away: 0.2},
			})
			So(err, ShouldBeNil)
			second, err := s.InsertPredictionIfAbsent(ctx, model.Prediction{
				EventID: e.ID, Probabilities: model.FallbackProbabilities,
			})
			So(err, ShouldBeNil)

			Convey("Then the first snapshot is kept", func() {
				So(first, ShouldBeTrue)
				So(second, ShouldBeFalse)
				p, err := s.PredictionByEventID(ctx, e.ID)
				So(err, ShouldBeNil)
				So(p.Home, ShouldEqual, 0.5)
			})

			Convey("And the event no longer lacks a prediction", func() {
				missing, err := s.EventsWithoutPrediction(ctx, day("2024-08-01"))
				So(err, ShouldBeNil)
				So(missing, ShouldBeEmpty)
			})
		})

		Convey("When predictions are missing", func() {
			missing, err := s.EventsWithoutPrediction(ctx, day("2024-08-01"))
			So(err, ShouldBeNil)
			So(missing, ShouldHaveLength, 1)

			later, err := s.EventsWithoutPrediction(ctx, day("2024-09-01"))
			So(err, ShouldBeNil)
			So(later, ShouldBeEmpty)
		})
	})
}

func TestSQLStore_WatermarkAndTx(t *testing.T) {
	Convey("Given a fresh store", t, func() {
		ctx := context.Background()
		s := openStore(t)

		Convey("When no pass has completed", func() {
			_, ok, err := s.Watermark(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("When the watermark is set twice", func() {
			first := time.Date(2024, 9, 1, 3, 0, 0, 0, time.UTC)
			second := first.Add(24 * time.Hour)
			So(s.SetWatermark(ctx, first), ShouldBeNil)
			So(s.SetWatermark(ctx, second), ShouldBeNil)

			Convey("Then the latest value wins", func() {
				got, ok, err := s.Watermark(ctx)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(got.Equal(second), ShouldBeTrue)
			})
		})

		Convey("When a transaction fails", func() {
			boom := errors.New("boom")
			err := s.WithinTx(ctx, func(tx repository.Queries) error {
				if _, err := tx.CreateCompetitor(ctx, model.Competitor{Name: "Ghost"}); err != nil {
					return err
				}
				return boom
			})

			Convey("Then nothing it wrote is visible", func() {
				So(errors.Is(err, boom), ShouldBeTrue)
				_, err := s.CompetitorByName(ctx, "Ghost")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When the store is reopened on the same file", func() {
			So(s.Ping(ctx), ShouldBeNil)
		})

		Convey("When an unknown driver is requested", func() {
			_, err := repository.Open(ctx, "mysql", "dsn")
			So(errors.Is(err, repository.ErrUnsupportedDialect), ShouldBeTrue)
		})
	})
}
