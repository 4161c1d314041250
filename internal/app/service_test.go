package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/elosync/internal/adapters/repository"
	service "github.com/okian/elosync/internal/app"
	"github.com/okian/elosync/internal/app/ingest"
	"github.com/okian/elosync/internal/app/syncer"
	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/internal/domain/prediction"
	. "github.com/smartystreets/goconvey/convey"
)

func openStore(t *testing.T) *repository.SQLStore {
	t.Helper()
	s, err := repository.Open(context.Background(), repository.DriverSQLite, filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func goals(n int) *int { return &n }

func finished(id, date, home, away string, hg, ag int) model.RawEvent {
	return model.RawEvent{
		ExternalID: id,
		Status:     model.StatusFinished,
		Date:       date,
		Home:       model.Side{ExternalID: home, Name: "Team " + home},
		Away:       model.Side{ExternalID: away, Name: "Team " + away},
		HomeGoals:  goals(hg),
		AwayGoals:  goals(ag),
	}
}

// staticSource serves a fixed season and match list.
type staticSource struct {
	matches []model.RawEvent
}

func (s staticSource) CurrentSeason(context.Context, string) (model.Season, error) {
	return model.Season{
		Start: time.Date(2024, 8, 16, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (s staticSource) Matches(_ context.Context, _ string, from, to time.Time) ([]model.RawEvent, error) {
	var out []model.RawEvent
	for _, m := range s.matches {
		d, _ := model.ParseDate(m.Date)
		if !d.Before(from) && !d.After(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestService_Ratings(t *testing.T) {
	Convey("Given a service over an empty store", t, func() {
		ctx := context.Background()
		svc := service.New(openStore(t))

		Convey("When a home win is ingested", func() {
			res, err := svc.Ingest(ctx, finished("1", "2024-08-16", "66", "63", 1, 0))
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, ingest.StatusInserted)

			Convey("Then current ratings reflect it", func() {
				r, err := svc.CurrentRating(ctx, "66")
				So(err, ShouldBeNil)
				So(r, ShouldAlmostEqual, 1512.0, 0.05)
			})

			Convey("And features for the pairing use current ratings", func() {
				v, err := svc.FeaturesFor(ctx, "66", "63", nil)
				So(err, ShouldBeNil)
				So(v.EloDifference, ShouldAlmostEqual, 24.0, 0.1)
			})

			Convey("And features as of the match day exclude it", func() {
				cutoff := time.Date(2024, 8, 16, 0, 0, 0, 0, time.UTC)
				v, err := svc.FeaturesFor(ctx, "66", "63", &cutoff)
				So(err, ShouldBeNil)
				So(v.HomeRating, ShouldEqual, 1500.0)
				So(v.EloDifference, ShouldEqual, 0.0)
			})

			Convey("And a rebuild keeps the same ratings", func() {
				before, _ := svc.CurrentRating(ctx, "63")
				report, err := svc.ReprocessAll(ctx)
				So(err, ShouldBeNil)
				So(report.EventsFolded, ShouldEqual, 1)
				after, _ := svc.CurrentRating(ctx, "63")
				So(after, ShouldAlmostEqual, before, 1e-9)
			})

			Convey("And the status lists the table", func() {
				st, err := svc.Status(ctx, 1)
				So(err, ShouldBeNil)
				So(st.Events, ShouldEqual, 1)
				So(st.Competitors, ShouldEqual, 2)
				So(st.Top, ShouldHaveLength, 1)
				So(st.Top[0].ExternalID, ShouldEqual, "66")
				So(st.Watermark, ShouldBeNil)
			})
		})

		Convey("When an unknown competitor is queried", func() {
			_, err := svc.CurrentRating(ctx, "404")
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			_, err = svc.FeaturesFor(ctx, "404", "405", nil)
			So(model.IsKind(err, model.KindNotFound), ShouldBeTrue)
		})

		Convey("When no sync controller is wired", func() {
			_, err := svc.SyncOnce(ctx)
			So(errors.Is(err, service.ErrNoSyncer), ShouldBeTrue)
			So(errors.Is(svc.Start(ctx), service.ErrNoSyncer), ShouldBeTrue)
		})
	})
}

func TestService_Predict(t *testing.T) {
	Convey("Given two rated competitors", t, func() {
		ctx := context.Background()
		store := openStore(t)
		_, err := service.New(store).Ingest(ctx, finished("1", "2024-08-16", "1", "2", 3, 0))
		So(err, ShouldBeNil)

		Convey("When no model is wired", func() {
			p, fellBack, err := service.New(store).Predict(ctx, "1", "2")

			Convey("Then the fallback triple is returned", func() {
				So(err, ShouldBeNil)
				So(fellBack, ShouldBeTrue)
				So(p, ShouldResemble, model.FallbackProbabilities)
			})
		})

		Convey("When the rating baseline is wired", func() {
			svc := service.New(store, service.WithPredictor(prediction.NewGuard(prediction.NewBaseline())))
			p, fellBack, err := svc.Predict(ctx, "1", "2")

			Convey("Then the stronger home side is favoured", func() {
				So(err, ShouldBeNil)
				So(fellBack, ShouldBeFalse)
				So(p.Home, ShouldBeGreaterThan, p.Away)
			})
		})
	})
}

func TestService_Sync(t *testing.T) {
	Convey("Given a service with a sync controller", t, func() {
		ctx := context.Background()
		store := openStore(t)
		in := ingest.New(store)
		src := staticSource{matches: []model.RawEvent{
			finished("10", "2024-08-17", "1", "2", 2, 1),
			finished("11", "2024-08-18", "3", "4", 0, 0),
		}}
		ctrl := syncer.New(src, in, store, syncer.WithSleep(noSleep), syncer.WithInterval(time.Hour))
		svc := service.New(store, service.WithIngester(in), service.WithSyncer(ctrl))

		Convey("When no pass has run yet", func() {
			_, ok, err := svc.LastSyncWatermark(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("When a pass runs", func() {
			report, err := svc.SyncOnce(ctx)
			So(err, ShouldBeNil)

			Convey("Then the matches are stored and the watermark is set", func() {
				So(report.Inserted, ShouldEqual, 2)
				wm, ok, err := svc.LastSyncWatermark(ctx)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(wm.Equal(report.Watermark), ShouldBeTrue)
			})

			Convey("And a second pass only finds duplicates", func() {
				again, err := svc.SyncOnce(ctx)
				So(err, ShouldBeNil)
				So(again.Inserted, ShouldEqual, 0)
				So(again.Duplicates, ShouldEqual, 2)
			})
		})

		Convey("When the service is started and stopped", func() {
			So(svc.Start(ctx), ShouldBeNil)
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			So(svc.Stop(stopCtx), ShouldBeNil)

			Convey("Then the first pass has completed", func() {
				_, ok, err := svc.LastSyncWatermark(ctx)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
			})

			Convey("And it can be started again", func() {
				So(svc.Start(ctx), ShouldBeNil)
				So(svc.Stop(stopCtx), ShouldBeNil)
			})
		})
	})
}

func TestSeasonStart(t *testing.T) {
	Convey("Given dates either side of August", t, func() {
		So(service.SeasonStart(time.Date(2024, 10, 3, 0, 0, 0, 0, time.UTC)),
			ShouldEqual, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC))
		So(service.SeasonStart(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)),
			ShouldEqual, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC))
		So(service.SeasonStart(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)),
			ShouldEqual, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	})
}
