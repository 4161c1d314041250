package ingest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/okian/elosync/internal/adapters/repository"
	"github.com/okian/elosync/internal/app/ingest"
	"github.com/okian/elosync/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// season is a small league played in chronological order.
var season = []model.RawEvent{
	finished("1", "2024-08-16", "1", "Alpha", "2", "Beta", 1, 0),
	finished("2", "2024-08-17", "3", "Gamma", "4", "Delta", 2, 2),
	finished("3", "2024-08-24", "2", "Beta", "3", "Gamma", 0, 3),
	finished("4", "2024-08-25", "4", "Delta", "1", "Alpha", 1, 1),
	finished("5", "2024-08-31", "1", "Alpha", "3", "Gamma", 2, 0),
	finished("6", "2024-09-01", "2", "Beta", "4", "Delta", 1, 2),
}

func ratings(ctx context.Context, s repository.Store) map[string]float64 {
	cs, err := s.Competitors(ctx)
	So(err, ShouldBeNil)
	out := make(map[string]float64, len(cs))
	for _, c := range cs {
		out[c.Name] = c.Rating
	}
	return out
}

func ingestAll(ctx context.Context, in *ingest.Ingester, raws []model.RawEvent) {
	for _, raw := range raws {
		_, err := in.Ingest(ctx, raw)
		So(err, ShouldBeNil)
	}
}

func TestIngester_ReprocessAll(t *testing.T) {
	Convey("Given the same season ingested in order and out of order", t, func() {
		ctx := context.Background()

		ordered := openStore(t)
		ingestAll(ctx, ingest.New(ordered), season)
		want := ratings(ctx, ordered)

		shuffled := openStore(t)
		in := ingest.New(shuffled, ingest.WithBatchSize(2))
		ingestAll(ctx, in, []model.RawEvent{season[4], season[0], season[5], season[2], season[1], season[3]})
		So(ratings(ctx, shuffled), ShouldNotResemble, want)

		Convey("When the out-of-order store is rebuilt", func() {
			report, err := in.ReprocessAll(ctx)
			So(err, ShouldBeNil)

			Convey("Then its ratings match chronological ingestion", func() {
				got := ratings(ctx, shuffled)
				for name, r := range want {
					So(got[name], ShouldAlmostEqual, r, 1e-9)
				}
			})

			Convey("And the report accounts for every event and competitor", func() {
				So(report.EventsFolded, ShouldEqual, len(season))
				So(report.DuplicatesSkipped, ShouldEqual, 0)
				So(report.CompetitorsReset, ShouldEqual, 4)
				So(report.RatingSumBefore, ShouldAlmostEqual, 6000.0, 1e-6)
				So(report.RatingSumAfter, ShouldAlmostEqual, 6000.0, 1e-6)
			})

			Convey("And the rating log is rebuilt in event order", func() {
				snap, err := shuffled.Snapshot(ctx)
				So(err, ShouldBeNil)
				So(snap.History, ShouldHaveLength, 2*len(season))
				So(snap.History[0].Before, ShouldEqual, 1500.0)
			})

			Convey("And a second rebuild is identical", func() {
				first := ratings(ctx, shuffled)
				_, err := in.ReprocessAll(ctx)
				So(err, ShouldBeNil)
				So(ratings(ctx, shuffled), ShouldResemble, first)
			})
		})
	})

	Convey("Given an empty store", t, func() {
		ctx := context.Background()
		report, err := ingest.New(openStore(t)).ReprocessAll(ctx)
		So(err, ShouldBeNil)
		So(report.EventsFolded, ShouldEqual, 0)
		So(report.CompetitorsReset, ShouldEqual, 0)
	})
}

// flakyStore fails rating writes inside transactions once armed. onWrite,
// when set, runs before every armed write.
type flakyStore struct {
	repository.Store
	armed     bool
	failAfter int
	calls     int
	txs       int
	onWrite   func(n int)
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(tx repository.Queries) error) error {
	f.txs++
	return f.Store.WithinTx(ctx, func(tx repository.Queries) error {
		return fn(&flakyTx{Queries: tx, store: f})
	})
}

type flakyTx struct {
	repository.Queries
	store *flakyStore
}

func (t *flakyTx) SetRating(ctx context.Context, id int64, r float64) error {
	if t.store.armed {
		t.store.calls++
		if t.store.onWrite != nil {
			t.store.onWrite(t.store.calls)
		}
		if t.store.failAfter > 0 && t.store.calls > t.store.failAfter {
			return errors.New("disk I/O error")
		}
	}
	return t.Queries.SetRating(ctx, id, r)
}

func TestIngester_ReprocessAllAtomic(t *testing.T) {
	Convey("Given a store that fails midway through a rebuild", t, func() {
		ctx := context.Background()
		base := openStore(t)
		store := &flakyStore{Store: base, failAfter: 5}
		in := ingest.New(store, ingest.WithBatchSize(2))
		ingestAll(ctx, in, []model.RawEvent{season[3], season[1], season[0], season[2]})

		before := ratings(ctx, base)
		snap, err := base.Snapshot(ctx)
		So(err, ShouldBeNil)

		Convey("When the rebuild fails", func() {
			store.armed = true
			store.txs = 0
			_, err := in.ReprocessAll(ctx)

			Convey("Then a storage error is returned", func() {
				So(model.IsKind(err, model.KindStorage), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "disk I/O error")
			})

			Convey("And the reset and every fold ran in a single transaction", func() {
				So(store.txs, ShouldEqual, 1)
			})

			Convey("And the previous ratings and log are untouched", func() {
				So(ratings(ctx, base), ShouldResemble, before)
				after, err := base.Snapshot(ctx)
				So(err, ShouldBeNil)
				So(after.History, ShouldResemble, snap.History)
			})
		})

		Convey("When the rebuild is cancelled after its first batch", func() {
			cctx, cancel := context.WithCancel(ctx)
			defer cancel()
			store.armed = true
			store.failAfter = 0
			store.onWrite = func(n int) {
				if n == 4 {
					cancel()
				}
			}
			_, err := in.ReprocessAll(cctx)

			Convey("Then nothing of the partial replay is kept", func() {
				So(err, ShouldNotBeNil)
				So(ratings(ctx, base), ShouldResemble, before)
			})
		})
	})
}
