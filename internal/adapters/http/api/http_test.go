package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/elosync/internal/adapters/http/api"
	service "github.com/okian/elosync/internal/app"
	"github.com/okian/elosync/internal/domain/features"
	"github.com/okian/elosync/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

type mockDeps struct {
	readyErr  error
	status    service.Status
	statusN   int
	ratings   map[string]float64
	cutoff    *time.Time
	vector    features.Vector
	fellBack  bool
	predicted model.Probabilities
}

func (m *mockDeps) Ready(context.Context) error { return m.readyErr }

func (m *mockDeps) Status(_ context.Context, n int) (service.Status, error) {
	m.statusN = n
	return m.status, nil
}

func (m *mockDeps) CurrentRating(_ context.Context, id string) (float64, error) {
	r, ok := m.ratings[id]
	if !ok {
		return 0, model.E(model.KindNotFound, "mock", fmt.Errorf("competitor %q", id))
	}
	return r, nil
}

func (m *mockDeps) FeaturesFor(_ context.Context, home, away string, cutoff *time.Time) (features.Vector, error) {
	if _, ok := m.ratings[home]; !ok {
		return features.Vector{}, model.E(model.KindNotFound, "mock", errors.New(home))
	}
	m.cutoff = cutoff
	return m.vector, nil
}

func (m *mockDeps) Predict(_ context.Context, _, _ string) (model.Probabilities, bool, error) {
	return m.predicted, m.fellBack, nil
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestServer_Routes(t *testing.T) {
	Convey("Given an API server", t, func() {
		deps := &mockDeps{
			ratings: map[string]float64{"66": 1512.5, "63": 1487.5},
			status: service.Status{
				Started:     true,
				Events:      1,
				Competitors: 2,
				Top:         []service.Standing{{Name: "Man United", ExternalID: "66", Rating: 1512.5}},
			},
			vector:    features.Vector{HomeRating: 1512.5, AwayRating: 1487.5, EloDifference: 25},
			predicted: model.Probabilities{Home: 0.5, Draw: 0.3, Away: 0.2},
		}
		h := api.NewServer(deps).Router()

		Convey("Then liveness always answers", func() {
			So(get(h, "/healthz").Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then readiness follows the store", func() {
			So(get(h, "/readyz").Code, ShouldEqual, http.StatusOK)
			deps.readyErr = errors.New("db closed")
			So(get(h, "/readyz").Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("Then metrics are exposed in the Prometheus format", func() {
			get(h, "/healthz")
			w := get(h, "/metrics")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "http_requests_total")
		})

		Convey("When the status is requested", func() {
			w := get(h, "/status?top=5")
			So(w.Code, ShouldEqual, http.StatusOK)

			var st service.Status
			So(json.Unmarshal(w.Body.Bytes(), &st), ShouldBeNil)
			So(deps.statusN, ShouldEqual, 5)
			So(st.Top, ShouldHaveLength, 1)
			So(st.Top[0].Rating, ShouldEqual, 1512.5)
		})

		Convey("When the status top is invalid", func() {
			So(get(h, "/status?top=zero").Code, ShouldEqual, http.StatusBadRequest)
			So(get(h, "/status?top=0").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When a rating is requested", func() {
			w := get(h, "/ratings/66")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"rating":1512.5`)
			So(get(h, "/ratings/999").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When features are requested with a cutoff", func() {
			w := get(h, "/features?home=66&away=63&cutoff=2024-09-01")
			So(w.Code, ShouldEqual, http.StatusOK)

			var out map[string]float64
			So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
			So(out, ShouldHaveLength, features.Size)
			So(out["elo_difference"], ShouldEqual, 25.0)
			So(*deps.cutoff, ShouldEqual, time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC))
		})

		Convey("When features are requested badly", func() {
			So(get(h, "/features?home=66").Code, ShouldEqual, http.StatusBadRequest)
			So(get(h, "/features?home=66&away=63&cutoff=yesterday").Code, ShouldEqual, http.StatusBadRequest)
			So(get(h, "/features?home=1&away=63").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When a prediction is requested", func() {
			deps.fellBack = true
			w := get(h, "/predict?home=66&away=63")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"fallback":true`)
		})

		Convey("Then writes are not routed", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/status", nil))
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}
