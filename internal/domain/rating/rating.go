// Package rating implements the Elo rating update applied once per finished
// event.
package rating

import (
	"math"

	"github.com/okian/elosync/internal/domain/model"
)

// Default engine constants.
const (
	DefaultKFactor       = 30.0
	DefaultHomeAdvantage = 70.0
	scale                = 400.0
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithKFactor sets the update sensitivity.
func WithKFactor(k float64) Option {
	return func(e *Engine) {
		if k > 0 {
			e.k = k
		}
	}
}

// WithHomeAdvantage sets the points added to the home side's effective
// rating before computing expectation.
func WithHomeAdvantage(points float64) Option {
	return func(e *Engine) {
		if points >= 0 {
			e.homeAdvantage = points
		}
	}
}

// Input holds the ratings as they stood immediately before the event.
type Input struct {
	Home    float64
	Away    float64
	Outcome model.Outcome
}

// Result contains the updated ratings and the expectations they came from.
type Result struct {
	Home         float64
	Away         float64
	ExpectedHome float64
	ExpectedAway float64
}

// HomeDelta is the change applied to the home rating.
func (r Result) HomeDelta(in Input) float64 { return r.Home - in.Home }

// AwayDelta is the change applied to the away rating.
func (r Result) AwayDelta(in Input) float64 { return r.Away - in.Away }

// Rater folds one event outcome into a pair of ratings.
type Rater interface {
	Rate(in Input) Result
	Expected(home, away float64) (float64, float64)
}

// Engine is an Elo Rater. Its zero value is not usable; call New.
type Engine struct {
	k             float64
	homeAdvantage float64
}

// New creates an Engine with K=30 and a 70 point home advantage unless
// overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		k:             DefaultKFactor,
		homeAdvantage: DefaultHomeAdvantage,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expected returns the win expectation of each side.
func (e *Engine) Expected(home, away float64) (float64, float64) {
	expHome := 1 / (1 + math.Pow(10, (away-(home+e.homeAdvantage))/scale))
	return expHome, 1 - expHome
}

// Rate applies one outcome. It is total: an unknown outcome counts as a draw.
func (e *Engine) Rate(in Input) Result {
	expHome, expAway := e.Expected(in.Home, in.Away)
	actualHome := in.Outcome.HomeScore()
	actualAway := 1 - actualHome
	return Result{
		Home:         in.Home + e.k*(actualHome-expHome),
		Away:         in.Away + e.k*(actualAway-expAway),
		ExpectedHome: expHome,
		ExpectedAway: expAway,
	}
}
