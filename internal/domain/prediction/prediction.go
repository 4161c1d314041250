// Package prediction wraps the external outcome model: scaling of the
// feature vector on the way in and a fixed fallback on the way out.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/okian/elosync/internal/domain/features"
	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/pkg/logger"
)

// clipBound limits scaled features to [-clipBound, clipBound].
const clipBound = 3.0

// sumTolerance is how far a probability triple may stray from 1.
const sumTolerance = 1e-3

// ErrBadOutput reports a model result that is not a distribution.
var ErrBadOutput = errors.New("model output is not a probability distribution")

// Predictor is the opaque model: a scaled vector in, home/draw/away out.
type Predictor interface {
	Predict(ctx context.Context, x []float64) (model.Probabilities, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, x []float64) (model.Probabilities, error)

// Predict calls f.
func (f PredictorFunc) Predict(ctx context.Context, x []float64) (model.Probabilities, error) {
	return f(ctx, x)
}

// Scaler standardizes a vector the way the model was trained: (x-mean)/scale
// clipped to +-3. A zero Scaler is the identity.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// Enabled reports whether the scaler transforms anything.
func (s Scaler) Enabled() bool {
	return len(s.Mean) > 0 || len(s.Scale) > 0
}

// Validate checks that mean and scale match the vector size.
func (s Scaler) Validate() error {
	if !s.Enabled() {
		return nil
	}
	if len(s.Mean) != features.Size || len(s.Scale) != features.Size {
		return fmt.Errorf("scaler needs %d means and scales, got %d and %d", features.Size, len(s.Mean), len(s.Scale))
	}
	for i, sc := range s.Scale {
		if sc == 0 {
			return fmt.Errorf("scaler: zero scale for %s", features.Names[i])
		}
	}
	return nil
}

// Transform returns the scaled copy of x.
func (s Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	if !s.Enabled() {
		return out
	}
	for i := range out {
		if i >= len(s.Mean) || i >= len(s.Scale) || s.Scale[i] == 0 {
			continue
		}
		v := (out[i] - s.Mean[i]) / s.Scale[i]
		out[i] = math.Max(-clipBound, math.Min(clipBound, v))
	}
	return out
}

// Option applies a configuration option to a Guard.
type Option func(*Guard)

// WithScaler sets the input scaler.
func WithScaler(s Scaler) Option {
	return func(g *Guard) { g.scaler = s }
}

// WithFallback overrides the fallback triple.
func WithFallback(p model.Probabilities) Option {
	return func(g *Guard) { g.fallback = p }
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// Guard calls a Predictor and degrades to the fallback triple on any
// failure instead of propagating it.
type Guard struct {
	next     Predictor
	scaler   Scaler
	fallback model.Probabilities
	logger   logger.Logger
}

// NewGuard wraps next.
func NewGuard(next Predictor, opts ...Option) *Guard {
	g := &Guard{
		next:     next,
		fallback: model.FallbackProbabilities,
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Predict returns the model's probabilities for v, or the fallback. The
// boolean is true when the fallback was used.
func (g *Guard) Predict(ctx context.Context, v features.Vector) (model.Probabilities, bool) {
	if g == nil || g.next == nil {
		return g.fallbackTriple(), true
	}
	p, err := g.next.Predict(ctx, g.scaler.Transform(v.Slice()))
	if err == nil {
		err = check(p)
	}
	if err != nil {
		g.logger.Warn(ctx, "prediction failed, using fallback", logger.Error(err))
		return g.fallback, true
	}
	return p, false
}

func (g *Guard) fallbackTriple() model.Probabilities {
	if g == nil {
		return model.FallbackProbabilities
	}
	return g.fallback
}

func check(p model.Probabilities) error {
	for _, v := range []float64{p.Home, p.Draw, p.Away} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %+v", ErrBadOutput, p)
		}
	}
	if math.Abs(p.Home+p.Draw+p.Away-1) > sumTolerance {
		return fmt.Errorf("%w: sums to %.4f", ErrBadOutput, p.Home+p.Draw+p.Away)
	}
	return nil
}
