package prediction

import (
	"context"
	"fmt"
	"math"

	"github.com/okian/elosync/internal/domain/features"
	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/internal/domain/rating"
)

// eloDiffIndex is the position of eloDifference in a vector.
const eloDiffIndex = 7

// Baseline predicts from the rating difference alone. It expects an
// unscaled vector, so use it without a Scaler.
type Baseline struct {
	homeAdvantage float64
	maxDraw       float64
}

// NewBaseline creates a Baseline with the default home advantage.
func NewBaseline() *Baseline {
	return &Baseline{homeAdvantage: rating.DefaultHomeAdvantage, maxDraw: 0.28}
}

// Predict implements Predictor.
func (b *Baseline) Predict(_ context.Context, x []float64) (model.Probabilities, error) {
	if len(x) != features.Size {
		return model.Probabilities{}, fmt.Errorf("baseline: want %d features, got %d", features.Size, len(x))
	}
	expHome := 1 / (1 + math.Pow(10, -(x[eloDiffIndex]+b.homeAdvantage)/400))
	// draws are likeliest between evenly matched sides
	draw := 0.02 + b.maxDraw*(1-math.Abs(2*expHome-1))
	return model.Probabilities{
		Home: expHome * (1 - draw),
		Draw: draw,
		Away: (1 - expHome) * (1 - draw),
	}, nil
}
