// Package predict seeds each frame's solve with a fast approximate
// deformation state from a pretrained regressor, falling back to the
// previous frame or the neutral pose when the regressor cannot be used.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"

	"meshtrack/internal/capture"
)

// ErrMalformedInput reports observations the regressor cannot consume.
var ErrMalformedInput = errors.New("predict: malformed input")

// Regressor maps a feature vector to deformation parameters. Implementations
// are pure functions of their input and safe for concurrent use.
type Regressor interface {
	// Landmarks is the order in which landmark features are expected.
	Landmarks() []string
	// Outputs is the length of every prediction.
	Outputs() int
	Predict(ctx context.Context, features []float64) ([]float64, error)
}

// Features lays out the landmarks in order, relative to their centroid, as
// x0, y0, x1, y1, ...
func Features(order []string, landmarks map[string]capture.Point2) ([]float64, error) {
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: regressor declares no landmarks", ErrMalformedInput)
	}
	var cx, cy float64
	pts := make([]capture.Point2, len(order))
	for i, name := range order {
		p, ok := landmarks[name]
		if !ok {
			return nil, fmt.Errorf("%w: landmark %q missing", ErrMalformedInput, name)
		}
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, fmt.Errorf("%w: landmark %q is not finite", ErrMalformedInput, name)
		}
		pts[i] = p
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	out := make([]float64, 0, 2*len(pts))
	for _, p := range pts {
		out = append(out, p.X-cx, p.Y-cy)
	}
	return out, nil
}
