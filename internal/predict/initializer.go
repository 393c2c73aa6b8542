package predict

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/mesh"
)

// Source names where an initial guess came from.
type Source string

const (
	SourceModel    Source = "model"
	SourcePrevious Source = "previous"
	SourceNeutral  Source = "neutral"
)

// poseOutputs is the number of trailing rigid pose values (axis-angle
// rotation then translation) a regressor may append to the coefficients.
const poseOutputs = 6

// Observation is the current-frame data the regressor sees.
type Observation struct {
	Frame     int
	Landmarks map[string]capture.Point2
}

// Guess is an initial deformation state and its provenance.
type Guess struct {
	State  mesh.State
	Source Source
	Reason string // why the model was not used, if it was not
}

// Initializer produces per-frame initial guesses. It holds only read-only
// state and is safe for concurrent use.
type Initializer struct {
	mesh         *mesh.Mesh
	regressor    Regressor
	usePrevious  bool
	lower, upper []float64
	log          *slog.Logger
}

// NewInitializer checks that the regressor's outputs fit m's basis. A nil
// regressor is allowed and always falls back. fallback is "previous" (the
// default) or "neutral".
func NewInitializer(m *mesh.Mesh, r Regressor, fallback string, logger *slog.Logger) (*Initializer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dim := m.Basis().Dim()
	if r != nil {
		if n := r.Outputs(); n != dim && n != dim+poseOutputs {
			return nil, fmt.Errorf("%w: regressor produces %d values, basis has %d coefficients", mesh.ErrDimensionMismatch, n, dim)
		}
	}
	lo, hi := m.Basis().Bounds()
	return &Initializer{
		mesh:        m,
		regressor:   r,
		usePrevious: fallback != string(SourceNeutral),
		lower:       lo,
		upper:       hi,
		log:         logger,
	}, nil
}

// FromConfig loads the configured regressor: a linear model artifact, an
// external process, or none.
func FromConfig(cfg config.Initializer, m *mesh.Mesh, logger *slog.Logger) (*Initializer, error) {
	var r Regressor
	switch {
	case cfg.ModelPath != "":
		lm, err := LoadLinearModel(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		r = lm
	case len(cfg.Command) > 0:
		outputs := m.Basis().Dim()
		pr, err := StartProcess(cfg.Command, cfg.Landmarks, outputs, logger)
		if err != nil {
			return nil, err
		}
		r = pr
	}
	in, err := NewInitializer(m, r, cfg.Fallback, logger)
	if err != nil {
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}
	return in, nil
}

// HasModel reports whether a regressor is configured.
func (in *Initializer) HasModel() bool { return in.regressor != nil }

// Close releases the regressor if it holds resources.
func (in *Initializer) Close() error {
	if c, ok := in.regressor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Guess predicts an initial state for obs. previous is the last solved
// state, if any. Regressor failures and malformed input never fail the
// guess; they select a fallback. Only cancellation is returned as an error.
func (in *Initializer) Guess(ctx context.Context, obs Observation, previous *mesh.State) (Guess, error) {
	if err := ctx.Err(); err != nil {
		return Guess{}, err
	}
	if in.regressor == nil {
		return in.fallback(previous, "no regressor configured"), nil
	}
	features, err := Features(in.regressor.Landmarks(), obs.Landmarks)
	if err != nil {
		return in.fallback(previous, err.Error()), nil
	}
	y, err := in.regressor.Predict(ctx, features)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Guess{}, ctxErr
	}
	if err != nil {
		in.log.Warn("regressor failed", "frame", obs.Frame, "error", err)
		return in.fallback(previous, err.Error()), nil
	}
	state, err := in.toState(y, previous)
	if err != nil {
		return in.fallback(previous, err.Error()), nil
	}
	return Guess{State: state, Source: SourceModel}, nil
}

func (in *Initializer) toState(y []float64, previous *mesh.State) (mesh.State, error) {
	dim := in.mesh.Basis().Dim()
	if len(y) != dim && len(y) != dim+poseOutputs {
		return mesh.State{}, fmt.Errorf("%w: prediction has %d values", ErrMalformedInput, len(y))
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return mesh.State{}, fmt.Errorf("%w: prediction value %d is not finite", ErrMalformedInput, i)
		}
	}
	s := mesh.NeutralState(in.mesh)
	copy(s.Coefficients, y[:dim])
	if in.lower != nil {
		for i := range s.Coefficients {
			s.Coefficients[i] = math.Max(in.lower[i], math.Min(in.upper[i], s.Coefficients[i]))
		}
	}
	switch {
	case len(y) == dim+poseOutputs:
		p := y[dim:]
		s.Rotation = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
		s.Translation = r3.Vec{X: p[3], Y: p[4], Z: p[5]}
	case previous != nil:
		s.Rotation, s.Translation = previous.Rotation, previous.Translation
	}
	if previous != nil && previous.Offsets != nil {
		s.Offsets = append([]r3.Vec(nil), previous.Offsets...)
	}
	return s, nil
}

func (in *Initializer) fallback(previous *mesh.State, reason string) Guess {
	if in.usePrevious && previous != nil && previous.Validate(in.mesh) == nil {
		return Guess{State: previous.Clone(), Source: SourcePrevious, Reason: reason}
	}
	return Guess{State: mesh.NeutralState(in.mesh), Source: SourceNeutral, Reason: reason}
}

// Fallback returns the guess used when no prediction is possible.
func (in *Initializer) Fallback(previous *mesh.State, reason string) Guess {
	return in.fallback(previous, reason)
}
