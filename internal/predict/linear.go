package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// LinearModel is an affine regressor over normalised features:
// y = W * ((f - mean) / scale) + bias.
type LinearModel struct {
	Names        []string    `json:"landmarks"`
	FeatureMean  []float64   `json:"feature_mean"`
	FeatureScale []float64   `json:"feature_scale"`
	Weights      [][]float64 `json:"weights"` // outputs x features
	Bias         []float64   `json:"bias"`

	w *mat.Dense
}

// LoadLinearModel reads and validates a model artifact.
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := m.init(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &m, nil
}

// NewLinearModel validates the parameters and builds a model.
func NewLinearModel(landmarks []string, mean, scale []float64, weights [][]float64, bias []float64) (*LinearModel, error) {
	m := &LinearModel{Names: landmarks, FeatureMean: mean, FeatureScale: scale, Weights: weights, Bias: bias}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LinearModel) init() error {
	nf := 2 * len(m.Names)
	if nf == 0 {
		return fmt.Errorf("linear model: no landmarks")
	}
	if len(m.Weights) == 0 || len(m.Weights) != len(m.Bias) {
		return fmt.Errorf("linear model: %d weight rows for %d biases", len(m.Weights), len(m.Bias))
	}
	if m.FeatureMean == nil {
		m.FeatureMean = make([]float64, nf)
	}
	if m.FeatureScale == nil {
		m.FeatureScale = make([]float64, nf)
		for i := range m.FeatureScale {
			m.FeatureScale[i] = 1
		}
	}
	if len(m.FeatureMean) != nf || len(m.FeatureScale) != nf {
		return fmt.Errorf("linear model: normalisation has %d/%d entries, want %d", len(m.FeatureMean), len(m.FeatureScale), nf)
	}
	for i, s := range m.FeatureScale {
		if s == 0 {
			return fmt.Errorf("linear model: feature %d has zero scale", i)
		}
	}
	flat := make([]float64, 0, len(m.Weights)*nf)
	for i, row := range m.Weights {
		if len(row) != nf {
			return fmt.Errorf("linear model: weight row %d has %d entries, want %d", i, len(row), nf)
		}
		flat = append(flat, row...)
	}
	m.w = mat.NewDense(len(m.Weights), nf, flat)
	return nil
}

func (m *LinearModel) Landmarks() []string { return m.Names }
func (m *LinearModel) Outputs() int        { return len(m.Bias) }

// Predict evaluates the model. It never blocks.
func (m *LinearModel) Predict(_ context.Context, features []float64) ([]float64, error) {
	_, nf := m.w.Dims()
	if len(features) != nf {
		return nil, fmt.Errorf("%w: %d features, model expects %d", ErrMalformedInput, len(features), nf)
	}
	z := make([]float64, nf)
	for i, f := range features {
		z[i] = (f - m.FeatureMean[i]) / m.FeatureScale[i]
	}
	var y mat.VecDense
	y.MulVec(m.w, mat.NewVecDense(nf, z))
	out := make([]float64, len(m.Bias))
	for i := range out {
		out[i] = y.AtVec(i) + m.Bias[i]
	}
	return out, nil
}
