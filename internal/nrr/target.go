package nrr

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/mesh"
	"meshtrack/internal/recon"
)

// ErrInvalidTarget reports registration data that references vertices the
// mesh does not have, or carries no usable observations.
var ErrInvalidTarget = errors.New("nrr: invalid registration target")

// Landmark is an observed 3D position for a mesh vertex.
type Landmark struct {
	Name     string  `json:"name,omitempty"`
	Vertex   int     `json:"vertex"`
	Position r3.Vec  `json:"position"`
	Weight   float64 `json:"weight"` // zero means 1
}

// Target is what a mesh is registered against.
type Target struct {
	Cloud     *recon.PointCloud
	Landmarks []Landmark
}

// Validate checks landmark indices and values against m.
func (t Target) Validate(m *mesh.Mesh) error {
	for i, lm := range t.Landmarks {
		if lm.Vertex < 0 || lm.Vertex >= m.VertexCount() {
			return fmt.Errorf("%w: landmark %d (%s) references vertex %d of %d", ErrInvalidTarget, i, lm.Name, lm.Vertex, m.VertexCount())
		}
		if !finite(lm.Position) || lm.Weight < 0 || math.IsNaN(lm.Weight) {
			return fmt.Errorf("%w: landmark %d (%s) is not finite", ErrInvalidTarget, i, lm.Name)
		}
	}
	if t.Cloud != nil {
		for i, p := range t.Cloud.Points {
			if !finite(p.Position) {
				return fmt.Errorf("%w: cloud point %d is not finite", ErrInvalidTarget, i)
			}
		}
	}
	return nil
}

func (t Target) empty() bool {
	return t.Cloud.Empty() && len(t.Landmarks) == 0
}

func finite(v r3.Vec) bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
