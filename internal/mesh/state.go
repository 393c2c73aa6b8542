package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// State is the per-frame deformation: basis coefficients, a rigid head pose
// (axis-angle rotation and translation) and optional per-vertex offsets.
type State struct {
	Coefficients []float64 `json:"coefficients"`
	Rotation     r3.Vec    `json:"rotation"`
	Translation  r3.Vec    `json:"translation"`
	Offsets      []r3.Vec  `json:"offsets,omitempty"`
}

// NeutralState returns the zero deformation for m.
func NeutralState(m *Mesh) State {
	return State{Coefficients: make([]float64, m.basis.Dim())}
}

// Clone deep-copies the state.
func (s State) Clone() State {
	c := s
	c.Coefficients = append([]float64(nil), s.Coefficients...)
	if s.Offsets != nil {
		c.Offsets = append([]r3.Vec(nil), s.Offsets...)
	}
	return c
}

// Validate checks the state against the mesh's basis dimension and topology.
func (s State) Validate(m *Mesh) error {
	if len(s.Coefficients) != m.basis.Dim() {
		return fmt.Errorf("%w: state has %d coefficients, basis has %d", ErrDimensionMismatch, len(s.Coefficients), m.basis.Dim())
	}
	if s.Offsets != nil && len(s.Offsets) != len(m.neutral) {
		return fmt.Errorf("%w: state has %d offsets, mesh has %d vertices", ErrDimensionMismatch, len(s.Offsets), len(m.neutral))
	}
	for i, c := range s.Coefficients {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("mesh: coefficient %d is not finite", i)
		}
	}
	return nil
}

// Local returns vertex v in the mesh frame, before the rigid pose.
func (m *Mesh) Local(v int, s State) r3.Vec {
	p := r3.Add(m.neutral[v], m.basis.Displace(v, s.Coefficients))
	if s.Offsets != nil {
		p = r3.Add(p, s.Offsets[v])
	}
	return p
}

// DeformVertex returns vertex v under the full deformation.
func (m *Mesh) DeformVertex(v int, s State) r3.Vec {
	return r3.Add(Rotate(s.Rotation, m.Local(v, s)), s.Translation)
}

// Deform returns all deformed vertex positions.
func (m *Mesh) Deform(s State) ([]r3.Vec, error) {
	if err := s.Validate(m); err != nil {
		return nil, err
	}
	out := make([]r3.Vec, len(m.neutral))
	for v := range out {
		out[v] = m.DeformVertex(v, s)
	}
	return out, nil
}

// Rotate applies the axis-angle rotation w to p.
func Rotate(w, p r3.Vec) r3.Vec {
	angle := r3.Norm(w)
	if angle < 1e-15 {
		return p
	}
	return r3.NewRotation(angle, r3.Scale(1/angle, w)).Rotate(p)
}

// RotationJacobian returns the partial derivatives of Rotate(w, p) with
// respect to each component of w.
func RotationJacobian(w, p r3.Vec) [3]r3.Vec {
	const h = 1e-7
	var out [3]r3.Vec
	for k := 0; k < 3; k++ {
		wp, wm := w, w
		switch k {
		case 0:
			wp.X += h
			wm.X -= h
		case 1:
			wp.Y += h
			wm.Y -= h
		case 2:
			wp.Z += h
			wm.Z -= h
		}
		out[k] = r3.Scale(1/(2*h), r3.Sub(Rotate(wp, p), Rotate(wm, p)))
	}
	return out
}

// MaxCoefficientDelta returns the largest absolute coefficient difference.
func MaxCoefficientDelta(a, b State) float64 {
	if len(a.Coefficients) != len(b.Coefficients) {
		return math.Inf(1)
	}
	var d float64
	for i := range a.Coefficients {
		d = math.Max(d, math.Abs(a.Coefficients[i]-b.Coefficients[i]))
	}
	return d
}
