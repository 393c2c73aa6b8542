// Package mesh holds template and identity meshes, their deformation bases
// and the per-frame deformation state.
package mesh

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrDimensionMismatch reports a state or basis that does not fit the mesh.
var ErrDimensionMismatch = errors.New("mesh: dimension mismatch")

// Face is a triangle of vertex indices.
type Face [3]int

// Mesh is an immutable template: neutral geometry, fixed topology, named
// landmarks and a deformation basis.
type Mesh struct {
	name      string
	neutral   []r3.Vec
	faces     []Face
	basis     Basis
	landmarks map[string]int
	neighbors [][]int
}

// New validates the inputs and returns a mesh that owns copies of them.
func New(name string, neutral []r3.Vec, faces []Face, basis Basis, landmarks map[string]int) (*Mesh, error) {
	if len(neutral) == 0 {
		return nil, errors.New("mesh: no vertices")
	}
	if basis == nil {
		return nil, errors.New("mesh: nil basis")
	}
	if basis.VertexCount() != len(neutral) {
		return nil, fmt.Errorf("%w: basis covers %d vertices, mesh has %d", ErrDimensionMismatch, basis.VertexCount(), len(neutral))
	}
	for i, f := range faces {
		for _, v := range f {
			if v < 0 || v >= len(neutral) {
				return nil, fmt.Errorf("mesh: face %d references vertex %d", i, v)
			}
		}
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			return nil, fmt.Errorf("mesh: face %d is degenerate", i)
		}
	}
	lm := make(map[string]int, len(landmarks))
	for name, v := range landmarks {
		if v < 0 || v >= len(neutral) {
			return nil, fmt.Errorf("mesh: landmark %q references vertex %d", name, v)
		}
		lm[name] = v
	}
	m := &Mesh{
		name:      name,
		neutral:   append([]r3.Vec(nil), neutral...),
		faces:     append([]Face(nil), faces...),
		basis:     basis,
		landmarks: lm,
	}
	m.neighbors = buildNeighbors(len(neutral), m.faces)
	return m, nil
}

// WithNeutral returns a mesh sharing topology, basis and landmarks but with
// new neutral geometry.
func (m *Mesh) WithNeutral(name string, neutral []r3.Vec) (*Mesh, error) {
	if len(neutral) != len(m.neutral) {
		return nil, fmt.Errorf("%w: %d vertices, template has %d", ErrDimensionMismatch, len(neutral), len(m.neutral))
	}
	return &Mesh{
		name:      name,
		neutral:   append([]r3.Vec(nil), neutral...),
		faces:     m.faces,
		basis:     m.basis,
		landmarks: m.landmarks,
		neighbors: m.neighbors,
	}, nil
}

func (m *Mesh) Name() string         { return m.name }
func (m *Mesh) VertexCount() int     { return len(m.neutral) }
func (m *Mesh) Basis() Basis         { return m.basis }
func (m *Mesh) Neutral(v int) r3.Vec { return m.neutral[v] }

// NeutralPositions returns a copy of the neutral geometry.
func (m *Mesh) NeutralPositions() []r3.Vec {
	return append([]r3.Vec(nil), m.neutral...)
}

// Faces returns a copy of the triangle list.
func (m *Mesh) Faces() []Face {
	return append([]Face(nil), m.faces...)
}

// Neighbors returns the sorted one-ring of v. The slice is shared and must
// not be modified.
func (m *Mesh) Neighbors(v int) []int { return m.neighbors[v] }

// Landmark resolves a landmark name to its vertex.
func (m *Mesh) Landmark(name string) (int, bool) {
	v, ok := m.landmarks[name]
	return v, ok
}

// LandmarkNames returns the landmark names in sorted order.
func (m *Mesh) LandmarkNames() []string {
	names := make([]string, 0, len(m.landmarks))
	for n := range m.landmarks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SameTopology reports whether o can be deformed by states built for m.
func (m *Mesh) SameTopology(o *Mesh) bool {
	if o == nil || len(o.neutral) != len(m.neutral) || len(o.faces) != len(m.faces) {
		return false
	}
	if o.basis.Dim() != m.basis.Dim() {
		return false
	}
	for i := range m.faces {
		if m.faces[i] != o.faces[i] {
			return false
		}
	}
	return true
}

// Laplacian returns the uniform Laplacian of a per-vertex field at v.
func (m *Mesh) Laplacian(v int, field []r3.Vec) r3.Vec {
	nb := m.neighbors[v]
	if len(nb) == 0 {
		return r3.Vec{}
	}
	var mean r3.Vec
	for _, u := range nb {
		mean = r3.Add(mean, field[u])
	}
	return r3.Sub(field[v], r3.Scale(1/float64(len(nb)), mean))
}

// VertexNormals returns area-weighted vertex normals for the given positions.
func (m *Mesh) VertexNormals(pos []r3.Vec) []r3.Vec {
	n := make([]r3.Vec, len(pos))
	for _, f := range m.faces {
		e1 := r3.Sub(pos[f[1]], pos[f[0]])
		e2 := r3.Sub(pos[f[2]], pos[f[0]])
		fn := r3.Cross(e1, e2)
		for _, v := range f {
			n[v] = r3.Add(n[v], fn)
		}
	}
	for i := range n {
		if r3.Norm(n[i]) > 0 {
			n[i] = r3.Unit(n[i])
		}
	}
	return n
}

func buildNeighbors(nv int, faces []Face) [][]int {
	sets := make([]map[int]struct{}, nv)
	add := func(a, b int) {
		if sets[a] == nil {
			sets[a] = make(map[int]struct{})
		}
		sets[a][b] = struct{}{}
	}
	for _, f := range faces {
		for i := 0; i < 3; i++ {
			a, b := f[i], f[(i+1)%3]
			add(a, b)
			add(b, a)
		}
	}
	out := make([][]int, nv)
	for v, s := range sets {
		for u := range s {
			out[v] = append(out[v], u)
		}
		sort.Ints(out[v])
	}
	return out
}
