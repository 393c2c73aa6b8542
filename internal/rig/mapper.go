package rig

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
)

// Mapper converts between mesh deformation states and raw (unclamped)
// control values.
type Mapper interface {
	Forward(ctx context.Context, s mesh.State) ([]float64, error)
	Inverse(controls []float64) (mesh.State, error)
}

// NewMapper fits def to basis. Rigs with a mapping matrix get a
// FittedMapper, the rest a DirectMapper.
func NewMapper(def *Definition, basis mesh.Basis, regularization float64, solver nls.Options) (Mapper, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.Mapping == nil {
		return NewDirectMapper(def, basis)
	}
	return NewFittedMapper(def, basis, regularization, solver)
}

func coefficientIndex(basis mesh.Basis) map[string]int {
	idx := make(map[string]int, basis.Dim())
	for i, n := range basis.Names() {
		idx[n] = i
	}
	return idx
}

const (
	bindCoefficient = iota
	bindRotation
	bindTranslation
)

type binding struct {
	kind int
	i    int
}

var poseSources = map[string]binding{
	"rotation.x":    {bindRotation, 0},
	"rotation.y":    {bindRotation, 1},
	"rotation.z":    {bindRotation, 2},
	"translation.x": {bindTranslation, 0},
	"translation.y": {bindTranslation, 1},
	"translation.z": {bindTranslation, 2},
}

// DirectMapper is used when the deformation basis is the rig basis: each
// control reads one coefficient or pose component.
type DirectMapper struct {
	dim      int
	bindings []binding
}

// NewDirectMapper binds each control to its source by name.
func NewDirectMapper(def *Definition, basis mesh.Basis) (*DirectMapper, error) {
	idx := coefficientIndex(basis)
	m := &DirectMapper{dim: basis.Dim(), bindings: make([]binding, len(def.Controls))}
	for i, c := range def.Controls {
		src := c.Source
		if src == "" {
			src = c.Name
		}
		if b, ok := poseSources[src]; ok {
			m.bindings[i] = b
			continue
		}
		k, ok := idx[src]
		if !ok {
			return nil, fmt.Errorf("%w: control %q reads coefficient %q, not in the %s basis", ErrTopologyMismatch, c.Name, src, basis.Kind())
		}
		m.bindings[i] = binding{bindCoefficient, k}
	}
	return m, nil
}

func (m *DirectMapper) Forward(_ context.Context, s mesh.State) ([]float64, error) {
	if len(s.Coefficients) != m.dim {
		return nil, fmt.Errorf("%w: state has %d coefficients, rig expects %d", ErrTopologyMismatch, len(s.Coefficients), m.dim)
	}
	out := make([]float64, len(m.bindings))
	for i, b := range m.bindings {
		switch b.kind {
		case bindCoefficient:
			out[i] = s.Coefficients[b.i]
		case bindRotation:
			out[i] = vecComponent(s.Rotation, b.i)
		case bindTranslation:
			out[i] = vecComponent(s.Translation, b.i)
		}
	}
	return out, nil
}

func (m *DirectMapper) Inverse(controls []float64) (mesh.State, error) {
	if len(controls) != len(m.bindings) {
		return mesh.State{}, fmt.Errorf("%w: %d controls, rig has %d", ErrTopologyMismatch, len(controls), len(m.bindings))
	}
	s := mesh.State{Coefficients: make([]float64, m.dim)}
	for i, b := range m.bindings {
		switch b.kind {
		case bindCoefficient:
			s.Coefficients[b.i] = controls[i]
		case bindRotation:
			setVecComponent(&s.Rotation, b.i, controls[i])
		case bindTranslation:
			setVecComponent(&s.Translation, b.i, controls[i])
		}
	}
	return s, nil
}

func vecComponent(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

func setVecComponent(v *r3.Vec, i int, x float64) {
	switch i {
	case 0:
		v.X = x
	case 1:
		v.Y = x
	default:
		v.Z = x
	}
}

// FittedMapper inverts an affine control-to-coefficient mapping with a
// small regularised least-squares solve per frame.
type FittedMapper struct {
	dim      int
	rows     []int // basis index of each mapping row
	a        [][]float64
	offset   []float64
	defaults []float64
	lambda   float64
	solver   nls.Options
}

// NewFittedMapper checks the mapping rows against the basis names.
func NewFittedMapper(def *Definition, basis mesh.Basis, regularization float64, solver nls.Options) (*FittedMapper, error) {
	mp := def.Mapping
	if len(mp.Coefficients) != basis.Dim() {
		return nil, fmt.Errorf("%w: mapping covers %d coefficients, basis has %d", ErrTopologyMismatch, len(mp.Coefficients), basis.Dim())
	}
	idx := coefficientIndex(basis)
	rows := make([]int, len(mp.Coefficients))
	for i, name := range mp.Coefficients {
		k, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("%w: mapping row %q not in the %s basis", ErrTopologyMismatch, name, basis.Kind())
		}
		rows[i] = k
	}
	offset := mp.Offset
	if offset == nil {
		offset = make([]float64, len(rows))
	}
	defaults := make([]float64, len(def.Controls))
	for i, c := range def.Controls {
		defaults[i] = c.Default
	}
	solver.Loss = nls.Trivial{}
	return &FittedMapper{
		dim:      basis.Dim(),
		rows:     rows,
		a:        mp.Matrix,
		offset:   offset,
		defaults: defaults,
		lambda:   regularization,
		solver:   solver,
	}, nil
}

// affineCost is A*u + b - c for fixed coefficients c.
type affineCost struct {
	a      [][]float64
	offset []float64
	target []float64
}

func (c affineCost) NumResiduals() int { return len(c.a) }

func (c affineCost) Evaluate(u, res, jac []float64) error {
	n := len(u)
	for r, row := range c.a {
		v := c.offset[r] - c.target[r]
		for j, w := range row {
			v += w * u[j]
		}
		res[r] = v
		if jac != nil {
			copy(jac[r*n:(r+1)*n], row)
		}
	}
	return nil
}

// Forward solves min ||A u + b - c||^2 + lambda ||u - default||^2.
func (m *FittedMapper) Forward(ctx context.Context, s mesh.State) ([]float64, error) {
	if len(s.Coefficients) != m.dim {
		return nil, fmt.Errorf("%w: state has %d coefficients, rig expects %d", ErrTopologyMismatch, len(s.Coefficients), m.dim)
	}
	target := make([]float64, len(m.rows))
	for r, k := range m.rows {
		target[r] = s.Coefficients[k]
	}
	n := len(m.defaults)
	vars := make([]int, n)
	for i := range vars {
		vars[i] = i
	}
	p := nls.NewProblem(n)
	if err := p.AddResidualBlock(nls.ResidualBlock{
		Term: "mapping",
		Vars: vars,
		Cost: affineCost{a: m.a, offset: m.offset, target: target},
	}); err != nil {
		return nil, err
	}
	if m.lambda > 0 {
		if err := p.AddResidualBlock(nls.ResidualBlock{
			Term:   "regularization",
			Vars:   vars,
			Cost:   priorCost(m.defaults),
			Weight: m.lambda,
		}); err != nil {
			return nil, err
		}
	}
	u := append([]float64(nil), m.defaults...)
	if _, err := nls.Solve(ctx, p, u, m.solver); err != nil {
		return nil, fmt.Errorf("rig fit: %w", err)
	}
	return u, nil
}

// Inverse evaluates the mapping.
func (m *FittedMapper) Inverse(controls []float64) (mesh.State, error) {
	if len(controls) != len(m.defaults) {
		return mesh.State{}, fmt.Errorf("%w: %d controls, rig has %d", ErrTopologyMismatch, len(controls), len(m.defaults))
	}
	s := mesh.State{Coefficients: make([]float64, m.dim)}
	for r, row := range m.a {
		v := m.offset[r]
		for j, w := range row {
			v += w * controls[j]
		}
		s.Coefficients[m.rows[r]] = v
	}
	return s, nil
}

// priorCost pulls the controls toward their defaults.
type priorCost []float64

func (c priorCost) NumResiduals() int { return len(c) }

func (c priorCost) Evaluate(u, res, jac []float64) error {
	n := len(u)
	for i := range u {
		res[i] = u[i] - c[i]
	}
	if jac != nil {
		for i := range jac {
			jac[i] = 0
		}
		for i := 0; i < n; i++ {
			jac[i*n+i] = 1
		}
	}
	return nil
}
