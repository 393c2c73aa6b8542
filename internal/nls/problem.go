// Package nls implements a sparse nonlinear least-squares solver.
//
// A Problem is a set of unknowns plus residual blocks. Each block touches a
// small subset of the unknowns, so the Jacobian is stored in compressed row
// form and the normal equations are solved either densely (small problems)
// or matrix-free with preconditioned conjugate gradients.
package nls

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDegenerate is returned when the Jacobian is rank deficient and no
	// residual (regularization prior included) constrains the null space.
	ErrDegenerate = errors.New("nls: degenerate problem")
	// ErrInvalidBlock rejects malformed residual blocks before solving.
	ErrInvalidBlock = errors.New("nls: invalid residual block")
)

// CostFunction evaluates one residual block over the unknowns it references.
// x holds the gathered values of the block's variables in the order given by
// ResidualBlock.Vars. When jacobian is non-nil it receives the row-major
// NumResiduals() x len(x) derivative matrix.
type CostFunction interface {
	NumResiduals() int
	Evaluate(x, residuals, jacobian []float64) error
}

// CostFunc adapts a plain function to CostFunction.
type CostFunc struct {
	Residuals int
	Fn        func(x, residuals, jacobian []float64) error
}

func (c CostFunc) NumResiduals() int { return c.Residuals }

func (c CostFunc) Evaluate(x, residuals, jacobian []float64) error {
	return c.Fn(x, residuals, jacobian)
}

// ResidualBlock is one term of the objective.
type ResidualBlock struct {
	Term   string // family name, used for per-term cost reporting
	Vars   []int
	Cost   CostFunction
	Weight float64 // zero means 1
	Loss   Loss    // nil uses Options.Loss
}

// Problem is the objective: unknowns, optional box bounds and residual blocks.
type Problem struct {
	n      int
	blocks []ResidualBlock
	lower  []float64
	upper  []float64
	nres   int
	nnz    int
}

// NewProblem returns an empty problem over n unknowns.
func NewProblem(n int) *Problem {
	return &Problem{n: n}
}

// NumParameters reports the number of unknowns.
func (p *Problem) NumParameters() int { return p.n }

// NumResiduals reports the total residual count across blocks.
func (p *Problem) NumResiduals() int { return p.nres }

// NumBlocks reports how many residual blocks were added.
func (p *Problem) NumBlocks() int { return len(p.blocks) }

// AddResidualBlock validates and appends a block.
func (p *Problem) AddResidualBlock(b ResidualBlock) error {
	if b.Cost == nil {
		return fmt.Errorf("%w: %s: nil cost function", ErrInvalidBlock, b.Term)
	}
	m := b.Cost.NumResiduals()
	if m <= 0 {
		return fmt.Errorf("%w: %s: %d residuals", ErrInvalidBlock, b.Term, m)
	}
	if len(b.Vars) == 0 {
		return fmt.Errorf("%w: %s: no variables", ErrInvalidBlock, b.Term)
	}
	if b.Weight < 0 || math.IsNaN(b.Weight) || math.IsInf(b.Weight, 0) {
		return fmt.Errorf("%w: %s: weight %v", ErrInvalidBlock, b.Term, b.Weight)
	}
	seen := make(map[int]struct{}, len(b.Vars))
	for _, v := range b.Vars {
		if v < 0 || v >= p.n {
			return fmt.Errorf("%w: %s: variable %d out of range [0,%d)", ErrInvalidBlock, b.Term, v, p.n)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("%w: %s: variable %d repeated", ErrInvalidBlock, b.Term, v)
		}
		seen[v] = struct{}{}
	}
	if b.Weight == 0 {
		b.Weight = 1
	}
	p.blocks = append(p.blocks, b)
	p.nres += m
	p.nnz += m * len(b.Vars)
	return nil
}

// SetBounds constrains unknown i to [lo, hi]. Infinite bounds are allowed.
func (p *Problem) SetBounds(i int, lo, hi float64) error {
	if i < 0 || i >= p.n {
		return fmt.Errorf("nls: bound index %d out of range", i)
	}
	if lo > hi {
		return fmt.Errorf("nls: empty bound [%v,%v] for variable %d", lo, hi, i)
	}
	if p.lower == nil {
		p.lower = make([]float64, p.n)
		p.upper = make([]float64, p.n)
		for j := range p.lower {
			p.lower[j] = math.Inf(-1)
			p.upper[j] = math.Inf(1)
		}
	}
	p.lower[i] = lo
	p.upper[i] = hi
	return nil
}

func (p *Problem) project(x []float64) {
	if p.lower == nil {
		return
	}
	for i := range x {
		if x[i] < p.lower[i] {
			x[i] = p.lower[i]
		} else if x[i] > p.upper[i] {
			x[i] = p.upper[i]
		}
	}
}
