package conformer

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
	"meshtrack/internal/nrr"
)

const (
	termIdentityFit = "identity_fit"
	termSmooth      = "laplacian"
	termPrior       = "offset"
)

// identityFit measures how far one vertex of one scan lands from its
// matched point when the identity offset of that vertex is x. The scan's
// expression and pose are held fixed.
type identityFit struct {
	local    r3.Vec // template neutral plus expression displacement
	rotation r3.Vec
	shift    r3.Vec
	target   r3.Vec
}

func (f identityFit) NumResiduals() int { return 3 }

func (f identityFit) Evaluate(x, res, jac []float64) error {
	p := r3.Add(f.local, r3.Vec{X: x[0], Y: x[1], Z: x[2]})
	r := r3.Sub(r3.Add(mesh.Rotate(f.rotation, p), f.shift), f.target)
	res[0], res[1], res[2] = r.X, r.Y, r.Z
	if jac != nil {
		for a := 0; a < 3; a++ {
			var e r3.Vec
			switch a {
			case 0:
				e.X = 1
			case 1:
				e.Y = 1
			default:
				e.Z = 1
			}
			d := mesh.Rotate(f.rotation, e)
			jac[a] = d.X
			jac[3+a] = d.Y
			jac[6+a] = d.Z
		}
	}
	return nil
}

func offsetVars(v int) []int {
	return []int{3 * v, 3*v + 1, 3*v + 2}
}

// solveIdentity finds the offset field shared by all used scans, given each
// scan's current expression state. Unobserved vertices follow their
// neighbours through the Laplacian term.
func (c *Conformer) solveIdentity(ctx context.Context, template *mesh.Mesh, offsets []r3.Vec, scans []Scan, states []mesh.State, results []ScanResult) ([]r3.Vec, float64, error) {
	o := c.opts
	nv := template.VertexCount()
	identity, err := withOffsets(template, "", offsets)
	if err != nil {
		return nil, 0, err
	}
	p := nls.NewProblem(3 * nv)
	b := template.Basis()

	for i, s := range scans {
		if !results[i].Used {
			continue
		}
		st := states[i]
		add := func(v int, target r3.Vec, weight float64) error {
			local := r3.Add(template.Neutral(v), b.Displace(v, st.Coefficients))
			return p.AddResidualBlock(nls.ResidualBlock{
				Term:   termIdentityFit,
				Vars:   offsetVars(v),
				Cost:   identityFit{local: local, rotation: st.Rotation, shift: st.Translation, target: target},
				Weight: weight,
			})
		}
		for _, m := range c.engine.Matches(identity, st, s.Target) {
			conf := m.Point.Confidence
			if conf <= 0 {
				conf = 1
			}
			if err := add(m.Vertex, m.Point.Position, o.Registration.Weights.Fit*conf); err != nil {
				return nil, 0, err
			}
		}
		for _, lm := range s.Target.Landmarks {
			w := lm.Weight
			if w == 0 {
				w = 1
			}
			if err := add(lm.Vertex, lm.Position, o.Registration.Weights.Landmark*w); err != nil {
				return nil, 0, err
			}
		}
	}

	for v := 0; v < nv; v++ {
		if o.OffsetPrior > 0 {
			if err := p.AddResidualBlock(nls.ResidualBlock{
				Term:   termPrior,
				Vars:   offsetVars(v),
				Cost:   nrr.PriorCost{Target: make([]float64, 3)},
				Weight: o.OffsetPrior,
				Loss:   nls.Trivial{},
			}); err != nil {
				return nil, 0, err
			}
		}
		nb := template.Neighbors(v)
		if len(nb) == 0 || o.LaplacianWeight <= 0 {
			continue
		}
		vars := offsetVars(v)
		for _, u := range nb {
			vars = append(vars, offsetVars(u)...)
		}
		if err := p.AddResidualBlock(nls.ResidualBlock{
			Term:   termSmooth,
			Vars:   vars,
			Cost:   nrr.LaplacianCost{Neighbors: len(nb)},
			Weight: o.LaplacianWeight,
			Loss:   nls.Trivial{},
		}); err != nil {
			return nil, 0, err
		}
	}

	x := make([]float64, 3*nv)
	for v, d := range offsets {
		x[3*v], x[3*v+1], x[3*v+2] = d.X, d.Y, d.Z
	}
	sum, err := nls.Solve(ctx, p, x, o.Solver)
	if err != nil {
		return nil, 0, fmt.Errorf("offset field: %w", err)
	}
	out := make([]r3.Vec, nv)
	for v := range out {
		out[v] = r3.Vec{X: x[3*v], Y: x[3*v+1], Z: x[3*v+2]}
	}
	c.log.Debug("identity solve",
		"iterations", sum.Iterations,
		"cost", sum.FinalCost,
		"termination", sum.Reason,
		"linear_solver", sum.LinearSolver)
	return out, sum.FinalCost, nil
}
