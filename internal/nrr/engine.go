// Package nrr registers a deformable template mesh against a point cloud and
// landmarks by minimising fit, landmark, prior and smoothness residuals with
// the nls solver.
package nrr

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/config"
	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
	"meshtrack/internal/recon"
)

// Residual family names, as reported in per-term costs.
const (
	termFit       = "fit"
	termLandmark  = "landmark"
	termCoef      = "coefficient"
	termTemporal  = "temporal"
	termLaplacian = "laplacian"
	termOffset    = "offset"
)

// Weights scales each residual family.
type Weights struct {
	Fit            float64
	PointToPlane   float64
	Landmark       float64
	Coefficient    float64
	Temporal       float64
	Laplacian      float64
	Offset         float64
	OcclusionBoost float64
}

// Level is one coarse-to-fine stage.
type Level struct {
	VertexStride int
	CloudStride  int
}

// Options configures registration.
type Options struct {
	Weights                   Weights
	MaxCorrespondenceDistance float64
	CorrespondenceRounds      int
	Levels                    []Level
	SolveRigid                bool
	SolveOffsets              bool
	Solver                    nls.Options
}

// OptionsFromConfig maps the registration and solver sections.
func OptionsFromConfig(reg config.Registration, solver nls.Options) Options {
	levels := make([]Level, len(reg.Levels))
	for i, l := range reg.Levels {
		levels[i] = Level{VertexStride: l.VertexStride, CloudStride: l.CloudStride}
	}
	return Options{
		Weights: Weights{
			Fit:            reg.FitWeight,
			PointToPlane:   reg.PointToPlaneWeight,
			Landmark:       reg.LandmarkWeight,
			Coefficient:    reg.CoefficientPrior,
			Temporal:       reg.TemporalWeight,
			Laplacian:      reg.LaplacianWeight,
			Offset:         reg.OffsetPrior,
			OcclusionBoost: reg.OcclusionBoost,
		},
		MaxCorrespondenceDistance: reg.MaxCorrespondenceDistance,
		CorrespondenceRounds:      reg.CorrespondenceRounds,
		Levels:                    levels,
		SolveRigid:                reg.SolveRigid,
		SolveOffsets:              reg.SolveOffsets,
		Solver:                    solver,
	}
}

func (o Options) withDefaults() Options {
	if len(o.Levels) == 0 {
		o.Levels = []Level{{VertexStride: 1, CloudStride: 1}}
	}
	if o.CorrespondenceRounds < 1 {
		o.CorrespondenceRounds = 1
	}
	if o.MaxCorrespondenceDistance <= 0 {
		o.MaxCorrespondenceDistance = math.Inf(1)
	}
	if o.Weights.OcclusionBoost < 1 {
		o.Weights.OcclusionBoost = 1
	}
	return o
}

// Report summarises a registration.
type Report struct {
	Levels          int                `json:"levels"`
	Solves          int                `json:"solves"`
	Iterations      int                `json:"iterations"`
	InitialCost     float64            `json:"initial_cost"`
	FinalCost       float64            `json:"final_cost"`
	TermCosts       map[string]float64 `json:"term_costs"`
	Converged       bool               `json:"converged"`
	Termination     string             `json:"termination"`
	LinearSolver    string             `json:"linear_solver"`
	Correspondences int                `json:"correspondences"`
	Landmarks       int                `json:"landmarks"`
	Covered         int                `json:"covered"`
	Coverage        float64            `json:"coverage"`
	Duration        time.Duration      `json:"duration"`
}

// Engine performs non-rigid registration.
type Engine struct {
	opts Options
	log  *slog.Logger
}

// NewEngine builds an engine.
func NewEngine(opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts.withDefaults(), log: logger}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// WithOptions returns an engine sharing the logger with different options.
func (e *Engine) WithOptions(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults(), log: e.log}
}

// Register refines init so that m deforms onto target. prior, when non-nil,
// is the previous frame's state and anchors the temporal term. On error the
// returned state is init unchanged.
func (e *Engine) Register(ctx context.Context, m *mesh.Mesh, target Target, init mesh.State, prior *mesh.State) (mesh.State, Report, error) {
	start := time.Now()
	rep := Report{TermCosts: map[string]float64{}, Landmarks: len(target.Landmarks)}
	if err := init.Validate(m); err != nil {
		return init, rep, err
	}
	if prior != nil {
		if err := prior.Validate(m); err != nil {
			return init, rep, fmt.Errorf("previous state: %w", err)
		}
	}
	if err := target.Validate(m); err != nil {
		return init, rep, err
	}
	if target.empty() {
		return init, rep, fmt.Errorf("%w: no cloud points or landmarks", ErrInvalidTarget)
	}

	o := e.opts
	active := activeCoefficients(m)
	state := init.Clone()
	if o.SolveOffsets && state.Offsets == nil {
		state.Offsets = make([]r3.Vec, m.VertexCount())
	}

	for li, lvl := range o.Levels {
		last := li == len(o.Levels)-1
		idx := newCloudIndex(target.Cloud, lvl.CloudStride)
		for round := 0; round < o.CorrespondenceRounds; round++ {
			if err := ctx.Err(); err != nil {
				return init, rep, err
			}
			corr := e.correspond(m, state, idx, lvl.VertexStride)
			next, sum, solved, err := e.solveRound(ctx, m, state, active, corr, target.Landmarks, prior, last)
			if err != nil {
				return init, rep, err
			}
			if !solved {
				break
			}
			if rep.Solves == 0 {
				rep.InitialCost = sum.InitialCost
			}
			rep.Solves++
			rep.Iterations += sum.Iterations
			rep.FinalCost = sum.FinalCost
			rep.TermCosts = sum.TermCosts
			rep.Converged = sum.Converged
			rep.Termination = sum.Reason
			rep.LinearSolver = sum.LinearSolver
			rep.Correspondences = len(corr)

			delta := stateChange(state, next)
			state = next
			if delta < 1e-10 {
				break
			}
		}
		rep.Levels++
		e.log.Debug("registration level done",
			"level", li,
			"vertex_stride", lvl.VertexStride,
			"cloud_stride", lvl.CloudStride,
			"correspondences", rep.Correspondences,
			"cost", rep.FinalCost)
	}
	if rep.Solves == 0 {
		return init, rep, fmt.Errorf("%w: no correspondences within %.4g", nls.ErrDegenerate, o.MaxCorrespondenceDistance)
	}

	covered := e.CoveredVertices(m, state, target)
	for _, c := range covered {
		if c {
			rep.Covered++
		}
	}
	rep.Coverage = float64(rep.Covered) / float64(m.VertexCount())
	rep.Duration = time.Since(start)
	return state, rep, nil
}

// Match pairs a vertex with its nearest cloud point.
type Match struct {
	Vertex int
	Point  recon.Point
}

// Matches returns, for every vertex of m deformed by s, the nearest cloud
// point within the correspondence distance.
func (e *Engine) Matches(m *mesh.Mesh, s mesh.State, target Target) []Match {
	corr := e.correspond(m, s, newCloudIndex(target.Cloud, 1), 1)
	out := make([]Match, len(corr))
	for i, c := range corr {
		out[i] = Match{Vertex: c.vertex, Point: c.point}
	}
	return out
}

// CoveredVertices reports which vertices of m under s have a cloud point
// within the correspondence distance.
func (e *Engine) CoveredVertices(m *mesh.Mesh, s mesh.State, target Target) []bool {
	out := make([]bool, m.VertexCount())
	for _, c := range e.correspond(m, s, newCloudIndex(target.Cloud, 1), 1) {
		out[c.vertex] = true
	}
	return out
}

func (e *Engine) correspond(m *mesh.Mesh, s mesh.State, idx *cloudIndex, stride int) []correspondence {
	if idx.tree == nil {
		return nil
	}
	if stride < 1 {
		stride = 1
	}
	var out []correspondence
	for v := 0; v < m.VertexCount(); v += stride {
		p := m.DeformVertex(v, s)
		if i, ok := idx.nearest(p, e.opts.MaxCorrespondenceDistance); ok {
			out = append(out, correspondence{vertex: v, point: idx.cloud.Points[i]})
		}
	}
	return out
}

// solveRound builds and solves one problem with fixed correspondences. The
// third result is false when there was no data to fit.
func (e *Engine) solveRound(ctx context.Context, m *mesh.Mesh, s mesh.State, active [][]int, corr []correspondence, landmarks []Landmark, prior *mesh.State, fullResolution bool) (mesh.State, nls.Summary, bool, error) {
	o := e.opts
	w := o.Weights
	withOffsets := o.SolveOffsets && fullResolution
	md := newModel(m, s, o.SolveRigid, withOffsets, active)
	b := newBuilder()

	covered := make([]bool, m.VertexCount())
	for _, c := range corr {
		covered[c.vertex] = true
		keys := md.vertexKeys(c.vertex)
		conf := c.point.Confidence
		if conf <= 0 {
			conf = 1
		}
		b.add(termFit, keys, &pointCost{md: md, v: c.vertex, keys: keys, target: c.point.Position}, w.Fit*conf, nil)
		if c.point.HasNormal && w.PointToPlane > 0 {
			b.add(termFit, keys, &planeCost{md: md, v: c.vertex, keys: keys, target: c.point.Position, normal: c.point.Normal}, w.PointToPlane*conf, nil)
		}
	}
	for _, lm := range landmarks {
		keys := md.vertexKeys(lm.Vertex)
		weight := lm.Weight
		if weight == 0 {
			weight = 1
		}
		b.add(termLandmark, keys, &pointCost{md: md, v: lm.Vertex, keys: keys, target: lm.Position}, w.Landmark*weight, nil)
	}
	if b.data == 0 {
		return s, nls.Summary{}, false, nil
	}

	// Priors only act on coefficients the data already observes; the rest
	// keep their current values.
	var (
		coefKeys []varKey
		zeros    []float64
		previous []float64
	)
	for i := 0; i < m.Basis().Dim(); i++ {
		key := varKey{varCoef, i}
		if _, ok := b.index[key]; !ok {
			continue
		}
		coefKeys = append(coefKeys, key)
		zeros = append(zeros, 0)
		if prior != nil {
			previous = append(previous, prior.Coefficients[i])
		}
	}
	b.add(termCoef, coefKeys, PriorCost{Target: zeros}, w.Coefficient, nls.Trivial{})
	if prior != nil {
		b.add(termTemporal, coefKeys, PriorCost{Target: previous}, w.Temporal, nls.Trivial{})
		if o.SolveRigid {
			rigidKeys := []varKey{{varRot, 0}, {varRot, 1}, {varRot, 2}, {varTrans, 0}, {varTrans, 1}, {varTrans, 2}}
			target := []float64{
				prior.Rotation.X, prior.Rotation.Y, prior.Rotation.Z,
				prior.Translation.X, prior.Translation.Y, prior.Translation.Z,
			}
			b.add(termTemporal, rigidKeys, PriorCost{Target: target}, w.Temporal, nls.Trivial{})
		}
	}
	if withOffsets {
		for v := 0; v < m.VertexCount(); v++ {
			offKeys := []varKey{{varOffset, 3 * v}, {varOffset, 3*v + 1}, {varOffset, 3*v + 2}}
			b.add(termOffset, offKeys, PriorCost{Target: make([]float64, 3)}, w.Offset, nls.Trivial{})
			nb := m.Neighbors(v)
			if len(nb) == 0 {
				continue
			}
			lw := w.Laplacian
			if !covered[v] {
				lw *= w.OcclusionBoost
			}
			b.add(termLaplacian, laplacianKeys(v, nb), LaplacianCost{Neighbors: len(nb)}, lw, nls.Trivial{})
		}
	}

	lo, hi := m.Basis().Bounds()
	p, x, err := b.problem(s, lo, hi)
	if err != nil {
		return s, nls.Summary{}, false, err
	}
	sum, err := nls.Solve(ctx, p, x, o.Solver)
	if err != nil {
		return s, sum, false, err
	}
	return b.apply(s, x), sum, true, nil
}

func stateChange(a, b mesh.State) float64 {
	d := mesh.MaxCoefficientDelta(a, b)
	d = math.Max(d, r3.Norm(r3.Sub(a.Rotation, b.Rotation)))
	d = math.Max(d, r3.Norm(r3.Sub(a.Translation, b.Translation)))
	if a.Offsets != nil && b.Offsets != nil {
		for i := range a.Offsets {
			d = math.Max(d, r3.Norm(r3.Sub(a.Offsets[i], b.Offsets[i])))
		}
	}
	return d
}
