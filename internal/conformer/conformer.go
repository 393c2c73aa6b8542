// Package conformer builds a subject's identity mesh from a handful of
// scans by alternating per-scan expression registration with a joint solve
// for a shared identity offset field.
package conformer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/config"
	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
	"meshtrack/internal/nrr"
)

// ErrInsufficientCoverage means the scans do not observe enough of the
// template to build a trustworthy identity.
var ErrInsufficientCoverage = errors.New("conformer: insufficient scan coverage")

// Scan is one capture of the subject, in any expression.
type Scan struct {
	Name   string
	Target nrr.Target
}

// Options configures conforming.
type Options struct {
	Rounds            int
	MinScans          int
	MinCoverage       float64
	LaplacianWeight   float64
	OffsetPrior       float64
	ParallelScans     int
	CoverageThreshold float64
	Registration      nrr.Options
	Solver            nls.Options

	// Progress, when set, is called after every completed step.
	Progress func(done, total int)
}

// OptionsFromConfig maps the conformer, registration and solver sections.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	solver, err := nls.OptionsFromConfig(cfg.Solver)
	if err != nil {
		return Options{}, err
	}
	c := cfg.Conformer
	return Options{
		Rounds:            c.Rounds,
		MinScans:          c.MinScans,
		MinCoverage:       c.MinCoverage,
		LaplacianWeight:   c.LaplacianWeight,
		OffsetPrior:       c.OffsetPrior,
		ParallelScans:     c.ParallelScans,
		CoverageThreshold: c.CoverageThreshold,
		Registration:      nrr.OptionsFromConfig(cfg.Registration, solver),
		Solver:            solver,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.Rounds < 1 {
		o.Rounds = 1
	}
	if o.MinScans < 1 {
		o.MinScans = 1
	}
	if o.ParallelScans < 1 {
		o.ParallelScans = 1
	}
	if o.CoverageThreshold <= 0 {
		o.CoverageThreshold = o.Registration.MaxCorrespondenceDistance
	}
	// Identity offsets are solved jointly, never per scan.
	o.Registration.SolveOffsets = false
	return o
}

// ScanResult is the final expression fit of one scan.
type ScanResult struct {
	Name   string     `json:"name"`
	State  mesh.State `json:"state"`
	Report nrr.Report `json:"report"`
	Used   bool       `json:"used"`
}

// Report summarises a conform run.
type Report struct {
	Subject      string        `json:"subject"`
	Rounds       int           `json:"rounds"`
	Scans        []ScanResult  `json:"scans"`
	Coverage     float64       `json:"coverage"`
	IdentityCost float64       `json:"identity_cost"`
	MaxOffset    float64       `json:"max_offset"`
	Duration     time.Duration `json:"duration"`
}

// Conformer produces identity meshes.
type Conformer struct {
	opts   Options
	engine *nrr.Engine
	log    *slog.Logger
}

// New builds a conformer.
func New(opts Options, logger *slog.Logger) *Conformer {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Conformer{
		opts:   opts,
		engine: nrr.NewEngine(opts.Registration, logger),
		log:    logger,
	}
}

// Conform fits template to the scans and returns the subject's identity
// mesh: the template's topology, basis and landmarks with a new neutral.
// The expression of each scan is discarded.
func (c *Conformer) Conform(ctx context.Context, subjectID string, template *mesh.Mesh, scans []Scan) (*mesh.Mesh, Report, error) {
	start := time.Now()
	rep := Report{Subject: subjectID}
	o := c.opts

	usable := 0
	for i, s := range scans {
		if err := s.Target.Validate(template); err != nil {
			return nil, rep, fmt.Errorf("scan %d (%s): %w", i, s.Name, err)
		}
		if !s.Target.Cloud.Empty() || len(s.Target.Landmarks) > 0 {
			usable++
		}
	}
	if usable < o.MinScans {
		return nil, rep, fmt.Errorf("%w: %d usable scans, need %d", ErrInsufficientCoverage, usable, o.MinScans)
	}

	nv := template.VertexCount()
	offsets := make([]r3.Vec, nv)
	states := make([]mesh.State, len(scans))
	for i := range states {
		states[i] = mesh.NeutralState(template)
	}
	results := make([]ScanResult, len(scans))
	total := 2 * o.Rounds
	step := 0

	for round := 0; round < o.Rounds; round++ {
		identity, err := withOffsets(template, subjectID, offsets)
		if err != nil {
			return nil, rep, err
		}
		if err := c.registerScans(ctx, identity, scans, states, results); err != nil {
			return nil, rep, err
		}
		step++
		c.progress(step, total)

		used := 0
		for _, r := range results {
			if r.Used {
				used++
			}
		}
		if used < o.MinScans {
			return nil, rep, fmt.Errorf("%w: %d scans registered, need %d", ErrInsufficientCoverage, used, o.MinScans)
		}

		next, cost, err := c.solveIdentity(ctx, template, offsets, scans, states, results)
		if err != nil {
			return nil, rep, fmt.Errorf("identity solve round %d: %w", round, err)
		}
		change := maxDisplacement(offsets, next)
		offsets = next
		rep.IdentityCost = cost
		rep.Rounds++
		step++
		c.progress(step, total)
		c.log.Info("conform round complete",
			"subject", subjectID,
			"round", round,
			"scans", used,
			"identity_cost", cost,
			"offset_change", change)
		if change < 1e-9 {
			break
		}
	}

	identity, err := withOffsets(template, subjectID, offsets)
	if err != nil {
		return nil, rep, err
	}
	rep.Coverage = c.coverage(identity, scans, states, results)
	rep.Scans = results
	rep.MaxOffset = maxDisplacement(offsets, make([]r3.Vec, nv))
	rep.Duration = time.Since(start)
	if rep.Coverage < o.MinCoverage {
		return nil, rep, fmt.Errorf("%w: %.1f%% of vertices observed, need %.1f%%", ErrInsufficientCoverage, 100*rep.Coverage, 100*o.MinCoverage)
	}
	return identity, rep, nil
}

// registerScans fits each scan's expression against the current identity in
// parallel. Scans the engine cannot register are marked unused for the round.
func (c *Conformer) registerScans(ctx context.Context, identity *mesh.Mesh, scans []Scan, states []mesh.State, results []ScanResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.ParallelScans)
	for i := range scans {
		g.Go(func() error {
			s := scans[i]
			results[i] = ScanResult{Name: s.Name, State: states[i]}
			if s.Target.Cloud.Empty() && len(s.Target.Landmarks) == 0 {
				return nil
			}
			state, rep, err := c.engine.Register(gctx, identity, s.Target, states[i], nil)
			if errors.Is(err, nls.ErrDegenerate) {
				c.log.Warn("scan skipped", "scan", s.Name, "error", err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("scan %s: %w", s.Name, err)
			}
			states[i] = state
			results[i] = ScanResult{Name: s.Name, State: state, Report: rep, Used: true}
			return nil
		})
	}
	return g.Wait()
}

// coverage is the fraction of vertices observed by at least one used scan
// within the coverage threshold.
func (c *Conformer) coverage(identity *mesh.Mesh, scans []Scan, states []mesh.State, results []ScanResult) float64 {
	opts := c.opts.Registration
	opts.MaxCorrespondenceDistance = c.opts.CoverageThreshold
	e := c.engine.WithOptions(opts)
	seen := make([]bool, identity.VertexCount())
	for i, s := range scans {
		if !results[i].Used {
			continue
		}
		for v, ok := range e.CoveredVertices(identity, states[i], s.Target) {
			seen[v] = seen[v] || ok
		}
		for _, lm := range s.Target.Landmarks {
			seen[lm.Vertex] = true
		}
	}
	n := 0
	for _, ok := range seen {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(seen))
}

func (c *Conformer) progress(done, total int) {
	if c.opts.Progress != nil {
		c.opts.Progress(done, total)
	}
}

func withOffsets(template *mesh.Mesh, name string, offsets []r3.Vec) (*mesh.Mesh, error) {
	neutral := template.NeutralPositions()
	for v := range neutral {
		neutral[v] = r3.Add(neutral[v], offsets[v])
	}
	return template.WithNeutral(name, neutral)
}

func maxDisplacement(a, b []r3.Vec) float64 {
	var d float64
	for i := range a {
		if n := r3.Norm(r3.Sub(a[i], b[i])); n > d {
			d = n
		}
	}
	return d
}
