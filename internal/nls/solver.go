package nls

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"meshtrack/internal/config"
)

// Termination explains why Solve stopped.
type Termination int

const (
	TerminationConverged Termination = iota
	TerminationMaxIterations
	TerminationTimeBudget
	TerminationNoProgress
)

func (t Termination) String() string {
	switch t {
	case TerminationConverged:
		return "converged"
	case TerminationMaxIterations:
		return "max_iterations"
	case TerminationTimeBudget:
		return "time_budget"
	case TerminationNoProgress:
		return "no_progress"
	default:
		return fmt.Sprintf("termination(%d)", int(t))
	}
}

// Options controls the Levenberg-Marquardt loop.
type Options struct {
	MaxIterations      int
	TimeBudget         time.Duration // zero disables the wall-clock budget
	FunctionTolerance  float64       // relative cost decrease
	ParameterTolerance float64       // relative step norm
	GradientTolerance  float64       // max-norm of the gradient
	RankTolerance      float64       // min/max eigenvalue ratio of J^T J
	InitialDamping     float64
	DampingIncrease    float64
	DampingDecrease    float64
	MinDamping         float64
	MaxDamping         float64
	MaxStepRetries     int
	DenseThreshold     int // problems with at most this many unknowns use Cholesky
	CGMaxIterations    int
	CGTolerance        float64
	Loss               Loss // default kernel for blocks without their own
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	opts, _ := OptionsFromConfig(config.Default().Solver)
	return opts
}

// OptionsFromConfig converts the solver configuration section.
func OptionsFromConfig(c config.Solver) (Options, error) {
	loss, err := NewLoss(c.Loss, c.LossScale)
	if err != nil {
		return Options{}, err
	}
	return Options{
		MaxIterations:      c.MaxIterations,
		TimeBudget:         time.Duration(c.TimeBudgetMS) * time.Millisecond,
		FunctionTolerance:  c.FunctionTolerance,
		ParameterTolerance: c.ParameterTolerance,
		GradientTolerance:  c.GradientTolerance,
		RankTolerance:      c.RankTolerance,
		InitialDamping:     c.InitialDamping,
		DampingIncrease:    c.DampingIncrease,
		DampingDecrease:    c.DampingDecrease,
		MinDamping:         c.MinDamping,
		MaxDamping:         c.MaxDamping,
		MaxStepRetries:     c.MaxStepRetries,
		DenseThreshold:     c.DenseThreshold,
		CGMaxIterations:    c.CGMaxIterations,
		CGTolerance:        c.CGTolerance,
		Loss:               loss,
	}, nil
}

// Summary reports solver diagnostics.
type Summary struct {
	Iterations   int                `json:"iterations"`
	InitialCost  float64            `json:"initial_cost"`
	FinalCost    float64            `json:"final_cost"`
	TermCosts    map[string]float64 `json:"term_costs"`
	Converged    bool               `json:"converged"`
	Termination  Termination        `json:"-"`
	Reason       string             `json:"termination"`
	Duration     time.Duration      `json:"duration"`
	Parameters   int                `json:"parameters"`
	Residuals    int                `json:"residuals"`
	LinearSolver string             `json:"linear_solver"`
}

type linearSystem interface {
	solve(g []float64, lambda float64) ([]float64, bool)
}

// Solve minimizes the problem starting from x. On success x holds the
// solution. Convergence needs both the relative cost decrease and the
// relative step below their tolerances, or a vanishing gradient. When the
// iteration or time budget runs out, or no step decreases the cost, x holds
// the best state found and Summary.Converged is false. A residual evaluation
// error that prevents every trial step is returned. Cancellation of ctx is
// checked at every iteration boundary and leaves x untouched.
func Solve(ctx context.Context, p *Problem, x []float64, opts Options) (Summary, error) {
	start := time.Now()
	sum := Summary{Parameters: p.n, Residuals: p.nres}
	if len(x) != p.n {
		return sum, fmt.Errorf("nls: initial guess has %d values, problem has %d unknowns", len(x), p.n)
	}
	if p.nres == 0 {
		return sum, fmt.Errorf("%w: no residuals", ErrDegenerate)
	}
	opts = withDefaults(opts)

	cur := make([]float64, p.n)
	copy(cur, x)
	p.project(cur)

	ev, err := p.evaluate(cur, opts.Loss, true)
	if err != nil {
		return sum, err
	}
	sum.InitialCost = ev.cost
	dense := p.n <= opts.DenseThreshold
	if dense {
		sum.LinearSolver = "dense_cholesky"
	} else {
		sum.LinearSolver = "jacobi_pcg"
	}

	for _, d := range ev.jac.ColumnNorms2() {
		if d == 0 {
			return sum, fmt.Errorf("%w: a variable is not constrained by any residual", ErrDegenerate)
		}
	}

	lambda := opts.InitialDamping
	sum.Termination = TerminationMaxIterations
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if opts.TimeBudget > 0 && time.Since(start) > opts.TimeBudget {
			sum.Termination = TerminationTimeBudget
			break
		}

		g := ev.gradient()
		if floats.Norm(g, math.Inf(1)) <= opts.GradientTolerance {
			sum.Termination = TerminationConverged
			break
		}

		var sys linearSystem
		if dense {
			ds := newDenseSystem(ev)
			if iter == 0 {
				if err := ds.checkRank(opts.RankTolerance); err != nil {
					return sum, err
				}
			}
			sys = ds
		} else {
			sys = newSparseSystem(ev, opts.CGMaxIterations, opts.CGTolerance)
		}

		accepted := false
		done := false
		stationary, measured := false, false
		var trialErr error
		for try := 0; try <= opts.MaxStepRetries && lambda <= opts.MaxDamping; try++ {
			step, ok := sys.solve(g, lambda)
			if !ok {
				lambda *= opts.DampingIncrease
				continue
			}
			trial := make([]float64, p.n)
			floats.AddTo(trial, cur, step)
			p.project(trial)
			if !measured {
				measured = true
				floats.SubTo(step, trial, cur)
				stationary = floats.Norm(step, 2) <= opts.ParameterTolerance*(floats.Norm(cur, 2)+opts.ParameterTolerance)
			}

			tev, err := p.evaluate(trial, opts.Loss, false)
			if err != nil {
				trialErr = err
				lambda *= opts.DampingIncrease
				continue
			}
			trialErr = nil
			if !(tev.cost < ev.cost) {
				lambda *= opts.DampingIncrease
				continue
			}

			floats.SubTo(step, trial, cur)
			stepNorm := floats.Norm(step, 2)
			decrease := ev.cost - tev.cost
			prevCost := ev.cost

			ev, err = p.evaluate(trial, opts.Loss, true)
			if err != nil {
				return sum, err
			}
			cur = trial
			accepted = true
			sum.Iterations++
			lambda = math.Max(lambda/opts.DampingDecrease, opts.MinDamping)

			if decrease <= opts.FunctionTolerance*prevCost &&
				stepNorm <= opts.ParameterTolerance*(floats.Norm(cur, 2)+opts.ParameterTolerance) {
				done = true
			}
			break
		}
		if done {
			sum.Termination = TerminationConverged
			break
		}
		if !accepted {
			if trialErr != nil {
				return sum, fmt.Errorf("nls: evaluate trial step at iteration %d: %w", iter, trialErr)
			}
			// No damping level decreases the cost. When the first trial step
			// was already below the parameter tolerance x is stationary to
			// working precision, otherwise the solve is stuck.
			if stationary {
				sum.Termination = TerminationConverged
			} else {
				sum.Termination = TerminationNoProgress
			}
			break
		}
	}

	copy(x, cur)
	sum.FinalCost = ev.cost
	sum.TermCosts = ev.termCost
	sum.Converged = sum.Termination == TerminationConverged
	sum.Reason = sum.Termination.String()
	sum.Duration = time.Since(start)
	return sum, nil
}

func withDefaults(o Options) Options {
	d := Options{
		MaxIterations:      50,
		FunctionTolerance:  1e-10,
		ParameterTolerance: 1e-10,
		GradientTolerance:  1e-12,
		RankTolerance:      1e-12,
		InitialDamping:     1e-4,
		DampingIncrease:    10,
		DampingDecrease:    3,
		MinDamping:         1e-12,
		MaxDamping:         1e12,
		MaxStepRetries:     10,
		DenseThreshold:     600,
		CGMaxIterations:    500,
		CGTolerance:        1e-10,
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.FunctionTolerance <= 0 {
		o.FunctionTolerance = d.FunctionTolerance
	}
	if o.ParameterTolerance <= 0 {
		o.ParameterTolerance = d.ParameterTolerance
	}
	if o.GradientTolerance <= 0 {
		o.GradientTolerance = d.GradientTolerance
	}
	if o.RankTolerance <= 0 {
		o.RankTolerance = d.RankTolerance
	}
	if o.InitialDamping <= 0 {
		o.InitialDamping = d.InitialDamping
	}
	if o.DampingIncrease <= 1 {
		o.DampingIncrease = d.DampingIncrease
	}
	if o.DampingDecrease <= 1 {
		o.DampingDecrease = d.DampingDecrease
	}
	if o.MinDamping <= 0 {
		o.MinDamping = d.MinDamping
	}
	if o.MaxDamping <= 0 {
		o.MaxDamping = d.MaxDamping
	}
	if o.MaxStepRetries <= 0 {
		o.MaxStepRetries = d.MaxStepRetries
	}
	if o.DenseThreshold <= 0 {
		o.DenseThreshold = d.DenseThreshold
	}
	if o.CGMaxIterations <= 0 {
		o.CGMaxIterations = d.CGMaxIterations
	}
	if o.CGTolerance <= 0 {
		o.CGTolerance = d.CGTolerance
	}
	return o
}
