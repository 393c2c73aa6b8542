package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/flow"
	"meshtrack/internal/fsutil"
	"meshtrack/internal/gpu"
	"meshtrack/internal/logging"
	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
	"meshtrack/internal/nrr"
	"meshtrack/internal/predict"
	"meshtrack/internal/recon"
	"meshtrack/internal/rig"
)

// Options configures a Runner.
type Options struct {
	Workers         int   // frames reconstructed and tracked concurrently
	LookAhead       int   // frames in flight ahead of the ordered solve
	MinFreeMemoryMB int64 // below this, frames run degraded
	Degrade         bool

	// Frames whose coverage x cloud confidence falls below
	// LowConfidenceThreshold, or whose vertex coverage falls below
	// MinCoverage, are flagged low confidence. Zero disables either check.
	LowConfidenceThreshold float64
	MinCoverage            float64

	// Memory probes available memory; nil uses the host's.
	Memory fsutil.MemoryProbe
}

// OptionsFromConfig reads the processing section of c.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Workers:         c.Processing.FrameWorkers,
		LookAhead:       c.Processing.LookAhead,
		MinFreeMemoryMB: c.Processing.MinFreeMemoryMB,
		Degrade:         c.Processing.Degrade,

		LowConfidenceThreshold: c.Processing.LowConfidenceThreshold,
		MinCoverage:            c.Registration.MinCoverage,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.LookAhead < o.Workers {
		o.LookAhead = o.Workers
	}
	if o.Memory == nil {
		o.Memory = fsutil.AvailableMemoryMB
	}
	return o
}

// Runner processes frame streams for sessions. One Runner may serve
// several sessions, one Run at a time per session.
type Runner struct {
	opts    Options
	recon   *recon.Reconstructor
	tracker *flow.Tracker
	engine  *nrr.Engine
	log     *slog.Logger
}

// NewRunner wires the per-frame stages.
func NewRunner(opts Options, rc *recon.Reconstructor, tr *flow.Tracker, eng *nrr.Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{opts: opts.withDefaults(), recon: rc, tracker: tr, engine: eng, log: logger}
}

// job is one frame entering the parallel stage, with the frame before it.
type job struct {
	seq      int
	frame    *capture.Frame
	prev     *capture.Frame
	degraded bool
	memoryMB int64
}

// staged is a job after reconstruction and dense tracking.
type staged struct {
	job
	cloud     *recon.PointCloud
	report    recon.Report
	field     *flow.Field
	malformed error // the frame cannot be interpreted
	failure   error // the frame could not be processed
	warnings  []string
}

// tracking is the state the ordered stage carries from frame to frame.
type tracking struct {
	previous  *mesh.State
	landmarks map[string]capture.Point2
}

// Run consumes frames until the channel closes and calls emit for each in
// index order. Per-frame problems are reported through the emitted
// diagnostics. Run returns early on cancellation, a non-increasing frame
// index, a rig that does not fit the mesh, or an emit error.
func (r *Runner) Run(ctx context.Context, sess *Session, frames <-chan *capture.Frame, emit func(FrameResult) error) (Summary, error) {
	start := time.Now()
	var sum Summary
	o := r.opts

	jobs := make(chan job)
	results := make(chan staged, o.LookAhead)
	window := make(chan struct{}, o.LookAhead)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		var prev *capture.Frame
		last := math.MinInt
		for seq := 0; ; {
			var f *capture.Frame
			select {
			case <-gctx.Done():
				return gctx.Err()
			case fr, ok := <-frames:
				if !ok {
					return nil
				}
				f = fr
			}
			if f == nil {
				continue
			}
			if f.Index <= last {
				return fmt.Errorf("%w: frame %d after frame %d", ErrNonMonotonic, f.Index, last)
			}
			last = f.Index
			jb := job{seq: seq, frame: f, prev: prev}
			if o.Degrade {
				jb.degraded, jb.memoryMB = fsutil.UnderPressure(o.Memory, o.MinFreeMemoryMB)
			}
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- jb:
			case <-gctx.Done():
				return gctx.Err()
			}
			prev = f
			seq++
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < o.Workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for jb := range jobs {
				st, err := r.stage(gctx, jb)
				if err != nil {
					return err
				}
				select {
				case results <- st:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	g.Go(func() error {
		pending := make(map[int]staged)
		next := 0
		tr := &tracking{}
		for st := range results {
			pending[st.seq] = st
			for {
				cur, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				<-window
				res, err := r.solve(gctx, sess, cur, tr)
				if err != nil {
					return err
				}
				sum.add(res)
				if err := emit(res); err != nil {
					return fmt.Errorf("emit frame %d: %w", res.Frame, err)
				}
			}
		}
		return nil
	})

	err := g.Wait()
	sum.Duration = time.Since(start)
	r.log.Info("session run finished",
		"session", sess.ID,
		"frames", sum.Frames,
		"failed", sum.Failed,
		"low_confidence", sum.LowConfidence,
		"fallbacks", sum.Fallbacks,
		"degraded", sum.Degraded,
		"duration", sum.Duration,
		"error", err)
	return sum, err
}

// stage reconstructs the frame and tracks the reference view from the
// previous frame. Only cancellation is returned as an error.
func (r *Runner) stage(ctx context.Context, jb job) (staged, error) {
	st := staged{job: jb}
	if jb.degraded {
		st.warnings = append(st.warnings, fmt.Sprintf("memory pressure: %d MB available", jb.memoryMB))
	}
	if err := jb.frame.Validate(); err != nil {
		st.malformed = err
		return st, nil
	}

	cloud, rep, err := r.recon.ReconstructMode(ctx, jb.frame, jb.degraded)
	if err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		st.failure = fmt.Errorf("reconstruction: %w", err)
		return st, nil
	}
	st.cloud, st.report = cloud, rep
	st.warnings = append(st.warnings, rep.Warnings...)

	if jb.prev == nil {
		return st, nil
	}
	src, okSrc := jb.prev.ReferenceView()
	dst, okDst := jb.frame.ReferenceView()
	if !okSrc || !okDst || src.Image == nil || dst.Image == nil {
		st.warnings = append(st.warnings, "no reference images to track")
		return st, nil
	}
	field, err := r.tracker.TrackMode(ctx, src.Image, dst.Image, jb.prev.Index, jb.frame.Index, jb.degraded)
	switch {
	case err == nil:
		st.field = field
	case ctx.Err() != nil:
		return st, ctx.Err()
	case errors.Is(err, gpu.ErrExhausted):
		st.failure = fmt.Errorf("tracking: %w", err)
	default:
		st.warnings = append(st.warnings, fmt.Sprintf("tracking: %v", err))
	}
	return st, nil
}

// solve runs the sequential part of a frame: landmarks, initial guess,
// registration and rig mapping.
func (r *Runner) solve(ctx context.Context, sess *Session, st staged, tr *tracking) (FrameResult, error) {
	start := time.Now()
	f := st.frame
	diag := Diagnostics{
		Frame:    f.Index,
		Points:   st.cloud.Len(),
		Degraded: st.degraded || st.report.Degraded,
		Warnings: st.warnings,
	}
	if st.field != nil {
		diag.Correspondences = st.field.Stats().Valid
	}
	res := FrameResult{SessionID: sess.ID, Frame: f.Index}

	if st.failure != nil {
		g := sess.initializer.Fallback(tr.previous, st.failure.Error())
		diag.Failure = st.failure.Error()
		diag.Fallback = g.Source
		logging.LogFrameFallback(r.log, sess.ID, f.Index, string(g.Source), st.failure)
		return r.finish(ctx, sess, res, g.State, 0, diag, true, start)
	}
	if st.malformed != nil {
		g := sess.initializer.Fallback(tr.previous, st.malformed.Error())
		diag.Fallback = g.Source
		diag.LowConfidence = true
		diag.warn("malformed frame: %v", st.malformed)
		logging.LogFrameFallback(r.log, sess.ID, f.Index, string(g.Source), st.malformed)
		return r.finish(ctx, sess, res, g.State, 0, diag, false, start)
	}

	lm2 := r.trackLandmarks(f, st.field, tr, &diag)
	guess, err := sess.initializer.Guess(ctx, predict.Observation{Frame: f.Index, Landmarks: lm2}, tr.previous)
	if err != nil {
		return res, err
	}
	diag.InitSource = guess.Source

	target := nrr.Target{Cloud: st.cloud, Landmarks: LiftLandmarks(sess.identity, f, lm2)}
	diag.Landmarks = len(target.Landmarks)
	if st.cloud.Empty() && len(target.Landmarks) == 0 {
		diag.Fallback = guess.Source
		diag.LowConfidence = true
		diag.warn("nothing to register against")
		logging.LogFrameFallback(r.log, sess.ID, f.Index, string(guess.Source), errors.New("empty point cloud"))
		return r.finish(ctx, sess, res, guess.State, 0, diag, false, start)
	}

	state, rep, err := r.engine.Register(ctx, sess.identity, target, guess.State, tr.previous)
	diag.Iterations = rep.Iterations
	diag.InitialCost = rep.InitialCost
	diag.FinalCost = rep.FinalCost
	diag.Converged = rep.Converged
	diag.Termination = rep.Termination
	diag.Coverage = rep.Coverage
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(err, mesh.ErrDimensionMismatch):
		return res, fmt.Errorf("frame %d: %w", f.Index, err)
	case errors.Is(err, nls.ErrDegenerate), errors.Is(err, nrr.ErrInvalidTarget):
		g := sess.initializer.Fallback(tr.previous, err.Error())
		diag.Fallback = g.Source
		diag.LowConfidence = true
		diag.warn("registration: %v", err)
		logging.LogFrameFallback(r.log, sess.ID, f.Index, string(g.Source), err)
		return r.finish(ctx, sess, res, g.State, 0, diag, false, start)
	default:
		g := sess.initializer.Fallback(tr.previous, err.Error())
		diag.Fallback = g.Source
		diag.Failure = err.Error()
		logging.LogFrameFallback(r.log, sess.ID, f.Index, string(g.Source), err)
		return r.finish(ctx, sess, res, g.State, 0, diag, true, start)
	}

	if !rep.Converged {
		// a best-effort state is replaced by the initial guess
		diag.Fallback = guess.Source
		diag.LowConfidence = true
		diag.warn("registration stopped without converging: %s", rep.Termination)
		logging.LogFrameFallback(r.log, sess.ID, f.Index, string(guess.Source), fmt.Errorf("registration terminated by %s", rep.Termination))
		return r.finish(ctx, sess, res, guess.State, 0, diag, false, start)
	}

	confidence := rep.Coverage
	if !st.cloud.Empty() {
		confidence *= st.cloud.MeanConfidence()
	}
	confidence = math.Max(0, math.Min(1, confidence))
	diag.LowConfidence = st.report.LowConfidence() || diag.Degraded
	if confidence < r.opts.LowConfidenceThreshold {
		diag.LowConfidence = true
		diag.warn("confidence %.3f below %.3f", confidence, r.opts.LowConfidenceThreshold)
	}
	if rep.Coverage < r.opts.MinCoverage {
		diag.LowConfidence = true
		diag.warn("coverage %.3f below %.3f", rep.Coverage, r.opts.MinCoverage)
	}
	solved := state.Clone()
	tr.previous = &solved
	logging.LogFrameSolved(r.log, sess.ID, f.Index, rep.Iterations, rep.FinalCost, rep.Converged, rep.Duration)
	return r.finish(ctx, sess, res, state, confidence, diag, false, start)
}

// finish maps the frame's state to the rig. Rig topology errors and
// cancellation end the run.
func (r *Runner) finish(ctx context.Context, sess *Session, res FrameResult, s mesh.State, confidence float64, diag Diagnostics, failed bool, start time.Time) (FrameResult, error) {
	out, err := sess.morpher.Morph(ctx, res.Frame, s, confidence, diag.LowConfidence || failed)
	if err != nil {
		if errors.Is(err, rig.ErrTopologyMismatch) {
			return res, fmt.Errorf("frame %d: %w", res.Frame, err)
		}
		return res, err
	}
	if failed {
		out.Valid = false
	}
	diag.LowConfidence = out.LowConfidence
	diag.Duration = time.Since(start)
	res.State = s
	res.Output = out
	res.Diagnostics = diag
	res.Failed = failed
	logging.LogStage(r.log, sess.ID, res.Frame, "solve", diag.Duration, map[string]any{
		"points":         diag.Points,
		"landmarks":      diag.Landmarks,
		"low_confidence": diag.LowConfidence,
		"failed":         failed,
	})
	return res, nil
}

// trackLandmarks returns the frame's 2D landmarks: the detected ones when
// the frame carries any, otherwise the previous frame's advected through the
// flow field.
func (r *Runner) trackLandmarks(f *capture.Frame, field *flow.Field, tr *tracking, diag *Diagnostics) map[string]capture.Point2 {
	if len(f.Landmarks) > 0 {
		tr.landmarks = f.Landmarks
		return f.Landmarks
	}
	if field == nil || len(tr.landmarks) == 0 {
		tr.landmarks = nil
		return nil
	}
	names := make([]string, 0, len(tr.landmarks))
	pts := make([]capture.Point2, 0, len(tr.landmarks))
	for n, p := range tr.landmarks {
		names = append(names, n)
		pts = append(pts, p)
	}
	moved, conf := field.Advect(pts)
	out := make(map[string]capture.Point2, len(names))
	for i, n := range names {
		if conf[i] > 0 {
			out[n] = moved[i]
		}
	}
	if lost := len(names) - len(out); lost > 0 {
		diag.warn("%d landmarks lost by tracking", lost)
	}
	tr.landmarks = out
	return out
}

// LiftLandmarks lifts 2D landmarks into world space through the reference
// view's depth. Landmarks without depth or without a mesh vertex are
// dropped.
func LiftLandmarks(m *mesh.Mesh, f *capture.Frame, pts map[string]capture.Point2) []nrr.Landmark {
	v, ok := f.ReferenceView()
	if !ok || v.Depth == nil || len(pts) == 0 {
		return nil
	}
	var out []nrr.Landmark
	for _, name := range m.LandmarkNames() {
		p, ok := pts[name]
		if !ok {
			continue
		}
		vertex, _ := m.Landmark(name)
		z := v.Depth.At(int(math.Round(p.X)), int(math.Round(p.Y)))
		if z <= 0 || math.IsNaN(z) || math.IsInf(z, 0) {
			continue
		}
		out = append(out, nrr.Landmark{
			Name:     name,
			Vertex:   vertex,
			Position: v.Camera.Backproject(p.X, p.Y, z),
		})
	}
	return out
}
