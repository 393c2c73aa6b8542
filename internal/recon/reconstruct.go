package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/flow"
	"meshtrack/internal/gpu"
)

// Options tunes reconstruction.
type Options struct {
	MinDepth              float64
	MaxDepth              float64
	Stride                int
	ConfidenceFloor       float64
	MaxPoints             int
	DegradedPoints        int
	ReprojectionThreshold float64
	TriangulationStride   int
	MinOverlap            float64
	EstimateNormals       bool
	Degrade               bool
	BandRows              int
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	r := cfg.Reconstruction
	return Options{
		MinDepth:              r.MinDepth,
		MaxDepth:              r.MaxDepth,
		Stride:                r.Stride,
		ConfidenceFloor:       r.ConfidenceFloor,
		MaxPoints:             r.MaxPoints,
		DegradedPoints:        r.DegradedPoints,
		ReprojectionThreshold: r.ReprojectionThreshold,
		TriangulationStride:   r.TriangulationStride,
		MinOverlap:            r.MinOverlap,
		EstimateNormals:       r.EstimateNormals,
		Degrade:               cfg.Processing.Degrade,
		BandRows:              cfg.Accelerator.BandRows,
	}
}

func (o Options) withDefaults() Options {
	if o.Stride < 1 {
		o.Stride = 1
	}
	if o.MaxDepth <= o.MinDepth {
		o.MaxDepth = math.Inf(1)
	}
	if o.TriangulationStride < 1 {
		o.TriangulationStride = 4
	}
	if o.ReprojectionThreshold <= 0 {
		o.ReprojectionThreshold = 2
	}
	if o.DegradedPoints < 1 {
		o.DegradedPoints = 2000
	}
	if o.BandRows < 1 {
		o.BandRows = 16
	}
	return o
}

// Matcher finds pixel correspondences between two simultaneous views.
type Matcher interface {
	Track(ctx context.Context, src, dst *capture.Image, srcFrame, dstFrame int) (*flow.Field, error)
}

// Reconstructor builds point clouds from frames.
type Reconstructor struct {
	opts    Options
	matcher Matcher
	acc     gpu.Accelerator
	log     *slog.Logger
}

// New creates a reconstructor. matcher is used for image-only views and may
// be nil when all views carry depth.
func New(opts Options, matcher Matcher, acc gpu.Accelerator, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{opts: opts.withDefaults(), matcher: matcher, acc: acc, log: logger}
}

// Reconstruct builds the frame's cloud. Unusable views are skipped with a
// warning; the only errors are cancellation, malformed frames and compute
// exhaustion without degraded mode.
func (r *Reconstructor) Reconstruct(ctx context.Context, frame *capture.Frame) (*PointCloud, Report, error) {
	return r.ReconstructMode(ctx, frame, false)
}

// ReconstructMode is Reconstruct with degraded processing forced on, as
// requested under memory pressure.
func (r *Reconstructor) ReconstructMode(ctx context.Context, frame *capture.Frame, degraded bool) (*PointCloud, Report, error) {
	if err := frame.Validate(); err != nil {
		return nil, Report{}, err
	}
	start := time.Now()
	rep := Report{Frame: frame.Index, Views: len(frame.Views)}
	cloud := &PointCloud{Frame: frame.Index}

	var imageOnly []int
	for i, v := range frame.Views {
		if err := ctx.Err(); err != nil {
			return nil, rep, err
		}
		if err := v.Camera.Validate(); err != nil {
			rep.SkippedViews++
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("view %d: %v", i, err))
			continue
		}
		if !v.HasDepth() {
			imageOnly = append(imageOnly, i)
			continue
		}
		pts, exhausted, err := r.backproject(ctx, i, v)
		if err != nil {
			if ctx.Err() != nil {
				return nil, rep, ctx.Err()
			}
			if errors.Is(err, gpu.ErrExhausted) {
				return nil, rep, fmt.Errorf("frame %d view %d: %w", frame.Index, i, err)
			}
			rep.SkippedViews++
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("view %d: %v", i, err))
			continue
		}
		if exhausted {
			degraded = true
		}
		rep.DepthPoints += len(pts)
		cloud.Points = append(cloud.Points, pts...)
	}

	if len(imageOnly) == 1 && rep.DepthPoints == 0 {
		rep.Warnings = append(rep.Warnings, "single image-only view cannot be triangulated")
	}
	if len(imageOnly) >= 2 {
		pts, warnings, err := r.triangulate(ctx, frame, imageOnly)
		if err != nil {
			return nil, rep, err
		}
		rep.Warnings = append(rep.Warnings, warnings...)
		rep.Triangulated = len(pts)
		cloud.Points = append(cloud.Points, pts...)
	}

	if r.opts.Degrade && (degraded || r.opts.MaxPoints > 0 && len(cloud.Points) > r.opts.MaxPoints) {
		cloud.Points = Decimate(cloud.Points, r.opts.DegradedPoints)
		cloud.Degraded = true
	} else if r.opts.MaxPoints > 0 && len(cloud.Points) > r.opts.MaxPoints {
		cloud.Points = subsample(cloud.Points, r.opts.MaxPoints)
	}

	rep.Points = cloud.Len()
	rep.Degraded = cloud.Degraded
	rep.MeanConfidence = cloud.MeanConfidence()
	if cloud.Empty() {
		rep.Warnings = append(rep.Warnings, "empty point cloud")
	}
	r.log.Debug("frame reconstructed",
		"frame", frame.Index,
		"points", rep.Points,
		"triangulated", rep.Triangulated,
		"skipped_views", rep.SkippedViews,
		"degraded", rep.Degraded,
		"duration", time.Since(start))
	return cloud, rep, nil
}

func (r *Reconstructor) backproject(ctx context.Context, viewIdx int, v capture.View) ([]Point, bool, error) {
	d := v.Depth
	cam := v.Camera
	if d.Width != cam.Intrinsics.Width || d.Height != cam.Intrinsics.Height {
		return nil, false, fmt.Errorf("%w: depth map %dx%d does not match camera %dx%d",
			capture.ErrInvalidCalibration, d.Width, d.Height, cam.Intrinsics.Width, cam.Intrinsics.Height)
	}
	o := r.opts
	s := o.Stride
	rows := (d.Height + s - 1) / s
	perRow := make([][]Point, rows)
	center := cam.Center()

	// Without a degraded mode, exhaustion is the caller's per-frame failure.
	run := gpu.RunBands
	if !o.Degrade {
		run = func(ctx context.Context, acc gpu.Accelerator, name string, n, bandRows int, fn func(lo, hi int)) (bool, error) {
			return false, gpu.ForEachBand(ctx, acc, name, n, bandRows, fn)
		}
	}
	exhausted, err := run(ctx, r.acc, "recon.backproject", rows, o.BandRows, func(lo, hi int) {
		for ry := lo; ry < hi; ry++ {
			y := ry * s
			var row []Point
			for x := 0; x < d.Width; x += s {
				z := d.At(x, y)
				if z <= 0 || z < o.MinDepth || z > o.MaxDepth {
					continue
				}
				conf := d.ConfidenceAt(x, y)
				if conf < 0 {
					conf = discontinuityConfidence(d, x, y, s)
				}
				if conf < o.ConfidenceFloor {
					continue
				}
				p := Point{Position: cam.Backproject(float64(x), float64(y), z), Confidence: conf, View: viewIdx}
				if o.EstimateNormals {
					p.Normal, p.HasNormal = depthNormal(cam, d, x, y, s, p.Position, center)
				}
				row = append(row, p)
			}
			perRow[ry] = row
		}
	})
	if err != nil {
		return nil, false, err
	}
	var out []Point
	for _, row := range perRow {
		out = append(out, row...)
	}
	return out, exhausted, nil
}

// discontinuityConfidence scores a depth sample by how smooth its
// neighbourhood is; silhouettes and mixed pixels score low.
func discontinuityConfidence(d *capture.DepthMap, x, y, s int) float64 {
	z := d.At(x, y)
	var worst float64
	for _, n := range [4][2]int{{s, 0}, {-s, 0}, {0, s}, {0, -s}} {
		zn := d.At(x+n[0], y+n[1])
		if zn <= 0 {
			continue
		}
		worst = math.Max(worst, math.Abs(zn-z))
	}
	rel := worst / (0.02 * z * float64(s))
	return 1 / (1 + rel*rel)
}

func depthNormal(cam capture.Camera, d *capture.DepthMap, x, y, s int, p, center r3.Vec) (r3.Vec, bool) {
	xn, yn := x+s, y+s
	if xn >= d.Width {
		xn = x - s
	}
	if yn >= d.Height {
		yn = y - s
	}
	zx := d.At(xn, y)
	zy := d.At(x, yn)
	if zx <= 0 || zy <= 0 {
		return r3.Vec{}, false
	}
	px := cam.Backproject(float64(xn), float64(y), zx)
	py := cam.Backproject(float64(x), float64(yn), zy)
	n := r3.Cross(r3.Sub(px, p), r3.Sub(py, p))
	if r3.Norm(n) < 1e-15 {
		return r3.Vec{}, false
	}
	n = r3.Unit(n)
	if r3.Dot(n, r3.Sub(center, p)) < 0 {
		n = r3.Scale(-1, n)
	}
	return n, true
}

func (r *Reconstructor) triangulate(ctx context.Context, frame *capture.Frame, views []int) ([]Point, []string, error) {
	if r.matcher == nil {
		return nil, []string{"no stereo matcher configured for image-only views"}, nil
	}
	ref := views[0]
	for _, i := range views {
		if i == frame.Reference {
			ref = i
		}
	}
	rv := frame.Views[ref]
	if rv.Image == nil {
		return nil, []string{fmt.Sprintf("reference view %d has no image", ref)}, nil
	}
	p1 := rv.Camera.ProjectionMatrix()

	var (
		out      []Point
		warnings []string
	)
	for _, i := range views {
		if i == ref {
			continue
		}
		ov := frame.Views[i]
		if ov.Image == nil {
			continue
		}
		field, err := r.matcher.Track(ctx, rv.Image, ov.Image, frame.Index, frame.Index)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, err
			}
			if errors.Is(err, gpu.ErrExhausted) && !r.opts.Degrade {
				return nil, nil, fmt.Errorf("frame %d view %d: matching: %w", frame.Index, i, err)
			}
			warnings = append(warnings, fmt.Sprintf("view %d: matching failed: %v", i, err))
			continue
		}
		st := field.Stats()
		if st.Entries == 0 || float64(st.Valid)/float64(st.Entries) < r.opts.MinOverlap {
			warnings = append(warnings, fmt.Sprintf("view %d: insufficient overlap with view %d (%d/%d matches)", i, ref, st.Valid, st.Entries))
			continue
		}
		p2 := ov.Camera.ProjectionMatrix()
		thr := r.opts.ReprojectionThreshold
		for k := 0; k < field.Len(); k++ {
			e := field.Entry(k)
			if !e.Valid {
				continue
			}
			a := field.SourcePoint(e.Source)
			X, ok := Triangulate(p1, p2, a, e.Target)
			if !ok {
				continue
			}
			pa, okA := rv.Camera.Project(X)
			pb, okB := ov.Camera.Project(X)
			if !okA || !okB {
				continue
			}
			errPx := math.Max(math.Hypot(pa.X-a.X, pa.Y-a.Y), math.Hypot(pb.X-e.Target.X, pb.Y-e.Target.Y))
			if errPx > thr {
				continue
			}
			conf := e.Confidence * (1 - errPx/thr)
			if conf < r.opts.ConfidenceFloor {
				continue
			}
			out = append(out, Point{Position: X, Confidence: conf, View: ref})
		}
	}
	return out, warnings, nil
}

func subsample(pts []Point, n int) []Point {
	if n <= 0 || len(pts) <= n {
		return pts
	}
	out := make([]Point, 0, n)
	step := float64(len(pts)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, pts[int(float64(i)*step)])
	}
	return out
}
