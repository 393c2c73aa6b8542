package recon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/capture"
	"meshtrack/internal/flow"
	"meshtrack/internal/gpu"
)

func planeCamera(name string, tx float64) capture.Camera {
	ext := capture.IdentityExtrinsics()
	ext.T = [3]float64{tx, 0, 0}
	return capture.Camera{
		Name:       name,
		Intrinsics: capture.Intrinsics{Fx: 40, Fy: 40, Cx: 16, Cy: 12, Width: 32, Height: 24},
		Extrinsics: ext,
	}
}

func planeDepth(w, h int, z float64) *capture.DepthMap {
	d := capture.NewDepthMap(w, h)
	for i := range d.Depth {
		d.Depth[i] = z
	}
	return d
}

func baseOptions() Options {
	return Options{
		MinDepth:              0.1,
		MaxDepth:              3,
		Stride:                2,
		ConfidenceFloor:       0.1,
		ReprojectionThreshold: 1,
		MinOverlap:            0.05,
		EstimateNormals:       true,
	}
}

func TestBackprojectPlane(t *testing.T) {
	frame := &capture.Frame{Index: 3, Views: []capture.View{{Camera: planeCamera("front", 0), Depth: planeDepth(32, 24, 1)}}}
	r := New(baseOptions(), nil, nil, nil)
	cloud, rep, err := r.Reconstruct(context.Background(), frame)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if cloud.Len() != 16*12 {
		t.Fatalf("expected 192 points, got %d", cloud.Len())
	}
	for _, p := range cloud.Points {
		if math.Abs(p.Position.Z-1) > 1e-12 {
			t.Fatalf("expected points on z=1, got %+v", p.Position)
		}
		if !p.HasNormal || p.Normal.Z > -0.999 {
			t.Fatalf("expected normal facing the camera, got %+v", p.Normal)
		}
	}
	if rep.LowConfidence() || rep.DepthPoints != cloud.Len() {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestDepthRangeGating(t *testing.T) {
	d := planeDepth(32, 24, 5)
	frame := &capture.Frame{Views: []capture.View{{Camera: planeCamera("front", 0), Depth: d}}}
	cloud, rep, err := New(baseOptions(), nil, nil, nil).Reconstruct(context.Background(), frame)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if !cloud.Empty() || !rep.LowConfidence() {
		t.Fatalf("expected far samples to be gated, got %d points", cloud.Len())
	}
}

func TestInvalidCalibrationYieldsEmptyCloud(t *testing.T) {
	cam := planeCamera("broken", 0)
	cam.Intrinsics.Fx = 0
	frame := &capture.Frame{Views: []capture.View{{Camera: cam, Depth: planeDepth(32, 24, 1)}}}
	cloud, rep, err := New(baseOptions(), nil, nil, nil).Reconstruct(context.Background(), frame)
	if err != nil {
		t.Fatalf("expected warning, not error: %v", err)
	}
	if !cloud.Empty() || rep.SkippedViews != 1 || len(rep.Warnings) == 0 {
		t.Fatalf("expected skipped view with warning, got %+v", rep)
	}
}

func TestTriangulateRecoversPoint(t *testing.T) {
	c1 := planeCamera("a", 0)
	c2 := planeCamera("b", -0.1)
	X := r3.Vec{X: 0.05, Y: -0.02, Z: 0.8}
	a, _ := c1.Project(X)
	b, _ := c2.Project(X)
	got, ok := Triangulate(c1.ProjectionMatrix(), c2.ProjectionMatrix(), a, b)
	if !ok {
		t.Fatalf("triangulation failed")
	}
	if r3.Norm(r3.Sub(got, X)) > 1e-9 {
		t.Fatalf("expected %+v, got %+v", X, got)
	}
}

// planeMatcher reports exact stereo matches for a fronto-parallel plane.
type planeMatcher struct {
	src, dst capture.Camera
	depth    float64
	invalid  bool
}

func (m planeMatcher) Track(_ context.Context, src, dst *capture.Image, srcFrame, dstFrame int) (*flow.Field, error) {
	var entries []flow.Correspondence
	for y := 0; y < src.Height; y += 4 {
		for x := 0; x < src.Width; x += 4 {
			X := m.src.Backproject(float64(x), float64(y), m.depth)
			p, ok := m.dst.Project(X)
			e := flow.Correspondence{Source: y*src.Width + x}
			if ok && m.dst.InImage(p) && !m.invalid {
				e.Target = p
				e.Confidence = 0.9
				e.Valid = true
			}
			entries = append(entries, e)
		}
	}
	return flow.NewField(srcFrame, dstFrame, src.Width, src.Height, dst.Width, dst.Height, 4, entries)
}

func stereoFrame() *capture.Frame {
	return &capture.Frame{
		Index: 1,
		Views: []capture.View{
			{Camera: planeCamera("a", 0), Image: capture.NewImage(32, 24)},
			{Camera: planeCamera("b", -0.1), Image: capture.NewImage(32, 24)},
		},
	}
}

func TestTriangulationPath(t *testing.T) {
	frame := stereoFrame()
	m := planeMatcher{src: frame.Views[0].Camera, dst: frame.Views[1].Camera, depth: 1}
	cloud, rep, err := New(baseOptions(), m, nil, nil).Reconstruct(context.Background(), frame)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if rep.Triangulated == 0 || cloud.Len() != rep.Triangulated {
		t.Fatalf("expected triangulated points, got %+v", rep)
	}
	for _, p := range cloud.Points {
		if math.Abs(p.Position.Z-1) > 1e-6 {
			t.Fatalf("expected plane depth 1, got %+v", p.Position)
		}
	}
}

func TestInsufficientOverlapWarns(t *testing.T) {
	frame := stereoFrame()
	m := planeMatcher{src: frame.Views[0].Camera, dst: frame.Views[1].Camera, depth: 1, invalid: true}
	cloud, rep, err := New(baseOptions(), m, nil, nil).Reconstruct(context.Background(), frame)
	if err != nil {
		t.Fatalf("expected warning, not error: %v", err)
	}
	if !cloud.Empty() || len(rep.Warnings) == 0 {
		t.Fatalf("expected empty cloud with overlap warning, got %+v", rep)
	}
}

func TestDegradedDecimation(t *testing.T) {
	opts := baseOptions()
	opts.Stride = 1
	opts.MaxPoints = 100
	opts.DegradedPoints = 20
	opts.Degrade = true
	frame := &capture.Frame{Views: []capture.View{{Camera: planeCamera("front", 0), Depth: planeDepth(32, 24, 1)}}}
	cloud, rep, err := New(opts, nil, nil, nil).Reconstruct(context.Background(), frame)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if !cloud.Degraded || !rep.Degraded {
		t.Fatalf("expected degraded cloud")
	}
	if cloud.Len() == 0 || cloud.Len() > 20 {
		t.Fatalf("expected at most 20 representatives, got %d", cloud.Len())
	}
	for _, p := range cloud.Points {
		if math.Abs(p.Position.Z-1) > 1e-9 {
			t.Fatalf("cluster centroid left the plane: %+v", p.Position)
		}
	}
}

func TestCancelledReconstruction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	frame := &capture.Frame{Views: []capture.View{{Camera: planeCamera("front", 0), Depth: planeDepth(32, 24, 1)}}}
	if _, _, err := New(baseOptions(), nil, nil, nil).Reconstruct(ctx, frame); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

// exhausted rejects every dispatch.
type exhausted struct{}

func (exhausted) Name() string { return "exhausted" }
func (exhausted) Close() error { return nil }
func (exhausted) Dispatch(_ context.Context, name string, _ gpu.Kernel) *gpu.Future {
	return gpu.Failed(name, gpu.ErrExhausted)
}

func TestExhaustionPolicy(t *testing.T) {
	frame := &capture.Frame{Views: []capture.View{{Camera: planeCamera("front", 0), Depth: planeDepth(32, 24, 1)}}}

	if _, _, err := New(baseOptions(), nil, exhausted{}, nil).Reconstruct(context.Background(), frame); !errors.Is(err, gpu.ErrExhausted) {
		t.Fatalf("expected ErrExhausted without degraded mode, got %v", err)
	}

	opts := baseOptions()
	opts.Degrade = true
	opts.DegradedPoints = 10
	cloud, rep, err := New(opts, nil, exhausted{}, nil).Reconstruct(context.Background(), frame)
	if err != nil {
		t.Fatalf("degraded reconstruct: %v", err)
	}
	if !rep.Degraded || cloud.Len() == 0 || cloud.Len() > 10 {
		t.Fatalf("expected a decimated cloud, got %d points (%+v)", cloud.Len(), rep)
	}
}

// busyMatcher is a stereo matcher whose device queue is always full.
type busyMatcher struct{}

func (busyMatcher) Track(context.Context, *capture.Image, *capture.Image, int, int) (*flow.Field, error) {
	return nil, fmt.Errorf("flow.lk: %w", gpu.ErrExhausted)
}

func TestMatcherExhaustionPolicy(t *testing.T) {
	if _, _, err := New(baseOptions(), busyMatcher{}, nil, nil).Reconstruct(context.Background(), stereoFrame()); !errors.Is(err, gpu.ErrExhausted) {
		t.Fatalf("expected ErrExhausted without degraded mode, got %v", err)
	}

	opts := baseOptions()
	opts.Degrade = true
	cloud, rep, err := New(opts, busyMatcher{}, nil, nil).Reconstruct(context.Background(), stereoFrame())
	if err != nil {
		t.Fatalf("degraded reconstruct: %v", err)
	}
	if !cloud.Empty() || len(rep.Warnings) == 0 {
		t.Fatalf("expected the view skipped with a warning, got %+v", rep)
	}
}
