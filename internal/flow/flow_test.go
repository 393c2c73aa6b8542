package flow

import (
	"context"
	"errors"
	"math"
	"testing"

	"meshtrack/internal/capture"
	"meshtrack/internal/gpu"
)

func pattern(x, y float64) float64 {
	return 0.5 + 0.25*math.Sin(0.3*x) + 0.2*math.Cos(0.25*y+0.1*x)
}

func synthImage(w, h int, dx, dy float64) *capture.Image {
	im := capture.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Set(x, y, pattern(float64(x)-dx, float64(y)-dy))
		}
	}
	return im
}

func TestTrackRecoversTranslation(t *testing.T) {
	const dx, dy = 1.5, -1.0
	src := synthImage(64, 64, 0, 0)
	dst := synthImage(64, 64, dx, dy)

	pool := gpu.NewCPUPool(2, 16, nil)
	defer pool.Close()
	tr := NewTracker(Options{
		Levels:          2,
		WindowRadius:    4,
		Iterations:      10,
		MinConfidence:   0,
		DecayPerFrame:   1,
		ForwardBackward: true,
		FBThreshold:     0.5,
		GridStride:      8,
		BandRows:        2,
	}, pool, nil)

	f, err := tr.Track(context.Background(), src, dst, 0, 1)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	var checked, good int
	for _, e := range f.Entries() {
		p := f.SourcePoint(e.Source)
		if p.X < 8 || p.Y < 8 || p.X > 52 || p.Y > 52 {
			continue
		}
		checked++
		if e.Valid && math.Abs(e.Target.X-p.X-dx) < 0.2 && math.Abs(e.Target.Y-p.Y-dy) < 0.2 {
			good++
		}
	}
	if checked == 0 || good*2 < checked {
		t.Fatalf("expected most interior samples to recover the shift, got %d/%d", good, checked)
	}
}

func TestConfidenceDecaysWithFrameDistance(t *testing.T) {
	im := synthImage(32, 32, 0, 0)
	tr := NewTracker(Options{Levels: 1, WindowRadius: 3, DecayPerFrame: 0.5, GridStride: 4}, nil, nil)
	near, err := tr.Track(context.Background(), im, im, 4, 5)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	far, err := tr.Track(context.Background(), im, im, 2, 5)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	for i := 0; i < near.Len(); i++ {
		a, b := near.Entry(i), far.Entry(i)
		if !a.Valid {
			continue
		}
		if math.Abs(b.Confidence-a.Confidence/4) > 1e-9 {
			t.Fatalf("entry %d: expected far confidence %v, got %v", i, a.Confidence/4, b.Confidence)
		}
		if a.Confidence > 0.5+1e-12 {
			t.Fatalf("entry %d: confidence %v exceeds one-frame decay", i, a.Confidence)
		}
	}
}

func TestFlatImageHasNoValidEntries(t *testing.T) {
	im := capture.NewImage(16, 16)
	tr := NewTracker(Options{Levels: 1, GridStride: 4, MinConfidence: 0.1}, nil, nil)
	f, err := tr.Track(context.Background(), im, im, 0, 1)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if st := f.Stats(); st.Valid != 0 {
		t.Fatalf("expected no valid entries on a textureless image, got %d", st.Valid)
	}
}

func TestNewFieldValidatesIndices(t *testing.T) {
	_, err := NewField(0, 1, 4, 4, 4, 4, 1, []Correspondence{{Source: 16}})
	if !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange for source, got %v", err)
	}
	_, err = NewField(0, 1, 4, 4, 4, 4, 1, []Correspondence{{Source: 0, Valid: true, Target: capture.Point2{X: 5}}})
	if !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange for target, got %v", err)
	}
	if _, err := NewField(0, 1, 4, 4, 4, 4, 1, []Correspondence{{Source: 3, Target: capture.Point2{X: -9}}}); err != nil {
		t.Fatalf("invalid entries may point anywhere, got %v", err)
	}
}

func TestAdvectInterpolatesDisplacement(t *testing.T) {
	var entries []Correspondence
	for gy := 0; gy < 3; gy++ {
		for gx := 0; gx < 3; gx++ {
			x, y := gx*2, gy*2
			entries = append(entries, Correspondence{
				Source:     y*6 + x,
				Target:     capture.Point2{X: float64(x) + 0.5, Y: float64(y) + 0.25},
				Confidence: 0.8,
				Valid:      true,
			})
		}
	}
	f, err := NewField(0, 1, 6, 6, 8, 8, 2, entries)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	out, conf := f.Advect([]capture.Point2{{X: 1, Y: 3}, {X: 30, Y: 30}})
	if math.Abs(out[0].X-1.5) > 1e-12 || math.Abs(out[0].Y-3.25) > 1e-12 {
		t.Fatalf("unexpected advected point %+v", out[0])
	}
	if math.Abs(conf[0]-0.8) > 1e-12 {
		t.Fatalf("expected confidence 0.8, got %v", conf[0])
	}
	if conf[1] != 0 || out[1].X != 30 {
		t.Fatalf("expected point outside the field to stay put with zero confidence")
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
	src := synthImage(32, 32, 0, 0)
	dst := synthImage(32, 32, 1, 0)

	strict := NewTracker(Options{Levels: 1, GridStride: 4}, exhausted{}, nil)
	if _, err := strict.Track(context.Background(), src, dst, 0, 1); !errors.Is(err, gpu.ErrExhausted) {
		t.Fatalf("expected ErrExhausted without degraded mode, got %v", err)
	}

	lenient := NewTracker(Options{Levels: 1, GridStride: 4, Degrade: true}, exhausted{}, nil)
	f, err := lenient.Track(context.Background(), src, dst, 0, 1)
	if err != nil {
		t.Fatalf("degraded track: %v", err)
	}
	if f.Stride != 8 || f.Len() != 16 {
		t.Fatalf("expected a coarser 4x4 grid, got stride %d with %d entries", f.Stride, f.Len())
	}
}
