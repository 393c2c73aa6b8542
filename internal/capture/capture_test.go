package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

func testCamera() Camera {
	return Camera{
		Name:       "front",
		Intrinsics: Intrinsics{Fx: 500, Fy: 500, Cx: 32, Cy: 24, Width: 64, Height: 48},
		Extrinsics: IdentityExtrinsics(),
	}
}

func TestProjectBackprojectRoundTrip(t *testing.T) {
	cam := testCamera()
	cam.Extrinsics.T = [3]float64{0.1, -0.05, 0.2}
	p := r3.Vec{X: 0.01, Y: 0.02, Z: 0.5}
	px, ok := cam.Project(p)
	if !ok {
		t.Fatalf("expected point in front of camera")
	}
	depth := cam.ToCamera(p).Z
	back := cam.Backproject(px.X, px.Y, depth)
	if r3.Norm(r3.Sub(back, p)) > 1e-12 {
		t.Fatalf("round trip mismatch: got %+v want %+v", back, p)
	}
	if _, ok := cam.Project(r3.Vec{Z: -1}); ok {
		t.Fatalf("expected point behind camera to be rejected")
	}
}

func TestProjectionMatrixMatchesProject(t *testing.T) {
	cam := testCamera()
	cam.Extrinsics.T = [3]float64{0.05, 0, 0.1}
	p := r3.Vec{X: -0.02, Y: 0.01, Z: 0.6}
	want, _ := cam.Project(p)

	var h mat.VecDense
	h.MulVec(cam.ProjectionMatrix(), mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1}))
	got := Point2{X: h.AtVec(0) / h.AtVec(2), Y: h.AtVec(1) / h.AtVec(2)}
	if math.Abs(got.X-want.X) > 1e-9 || math.Abs(got.Y-want.Y) > 1e-9 {
		t.Fatalf("projection matrix disagrees: %+v vs %+v", got, want)
	}
}

func TestCameraValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Camera)
		ok     bool
	}{
		{"valid", func(*Camera) {}, true},
		{"zero focal", func(c *Camera) { c.Intrinsics.Fx = 0 }, false},
		{"nan focal", func(c *Camera) { c.Intrinsics.Fy = math.NaN() }, false},
		{"empty image", func(c *Camera) { c.Intrinsics.Width = 0 }, false},
		{"zero rotation", func(c *Camera) { c.Extrinsics.R = [9]float64{} }, false},
		{"reflection", func(c *Camera) { c.Extrinsics.R[8] = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := testCamera()
			tt.mutate(&cam)
			err := cam.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid camera, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidCalibration) {
				t.Fatalf("expected ErrInvalidCalibration, got %v", err)
			}
		})
	}
}

func TestImageSamplingAndPyramid(t *testing.T) {
	im := NewImage(4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			im.Set(x, y, float64(x))
		}
	}
	if v := im.Sample(1.5, 2); math.Abs(v-1.5) > 1e-12 {
		t.Fatalf("expected bilinear 1.5, got %v", v)
	}
	if gx, gy := im.Gradient(1, 1); gx != 1 || gy != 0 {
		t.Fatalf("unexpected gradient %v %v", gx, gy)
	}
	half := im.Downsample()
	if half.Width != 2 || math.Abs(half.At(1, 0)-2.5) > 1e-12 {
		t.Fatalf("unexpected downsample %+v", half)
	}
}

func TestFromImageUsesLightness(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.RGBA{0, 0, 0, 255})
	src.Set(1, 0, color.RGBA{255, 255, 255, 255})
	im := FromImage(src)
	if im.At(0, 0) > 1e-9 || math.Abs(im.At(1, 0)-1) > 1e-6 {
		t.Fatalf("expected black=0 white=1, got %v %v", im.At(0, 0), im.At(1, 0))
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestLoaderAndStream(t *testing.T) {
	dir := t.TempDir()
	cam := testCamera()
	if err := WriteSession(dir, &SessionManifest{
		ID:         "s1",
		Subject:    "alice",
		Cameras:    map[string]Camera{"front": cam},
		Reference:  "front",
		DepthScale: 0.001,
	}); err != nil {
		t.Fatalf("write session: %v", err)
	}

	gray := image.NewGray(image.Rect(0, 0, 64, 48))
	depth := image.NewGray16(image.Rect(0, 0, 64, 48))
	for i := range depth.Pix {
		depth.Pix[i] = 0x01 // 0x0101 = 257 units
	}
	writePNG(t, filepath.Join(dir, "img.png"), gray)
	writePNG(t, filepath.Join(dir, "depth.png"), depth)

	for i := 2; i >= 0; i-- {
		if err := WriteFrame(dir, &FrameManifest{
			Index: i,
			Views: []ViewManifest{{Camera: "front", Image: "img.png", Depth: "depth.png"}},
			Landmarks: map[string]Point2{
				"nose": {X: 32, Y: 24},
			},
		}); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	l, err := NewLoader(dir, 0.01)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	if l.DepthScale != 0.001 {
		t.Fatalf("expected session depth scale to win, got %v", l.DepthScale)
	}

	frames, err := Stream(context.Background(), l, false, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var got []int
	for f := range frames {
		got = append(got, f.Index)
		if d := f.Views[0].Depth.At(3, 3); math.Abs(d-0.257) > 1e-9 {
			t.Fatalf("expected 0.257m depth, got %v", d)
		}
		if _, ok := f.ReferenceView(); !ok {
			t.Fatalf("frame %d lost its reference view", f.Index)
		}
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("expected frames in index order, got %v", got)
	}
}

func TestLoadFrameUnknownCamera(t *testing.T) {
	dir := t.TempDir()
	if err := WriteSession(dir, &SessionManifest{ID: "s", Cameras: map[string]Camera{"front": testCamera()}}); err != nil {
		t.Fatalf("write session: %v", err)
	}
	if err := WriteFrame(dir, &FrameManifest{Index: 0, Views: []ViewManifest{{Camera: "side", Image: "x.png"}}}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	l, err := NewLoader(dir, 0.001)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	if _, err := l.LoadFrame(filepath.Join(dir, FrameFileName(0))); err == nil {
		t.Fatalf("expected unknown camera error")
	}
}

func TestFrameValidate(t *testing.T) {
	f := &Frame{Index: 1, Views: []View{{Camera: testCamera()}}}
	if err := f.Validate(); err == nil {
		t.Fatalf("expected error for view without data")
	}
	f.Views[0].Image = &Image{Width: 2, Height: 2, Pix: make([]float64, 3)}
	if err := f.Validate(); err == nil {
		t.Fatalf("expected buffer size error")
	}
}
