package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/gpu"
)

// Options tunes the tracker.
type Options struct {
	Levels           int
	WindowRadius     int
	Iterations       int
	MinConfidence    float64
	DecayPerFrame    float64
	TextureScale     float64
	PhotometricSigma float64
	ForwardBackward  bool
	FBThreshold      float64
	GridStride       int
	BandRows         int
	Degrade          bool // on exhaustion, rerun inline on a coarser grid
}

// OptionsFromConfig maps tracker configuration onto Options.
func OptionsFromConfig(c *config.Config) Options {
	cfg, acc := c.Tracker, c.Accelerator
	return Options{
		Levels:           cfg.Levels,
		WindowRadius:     cfg.WindowRadius,
		Iterations:       cfg.Iterations,
		MinConfidence:    cfg.MinConfidence,
		DecayPerFrame:    cfg.DecayPerFrame,
		TextureScale:     cfg.TextureScale,
		PhotometricSigma: cfg.PhotometricSigma,
		ForwardBackward:  cfg.ForwardBackward,
		FBThreshold:      cfg.FBThreshold,
		GridStride:       cfg.GridStride,
		BandRows:         acc.BandRows,
		Degrade:          c.Processing.Degrade,
	}
}

func (o Options) withDefaults() Options {
	if o.Levels < 1 {
		o.Levels = 1
	}
	if o.WindowRadius < 1 {
		o.WindowRadius = 3
	}
	if o.Iterations < 1 {
		o.Iterations = 5
	}
	if o.DecayPerFrame <= 0 || o.DecayPerFrame > 1 {
		o.DecayPerFrame = 1
	}
	if o.TextureScale <= 0 {
		o.TextureScale = 1e-3
	}
	if o.PhotometricSigma <= 0 {
		o.PhotometricSigma = 0.1
	}
	if o.FBThreshold <= 0 {
		o.FBThreshold = 1
	}
	if o.GridStride < 1 {
		o.GridStride = 1
	}
	if o.BandRows < 1 {
		o.BandRows = 16
	}
	return o
}

// Tracker computes correspondence fields.
type Tracker struct {
	opts Options
	acc  gpu.Accelerator
	log  *slog.Logger
}

// NewTracker builds a tracker. acc may be nil to run on the caller's
// goroutine.
func NewTracker(opts Options, acc gpu.Accelerator, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{opts: opts.withDefaults(), acc: acc, log: logger}
}

// Track computes the field from src (frame srcFrame) to dst (frame
// dstFrame). Confidence decays with the frame distance.
func (t *Tracker) Track(ctx context.Context, src, dst *capture.Image, srcFrame, dstFrame int) (*Field, error) {
	return t.TrackMode(ctx, src, dst, srcFrame, dstFrame, false)
}

// TrackMode is Track with degraded processing optionally forced on. A
// degraded field samples the source on a grid twice as coarse. When the
// accelerator is exhausted the field is recomputed degraded and inline if
// Degrade is set, and the error wraps gpu.ErrExhausted otherwise.
func (t *Tracker) TrackMode(ctx context.Context, src, dst *capture.Image, srcFrame, dstFrame int, degraded bool) (*Field, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("flow: missing image")
	}
	if len(src.Pix) != src.Width*src.Height || len(dst.Pix) != dst.Width*dst.Height {
		return nil, fmt.Errorf("flow: image buffer does not match its size")
	}
	start := time.Now()
	o := t.opts
	ps := buildPyramid(src, o.Levels)
	pd := buildPyramid(dst, o.Levels)
	decay := math.Pow(o.DecayPerFrame, math.Abs(float64(dstFrame-srcFrame)))

	stride := o.GridStride
	if degraded {
		stride *= 2
	}
	var (
		cols, rows int
		entries    []Correspondence
	)
	grid := func(acc gpu.Accelerator, stride int) error {
		cols = (src.Width + stride - 1) / stride
		rows = (src.Height + stride - 1) / stride
		entries = make([]Correspondence, cols*rows)
		return gpu.ForEachBand(ctx, acc, "flow.lk", rows, o.BandRows, func(lo, hi int) {
			for gy := lo; gy < hi; gy++ {
				for gx := 0; gx < cols; gx++ {
					x, y := gx*stride, gy*stride
					entries[gy*cols+gx] = t.trackPoint(ps, pd, x, y, src.Width, decay)
				}
			}
		})
	}
	err := grid(t.acc, stride)
	if errors.Is(err, gpu.ErrExhausted) && o.Degrade && ctx.Err() == nil {
		if !degraded {
			stride *= 2
		}
		t.log.Warn("accelerator exhausted, flow recomputed degraded",
			"src_frame", srcFrame,
			"dst_frame", dstFrame,
			"grid_stride", stride)
		err = grid(nil, stride)
	}
	if err != nil {
		return nil, err
	}

	f, err := NewField(srcFrame, dstFrame, src.Width, src.Height, dst.Width, dst.Height, stride, entries)
	if err != nil {
		return nil, err
	}
	st := f.Stats()
	t.log.Debug("flow field computed",
		"src_frame", srcFrame,
		"dst_frame", dstFrame,
		"entries", st.Entries,
		"valid", st.Valid,
		"mean_confidence", st.MeanConfidence,
		"duration", time.Since(start))
	return f, nil
}

func (t *Tracker) trackPoint(ps, pd *pyramid, x, y, width int, decay float64) Correspondence {
	o := t.opts
	p := capture.Point2{X: float64(x), Y: float64(y)}
	c := Correspondence{Source: y*width + x}

	d, texture, residual, ok := lucasKanade(ps, pd, p, capture.Point2{}, o)
	if !ok {
		return c
	}
	target := capture.Point2{X: p.X + d.X, Y: p.Y + d.Y}
	dst := pd.levels[0]
	if target.X < 0 || target.Y < 0 || target.X > float64(dst.Width-1) || target.Y > float64(dst.Height-1) {
		return c
	}
	if o.ForwardBackward {
		back, _, _, ok := lucasKanade(pd, ps, target, capture.Point2{X: -d.X, Y: -d.Y}, o)
		if !ok || math.Hypot(target.X+back.X-p.X, target.Y+back.Y-p.Y) > o.FBThreshold {
			return c
		}
	}

	tex := texture / (texture + o.TextureScale)
	photo := math.Exp(-residual / (2 * o.PhotometricSigma * o.PhotometricSigma))
	c.Target = target
	c.Confidence = tex * photo * decay
	c.Valid = c.Confidence >= o.MinConfidence
	return c
}

// lucasKanade tracks p from a to b starting from displacement guess. It
// returns the displacement, the minimum structure tensor eigenvalue at full
// resolution and the mean squared photometric residual.
func lucasKanade(a, b *pyramid, p, guess capture.Point2, o Options) (capture.Point2, float64, float64, bool) {
	r := o.WindowRadius
	top := min(len(a.levels), len(b.levels)) - 1
	scale := math.Pow(2, float64(top))
	g := capture.Point2{X: guess.X / scale, Y: guess.Y / scale}
	var texture, residual float64
	for l := top; l >= 0; l-- {
		s := math.Pow(2, float64(l))
		px, py := p.X/s, p.Y/s
		im := a.levels[l]
		jm := b.levels[l]
		gxArr, gyArr := a.gx[l], a.gy[l]

		var gxx, gxy, gyy float64
		for wy := -r; wy <= r; wy++ {
			for wx := -r; wx <= r; wx++ {
				ix := sample(gxArr, im.Width, im.Height, px+float64(wx), py+float64(wy))
				iy := sample(gyArr, im.Width, im.Height, px+float64(wx), py+float64(wy))
				gxx += ix * ix
				gxy += ix * iy
				gyy += iy * iy
			}
		}
		det := gxx*gyy - gxy*gxy
		if det <= 1e-12 {
			return capture.Point2{}, 0, 0, false
		}

		var d capture.Point2
		for it := 0; it < o.Iterations; it++ {
			var bx, by float64
			for wy := -r; wy <= r; wy++ {
				for wx := -r; wx <= r; wx++ {
					sx, sy := px+float64(wx), py+float64(wy)
					diff := im.Sample(sx, sy) - jm.Sample(sx+g.X+d.X, sy+g.Y+d.Y)
					ix := sample(gxArr, im.Width, im.Height, sx, sy)
					iy := sample(gyArr, im.Width, im.Height, sx, sy)
					bx += diff * ix
					by += diff * iy
				}
			}
			vx := (gyy*bx - gxy*by) / det
			vy := (gxx*by - gxy*bx) / det
			d.X += vx
			d.Y += vy
			if vx*vx+vy*vy < 1e-4 {
				break
			}
		}

		if l == 0 {
			g = capture.Point2{X: g.X + d.X, Y: g.Y + d.Y}
			tr := (gxx + gyy) / 2
			texture = tr - math.Sqrt(((gxx-gyy)/2)*((gxx-gyy)/2)+gxy*gxy)
			n := float64((2*r + 1) * (2*r + 1))
			texture /= n
			var ssd float64
			for wy := -r; wy <= r; wy++ {
				for wx := -r; wx <= r; wx++ {
					sx, sy := px+float64(wx), py+float64(wy)
					diff := im.Sample(sx, sy) - jm.Sample(sx+g.X, sy+g.Y)
					ssd += diff * diff
				}
			}
			residual = ssd / n
		} else {
			g = capture.Point2{X: 2 * (g.X + d.X), Y: 2 * (g.Y + d.Y)}
		}
	}
	if math.IsNaN(g.X) || math.IsNaN(g.Y) {
		return capture.Point2{}, 0, 0, false
	}
	return g, texture, residual, true
}

type pyramid struct {
	levels []*capture.Image
	gx, gy [][]float64
}

func buildPyramid(im *capture.Image, levels int) *pyramid {
	p := &pyramid{}
	cur := im
	for l := 0; l < levels; l++ {
		p.levels = append(p.levels, cur)
		gx := make([]float64, len(cur.Pix))
		gy := make([]float64, len(cur.Pix))
		for y := 0; y < cur.Height; y++ {
			for x := 0; x < cur.Width; x++ {
				gx[y*cur.Width+x], gy[y*cur.Width+x] = cur.Gradient(x, y)
			}
		}
		p.gx = append(p.gx, gx)
		p.gy = append(p.gy, gy)
		if cur.Width < 8 || cur.Height < 8 {
			break
		}
		cur = cur.Downsample()
	}
	return p
}

func sample(arr []float64, w, h int, x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)
	at := func(xi, yi int) float64 {
		xi = max(0, min(w-1, xi))
		yi = max(0, min(h-1, yi))
		return arr[yi*w+xi]
	}
	a := at(x0, y0)*(1-fx) + at(x0+1, y0)*fx
	b := at(x0, y0+1)*(1-fx) + at(x0+1, y0+1)*fx
	return a*(1-fy) + b*fy
}
