package capture

import (
	"fmt"
	"image"
	"image/color"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Point2 is a pixel position.
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Image is a single-channel float luminance image in [0, 1], row-major.
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// NewImage allocates a black image.
func NewImage(w, h int) *Image {
	return &Image{Width: w, Height: h, Pix: make([]float64, w*h)}
}

// At returns the pixel at (x, y) with coordinates clamped to the border.
func (im *Image) At(x, y int) float64 {
	x = clampInt(x, 0, im.Width-1)
	y = clampInt(y, 0, im.Height-1)
	return im.Pix[y*im.Width+x]
}

// Set writes the pixel at (x, y).
func (im *Image) Set(x, y int, v float64) {
	im.Pix[y*im.Width+x] = v
}

// Sample bilinearly interpolates at a subpixel position.
func (im *Image) Sample(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)
	a := im.At(x0, y0)*(1-fx) + im.At(x0+1, y0)*fx
	b := im.At(x0, y0+1)*(1-fx) + im.At(x0+1, y0+1)*fx
	return a*(1-fy) + b*fy
}

// Gradient returns central differences at (x, y).
func (im *Image) Gradient(x, y int) (gx, gy float64) {
	gx = (im.At(x+1, y) - im.At(x-1, y)) / 2
	gy = (im.At(x, y+1) - im.At(x, y-1)) / 2
	return gx, gy
}

// Downsample halves the resolution with a 2x2 box filter.
func (im *Image) Downsample() *Image {
	w := max(im.Width/2, 1)
	h := max(im.Height/2, 1)
	out := NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := im.At(2*x, 2*y) + im.At(2*x+1, 2*y) + im.At(2*x, 2*y+1) + im.At(2*x+1, 2*y+1)
			out.Pix[y*w+x] = s / 4
		}
	}
	return out
}

// FromImage converts any decoded image to luminance using CIE L*.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Pix[(y-b.Min.Y)*out.Width+(x-b.Min.X)] = luminance(src.At(x, y))
		}
	}
	return out
}

func luminance(c color.Color) float64 {
	switch g := c.(type) {
	case color.Gray:
		return float64(g.Y) / 0xff
	case color.Gray16:
		return float64(g.Y) / 0xffff
	}
	col, ok := colorful.MakeColor(c)
	if !ok {
		return 0
	}
	l, _, _ := col.Lab()
	return clamp01(l)
}

// DepthMap stores metric camera-frame depth per pixel; zero marks missing
// samples. Confidence is optional and parallel to Depth.
type DepthMap struct {
	Width      int
	Height     int
	Depth      []float64
	Confidence []float64
}

// NewDepthMap allocates an empty depth map.
func NewDepthMap(w, h int) *DepthMap {
	return &DepthMap{Width: w, Height: h, Depth: make([]float64, w*h)}
}

// At returns the depth at (x, y) or zero outside the map.
func (d *DepthMap) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0
	}
	return d.Depth[y*d.Width+x]
}

// ConfidenceAt returns the sensor confidence or -1 when none was captured.
func (d *DepthMap) ConfidenceAt(x, y int) float64 {
	if d.Confidence == nil || x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return -1
	}
	return d.Confidence[y*d.Width+x]
}

// DepthFromImage converts a 16-bit (or 8-bit) single-channel image into
// metric depth using scale meters per unit.
func DepthFromImage(src image.Image, scale float64) (*DepthMap, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("depth scale must be positive, got %v", scale)
	}
	b := src.Bounds()
	d := NewDepthMap(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(src.At(x, y)).(color.Gray16)
			d.Depth[(y-b.Min.Y)*d.Width+(x-b.Min.X)] = float64(g.Y) * scale
		}
	}
	return d, nil
}

// ConfidenceFromImage reads a confidence map stored as a grey image.
func ConfidenceFromImage(src image.Image) []float64 {
	im := FromImage(src)
	return im.Pix
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
