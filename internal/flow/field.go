// Package flow computes dense correspondence fields between two luminance
// images using pyramidal Lucas-Kanade tracking.
package flow

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"meshtrack/internal/capture"
)

// ErrIndexOutOfRange reports a correspondence that references a pixel
// outside its image.
var ErrIndexOutOfRange = errors.New("flow: correspondence index out of range")

// Correspondence maps one source pixel to a subpixel target position.
type Correspondence struct {
	Source     int            `json:"source"` // y*SrcWidth + x
	Target     capture.Point2 `json:"target"`
	Confidence float64        `json:"confidence"`
	Valid      bool           `json:"valid"`
}

// Field is a sparse-grid correspondence field from one image to another.
// Entries are immutable once the field is built.
type Field struct {
	SrcFrame  int
	DstFrame  int
	SrcWidth  int
	SrcHeight int
	DstWidth  int
	DstHeight int
	Stride    int
	entries   []Correspondence
	bySource  map[int]int
}

// NewField validates entries and builds a field. Every source must lie in the
// source image and every valid target inside the destination image.
func NewField(srcFrame, dstFrame, srcW, srcH, dstW, dstH, stride int, entries []Correspondence) (*Field, error) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return nil, fmt.Errorf("flow: empty image %dx%d -> %dx%d", srcW, srcH, dstW, dstH)
	}
	if stride < 1 {
		stride = 1
	}
	f := &Field{
		SrcFrame:  srcFrame,
		DstFrame:  dstFrame,
		SrcWidth:  srcW,
		SrcHeight: srcH,
		DstWidth:  dstW,
		DstHeight: dstH,
		Stride:    stride,
		entries:   append([]Correspondence(nil), entries...),
		bySource:  make(map[int]int, len(entries)),
	}
	for i, e := range f.entries {
		if e.Source < 0 || e.Source >= srcW*srcH {
			return nil, fmt.Errorf("%w: entry %d source %d outside %dx%d", ErrIndexOutOfRange, i, e.Source, srcW, srcH)
		}
		if e.Valid {
			t := e.Target
			if math.IsNaN(t.X) || math.IsNaN(t.Y) || t.X < 0 || t.Y < 0 || t.X > float64(dstW-1) || t.Y > float64(dstH-1) {
				return nil, fmt.Errorf("%w: entry %d target (%.2f,%.2f) outside %dx%d", ErrIndexOutOfRange, i, t.X, t.Y, dstW, dstH)
			}
		}
		f.bySource[e.Source] = i
	}
	return f, nil
}

// Len returns the number of entries.
func (f *Field) Len() int { return len(f.entries) }

// Entry returns entry i.
func (f *Field) Entry(i int) Correspondence { return f.entries[i] }

// Entries returns a copy of all entries.
func (f *Field) Entries() []Correspondence {
	return append([]Correspondence(nil), f.entries...)
}

// SourcePoint returns the pixel coordinates of a source index.
func (f *Field) SourcePoint(source int) capture.Point2 {
	return capture.Point2{X: float64(source % f.SrcWidth), Y: float64(source / f.SrcWidth)}
}

// Lookup returns the entry tracked from source pixel (x, y).
func (f *Field) Lookup(x, y int) (Correspondence, bool) {
	if x < 0 || y < 0 || x >= f.SrcWidth || y >= f.SrcHeight {
		return Correspondence{}, false
	}
	i, ok := f.bySource[y*f.SrcWidth+x]
	if !ok {
		return Correspondence{}, false
	}
	return f.entries[i], true
}

// Stats summarises the field.
type Stats struct {
	Entries        int     `json:"entries"`
	Valid          int     `json:"valid"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// Stats counts valid entries and their mean confidence.
func (f *Field) Stats() Stats {
	s := Stats{Entries: len(f.entries)}
	conf := make([]float64, 0, len(f.entries))
	for _, e := range f.entries {
		if e.Valid {
			s.Valid++
			conf = append(conf, e.Confidence)
		}
	}
	if len(conf) > 0 {
		s.MeanConfidence = stat.Mean(conf, nil)
	}
	return s
}

// Advect moves source-image points through the field by bilinearly
// interpolating the displacement of the surrounding valid grid samples.
// For each point it also returns the interpolated confidence; zero means the
// point could not be advected and its input position is returned.
func (f *Field) Advect(points []capture.Point2) ([]capture.Point2, []float64) {
	out := make([]capture.Point2, len(points))
	conf := make([]float64, len(points))
	s := float64(f.Stride)
	for i, p := range points {
		out[i] = p
		gx := math.Floor(p.X / s)
		gy := math.Floor(p.Y / s)
		fx := p.X/s - gx
		fy := p.Y/s - gy
		var dx, dy, c, wsum float64
		for _, n := range [4][3]float64{
			{gx, gy, (1 - fx) * (1 - fy)},
			{gx + 1, gy, fx * (1 - fy)},
			{gx, gy + 1, (1 - fx) * fy},
			{gx + 1, gy + 1, fx * fy},
		} {
			if n[2] == 0 {
				continue
			}
			sx, sy := int(n[0])*f.Stride, int(n[1])*f.Stride
			e, ok := f.Lookup(sx, sy)
			if !ok || !e.Valid {
				continue
			}
			w := n[2]
			dx += w * (e.Target.X - float64(sx))
			dy += w * (e.Target.Y - float64(sy))
			c += w * e.Confidence
			wsum += w
		}
		if wsum < 1e-9 {
			continue
		}
		out[i] = capture.Point2{X: p.X + dx/wsum, Y: p.Y + dy/wsum}
		conf[i] = c / wsum
	}
	return out, conf
}
