// Package recon turns a frame capture into a 3D point cloud by depth
// back-projection or multi-view triangulation.
package recon

import (
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Point is a reconstructed surface sample in world coordinates.
type Point struct {
	Position   r3.Vec  `json:"position"`
	Normal     r3.Vec  `json:"normal"`
	HasNormal  bool    `json:"has_normal"`
	Confidence float64 `json:"confidence"`
	View       int     `json:"view"`
}

// PointCloud is the reconstruction of one frame. It may be empty.
type PointCloud struct {
	Frame    int     `json:"frame"`
	Points   []Point `json:"points"`
	Degraded bool    `json:"degraded"`
}

// Len returns the number of points.
func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// Empty reports whether the cloud has no usable points.
func (c *PointCloud) Empty() bool { return c.Len() == 0 }

// Positions returns the point positions.
func (c *PointCloud) Positions() []r3.Vec {
	out := make([]r3.Vec, c.Len())
	for i, p := range c.Points {
		out[i] = p.Position
	}
	return out
}

// MeanConfidence averages point confidences, zero for an empty cloud.
func (c *PointCloud) MeanConfidence() float64 {
	if c.Empty() {
		return 0
	}
	conf := make([]float64, len(c.Points))
	for i, p := range c.Points {
		conf[i] = p.Confidence
	}
	return stat.Mean(conf, nil)
}

// Report describes how a cloud was produced.
type Report struct {
	Frame          int      `json:"frame"`
	Views          int      `json:"views"`
	SkippedViews   int      `json:"skipped_views"`
	DepthPoints    int      `json:"depth_points"`
	Triangulated   int      `json:"triangulated"`
	Points         int      `json:"points"`
	Degraded       bool     `json:"degraded"`
	MeanConfidence float64  `json:"mean_confidence"`
	Warnings       []string `json:"warnings,omitempty"`
}

// LowConfidence reports whether any input had to be discarded or nothing
// was reconstructed.
func (r Report) LowConfidence() bool {
	return r.Points == 0 || r.SkippedViews > 0
}
