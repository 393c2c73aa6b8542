// Package capture holds per-frame capture data: calibrated cameras, luminance
// images, depth maps, 2D landmarks and the on-disk session manifests that
// describe them.
package capture

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidCalibration reports a camera whose parameters cannot be used
// for projection.
var ErrInvalidCalibration = errors.New("capture: invalid calibration")

// Intrinsics is a pinhole model in pixels.
type Intrinsics struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Extrinsics maps world points into the camera frame: Xc = R*Xw + T.
// R is row-major.
type Extrinsics struct {
	R [9]float64 `json:"r"`
	T [3]float64 `json:"t"`
}

// Camera is a calibrated view.
type Camera struct {
	Name       string     `json:"name"`
	Intrinsics Intrinsics `json:"intrinsics"`
	Extrinsics Extrinsics `json:"extrinsics"`
}

// IdentityExtrinsics places the camera at the world origin looking down +Z.
func IdentityExtrinsics() Extrinsics {
	return Extrinsics{R: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Validate checks the focal lengths, image size and that R is a rotation.
func (c Camera) Validate() error {
	in := c.Intrinsics
	if !(in.Fx > 0) || !(in.Fy > 0) || math.IsInf(in.Fx, 0) || math.IsInf(in.Fy, 0) {
		return fmt.Errorf("%w: camera %q focal length %vx%v", ErrInvalidCalibration, c.Name, in.Fx, in.Fy)
	}
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("%w: camera %q image size %dx%d", ErrInvalidCalibration, c.Name, in.Width, in.Height)
	}
	r := mat.NewDense(3, 3, append([]float64(nil), c.Extrinsics.R[:]...))
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rrt.At(i, j)-want) > 1e-6 {
				return fmt.Errorf("%w: camera %q rotation is not orthonormal", ErrInvalidCalibration, c.Name)
			}
		}
	}
	if d := mat.Det(r); math.Abs(d-1) > 1e-6 {
		return fmt.Errorf("%w: camera %q rotation has determinant %v", ErrInvalidCalibration, c.Name, d)
	}
	return nil
}

func (c Camera) rotate(p r3.Vec) r3.Vec {
	r := c.Extrinsics.R
	return r3.Vec{
		X: r[0]*p.X + r[1]*p.Y + r[2]*p.Z,
		Y: r[3]*p.X + r[4]*p.Y + r[5]*p.Z,
		Z: r[6]*p.X + r[7]*p.Y + r[8]*p.Z,
	}
}

func (c Camera) rotateT(p r3.Vec) r3.Vec {
	r := c.Extrinsics.R
	return r3.Vec{
		X: r[0]*p.X + r[3]*p.Y + r[6]*p.Z,
		Y: r[1]*p.X + r[4]*p.Y + r[7]*p.Z,
		Z: r[2]*p.X + r[5]*p.Y + r[8]*p.Z,
	}
}

func (c Camera) translation() r3.Vec {
	t := c.Extrinsics.T
	return r3.Vec{X: t[0], Y: t[1], Z: t[2]}
}

// ToCamera transforms a world point into the camera frame.
func (c Camera) ToCamera(p r3.Vec) r3.Vec {
	return r3.Add(c.rotate(p), c.translation())
}

// ToWorld transforms a camera-frame point into world coordinates.
func (c Camera) ToWorld(p r3.Vec) r3.Vec {
	return c.rotateT(r3.Sub(p, c.translation()))
}

// Center returns the camera centre in world coordinates.
func (c Camera) Center() r3.Vec {
	return c.ToWorld(r3.Vec{})
}

// Project maps a world point to pixel coordinates. ok is false for points
// behind the camera.
func (c Camera) Project(p r3.Vec) (Point2, bool) {
	q := c.ToCamera(p)
	if q.Z <= 0 {
		return Point2{}, false
	}
	in := c.Intrinsics
	return Point2{X: in.Fx*q.X/q.Z + in.Cx, Y: in.Fy*q.Y/q.Z + in.Cy}, true
}

// Backproject returns the world point at pixel (u, v) with camera-frame
// depth z.
func (c Camera) Backproject(u, v, z float64) r3.Vec {
	in := c.Intrinsics
	q := r3.Vec{X: (u - in.Cx) / in.Fx * z, Y: (v - in.Cy) / in.Fy * z, Z: z}
	return c.ToWorld(q)
}

// InImage reports whether p lies inside the image bounds.
func (c Camera) InImage(p Point2) bool {
	return p.X >= 0 && p.Y >= 0 && p.X <= float64(c.Intrinsics.Width-1) && p.Y <= float64(c.Intrinsics.Height-1)
}

// ProjectionMatrix returns K*[R|T] as a 3x4 matrix.
func (c Camera) ProjectionMatrix() *mat.Dense {
	in := c.Intrinsics
	k := mat.NewDense(3, 3, []float64{in.Fx, 0, in.Cx, 0, in.Fy, in.Cy, 0, 0, 1})
	r := c.Extrinsics.R
	t := c.Extrinsics.T
	rt := mat.NewDense(3, 4, []float64{
		r[0], r[1], r[2], t[0],
		r[3], r[4], r[5], t[1],
		r[6], r[7], r[8], t[2],
	})
	var p mat.Dense
	p.Mul(k, rt)
	return &p
}
