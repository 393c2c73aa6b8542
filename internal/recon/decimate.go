package recon

import (
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"gonum.org/v1/gonum/spatial/r3"
)

// observation carries a point through k-means so that cluster members keep
// their normals and confidences.
type observation struct {
	coords clusters.Coordinates
	point  Point
}

func (o observation) Coordinates() clusters.Coordinates { return o.coords }

func (o observation) Distance(c clusters.Coordinates) float64 { return o.coords.Distance(c) }

// Decimate reduces pts to at most n representatives by k-means clustering
// on position. Each cluster yields its centroid with the mean confidence
// and the averaged normal of its members.
func Decimate(pts []Point, n int) []Point {
	if n <= 0 || len(pts) <= n {
		return pts
	}
	// Bound the clustering cost; uniform pre-sampling keeps coverage.
	pts = subsample(pts, 4*n)

	obs := make(clusters.Observations, len(pts))
	for i, p := range pts {
		obs[i] = observation{
			coords: clusters.Coordinates{p.Position.X, p.Position.Y, p.Position.Z},
			point:  p,
		}
	}
	km := kmeans.New()
	parts, err := km.Partition(obs, n)
	if err != nil {
		return subsample(pts, n)
	}

	out := make([]Point, 0, len(parts))
	for _, c := range parts {
		if len(c.Observations) == 0 {
			continue
		}
		var (
			normal  r3.Vec
			conf    float64
			normals int
		)
		view := -1
		for _, o := range c.Observations {
			p := o.(observation).point
			conf += p.Confidence
			if p.HasNormal {
				normal = r3.Add(normal, p.Normal)
				normals++
			}
			if view < 0 {
				view = p.View
			}
		}
		q := Point{
			Position:   r3.Vec{X: c.Center[0], Y: c.Center[1], Z: c.Center[2]},
			Confidence: conf / float64(len(c.Observations)),
			View:       view,
		}
		if normals > 0 && r3.Norm(normal) > 1e-12 {
			q.Normal = r3.Unit(normal)
			q.HasNormal = true
		}
		out = append(out, q)
	}
	return out
}
