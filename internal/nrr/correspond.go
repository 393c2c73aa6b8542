package nrr

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/recon"
)

// cloudPoint is a kd-tree entry that remembers its cloud index.
type cloudPoint struct {
	pos [3]float64
	idx int
}

func (p cloudPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.pos[d] - c.(cloudPoint).pos[d]
}

func (p cloudPoint) Dims() int { return 3 }

func (p cloudPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(cloudPoint)
	dx := p.pos[0] - q.pos[0]
	dy := p.pos[1] - q.pos[1]
	dz := p.pos[2] - q.pos[2]
	return dx*dx + dy*dy + dz*dz
}

type cloudPoints []cloudPoint

func (p cloudPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p cloudPoints) Len() int                              { return len(p) }
func (p cloudPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p cloudPoints) Pivot(d kdtree.Dim) int {
	pl := cloudPlane{cloudPoints: p, dim: d}
	return kdtree.Partition(pl, kdtree.MedianOfMedians(pl))
}

// cloudPlane orders points along one axis for tree construction.
type cloudPlane struct {
	cloudPoints
	dim kdtree.Dim
}

func (p cloudPlane) Less(i, j int) bool {
	return p.cloudPoints[i].pos[p.dim] < p.cloudPoints[j].pos[p.dim]
}

func (p cloudPlane) Swap(i, j int) {
	p.cloudPoints[i], p.cloudPoints[j] = p.cloudPoints[j], p.cloudPoints[i]
}

func (p cloudPlane) Slice(start, end int) kdtree.SortSlicer {
	p.cloudPoints = p.cloudPoints[start:end]
	return p
}

// cloudIndex answers nearest-neighbour queries over a (possibly strided)
// point cloud.
type cloudIndex struct {
	cloud *recon.PointCloud
	tree  *kdtree.Tree
}

func newCloudIndex(cloud *recon.PointCloud, stride int) *cloudIndex {
	if cloud.Empty() {
		return &cloudIndex{cloud: cloud}
	}
	if stride < 1 {
		stride = 1
	}
	pts := make(cloudPoints, 0, cloud.Len()/stride+1)
	for i := 0; i < cloud.Len(); i += stride {
		p := cloud.Points[i].Position
		pts = append(pts, cloudPoint{pos: [3]float64{p.X, p.Y, p.Z}, idx: i})
	}
	return &cloudIndex{cloud: cloud, tree: kdtree.New(pts, false)}
}

// nearest returns the cloud index closest to q within maxDist.
func (ci *cloudIndex) nearest(q r3.Vec, maxDist float64) (int, bool) {
	if ci.tree == nil {
		return 0, false
	}
	c, d2 := ci.tree.Nearest(cloudPoint{pos: [3]float64{q.X, q.Y, q.Z}})
	if c == nil || math.Sqrt(d2) > maxDist {
		return 0, false
	}
	return c.(cloudPoint).idx, true
}

// correspondence pairs a mesh vertex with a cloud point.
type correspondence struct {
	vertex int
	point  recon.Point
}
