package conformer

import (
	"context"
	"errors"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
	"meshtrack/internal/nrr"
	"meshtrack/internal/recon"
)

func templateGrid(t *testing.T) *mesh.Mesh {
	t.Helper()
	const w, h = 5, 4
	var neutral, bowl []r3.Vec
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			neutral = append(neutral, r3.Vec{X: float64(x), Y: float64(y)})
			bowl = append(bowl, r3.Vec{Z: 0.05 * float64(x*x)})
		}
	}
	var faces []mesh.Face
	for y := 0; y+1 < h; y++ {
		for x := 0; x+1 < w; x++ {
			a := y*w + x
			faces = append(faces, mesh.Face{a, a + 1, a + w + 1}, mesh.Face{a, a + w + 1, a + w})
		}
	}
	b, err := mesh.NewBlendshapes([]string{"bowl"}, [][]r3.Vec{bowl}, nil, nil)
	if err != nil {
		t.Fatalf("basis: %v", err)
	}
	m, err := mesh.New("template", neutral, faces, b, map[string]int{"corner": 0})
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	return m
}

func testOptions() Options {
	solver := nls.DefaultOptions()
	solver.Loss = nls.Trivial{}
	return Options{
		Rounds:            6,
		MinScans:          1,
		MinCoverage:       0.9,
		LaplacianWeight:   1e-3,
		OffsetPrior:       1e-8,
		ParallelScans:     2,
		CoverageThreshold: 0.05,
		Registration: nrr.Options{
			Weights:                   nrr.Weights{Fit: 1, Landmark: 1},
			MaxCorrespondenceDistance: 0.5,
			CorrespondenceRounds:      2,
			Levels:                    []nrr.Level{{VertexStride: 1, CloudStride: 1}},
			Solver:                    solver,
		},
		Solver: solver,
	}
}

// subjectScan renders the subject (template shifted by identity) in the
// given expression as an exact point cloud.
func subjectScan(t *testing.T, template *mesh.Mesh, identity r3.Vec, coef float64, keep func(v int) bool) Scan {
	t.Helper()
	neutral := template.NeutralPositions()
	for v := range neutral {
		neutral[v] = r3.Add(neutral[v], identity)
	}
	subject, err := template.WithNeutral("subject", neutral)
	if err != nil {
		t.Fatalf("subject: %v", err)
	}
	state := mesh.NeutralState(subject)
	state.Coefficients[0] = coef
	pos, err := subject.Deform(state)
	if err != nil {
		t.Fatalf("deform: %v", err)
	}
	cloud := &recon.PointCloud{}
	for v, p := range pos {
		if keep == nil || keep(v) {
			cloud.Points = append(cloud.Points, recon.Point{Position: p, Confidence: 1})
		}
	}
	return Scan{Name: "scan", Target: nrr.Target{Cloud: cloud}}
}

func TestConformRecoversIdentity(t *testing.T) {
	template := templateGrid(t)
	shift := r3.Vec{Y: 0.01}
	scans := []Scan{
		subjectScan(t, template, shift, 0.2, nil),
		subjectScan(t, template, shift, -0.1, nil),
	}

	var steps []int
	opts := testOptions()
	opts.Progress = func(done, total int) { steps = append(steps, done) }

	identity, rep, err := New(opts, nil).Conform(context.Background(), "subject-1", template, scans)
	if err != nil {
		t.Fatalf("conform: %v", err)
	}
	if identity.Name() != "subject-1" {
		t.Fatalf("expected identity named after the subject, got %q", identity.Name())
	}
	if !identity.SameTopology(template) {
		t.Fatalf("identity must keep the template topology")
	}
	for v := 0; v < identity.VertexCount(); v++ {
		want := r3.Add(template.Neutral(v), shift)
		if d := r3.Norm(r3.Sub(identity.Neutral(v), want)); d > 1e-3 {
			t.Fatalf("vertex %d off subject neutral by %v", v, d)
		}
	}
	if rep.Coverage != 1 {
		t.Fatalf("expected full coverage, got %v", rep.Coverage)
	}
	if len(rep.Scans) != 2 || !rep.Scans[0].Used || !rep.Scans[1].Used {
		t.Fatalf("expected both scans used, got %+v", rep.Scans)
	}
	if len(steps) == 0 || steps[0] != 1 {
		t.Fatalf("expected progress callbacks, got %v", steps)
	}
	// The template itself is untouched.
	if template.Neutral(0) != (r3.Vec{}) {
		t.Fatalf("template neutral mutated: %v", template.Neutral(0))
	}
}

func TestConformRequiresScans(t *testing.T) {
	template := templateGrid(t)
	opts := testOptions()
	opts.MinScans = 2
	_, _, err := New(opts, nil).Conform(context.Background(), "s", template, []Scan{
		subjectScan(t, template, r3.Vec{}, 0, nil),
		{Name: "empty"},
	})
	if !errors.Is(err, ErrInsufficientCoverage) {
		t.Fatalf("expected ErrInsufficientCoverage, got %v", err)
	}
}

func TestConformRejectsPartialCoverage(t *testing.T) {
	template := templateGrid(t)
	onlyCorner := func(v int) bool { return v == 0 || v == 1 || v == 5 }
	_, rep, err := New(testOptions(), nil).Conform(context.Background(), "s", template, []Scan{
		subjectScan(t, template, r3.Vec{}, 0.1, onlyCorner),
	})
	if !errors.Is(err, ErrInsufficientCoverage) {
		t.Fatalf("expected ErrInsufficientCoverage, got %v", err)
	}
	if rep.Coverage >= 0.9 || rep.Coverage <= 0 {
		t.Fatalf("expected partial coverage in the report, got %v", rep.Coverage)
	}
}

func TestConformRejectsInvalidLandmark(t *testing.T) {
	template := templateGrid(t)
	scan := Scan{Name: "bad", Target: nrr.Target{Landmarks: []nrr.Landmark{{Vertex: -1}}}}
	_, _, err := New(testOptions(), nil).Conform(context.Background(), "s", template, []Scan{scan})
	if !errors.Is(err, nrr.ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
}

func TestConformCancelled(t *testing.T) {
	template := templateGrid(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New(testOptions(), nil).Conform(ctx, "s", template, []Scan{subjectScan(t, template, r3.Vec{}, 0.1, nil)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
