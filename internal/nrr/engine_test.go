package nrr

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
	"meshtrack/internal/recon"
)

// lineMesh is five vertices one unit apart with two small blendshapes.
func lineMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	neutral := make([]r3.Vec, 5)
	lift := make([]r3.Vec, 5)
	bend := make([]r3.Vec, 5)
	for i := range neutral {
		neutral[i] = r3.Vec{X: float64(i)}
		lift[i] = r3.Vec{Z: 0.1}
		bend[i] = r3.Vec{Y: 0.02 * float64(i)}
	}
	b, err := mesh.NewBlendshapes([]string{"lift", "bend"}, [][]r3.Vec{lift, bend}, nil, nil)
	if err != nil {
		t.Fatalf("basis: %v", err)
	}
	m, err := mesh.New("line", neutral, nil, b, map[string]int{"tip": 4})
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	return m
}

// gridMesh is a 5x4 triangulated grid with two curved height blendshapes
// that no rigid motion can imitate.
func gridMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	const w, h = 5, 4
	var neutral, s1, s2 []r3.Vec
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			neutral = append(neutral, r3.Vec{X: float64(x), Y: float64(y)})
			s1 = append(s1, r3.Vec{Z: 0.05 * float64(x*x)})
			s2 = append(s2, r3.Vec{Z: 0.05 * float64(x*y)})
		}
	}
	var faces []mesh.Face
	for y := 0; y+1 < h; y++ {
		for x := 0; x+1 < w; x++ {
			a := y*w + x
			faces = append(faces, mesh.Face{a, a + 1, a + w + 1}, mesh.Face{a, a + w + 1, a + w})
		}
	}
	b, err := mesh.NewBlendshapes([]string{"bowl", "twist"}, [][]r3.Vec{s1, s2}, nil, nil)
	if err != nil {
		t.Fatalf("basis: %v", err)
	}
	m, err := mesh.New("grid", neutral, faces, b, nil)
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	return m
}

func cloudFrom(positions []r3.Vec) *recon.PointCloud {
	c := &recon.PointCloud{}
	for _, p := range positions {
		c.Points = append(c.Points, recon.Point{Position: p, Confidence: 1})
	}
	return c
}

func plainOptions() Options {
	solver := nls.DefaultOptions()
	solver.Loss = nls.Trivial{}
	return Options{
		Weights:                   Weights{Fit: 1, Landmark: 1},
		MaxCorrespondenceDistance: 0.5,
		CorrespondenceRounds:      3,
		Levels:                    []Level{{VertexStride: 1, CloudStride: 1}},
		Solver:                    solver,
	}
}

func TestRegisterRecoversCoefficients(t *testing.T) {
	m := lineMesh(t)
	truth := mesh.NeutralState(m)
	truth.Coefficients = []float64{0.3, -0.1}
	target, err := m.Deform(truth)
	if err != nil {
		t.Fatalf("deform: %v", err)
	}

	e := NewEngine(plainOptions(), nil)
	got, rep, err := e.Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for i, want := range truth.Coefficients {
		if math.Abs(got.Coefficients[i]-want) > 1e-4 {
			t.Fatalf("coefficient %d: expected %v, got %v", i, want, got.Coefficients[i])
		}
	}
	if !rep.Converged || rep.Coverage != 1 {
		t.Fatalf("expected converged full coverage, got %+v", rep)
	}
	if rep.FinalCost > 1e-12 {
		t.Fatalf("expected zero final cost, got %v", rep.FinalCost)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := lineMesh(t)
	truth := mesh.NeutralState(m)
	truth.Coefficients = []float64{0.3, -0.1}
	target, _ := m.Deform(truth)
	e := NewEngine(plainOptions(), nil)

	first, _, err := e.Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), nil)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, _, err := e.Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, first, nil)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if d := mesh.MaxCoefficientDelta(first, second); d > 1e-6 {
		t.Fatalf("expected re-registration to be a no-op, moved by %v", d)
	}
}

func TestRegisterIsDeterministic(t *testing.T) {
	m := gridMesh(t)
	truth := mesh.NeutralState(m)
	truth.Coefficients = []float64{0.2, 0.4}
	target, _ := m.Deform(truth)
	opts := plainOptions()
	opts.Solver = nls.DefaultOptions()
	opts.Levels = []Level{{VertexStride: 3, CloudStride: 2}, {VertexStride: 1, CloudStride: 1}}

	a, _, errA := NewEngine(opts, nil).Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), nil)
	b, _, errB := NewEngine(opts, nil).Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), nil)
	if errA != nil || errB != nil {
		t.Fatalf("register: %v / %v", errA, errB)
	}
	for i := range a.Coefficients {
		if a.Coefficients[i] != b.Coefficients[i] {
			t.Fatalf("coefficient %d differs between identical runs: %v vs %v", i, a.Coefficients[i], b.Coefficients[i])
		}
	}
}

func TestRobustLossResistsOutliers(t *testing.T) {
	m := gridMesh(t)
	truth := mesh.NeutralState(m)
	truth.Coefficients = []float64{0.3, -0.1}
	target, _ := m.Deform(truth)
	// 10% of the samples are displaced well beyond the noise level.
	target[3] = r3.Add(target[3], r3.Vec{Z: 0.2})
	target[16] = r3.Add(target[16], r3.Vec{Z: 0.2})

	solve := func(loss nls.Loss) float64 {
		opts := plainOptions()
		opts.Solver.Loss = loss
		got, _, err := NewEngine(opts, nil).Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), nil)
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		return math.Max(math.Abs(got.Coefficients[0]-0.3), math.Abs(got.Coefficients[1]+0.1))
	}
	plain := solve(nls.Trivial{})
	robust := solve(nls.Huber{Delta: 0.005})
	if robust > 0.01 {
		t.Fatalf("expected robust fit within 0.01, error %v", robust)
	}
	if robust >= plain {
		t.Fatalf("expected huber (%v) to beat least squares (%v)", robust, plain)
	}
}

func TestRegisterWithRigidPose(t *testing.T) {
	m := gridMesh(t)
	truth := mesh.NeutralState(m)
	truth.Coefficients = []float64{0.25, 0.1}
	truth.Rotation = r3.Vec{Z: 0.05}
	truth.Translation = r3.Vec{X: 0.05, Y: -0.03, Z: 0.02}
	target, _ := m.Deform(truth)

	opts := plainOptions()
	opts.SolveRigid = true
	got, _, err := NewEngine(opts, nil).Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	pos, _ := m.Deform(got)
	for v := range pos {
		if d := r3.Norm(r3.Sub(pos[v], target[v])); d > 1e-4 {
			t.Fatalf("vertex %d off target by %v", v, d)
		}
	}
}

func TestOffsetsFollowUnexplainedDetail(t *testing.T) {
	m := gridMesh(t)
	target := m.NeutralPositions()
	// A bump the blendshapes cannot express.
	target[7] = r3.Add(target[7], r3.Vec{Z: 0.05})

	opts := plainOptions()
	opts.SolveOffsets = true
	opts.Weights.Laplacian = 0.01
	opts.Weights.Offset = 1e-6
	opts.Weights.Coefficient = 1
	got, _, err := NewEngine(opts, nil).Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.Offsets == nil || got.Offsets[7].Z < 0.02 {
		t.Fatalf("expected the offset field to absorb the bump, got %+v", got.Offsets)
	}
}

func TestLandmarksDriveRegistration(t *testing.T) {
	m := lineMesh(t)
	truth := mesh.NeutralState(m)
	truth.Coefficients = []float64{0.5, 0}
	tip := m.DeformVertex(4, truth)
	mid := m.DeformVertex(2, truth)

	opts := plainOptions()
	opts.Weights.Coefficient = 1e-6
	got, rep, err := NewEngine(opts, nil).Register(context.Background(), m, Target{
		Landmarks: []Landmark{{Name: "tip", Vertex: 4, Position: tip}, {Vertex: 2, Position: mid}},
	}, mesh.NeutralState(m), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if math.Abs(got.Coefficients[0]-0.5) > 1e-3 {
		t.Fatalf("expected lift 0.5 from landmarks, got %v", got.Coefficients[0])
	}
	if rep.Landmarks != 2 {
		t.Fatalf("expected 2 landmarks reported, got %d", rep.Landmarks)
	}
}

func TestTemporalPriorPullsTowardPrevious(t *testing.T) {
	m := lineMesh(t)
	truth := mesh.NeutralState(m)
	truth.Coefficients = []float64{0.3, -0.1}
	target, _ := m.Deform(truth)
	prev := mesh.NeutralState(m)

	loose := plainOptions()
	tight := plainOptions()
	tight.Weights.Temporal = 10

	a, _, _ := NewEngine(loose, nil).Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), &prev)
	b, _, _ := NewEngine(tight, nil).Register(context.Background(), m, Target{Cloud: cloudFrom(target)}, mesh.NeutralState(m), &prev)
	if math.Abs(b.Coefficients[0]) >= math.Abs(a.Coefficients[0]) {
		t.Fatalf("expected temporal weight to shrink toward previous state: %v vs %v", b.Coefficients[0], a.Coefficients[0])
	}
}

func TestRegisterRejectsInvalidLandmark(t *testing.T) {
	m := lineMesh(t)
	_, _, err := NewEngine(plainOptions(), nil).Register(context.Background(), m, Target{
		Landmarks: []Landmark{{Vertex: 42}},
	}, mesh.NeutralState(m), nil)
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
}

func TestRegisterRejectsDimensionMismatch(t *testing.T) {
	m := lineMesh(t)
	bad := mesh.State{Coefficients: []float64{0, 0, 0}}
	_, _, err := NewEngine(plainOptions(), nil).Register(context.Background(), m, Target{Cloud: cloudFrom(m.NeutralPositions())}, bad, nil)
	if !errors.Is(err, mesh.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestRegisterWithoutCorrespondences(t *testing.T) {
	m := lineMesh(t)
	far := cloudFrom([]r3.Vec{{X: 100, Y: 100, Z: 100}})
	init := mesh.NeutralState(m)
	got, _, err := NewEngine(plainOptions(), nil).Register(context.Background(), m, Target{Cloud: far}, init, nil)
	if !errors.Is(err, nls.ErrDegenerate) {
		t.Fatalf("expected ErrDegenerate, got %v", err)
	}
	if mesh.MaxCoefficientDelta(got, init) != 0 {
		t.Fatalf("expected init returned on failure")
	}
	if _, _, err := NewEngine(plainOptions(), nil).Register(context.Background(), m, Target{}, init, nil); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget for an empty target, got %v", err)
	}
}

func TestRegisterHonoursCancellation(t *testing.T) {
	m := lineMesh(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewEngine(plainOptions(), nil).Register(ctx, m, Target{Cloud: cloudFrom(m.NeutralPositions())}, mesh.NeutralState(m), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
