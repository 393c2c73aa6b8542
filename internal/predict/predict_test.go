package predict

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/mesh"
)

func twoShapeMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	neutral := []r3.Vec{{}, {X: 1}, {Y: 1}}
	a := []r3.Vec{{Z: 1}, {}, {}}
	b := []r3.Vec{{}, {Z: 1}, {}}
	basis, err := mesh.NewBlendshapes([]string{"a", "b"}, [][]r3.Vec{a, b}, []float64{-1, -1}, []float64{1, 1})
	if err != nil {
		t.Fatalf("basis: %v", err)
	}
	m, err := mesh.New("tri", neutral, []mesh.Face{{0, 1, 2}}, basis, nil)
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	return m
}

var observed = map[string]capture.Point2{
	"left":  {X: 10, Y: 20},
	"right": {X: 30, Y: 20},
	"chin":  {X: 20, Y: 50},
}

func TestFeaturesAreCentred(t *testing.T) {
	f, err := Features([]string{"left", "right", "chin"}, observed)
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	want := []float64{-10, -10, 10, -10, 0, 20}
	for i := range want {
		if math.Abs(f[i]-want[i]) > 1e-12 {
			t.Fatalf("feature %d: expected %v, got %v", i, want[i], f[i])
		}
	}
	if _, err := Features([]string{"left", "nose"}, observed); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput for a missing landmark, got %v", err)
	}
	bad := map[string]capture.Point2{"left": {X: math.NaN()}}
	if _, err := Features([]string{"left"}, bad); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput for NaN, got %v", err)
	}
}

// lipModel reads coefficient a from the horizontal spread of left/right.
func lipModel(t *testing.T) *LinearModel {
	t.Helper()
	m, err := NewLinearModel(
		[]string{"left", "right"},
		[]float64{-5, 0, 5, 0},
		[]float64{10, 1, 10, 1},
		[][]float64{{-0.5, 0, 0.5, 0}, {0, 0, 0, 0}},
		[]float64{0, 0.25},
	)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	return m
}

func TestLinearModelPredict(t *testing.T) {
	m := lipModel(t)
	f, _ := Features(m.Landmarks(), observed)
	y, err := m.Predict(context.Background(), f)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	// Features are (-10, 0, 10, 0); normalised (-0.5, 0, 0.5, 0).
	if math.Abs(y[0]-0.5) > 1e-12 || math.Abs(y[1]-0.25) > 1e-12 {
		t.Fatalf("unexpected prediction %v", y)
	}
	if _, err := m.Predict(context.Background(), []float64{1}); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput for a short vector, got %v", err)
	}
}

func TestLoadLinearModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	data, _ := json.Marshal(map[string]any{
		"landmarks": []string{"left", "right"},
		"weights":   [][]float64{{1, 0, 0, 0}, {0, 0, 1, 0}},
		"bias":      []float64{0, 0},
	})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := LoadLinearModel(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Outputs() != 2 || len(m.FeatureScale) != 4 || m.FeatureScale[0] != 1 {
		t.Fatalf("unexpected defaults: %+v", m)
	}

	broken := filepath.Join(dir, "broken.json")
	os.WriteFile(broken, []byte(`{"landmarks":["a"],"weights":[[1]],"bias":[0]}`), 0o644)
	if _, err := LoadLinearModel(broken); err == nil {
		t.Fatalf("expected a weight row length error")
	}
}

func TestInitializerUsesModel(t *testing.T) {
	m := twoShapeMesh(t)
	in, err := NewInitializer(m, lipModel(t), "previous", nil)
	if err != nil {
		t.Fatalf("initializer: %v", err)
	}
	prev := mesh.NeutralState(m)
	prev.Translation = r3.Vec{Z: 2}
	g, err := in.Guess(context.Background(), Observation{Frame: 3, Landmarks: observed}, &prev)
	if err != nil {
		t.Fatalf("guess: %v", err)
	}
	if g.Source != SourceModel {
		t.Fatalf("expected model source, got %s (%s)", g.Source, g.Reason)
	}
	if g.State.Coefficients[0] != 0.5 || g.State.Coefficients[1] != 0.25 {
		t.Fatalf("unexpected coefficients %v", g.State.Coefficients)
	}
	if g.State.Translation != prev.Translation {
		t.Fatalf("expected pose carried from the previous frame, got %v", g.State.Translation)
	}
}

func TestInitializerFallbacks(t *testing.T) {
	m := twoShapeMesh(t)
	prev := mesh.NeutralState(m)
	prev.Coefficients[0] = 0.7

	tests := []struct {
		name     string
		fallback string
		obs      Observation
		previous *mesh.State
		want     Source
	}{
		{"missing landmark uses previous", "previous", Observation{Landmarks: map[string]capture.Point2{"left": {}}}, &prev, SourcePrevious},
		{"missing landmark without history", "previous", Observation{}, nil, SourceNeutral},
		{"neutral policy", "neutral", Observation{}, &prev, SourceNeutral},
		{"invalid previous", "previous", Observation{}, &mesh.State{Coefficients: []float64{1}}, SourceNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := NewInitializer(m, lipModel(t), tt.fallback, nil)
			if err != nil {
				t.Fatalf("initializer: %v", err)
			}
			g, err := in.Guess(context.Background(), tt.obs, tt.previous)
			if err != nil {
				t.Fatalf("guess: %v", err)
			}
			if g.Source != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, g.Source)
			}
			if g.Reason == "" {
				t.Fatalf("expected a fallback reason")
			}
			if tt.want == SourcePrevious && g.State.Coefficients[0] != 0.7 {
				t.Fatalf("expected previous state, got %v", g.State.Coefficients)
			}
		})
	}
}

type stubRegressor struct {
	out []float64
	err error
}

func (s stubRegressor) Landmarks() []string { return []string{"left"} }
func (s stubRegressor) Outputs() int        { return 8 }
func (s stubRegressor) Predict(context.Context, []float64) ([]float64, error) {
	return s.out, s.err
}

func TestInitializerPoseAndClamping(t *testing.T) {
	m := twoShapeMesh(t)
	in, err := NewInitializer(m, stubRegressor{out: []float64{3, -0.2, 0, 0, 0.1, 1, 2, 3}}, "", nil)
	if err != nil {
		t.Fatalf("initializer: %v", err)
	}
	g, _ := in.Guess(context.Background(), Observation{Landmarks: observed}, nil)
	if g.Source != SourceModel {
		t.Fatalf("expected model source, got %s", g.Source)
	}
	if g.State.Coefficients[0] != 1 {
		t.Fatalf("expected coefficient clamped to its bound, got %v", g.State.Coefficients[0])
	}
	if g.State.Rotation != (r3.Vec{Z: 0.1}) || g.State.Translation != (r3.Vec{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("unexpected pose %v %v", g.State.Rotation, g.State.Translation)
	}

	failing, _ := NewInitializer(m, stubRegressor{err: errors.New("model crashed")}, "", nil)
	if g, _ := failing.Guess(context.Background(), Observation{Landmarks: observed}, nil); g.Source != SourceNeutral {
		t.Fatalf("expected neutral after regressor failure, got %s", g.Source)
	}
	nan, _ := NewInitializer(m, stubRegressor{out: []float64{math.NaN(), 0}}, "", nil)
	if g, _ := nan.Guess(context.Background(), Observation{Landmarks: observed}, nil); g.Source != SourceNeutral {
		t.Fatalf("expected neutral after a non-finite prediction, got %s", g.Source)
	}
}

func TestInitializerRejectsWrongOutputSize(t *testing.T) {
	m := twoShapeMesh(t)
	model, _ := NewLinearModel([]string{"left"}, nil, nil, [][]float64{{1, 0}}, []float64{0})
	if _, err := NewInitializer(m, model, "", nil); !errors.Is(err, mesh.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestInitializerCancelled(t *testing.T) {
	m := twoShapeMesh(t)
	in, _ := NewInitializer(m, nil, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := in.Guess(ctx, Observation{}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFromConfigWithoutModel(t *testing.T) {
	m := twoShapeMesh(t)
	in, err := FromConfig(config.Initializer{Fallback: "neutral"}, m, nil)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if in.HasModel() {
		t.Fatalf("expected no regressor")
	}
	g, _ := in.Guess(context.Background(), Observation{}, nil)
	if g.Source != SourceNeutral {
		t.Fatalf("expected neutral, got %s", g.Source)
	}
}

// fakeModel answers requests on the far side of a pipe pair by doubling
// each feature, or with an error status when the first feature is negative.
func fakeModel(t *testing.T, requests io.Reader, responses io.Writer) {
	t.Helper()
	for {
		header := make([]byte, 4)
		if _, err := io.ReadFull(requests, header); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(header))
		if _, err := io.ReadFull(requests, body); err != nil {
			return
		}
		var resp []byte
		first := math.Float64frombits(binary.BigEndian.Uint64(body))
		if first < 0 {
			resp = append([]byte{1}, "negative input"...)
		} else {
			resp = []byte{statusOK}
			for i := 0; i < len(body); i += 8 {
				v := math.Float64frombits(binary.BigEndian.Uint64(body[i:]))
				resp = binary.BigEndian.AppendUint64(resp, math.Float64bits(2*v))
			}
		}
		out := binary.BigEndian.AppendUint32(nil, uint32(len(resp)))
		if _, err := responses.Write(append(out, resp...)); err != nil {
			return
		}
	}
}

func TestProcessRegressorProtocol(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go fakeModel(t, reqR, respW)

	p := newProcessRegressor(reqW, respR, []string{"left"}, 2, nil)
	defer p.Close()

	y, err := p.Predict(context.Background(), []float64{1.5, -4})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if y[0] != 3 || y[1] != -8 {
		t.Fatalf("unexpected response %v", y)
	}
	if _, err := p.Predict(context.Background(), []float64{-1, 0}); err == nil {
		t.Fatalf("expected the model's error status to surface")
	}
	if _, err := p.Predict(context.Background(), []float64{1}); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput for a short response, got %v", err)
	}
}

func TestProcessRegressorClosedPipe(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	reqR.Close()
	respW.Close()

	p := newProcessRegressor(reqW, respR, []string{"left"}, 1, nil)
	if _, err := p.Predict(context.Background(), []float64{1}); err == nil {
		t.Fatalf("expected an error from a dead process")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
