package pipeline

import (
	"bufio"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/conformer"
	"meshtrack/internal/mesh"
	"meshtrack/internal/rig"
	"meshtrack/internal/session"
	"meshtrack/internal/storage"
)

func testMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	b, err := mesh.NewBlendshapes([]string{"push"}, [][]r3.Vec{{{Z: 0.1}, {Z: 0.1}, {Z: 0.1}}}, nil, nil)
	if err != nil {
		t.Fatalf("basis: %v", err)
	}
	m, err := mesh.New("template", []r3.Vec{{Z: 1}, {X: 0.1, Z: 1}, {Y: 0.1, Z: 1}}, []mesh.Face{{0, 1, 2}}, b, map[string]int{"nose": 0})
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	return m
}

// writeCapture writes a one-camera capture directory observing a plane at
// 1.05m in each of frames.
func writeCapture(t *testing.T, frames ...int) string {
	t.Helper()
	dir := t.TempDir()
	cam := capture.Camera{
		Name:       "front",
		Intrinsics: capture.Intrinsics{Fx: 40, Fy: 40, Cx: 16, Cy: 12, Width: 32, Height: 24},
		Extrinsics: capture.IdentityExtrinsics(),
	}
	if err := capture.WriteSession(dir, &capture.SessionManifest{
		ID:         "cap-1",
		Cameras:    map[string]capture.Camera{"front": cam},
		Reference:  "front",
		DepthScale: 0.001,
	}); err != nil {
		t.Fatalf("write session: %v", err)
	}
	depth := image.NewGray16(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			depth.SetGray16(x, y, color.Gray16{Y: 1050})
		}
	}
	f, err := os.Create(filepath.Join(dir, "depth.png"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, depth); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()
	for _, i := range frames {
		if err := capture.WriteFrame(dir, &capture.FrameManifest{
			Index:     i,
			Views:     []capture.ViewManifest{{Camera: "front", Depth: "depth.png"}},
			Landmarks: map[string]capture.Point2{"nose": {X: 16, Y: 12}},
		}); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	return dir
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouterConformStoresIdentity(t *testing.T) {
	template := testMesh(t)
	templatePath := filepath.Join(t.TempDir(), "template.json")
	if err := mesh.Save(templatePath, template); err != nil {
		t.Fatalf("save template: %v", err)
	}
	store := testStore(t)
	r := newRouter(slog.Default(), store, config.Default(), nil, nil)

	var gotScans []conformer.Scan
	var gotOpts conformer.Options
	r.conform = func(ctx context.Context, opts conformer.Options, subject string, tmpl *mesh.Mesh, scans []conformer.Scan) (*mesh.Mesh, conformer.Report, error) {
		gotScans, gotOpts = scans, opts
		identity, err := tmpl.WithNeutral(subject, []r3.Vec{{Z: 1.01}, {X: 0.1, Z: 1.01}, {Y: 0.1, Z: 1.01}})
		return identity, conformer.Report{Subject: subject, Scans: len(scans), Rounds: 2, Coverage: 1}, err
	}

	progressCalls := 0
	out := t.TempDir()
	job := Job{
		ID:     "conform-1",
		Type:   JobConform,
		Output: out,
		Options: map[string]any{
			"subject":  "ada",
			"template": templatePath,
			"scans":    []any{writeCapture(t, 0, 1), writeCapture(t, 0)},
			"progress": func(done, total int) { progressCalls++ },
		},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if len(gotScans) != 3 {
		t.Fatalf("expected one scan per frame, got %d", len(gotScans))
	}
	for _, s := range gotScans {
		if s.Target.Cloud.Empty() || len(s.Target.Landmarks) != 1 || s.Target.Landmarks[0].Vertex != 0 {
			t.Fatalf("scan %s: expected a cloud and the lifted nose landmark, got %d points %+v", s.Name, s.Target.Cloud.Len(), s.Target.Landmarks)
		}
	}
	if gotOpts.Progress == nil {
		t.Fatalf("expected the progress hook to reach the conformer")
	}
	gotOpts.Progress(1, 2)
	if progressCalls != 1 {
		t.Fatalf("expected the job's progress hook to be called")
	}
	stored, err := store.LoadIdentity("ada")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if stored.Neutral(0).Z != 1.01 {
		t.Fatalf("expected the conformed neutral, got %+v", stored.Neutral(0))
	}
	if res.Meta["output"] != filepath.Join(out, "ada.json") || res.Meta["scans"] != 3 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
}

func TestRouterConformNeedsTemplate(t *testing.T) {
	r := newRouter(slog.Default(), nil, config.Default(), nil, nil)
	res := r.Process(context.Background(), Job{ID: "c", Type: JobConform, InputPath: t.TempDir()})
	if res.Error == nil {
		t.Fatalf("expected an error without a template")
	}
}

func TestRouterTrackRecordsFrames(t *testing.T) {
	store := testStore(t)
	if err := store.SaveIdentity("ada", testMesh(t), nil); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	hub := NewFrameHub(nil)
	live, unsub := hub.Subscribe("", 8)
	defer unsub()

	r := newRouter(slog.Default(), store, config.Default(), nil, hub)
	r.track = func(ctx context.Context, sess *session.Session, frames <-chan *capture.Frame, emit func(session.FrameResult) error) (session.Summary, error) {
		var sum session.Summary
		for f := range frames {
			res := session.FrameResult{
				SessionID: sess.ID,
				Frame:     f.Index,
				Output:    rig.Output{Frame: f.Index, Valid: true},
			}
			if err := emit(res); err != nil {
				return sum, err
			}
			sum.Frames++
		}
		return sum, nil
	}

	out := t.TempDir()
	res := r.Process(context.Background(), Job{
		ID:        "track-1",
		Type:      JobTrack,
		InputPath: writeCapture(t, 0, 1, 2),
		Output:    out,
		Options:   map[string]any{"subject": "ada"},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["frames"] != 3 || res.Meta["session"] != "cap-1" {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
	recs, err := store.Frames("cap-1", 0, 10)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(recs) != 3 || !recs[2].Valid {
		t.Fatalf("expected three stored frames, got %+v", recs)
	}
	for i := 0; i < 3; i++ {
		select {
		case fr := <-live:
			if fr.Frame != i {
				t.Fatalf("expected live frame %d, got %d", i, fr.Frame)
			}
		case <-time.After(time.Second):
			t.Fatalf("live frame %d not published", i)
		}
	}
	f, err := os.Open(filepath.Join(out, "cap-1.jsonl"))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	lines := 0
	for sc := bufio.NewScanner(f); sc.Scan(); {
		lines++
	}
	if lines != 3 {
		t.Fatalf("expected 3 output lines, got %d", lines)
	}
}

func TestRouterTrackRequiresIdentity(t *testing.T) {
	r := newRouter(slog.Default(), testStore(t), config.Default(), nil, nil)
	res := r.Process(context.Background(), Job{ID: "t", Type: JobTrack, InputPath: writeCapture(t, 0), Options: map[string]any{"subject": "nobody"}})
	if !errors.Is(res.Error, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", res.Error)
	}
	res = r.Process(context.Background(), Job{ID: "t2", Type: JobTrack, InputPath: writeCapture(t, 0)})
	if res.Error == nil {
		t.Fatalf("expected an error without a subject")
	}
}

func TestRouterUnknownJob(t *testing.T) {
	r := newRouter(slog.Default(), nil, config.Default(), nil, nil)
	if res := r.Process(context.Background(), Job{ID: "x", Type: "stack"}); res.Error == nil {
		t.Fatalf("expected unknown job type error")
	}
}

// blockingProcessor runs until its job is cancelled.
type blockingProcessor struct {
	started chan string
}

func (b *blockingProcessor) Process(ctx context.Context, job Job) Result {
	b.started <- job.ID
	<-ctx.Done()
	return Result{Job: job, Error: ctx.Err()}
}

func TestPipelineCancelJob(t *testing.T) {
	store := testStore(t)
	proc := &blockingProcessor{started: make(chan string, 1)}
	p := newPipeline(context.Background(), 1, slog.Default(), store, NewFrameHub(nil), proc)
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Job{ID: "live", Type: JobTrack, Options: map[string]any{"progress": func(int, int) {}}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-proc.started
	if err := p.Cancel("live"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case res := <-results:
		if !errors.Is(res.Error, context.Canceled) {
			t.Fatalf("expected a cancelled result, got %v", res.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled job did not finish")
	}
	if err := p.Cancel("live"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob after completion, got %v", err)
	}
	jobs, err := store.RecentJobs(1)
	if err != nil || len(jobs) != 1 || jobs[0].Status != "cancelled" {
		t.Fatalf("expected the job recorded as cancelled, got %+v (%v)", jobs, err)
	}
}
