package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/conformer"
	"meshtrack/internal/gpu"
	"meshtrack/internal/logging"
	"meshtrack/internal/mesh"
	"meshtrack/internal/nrr"
	"meshtrack/internal/recon"
	"meshtrack/internal/session"
	"meshtrack/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	store   *storage.Store
	cfg     *config.Config
	acc     gpu.Accelerator
	frames  *FrameHub
	conform conformFunc
	track   trackFunc
}

type conformFunc func(ctx context.Context, opts conformer.Options, subject string, template *mesh.Mesh, scans []conformer.Scan) (*mesh.Mesh, conformer.Report, error)

type trackFunc func(ctx context.Context, sess *session.Session, frames <-chan *capture.Frame, emit func(session.FrameResult) error) (session.Summary, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, acc gpu.Accelerator, hub *FrameHub) *router {
	r := &router{
		log:    logger,
		store:  store,
		cfg:    cfg,
		acc:    acc,
		frames: hub,
	}
	r.conform = func(ctx context.Context, opts conformer.Options, subject string, template *mesh.Mesh, scans []conformer.Scan) (*mesh.Mesh, conformer.Report, error) {
		return conformer.New(opts, r.log).Conform(ctx, subject, template, scans)
	}
	r.track = func(ctx context.Context, sess *session.Session, frames <-chan *capture.Frame, emit func(session.FrameResult) error) (session.Summary, error) {
		runner, err := session.RunnerFromConfig(r.cfg, r.acc, r.log)
		if err != nil {
			return session.Summary{}, err
		}
		return runner.Run(ctx, sess, frames, emit)
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobConform:
		return r.handleConform(ctx, job)
	case JobTrack:
		return r.handleTrack(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleConform builds an identity mesh from every frame of the scan
// directories and stores it under the subject.
func (r *router) handleConform(ctx context.Context, job Job) Result {
	subject := getStringOption(job.Options, "subject")
	if subject == "" {
		subject = filepath.Base(job.InputPath)
	}
	templatePath := getStringOption(job.Options, "template")
	if templatePath == "" {
		return Result{Job: job, Error: errors.New("conform: template mesh path required")}
	}
	template, err := mesh.Load(templatePath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("load template: %w", err)}
	}
	dirs := getStringsOption(job.Options, "scans")
	if len(dirs) == 0 {
		dirs = []string{job.InputPath}
	}
	scans, err := r.loadScans(ctx, template, dirs)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogProcessingStep(r.log, job.ID, "reconstruct_scans", "completed", map[string]any{"dirs": len(dirs), "scans": len(scans)})

	opts, err := conformer.OptionsFromConfig(r.cfg)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if progress, ok := job.Options["progress"].(func(done, total int)); ok {
		opts.Progress = progress
	}
	identity, rep, err := r.conform(ctx, opts, subject, template, scans)
	meta := map[string]any{
		"subject":       subject,
		"scans":         rep.Scans,
		"rounds":        rep.Rounds,
		"coverage":      rep.Coverage,
		"identity_cost": rep.IdentityCost,
		"max_offset":    rep.MaxOffset,
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	if r.store != nil {
		if err := r.store.SaveIdentity(subject, identity, rep); err != nil {
			return Result{Job: job, Error: fmt.Errorf("store identity: %w", err), Meta: meta}
		}
		logging.LogProcessingStep(r.log, job.ID, "store_identity", "completed", map[string]any{"subject": subject})
	}
	if job.Output != "" {
		if err := os.MkdirAll(job.Output, 0o755); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		path := filepath.Join(job.Output, subject+".json")
		if err := mesh.Save(path, identity); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["output"] = path
	}
	return Result{Job: job, Meta: meta}
}

// loadScans reconstructs each frame of each capture directory into a
// registration target. Detected landmarks are lifted through depth.
func (r *router) loadScans(ctx context.Context, template *mesh.Mesh, dirs []string) ([]conformer.Scan, error) {
	rc := recon.New(recon.OptionsFromConfig(r.cfg), nil, r.acc, r.log)
	var scans []conformer.Scan
	for _, dir := range dirs {
		loader, err := capture.NewLoader(dir, r.cfg.Reconstruction.DepthScale)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
		paths, err := capture.ListFrames(dir)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			f, err := loader.LoadFrame(p)
			if err != nil {
				return nil, fmt.Errorf("scan %s: %w", dir, err)
			}
			cloud, rep, err := rc.Reconstruct(ctx, f)
			if err != nil {
				return nil, fmt.Errorf("scan %s frame %d: %w", dir, f.Index, err)
			}
			for _, w := range rep.Warnings {
				r.log.Warn("scan reconstruction", "scan", dir, "frame", f.Index, "warning", w)
			}
			scans = append(scans, conformer.Scan{
				Name:   filepath.Base(dir) + "#" + strconv.Itoa(f.Index),
				Target: nrr.Target{Cloud: cloud, Landmarks: session.LiftLandmarks(template, f, f.Landmarks)},
			})
		}
	}
	return scans, nil
}

// handleTrack runs a capture directory through a session for a stored
// identity mesh. With "follow" set it keeps ingesting new frames until the
// job is cancelled.
func (r *router) handleTrack(ctx context.Context, job Job) Result {
	loader, err := capture.NewLoader(job.InputPath, r.cfg.Reconstruction.DepthScale)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	identity, subject, err := r.identity(job, loader.Session.Subject)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	id := getStringOption(job.Options, "session")
	if id == "" {
		id = loader.Session.ID
	}
	sess, err := session.Open(r.cfg, id, identity, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer sess.Close()

	frames, err := capture.Stream(ctx, loader, getBoolOption(job.Options, "follow"), r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	var enc *json.Encoder
	meta := map[string]any{"session": sess.ID, "subject": subject}
	if job.Output != "" {
		if err := os.MkdirAll(job.Output, 0o755); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		path := filepath.Join(job.Output, sess.ID+".jsonl")
		f, err := os.Create(path)
		if err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		defer f.Close()
		enc = json.NewEncoder(f)
		meta["output"] = path
	}

	sum, err := r.track(ctx, sess, frames, func(res session.FrameResult) error {
		if err := r.recordFrame(res); err != nil {
			return err
		}
		if enc != nil {
			if err := enc.Encode(res); err != nil {
				return err
			}
		}
		if r.frames != nil {
			r.frames.Publish(res)
		}
		return nil
	})
	meta["frames"] = sum.Frames
	meta["failed"] = sum.Failed
	meta["low_confidence"] = sum.LowConfidence
	meta["fallbacks"] = sum.Fallbacks
	meta["degraded"] = sum.Degraded
	meta["duration_ms"] = sum.Duration.Milliseconds()
	if errors.Is(err, context.Canceled) && getBoolOption(job.Options, "follow") {
		// the only way a live session ends
		r.log.Info("live session stopped", "session", sess.ID, "frames", sum.Frames)
		return Result{Job: job, Meta: meta}
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// identity resolves the job's identity mesh: an explicit mesh file, or the
// stored mesh of the subject, which defaults to the capture's subject.
func (r *router) identity(job Job, captured string) (*mesh.Mesh, string, error) {
	subject := getStringOption(job.Options, "subject")
	if path := getStringOption(job.Options, "identity"); path != "" {
		m, err := mesh.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("load identity: %w", err)
		}
		if subject == "" {
			subject = m.Name()
		}
		return m, subject, nil
	}
	if subject == "" {
		subject = captured
	}
	if subject == "" {
		return nil, "", errors.New("track: subject or identity mesh required")
	}
	if r.store == nil {
		return nil, "", errors.New("track: no store to load the identity mesh from")
	}
	m, err := r.store.LoadIdentity(subject)
	if err != nil {
		return nil, "", err
	}
	return m, subject, nil
}

func (r *router) recordFrame(res session.FrameResult) error {
	if r.store == nil {
		return nil
	}
	out, err := json.Marshal(res.Output)
	if err != nil {
		return err
	}
	diag, err := json.Marshal(res.Diagnostics)
	if err != nil {
		return err
	}
	return r.store.RecordFrame(storage.FrameRecord{
		SessionID:     res.SessionID,
		Frame:         res.Frame,
		Valid:         res.Output.Valid,
		Failed:        res.Failed,
		LowConfidence: res.Output.LowConfidence,
		Output:        out,
		Diagnostics:   diag,
	})
}

// Helper functions to safely extract typed options from job.Options map
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getStringsOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		// decoded JSON
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
