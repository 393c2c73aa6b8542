package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/fsutil"
	"meshtrack/internal/grpcserver"
	"meshtrack/internal/pipeline"
	"meshtrack/internal/server"
	"meshtrack/internal/storage"

	"github.com/google/uuid"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP API and the gRPC rig output service side by
// side until ctx ends or either fails.
func defaultServe(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	var lis net.Listener
	if cfg.GRPCAddr != "" {
		l, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		lis = l
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, cfg.Addr, store, real, log)
	})
	if lis != nil {
		g.Go(func() error {
			return grpcserver.NewRigOutputServer(real.Frames(), store, log).Serve(ctx, lis)
		})
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		serveFn: defaultServe,
	}
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

// Run executes args against the command tree.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, errors.New("pipeline unavailable")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// defaultTemplate looks for a template mesh next to the scans, then in the
// default input directory.
func (r *Root) defaultTemplate(scanDirs []string) string {
	var candidates []string
	for _, dir := range scanDirs {
		candidates = append(candidates, filepath.Join(filepath.Dir(dir), "template.json"), filepath.Join(dir, "template.json"))
	}
	if r.cfg.Paths.DefaultInput != "" {
		if in, err := config.ExpandUser(r.cfg.Paths.DefaultInput); err == nil {
			candidates = append(candidates, filepath.Join(in, "template.json"))
		}
	}
	return fsutil.FirstExisting(candidates...)
}

// printMeta prints result metadata in key order.
func printMeta(meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %v\n", k, meta[k])
	}
}

// captureReport summarises a capture directory before tracking it.
type captureReport struct {
	Session  *capture.SessionManifest
	Frames   int
	Images   int
	Extended []string
}

func inspectCapture(dir string) (captureReport, error) {
	var rep captureReport
	s, err := capture.LoadSession(dir)
	if err != nil {
		return rep, err
	}
	rep.Session = s
	frames, err := capture.ListFrames(dir)
	if err != nil {
		return rep, err
	}
	rep.Frames = len(frames)
	images, err := fsutil.ListImages(dir)
	if err != nil {
		return rep, err
	}
	rep.Images = len(images)
	rep.Extended, _ = fsutil.SeparateExtended(images)
	return rep, nil
}

func (rep captureReport) print(dir string) {
	fmt.Printf("Capture %s\n", dir)
	fmt.Printf("  Session: %s\n", rep.Session.ID)
	fmt.Printf("  Subject: %s\n", rep.Session.Subject)
	names := make([]string, 0, len(rep.Session.Cameras))
	for name := range rep.Session.Cameras {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("  Cameras: %s (reference %s)\n", strings.Join(names, ", "), rep.Session.Reference)
	fmt.Printf("  Frames: %d\n", rep.Frames)
	fmt.Printf("  Images: %d\n", rep.Images)
	if len(rep.Extended) > 0 {
		if capture.SupportsExtended() {
			fmt.Printf("  Extended-format images: %d\n", len(rep.Extended))
		} else {
			fmt.Printf("  Extended-format images: %d (unreadable without the imagick build)\n", len(rep.Extended))
		}
	}
}
