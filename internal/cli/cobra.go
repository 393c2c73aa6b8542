package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"meshtrack/internal/config"
	"meshtrack/internal/grpcserver"
	"meshtrack/internal/pipeline"
	"meshtrack/internal/storage"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).command()
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshtrack",
		Short: "meshtrack conforms identity meshes and tracks capture sessions",
		Long: `meshtrack builds a subject's identity mesh from static scans and tracks
multi-view capture sessions frame by frame, emitting rig control values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newConformCmd(r))
	rootCmd.AddCommand(newTrackCmd(r))
	rootCmd.AddCommand(newInspectCmd(r))
	rootCmd.AddCommand(newFramesCmd(r))
	rootCmd.AddCommand(newSubjectsCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newListenCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newConformCmd(root *Root) *cobra.Command {
	var (
		template   string
		subject    string
		output     string
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "conform <scan_dir> [scan_dir...]",
		Short: "Build a subject's identity mesh from static scans",
		Long: `Fit the template mesh to every frame of the given scan capture directories
and store the resulting identity mesh under the subject name.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if template == "" {
				template = root.defaultTemplate(args)
			}
			if template == "" {
				return errors.New("no template mesh: pass --template")
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			opts := map[string]any{
				"template": template,
				"subject":  subject,
				"scans":    args,
				"source":   "cli",
			}
			if !noProgress {
				p := newConformProgress(os.Stderr)
				defer p.finish()
				opts["progress"] = p.update
			}
			job := pipeline.Job{
				ID:        newID("conform"),
				Type:      pipeline.JobConform,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Printf("Identity mesh stored\n")
			printMeta(res.Meta)
			return nil
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", "", "template mesh (JSON)")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject name (default: first scan directory name)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for the identity mesh")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")

	return cmd
}

// conformProgress drives a progress bar from conformer callbacks, which
// arrive from worker goroutines.
type conformProgress struct {
	mu  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
	max int
}

func newConformProgress(w io.Writer) *conformProgress {
	return &conformProgress{w: w}
}

func (p *conformProgress) update(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Conforming"),
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionShowCount(),
		)
		p.max = total
	}
	if total != p.max {
		p.bar.ChangeMax(total)
		p.max = total
	}
	p.bar.Set(done)
}

func (p *conformProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
		fmt.Fprintln(p.w)
	}
}

// frameSource is implemented by pipelines that publish live frames.
type frameSource interface {
	Frames() *pipeline.FrameHub
}

func newTrackCmd(root *Root) *cobra.Command {
	var (
		subject    string
		identity   string
		sessionID  string
		output     string
		follow     bool
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "track <capture_dir>",
		Short: "Track a capture session and emit rig outputs",
		Long: `Solve every frame of a capture session against the subject's identity mesh.
With --follow the session directory is watched for new frames until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			opts := map[string]any{
				"subject": subject,
				"follow":  follow,
				"source":  "cli",
			}
			if identity != "" {
				opts["identity"] = identity
			}
			if sessionID != "" {
				opts["session"] = sessionID
			}
			if !noProgress {
				if src, ok := root.pipeline.(frameSource); ok {
					frames, unsubscribe := src.Frames().Subscribe(sessionID, 0)
					defer unsubscribe()
					bar := progressbar.NewOptions(-1,
						progressbar.OptionSetDescription("Tracking"),
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionShowCount(),
					)
					go func() {
						for range frames {
							bar.Add(1)
						}
					}()
					defer bar.Finish()
				}
			}
			job := pipeline.Job{
				ID:        newID("track"),
				Type:      pipeline.JobTrack,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Printf("\nSession tracked\n")
			printMeta(res.Meta)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject whose stored identity mesh is used")
	cmd.Flags().StringVar(&identity, "identity", "", "identity mesh file (overrides --subject)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: from the capture manifest)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for the JSONL rig output")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep watching for new frames")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")

	return cmd
}

func newInspectCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <capture_dir>",
		Short: "Summarise a capture directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := inspectCapture(args[0])
			if err != nil {
				return err
			}
			rep.print(args[0])
			return nil
		},
	}
}

func newFramesCmd(root *Root) *cobra.Command {
	var (
		from        int
		limit       int
		diagnostics bool
	)

	cmd := &cobra.Command{
		Use:   "frames <session_id>",
		Short: "Print stored frame results of a session as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("store unavailable")
			}
			recs, err := root.store.Frames(args[0], from, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no frames stored for session %q", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			for _, rec := range recs {
				line := map[string]any{
					"frame":          rec.Frame,
					"valid":          rec.Valid,
					"failed":         rec.Failed,
					"low_confidence": rec.LowConfidence,
					"output":         rec.Output,
				}
				if diagnostics {
					line["diagnostics"] = rec.Diagnostics
				}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&from, "from", 0, "first frame index")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum frames to print")
	cmd.Flags().BoolVar(&diagnostics, "diagnostics", false, "include per-frame diagnostics")

	return cmd
}

func newSubjectsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "subjects",
		Short: "List subjects with a stored identity mesh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("store unavailable")
			}
			subjects, err := root.store.Subjects()
			if err != nil {
				return err
			}
			for _, s := range subjects {
				fmt.Println(s)
			}
			return nil
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the gRPC rig output service",
		Long: `Start an HTTP server for job submission, stored results and live frame
streams, alongside a gRPC service delivering rig outputs.

Examples:
  meshtrack serve --addr :8080
  meshtrack serve --addr :8080 --grpc-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg.Server
			if addr != "" {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.GRPCAddr = grpcAddr
			}
			root.log.Info("starting server", "addr", cfg.Addr, "grpc_addr", cfg.GRPCAddr)
			return root.serveFn(cmd.Context(), cfg, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address, empty to disable")

	return cmd
}

func newListenCmd(root *Root) *cobra.Command {
	var (
		addr       string
		sessionID  string
		caCert     string
		serverName string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print live rig outputs from a meshtrack gRPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.GRPCAddr
			}
			client, err := grpcserver.Dial(grpcserver.ClientConfig{Address: addr, CACertPath: caCert, ServerName: serverName})
			if err != nil {
				return err
			}
			defer client.Close()
			return listen(cmd.Context(), client, sessionID, count, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC server address (default from config)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session to follow, empty for all")
	cmd.Flags().StringVar(&caCert, "ca", "", "CA certificate enabling TLS")
	cmd.Flags().StringVar(&serverName, "server-name", "", "TLS server name override")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many frames, 0 for no limit")

	return cmd
}

func listen(ctx context.Context, client *grpcserver.Client, sessionID string, count int, w io.Writer) error {
	stream, err := client.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for n := 0; count == 0 || n < count; n++ {
		res, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(res.Output); err != nil {
			return err
		}
	}
	return nil
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate meshtrack configuration",
	}

	// config show subcommand
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	// config validate subcommand
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	// config dump subcommand
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}

	cmd.AddCommand(showCmd, validateCmd, dumpCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("meshtrack %s\n", Version)
			fmt.Printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}
