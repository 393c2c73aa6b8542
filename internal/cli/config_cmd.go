package cli

import (
	"fmt"
	"os"

	"meshtrack/internal/capture"
)

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	cfgPath := os.Getenv("MESHTRACK_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/meshtrack/config.json"
	}
	fmt.Printf("Config file: %s\n", cfgPath)
	fmt.Printf("\nPaths:\n")
	fmt.Printf("  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Printf("  Default input: %s\n", r.cfg.Paths.DefaultInput)
	fmt.Printf("  Default output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Printf("  Storage driver: %s\n", r.cfg.Storage.Driver)
	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Printf("  Frame workers: %d\n", r.cfg.Processing.FrameWorkers)
	fmt.Printf("  Look-ahead: %d\n", r.cfg.Processing.LookAhead)
	fmt.Printf("  Min free memory: %d MB\n", r.cfg.Processing.MinFreeMemoryMB)
	fmt.Printf("  Degrade on exhaustion: %t\n", r.cfg.Processing.Degrade)
	fmt.Printf("  Low confidence below: %.2f\n", r.cfg.Processing.LowConfidenceThreshold)
	fmt.Printf("\nSolver:\n")
	fmt.Printf("  Max iterations: %d\n", r.cfg.Solver.MaxIterations)
	fmt.Printf("  Time budget: %d ms\n", r.cfg.Solver.TimeBudgetMS)
	loss := r.cfg.Solver.Loss
	if loss == "" {
		loss = "trivial"
	}
	fmt.Printf("  Loss: %s (scale %g)\n", loss, r.cfg.Solver.LossScale)
	fmt.Printf("\nRegistration:\n")
	fmt.Printf("  Levels: %d\n", len(r.cfg.Registration.Levels))
	fmt.Printf("  Correspondence rounds: %d\n", r.cfg.Registration.CorrespondenceRounds)
	fmt.Printf("  Max correspondence distance: %g\n", r.cfg.Registration.MaxCorrespondenceDistance)
	fmt.Printf("\nInitializer:\n")
	switch {
	case len(r.cfg.Initializer.Command) > 0:
		fmt.Printf("  External process: %v\n", r.cfg.Initializer.Command)
	case r.cfg.Initializer.ModelPath != "":
		fmt.Printf("  Linear model: %s\n", r.cfg.Initializer.ModelPath)
	default:
		fmt.Printf("  Temporal only (fallback %s)\n", r.cfg.Initializer.Fallback)
	}
	fmt.Printf("\nRig: ")
	if r.cfg.Rig.DefinitionPath != "" {
		fmt.Printf("%s\n", r.cfg.Rig.DefinitionPath)
	} else {
		fmt.Printf("basis coefficients\n")
	}
	fmt.Printf("\nServer:\n")
	fmt.Printf("  HTTP: %s\n", r.cfg.Server.Addr)
	fmt.Printf("  gRPC: %s\n", r.cfg.Server.GRPCAddr)
	fmt.Printf("\nAccelerator: %s (%d workers)\n", r.cfg.Accelerator.Backend, r.cfg.Accelerator.Workers)
	fmt.Printf("Extended capture formats: %t\n", capture.SupportsExtended())
	return nil
}
