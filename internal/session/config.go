package session

import (
	"fmt"
	"log/slog"

	"meshtrack/internal/config"
	"meshtrack/internal/flow"
	"meshtrack/internal/gpu"
	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
	"meshtrack/internal/nrr"
	"meshtrack/internal/predict"
	"meshtrack/internal/recon"
	"meshtrack/internal/rig"
)

// RunnerFromConfig builds a Runner whose stages share acc. The dense
// tracker doubles as the stereo matcher for image-only views.
func RunnerFromConfig(cfg *config.Config, acc gpu.Accelerator, logger *slog.Logger) (*Runner, error) {
	solver, err := nls.OptionsFromConfig(cfg.Solver)
	if err != nil {
		return nil, err
	}
	tracker := flow.NewTracker(flow.OptionsFromConfig(cfg), acc, logger)
	rc := recon.New(recon.OptionsFromConfig(cfg), tracker, acc, logger)
	eng := nrr.NewEngine(nrr.OptionsFromConfig(cfg.Registration, solver), logger)
	return NewRunner(OptionsFromConfig(cfg), rc, tracker, eng, logger), nil
}

// Open builds a session for identity with the configured initializer and
// rig. The caller closes the returned session to stop an external
// regressor process.
func Open(cfg *config.Config, id string, identity *mesh.Mesh, logger *slog.Logger) (*Session, error) {
	solver, err := nls.OptionsFromConfig(cfg.Solver)
	if err != nil {
		return nil, err
	}
	in, err := predict.FromConfig(cfg.Initializer, identity, logger)
	if err != nil {
		return nil, fmt.Errorf("initializer: %w", err)
	}
	mo, err := rig.FromConfig(cfg.Rig, solver, identity, logger)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("rig: %w", err)
	}
	s, err := New(id, identity, in, mo)
	if err != nil {
		in.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the initializer's resources.
func (s *Session) Close() error {
	return s.initializer.Close()
}
