package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/meshtrack/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the tracker.
type Config struct {
	Processing     Processing     `json:"processing"`
	Logging        Logging        `json:"logging"`
	Paths          Paths          `json:"paths"`
	Storage        Storage        `json:"storage"`
	Solver         Solver         `json:"solver"`
	Registration   Registration   `json:"registration"`
	Tracker        Tracker        `json:"tracker"`
	Reconstruction Reconstruction `json:"reconstruction"`
	Conformer      Conformer      `json:"conformer"`
	Initializer    Initializer    `json:"initializer"`
	Rig            Rig            `json:"rig"`
	Server         Server         `json:"server"`
	Accelerator    Accelerator    `json:"accelerator"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs    int   `json:"parallel_jobs"`
	FrameWorkers    int   `json:"frame_workers"`
	LookAhead       int   `json:"look_ahead"`         // frames in flight ahead of the ordered solve
	MinFreeMemoryMB int64 `json:"min_free_memory_mb"` // below this, frames run degraded
	Degrade         bool  `json:"degrade"`            // degrade instead of failing on exhaustion

	// LowConfidenceThreshold flags frames whose coverage x cloud confidence
	// falls below it.
	LowConfidenceThreshold float64 `json:"low_confidence_threshold"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Storage selects the database driver.
type Storage struct {
	Driver string `json:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// Solver configures the nonlinear least-squares core.
type Solver struct {
	MaxIterations      int     `json:"max_iterations"`
	TimeBudgetMS       int     `json:"time_budget_ms"` // 0 disables the wall-clock budget
	FunctionTolerance  float64 `json:"function_tolerance"`
	ParameterTolerance float64 `json:"parameter_tolerance"`
	GradientTolerance  float64 `json:"gradient_tolerance"`
	RankTolerance      float64 `json:"rank_tolerance"`
	InitialDamping     float64 `json:"initial_damping"`
	DampingIncrease    float64 `json:"damping_increase"`
	DampingDecrease    float64 `json:"damping_decrease"`
	MinDamping         float64 `json:"min_damping"`
	MaxDamping         float64 `json:"max_damping"`
	MaxStepRetries     int     `json:"max_step_retries"`
	DenseThreshold     int     `json:"dense_threshold"`
	CGMaxIterations    int     `json:"cg_max_iterations"`
	CGTolerance        float64 `json:"cg_tolerance"`
	Loss               string  `json:"loss"` // trivial, huber, cauchy, tukey
	LossScale          float64 `json:"loss_scale"`
}

// Level is one resolution step of coarse-to-fine registration.
type Level struct {
	VertexStride int `json:"vertex_stride"`
	CloudStride  int `json:"cloud_stride"`
}

// Registration weights and schedules the non-rigid registration terms.
type Registration struct {
	FitWeight                 float64 `json:"fit_weight"`
	PointToPlaneWeight        float64 `json:"point_to_plane_weight"`
	LandmarkWeight            float64 `json:"landmark_weight"`
	CoefficientPrior          float64 `json:"coefficient_prior"`
	TemporalWeight            float64 `json:"temporal_weight"`
	LaplacianWeight           float64 `json:"laplacian_weight"`
	OffsetPrior               float64 `json:"offset_prior"`
	OcclusionBoost            float64 `json:"occlusion_boost"`
	MaxCorrespondenceDistance float64 `json:"max_correspondence_distance"`
	CorrespondenceRounds      int     `json:"correspondence_rounds"`
	Levels                    []Level `json:"levels"`
	SolveRigid                bool    `json:"solve_rigid"`
	SolveOffsets              bool    `json:"solve_offsets"`
	MinCoverage               float64 `json:"min_coverage"`
}

// Tracker configures dense optical flow between adjacent frames.
type Tracker struct {
	Levels           int     `json:"levels"`
	WindowRadius     int     `json:"window_radius"`
	Iterations       int     `json:"iterations"`
	MinConfidence    float64 `json:"min_confidence"`
	DecayPerFrame    float64 `json:"decay_per_frame"`
	TextureScale     float64 `json:"texture_scale"`
	PhotometricSigma float64 `json:"photometric_sigma"`
	ForwardBackward  bool    `json:"forward_backward"`
	FBThreshold      float64 `json:"fb_threshold"` // pixels
	GridStride       int     `json:"grid_stride"`  // source pixels between tracked samples
}

// Reconstruction configures depth fusion and triangulation.
type Reconstruction struct {
	MinDepth              float64 `json:"min_depth"`
	MaxDepth              float64 `json:"max_depth"`
	Stride                int     `json:"stride"`
	ConfidenceFloor       float64 `json:"confidence_floor"`
	MaxPoints             int     `json:"max_points"`
	DegradedPoints        int     `json:"degraded_points"`
	ReprojectionThreshold float64 `json:"reprojection_threshold"`
	TriangulationStride   int     `json:"triangulation_stride"`
	MinOverlap            float64 `json:"min_overlap"`
	EstimateNormals       bool    `json:"estimate_normals"`
	DepthScale            float64 `json:"depth_scale"` // meters per stored depth unit
}

// Conformer configures identity mesh construction.
type Conformer struct {
	Rounds            int     `json:"rounds"`
	MinScans          int     `json:"min_scans"`
	MinCoverage       float64 `json:"min_coverage"`
	LaplacianWeight   float64 `json:"laplacian_weight"`
	OffsetPrior       float64 `json:"offset_prior"`
	ParallelScans     int     `json:"parallel_scans"`
	CoverageThreshold float64 `json:"coverage_threshold"` // max distance for a covered vertex
}

// Initializer configures the predictive initializer.
type Initializer struct {
	ModelPath string   `json:"model_path"`
	Command   []string `json:"command"`   // external regressor process, optional
	Landmarks []string `json:"landmarks"` // feature order for the external process
	Fallback  string   `json:"fallback"`  // previous, neutral
}

// Rig configures rig output mapping.
type Rig struct {
	DefinitionPath string  `json:"definition_path"`
	Regularization float64 `json:"regularization"`
}

// Server configures the network surfaces.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Accelerator configures the compute layer.
type Accelerator struct {
	Backend    string `json:"backend"` // cpu
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
	BandRows   int    `json:"band_rows"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("MESHTRACK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects settings the solver stages cannot run with.
func (c *Config) Validate() error {
	switch c.Solver.Loss {
	case "", "trivial", "huber", "cauchy", "tukey":
	default:
		return fmt.Errorf("unknown solver loss %q", c.Solver.Loss)
	}
	if c.Solver.Loss != "" && c.Solver.Loss != "trivial" && c.Solver.LossScale <= 0 {
		return fmt.Errorf("solver loss %q needs a positive loss_scale", c.Solver.Loss)
	}
	if c.Solver.DampingIncrease <= 1 || c.Solver.DampingDecrease <= 1 {
		return errors.New("damping increase and decrease factors must be greater than 1")
	}
	if c.Tracker.DecayPerFrame <= 0 || c.Tracker.DecayPerFrame > 1 {
		return fmt.Errorf("tracker decay_per_frame %.3f outside (0,1]", c.Tracker.DecayPerFrame)
	}
	if t := c.Processing.LowConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("processing low_confidence_threshold %.3f outside [0,1]", t)
	}
	if c.Registration.MinCoverage < 0 || c.Registration.MinCoverage > 1 {
		return fmt.Errorf("registration min_coverage %.3f outside [0,1]", c.Registration.MinCoverage)
	}
	for i, lvl := range c.Registration.Levels {
		if lvl.VertexStride < 1 || lvl.CloudStride < 1 {
			return fmt.Errorf("registration level %d: strides must be >= 1", i)
		}
	}
	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Initializer.Fallback {
	case "", "previous", "neutral":
	default:
		return fmt.Errorf("unknown initializer fallback %q", c.Initializer.Fallback)
	}
	return nil
}

func defaultConfig() *Config {
	workers := runtime.NumCPU()
	return &Config{
		Processing: Processing{
			ParallelJobs:    defaultParallel,
			FrameWorkers:    4,
			LookAhead:       8,
			MinFreeMemoryMB: 512,
			Degrade:         true,

			LowConfidenceThreshold: 0.5,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "meshtrack.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Solver: Solver{
			MaxIterations:      50,
			TimeBudgetMS:       0,
			FunctionTolerance:  1e-10,
			ParameterTolerance: 1e-10,
			GradientTolerance:  1e-12,
			RankTolerance:      1e-12,
			InitialDamping:     1e-4,
			DampingIncrease:    10,
			DampingDecrease:    3,
			MinDamping:         1e-12,
			MaxDamping:         1e12,
			MaxStepRetries:     10,
			DenseThreshold:     600,
			CGMaxIterations:    500,
			CGTolerance:        1e-10,
			Loss:               "huber",
			LossScale:          0.005,
		},
		Registration: Registration{
			FitWeight:                 1.0,
			PointToPlaneWeight:        0.5,
			LandmarkWeight:            4.0,
			CoefficientPrior:          1e-4,
			TemporalWeight:            1e-3,
			LaplacianWeight:           1.0,
			OffsetPrior:               1e-3,
			OcclusionBoost:            10,
			MaxCorrespondenceDistance: 0.02,
			CorrespondenceRounds:      3,
			Levels:                    []Level{{VertexStride: 4, CloudStride: 4}, {VertexStride: 1, CloudStride: 1}},
			SolveRigid:                true,
			SolveOffsets:              false,
			MinCoverage:               0.05,
		},
		Tracker: Tracker{
			Levels:           3,
			WindowRadius:     3,
			Iterations:       5,
			MinConfidence:    0.2,
			DecayPerFrame:    0.95,
			TextureScale:     1e-3,
			PhotometricSigma: 0.1,
			ForwardBackward:  true,
			FBThreshold:      1.0,
			GridStride:       4,
		},
		Reconstruction: Reconstruction{
			MinDepth:              0.1,
			MaxDepth:              3.0,
			Stride:                2,
			ConfidenceFloor:       0.1,
			MaxPoints:             60000,
			DegradedPoints:        4000,
			ReprojectionThreshold: 2.0,
			TriangulationStride:   8,
			MinOverlap:            0.05,
			EstimateNormals:       true,
			DepthScale:            0.001,
		},
		Conformer: Conformer{
			Rounds:            3,
			MinScans:          1,
			MinCoverage:       0.6,
			LaplacianWeight:   2.0,
			OffsetPrior:       1e-3,
			ParallelScans:     workers,
			CoverageThreshold: 0.01,
		},
		Initializer: Initializer{Fallback: "previous"},
		Rig:         Rig{Regularization: 1e-6},
		Server:      Server{Addr: ":8080", GRPCAddr: ":9090"},
		Accelerator: Accelerator{
			Backend:    "cpu",
			Workers:    workers,
			QueueDepth: 256,
			BandRows:   16,
		},
	}
}

// ExpandUser resolves a leading ~ to the user's home directory.
func ExpandUser(path string) (string, error) {
	return expandUser(path)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
