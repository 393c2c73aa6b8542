package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meshtrack/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with file output and rotation
func Setup(cfg *config.Config) (*slog.Logger, error) {
	// Parse log level
	level := parseLevel(cfg.Logging.Level)

	// Create log directory
	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
	}

	// Configure output writers
	var writers []io.Writer

	// Always include stdout for immediate feedback
	writers = append(writers, os.Stdout)

	// Add file output if enabled
	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("meshtrack-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}

		writers = append(writers, file)

		// Create a symlink for the current log
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "meshtrack-current.log")
		os.Remove(currentLogPath) // Remove existing symlink
		if err := os.Symlink(filepath.Base(logFile), currentLogPath); err != nil {
			// Symlink failed, but continue - it's not critical
		}
	}

	// Combine all writers
	multiWriter := io.MultiWriter(writers...)

	// Create a standard logger that uses traditional format
	logger := log.New(multiWriter, "", log.LstdFlags)

	// Create a wrapper that implements slog.Handler interface but uses traditional format
	handler := &TraditionalHandler{
		logger: logger,
		level:  level,
	}

	slogLogger := slog.New(handler)

	// Set as default logger
	slog.SetDefault(slogLogger)

	// Log startup information
	slogLogger.Info("meshtrack logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String()

	// Build message with attributes
	msg := r.Message
	attrs := make([]string, 0)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	// Use traditional format: [LEVEL] message
	h.logger.Printf("[%s] %s", strings.ToUpper(level), msg)

	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// For simplicity, return the same handler
	return h
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	// For simplicity, return the same handler
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JobFields identifies what a conform or track job works on. Empty fields
// are left out of the record.
type JobFields struct {
	Subject string
	Session string
	Capture string // capture or scan directory
	Source  string // cli or http
}

func (f JobFields) attrs() []any {
	var out []any
	for _, kv := range [][2]string{
		{"subject", f.Subject},
		{"session", f.Session},
		{"capture", f.Capture},
		{"source", f.Source},
	} {
		if kv[1] != "" {
			out = append(out, kv[0], kv[1])
		}
	}
	return out
}

// LogJobStart logs the beginning of a job
func LogJobStart(logger *slog.Logger, jobType, jobID string, fields JobFields) {
	args := append([]any{"type", jobType, "id", jobID}, fields.attrs()...)
	logger.Info("job started", args...)
}

// LogJobComplete logs successful job completion along with its frame counts
// or conform report.
func LogJobComplete(logger *slog.Logger, jobType, jobID string, fields JobFields, duration time.Duration, result map[string]any) {
	args := append([]any{"type", jobType, "id", jobID}, fields.attrs()...)
	args = append(args,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", result,
	)
	logger.Info("job completed successfully", args...)
}

// LogJobError logs job failures. A cancelled job is logged at info level.
func LogJobError(logger *slog.Logger, jobType, jobID string, fields JobFields, duration time.Duration, err error) {
	args := append([]any{"type", jobType, "id", jobID}, fields.attrs()...)
	args = append(args,
		"duration_ms", duration.Milliseconds(),
		"error", errText(err),
	)
	if errors.Is(err, context.Canceled) {
		logger.Info("job cancelled", args...)
		return
	}
	logger.Error("job failed", args...)
}

// LogProcessingStep logs individual processing steps within a job
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}

// LogFrameSolved logs a frame whose registration produced a rig output.
func LogFrameSolved(logger *slog.Logger, sessionID string, frame int, iterations int, finalCost float64, converged bool, duration time.Duration) {
	logger.Info("frame solved",
		"session", sessionID,
		"frame", frame,
		"iterations", iterations,
		"final_cost", finalCost,
		"converged", converged,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogFrameFallback logs a frame that was emitted from the initializer guess.
func LogFrameFallback(logger *slog.Logger, sessionID string, frame int, source string, reason error) {
	logger.Warn("frame fell back to initial guess",
		"session", sessionID,
		"frame", frame,
		"source", source,
		"reason", errText(reason),
	)
}

// LogStage logs the duration of one per-frame stage at debug level.
func LogStage(logger *slog.Logger, sessionID string, frame int, stage string, duration time.Duration, details map[string]any) {
	logger.Debug("stage finished",
		"session", sessionID,
		"frame", frame,
		"stage", stage,
		"duration_ms", duration.Milliseconds(),
		"details", details,
	)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
