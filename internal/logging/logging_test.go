package logging

import (
	"bytes"
	"context"
	"errors"
	"log"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestTraditionalHandlerFormatsAttributes(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo}
	logger := slog.New(h)

	LogFrameSolved(logger, "sess-1", 12, 4, 0.25, true, 3*time.Millisecond)
	out := buf.String()
	if !strings.HasPrefix(out, "[INFO] frame solved [") {
		t.Fatalf("unexpected prefix: %q", out)
	}
	for _, want := range []string{"session=sess-1", "frame=12", "converged=true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestTraditionalHandlerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelWarn})

	LogStage(logger, "s", 1, "recon", time.Millisecond, nil)
	if buf.Len() != 0 {
		t.Fatalf("debug stage log should be filtered, got %q", buf.String())
	}
	LogFrameFallback(logger, "s", 2, "previous", errors.New("empty cloud"))
	if !strings.Contains(buf.String(), "reason=empty cloud") {
		t.Fatalf("expected fallback reason, got %q", buf.String())
	}
}

func TestJobLogsCarrySessionFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo})
	fields := JobFields{Subject: "ada", Session: "take-3", Source: "cli"}

	LogJobStart(logger, "track", "job-1", fields)
	LogJobError(logger, "track", "job-1", fields, time.Second, context.Canceled)
	LogJobError(logger, "track", "job-2", JobFields{Subject: "ada"}, time.Second, errors.New("no identity"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected three records, got %q", buf.String())
	}
	for _, want := range []string{"subject=ada", "session=take-3", "source=cli"} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("expected %q in %q", want, lines[0])
		}
	}
	if strings.Contains(lines[0], "capture=") {
		t.Fatalf("empty fields should be left out, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[INFO] job cancelled") {
		t.Fatalf("expected cancellation at info level, got %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "[ERROR] job failed") || !strings.Contains(lines[2], "error=no identity") {
		t.Fatalf("unexpected failure record %q", lines[2])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
