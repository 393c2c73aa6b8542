// Package session runs captured frames through reconstruction, tracking,
// registration and rig mapping, emitting one result per frame in index
// order.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshtrack/internal/mesh"
	"meshtrack/internal/predict"
	"meshtrack/internal/rig"
)

// ErrNonMonotonic reports a frame whose index does not exceed the previous
// frame's. It ends the run.
var ErrNonMonotonic = errors.New("session: frame indices must be strictly increasing")

// Session binds a subject's final identity mesh to the initializer and rig
// that interpret it. Its parts are read-only while frames run.
type Session struct {
	ID          string
	identity    *mesh.Mesh
	initializer *predict.Initializer
	morpher     *rig.Morpher
}

// New checks that the rig fits the identity mesh. An empty id is replaced
// by a generated one.
func New(id string, identity *mesh.Mesh, in *predict.Initializer, mo *rig.Morpher) (*Session, error) {
	if identity == nil || in == nil || mo == nil {
		return nil, errors.New("session: identity mesh, initializer and rig are required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := mo.Morph(context.Background(), -1, mesh.NeutralState(identity), 1, false); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return &Session{ID: id, identity: identity, initializer: in, morpher: mo}, nil
}

// Identity returns the identity mesh frames are registered with.
func (s *Session) Identity() *mesh.Mesh { return s.identity }

// Morpher returns the session's rig.
func (s *Session) Morpher() *rig.Morpher { return s.morpher }

// Diagnostics records how one frame was solved, or why it was not.
type Diagnostics struct {
	Frame           int            `json:"frame"`
	Iterations      int            `json:"iterations"`
	InitialCost     float64        `json:"initial_cost"`
	FinalCost       float64        `json:"final_cost"`
	Converged       bool           `json:"converged"`
	Termination     string         `json:"termination,omitempty"`
	Points          int            `json:"points"`
	Correspondences int            `json:"correspondences"` // valid flow entries from the previous frame
	Landmarks       int            `json:"landmarks"`
	Coverage        float64        `json:"coverage"`
	InitSource      predict.Source `json:"init_source"`
	Fallback        predict.Source `json:"fallback,omitempty"` // set when the solve was abandoned
	Degraded        bool           `json:"degraded"`
	LowConfidence   bool           `json:"low_confidence"`
	Failure         string         `json:"failure,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	Duration        time.Duration  `json:"duration"`
}

func (d *Diagnostics) warn(format string, args ...any) {
	d.Warnings = append(d.Warnings, fmt.Sprintf(format, args...))
}

// FrameResult is the output of one frame.
type FrameResult struct {
	SessionID   string      `json:"session_id"`
	Frame       int         `json:"frame"`
	State       mesh.State  `json:"state"`
	Output      rig.Output  `json:"output"`
	Diagnostics Diagnostics `json:"diagnostics"`
	// Failed marks a per-frame failure; Output then holds the fallback,
	// flagged invalid, and Diagnostics.Failure the cause.
	Failed bool `json:"failed"`
}

// Summary counts the outcomes of a run.
type Summary struct {
	Frames        int           `json:"frames"`
	Failed        int           `json:"failed"`
	LowConfidence int           `json:"low_confidence"`
	Fallbacks     int           `json:"fallbacks"`
	Degraded      int           `json:"degraded"`
	Duration      time.Duration `json:"duration"`
}

func (s *Summary) add(r FrameResult) {
	s.Frames++
	if r.Failed {
		s.Failed++
	}
	if r.Output.LowConfidence {
		s.LowConfidence++
	}
	if r.Diagnostics.Fallback != "" {
		s.Fallbacks++
	}
	if r.Diagnostics.Degraded {
		s.Degraded++
	}
}
