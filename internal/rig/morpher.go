package rig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"meshtrack/internal/config"
	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
)

// ChannelValue is one control of a rig output.
type ChannelValue struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Raw     float64 `json:"raw"`
	Clamped bool    `json:"clamped,omitempty"`
}

// Output is the rig-space result for one frame.
type Output struct {
	Frame         int            `json:"frame"`
	Channels      []ChannelValue `json:"channels"`
	Valid         bool           `json:"valid"`
	Confidence    float64        `json:"confidence"`
	LowConfidence bool           `json:"low_confidence"`
	Clamped       bool           `json:"clamped"`
}

// Values returns the channel values keyed by name.
func (o Output) Values() map[string]float64 {
	out := make(map[string]float64, len(o.Channels))
	for _, c := range o.Channels {
		out[c.Name] = c.Value
	}
	return out
}

// Morpher maps solved states to rig outputs.
type Morpher struct {
	def    *Definition
	mapper Mapper
	log    *slog.Logger
}

// NewMorpher fits def to the mesh basis. An incompatible definition is
// ErrTopologyMismatch.
func NewMorpher(def *Definition, m *mesh.Mesh, regularization float64, solver nls.Options, logger *slog.Logger) (*Morpher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mapper, err := NewMapper(def, m.Basis(), regularization, solver)
	if err != nil {
		return nil, err
	}
	return &Morpher{def: def, mapper: mapper, log: logger}, nil
}

// FromConfig loads the configured rig definition. Without one, the rig is
// the basis itself: one control per coefficient within the basis bounds.
func FromConfig(cfg config.Rig, solver nls.Options, m *mesh.Mesh, logger *slog.Logger) (*Morpher, error) {
	var def *Definition
	if cfg.DefinitionPath != "" {
		d, err := LoadDefinition(cfg.DefinitionPath)
		if err != nil {
			return nil, err
		}
		def = d
	} else {
		def = BasisDefinition(m)
	}
	return NewMorpher(def, m, cfg.Regularization, solver, logger)
}

// BasisDefinition exposes each coefficient of m's basis as a control.
func BasisDefinition(m *mesh.Mesh) *Definition {
	b := m.Basis()
	lo, hi := b.Bounds()
	def := &Definition{Name: m.Name()}
	for i, n := range b.Names() {
		c := Control{Name: n, Min: math.Inf(-1), Max: math.Inf(1)}
		if lo != nil {
			c.Min, c.Max = lo[i], hi[i]
			if c.Default < c.Min || c.Default > c.Max {
				c.Default = c.Min
			}
		}
		def.Controls = append(def.Controls, c)
	}
	return def
}

// Definition returns the rig definition.
func (m *Morpher) Definition() *Definition { return m.def }

// Mapper returns the underlying mapper.
func (m *Morpher) Mapper() Mapper { return m.mapper }

// Morph converts s into control values for frame. Values outside a
// control's range are clamped and flagged per channel and on the output.
// Mapping failures other than cancellation yield the rig defaults, flagged
// invalid.
func (m *Morpher) Morph(ctx context.Context, frame int, s mesh.State, confidence float64, lowConfidence bool) (Output, error) {
	out := Output{
		Frame:         frame,
		Confidence:    confidence,
		LowConfidence: lowConfidence,
		Valid:         true,
	}
	raw, err := m.mapper.Forward(ctx, s)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		if errors.Is(err, ErrTopologyMismatch) {
			return Output{}, err
		}
		m.log.Warn("rig mapping failed, emitting defaults", "frame", frame, "error", err)
		raw = make([]float64, len(m.def.Controls))
		for i, c := range m.def.Controls {
			raw[i] = c.Default
		}
		out.Valid = false
		out.LowConfidence = true
	}
	out.Channels = make([]ChannelValue, len(raw))
	for i, c := range m.def.Controls {
		v := raw[i]
		cv := ChannelValue{Name: c.Name, Raw: v, Value: v}
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0) && (math.IsInf(c.Min, 0) || math.IsInf(c.Max, 0)):
			cv.Value, cv.Raw, cv.Clamped = c.Default, c.Default, true
		case v < c.Min:
			cv.Value, cv.Clamped = c.Min, true
		case v > c.Max:
			cv.Value, cv.Clamped = c.Max, true
		}
		if math.IsInf(cv.Raw, 0) {
			// Non-finite values do not survive JSON encoding.
			cv.Raw = cv.Value
		}
		if cv.Clamped {
			out.Clamped = true
		}
		out.Channels[i] = cv
	}
	if out.Clamped {
		m.log.Debug("rig channels clamped", "frame", frame)
	}
	return out, nil
}

// State maps an output back to mesh space through the declared inverse.
func (m *Morpher) State(o Output) (mesh.State, error) {
	if len(o.Channels) != len(m.def.Controls) {
		return mesh.State{}, fmt.Errorf("%w: output has %d channels, rig has %d", ErrTopologyMismatch, len(o.Channels), len(m.def.Controls))
	}
	controls := make([]float64, len(o.Channels))
	for i, c := range o.Channels {
		controls[i] = c.Value
	}
	return m.mapper.Inverse(controls)
}
