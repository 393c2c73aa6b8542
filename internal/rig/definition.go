// Package rig re-expresses solved mesh deformations as named rig control
// values within each control's declared range.
package rig

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrTopologyMismatch reports a rig definition that does not fit the mesh
// basis it is applied to. It is fatal for a session.
var ErrTopologyMismatch = errors.New("rig: topology mismatch")

// Control is one named rig channel.
type Control struct {
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
	// Source binds the control to a basis coefficient by name, or to a pose
	// component ("rotation.x" ... "translation.z"), when the rig has no
	// mapping matrix.
	Source string `json:"source,omitempty"`
}

// Mapping expresses mesh coefficients as an affine function of the
// controls: coefficients = Matrix * controls + Offset.
type Mapping struct {
	Coefficients []string    `json:"coefficients"` // basis names, row order
	Matrix       [][]float64 `json:"matrix"`       // coefficients x controls
	Offset       []float64   `json:"offset,omitempty"`
}

// Definition is a rig's control set.
type Definition struct {
	Name     string    `json:"name"`
	Controls []Control `json:"controls"`
	Mapping  *Mapping  `json:"mapping,omitempty"`
}

// LoadDefinition reads a JSON rig definition.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode rig %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("rig %s: %w", path, err)
	}
	return &def, nil
}

// Validate checks the definition on its own; fitting it to a basis is done
// by NewMapper.
func (d *Definition) Validate() error {
	if len(d.Controls) == 0 {
		return errors.New("rig: no controls")
	}
	seen := make(map[string]bool, len(d.Controls))
	for i, c := range d.Controls {
		if c.Name == "" {
			return fmt.Errorf("rig: control %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("rig: duplicate control %q", c.Name)
		}
		seen[c.Name] = true
		if math.IsNaN(c.Min) || math.IsNaN(c.Max) || c.Min > c.Max {
			return fmt.Errorf("rig: control %q has range [%v, %v]", c.Name, c.Min, c.Max)
		}
		if c.Default < c.Min || c.Default > c.Max {
			return fmt.Errorf("rig: control %q default %v outside [%v, %v]", c.Name, c.Default, c.Min, c.Max)
		}
	}
	if m := d.Mapping; m != nil {
		if len(m.Matrix) != len(m.Coefficients) {
			return fmt.Errorf("rig: mapping has %d rows for %d coefficients", len(m.Matrix), len(m.Coefficients))
		}
		for i, row := range m.Matrix {
			if len(row) != len(d.Controls) {
				return fmt.Errorf("rig: mapping row %d has %d columns for %d controls", i, len(row), len(d.Controls))
			}
		}
		if m.Offset != nil && len(m.Offset) != len(m.Coefficients) {
			return fmt.Errorf("rig: mapping offset has %d entries for %d coefficients", len(m.Offset), len(m.Coefficients))
		}
	}
	return nil
}

// Names returns the control names in order.
func (d *Definition) Names() []string {
	out := make([]string, len(d.Controls))
	for i, c := range d.Controls {
		out[i] = c.Name
	}
	return out
}
