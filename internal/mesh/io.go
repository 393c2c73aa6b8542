package mesh

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

type basisFile struct {
	Type    string         `json:"type"` // blendshape, skinning
	Names   []string       `json:"names,omitempty"`
	Deltas  [][][3]float64 `json:"deltas,omitempty"`
	Lower   []float64      `json:"lower,omitempty"`
	Upper   []float64      `json:"upper,omitempty"`
	Joints  []string       `json:"joints,omitempty"`
	Weights [][]float64    `json:"weights,omitempty"`
	Limit   float64        `json:"limit,omitempty"`
}

type meshFile struct {
	Name      string         `json:"name"`
	Vertices  [][3]float64   `json:"vertices"`
	Faces     []Face         `json:"faces"`
	Landmarks map[string]int `json:"landmarks,omitempty"`
	Basis     basisFile      `json:"basis"`
}

// Decode parses the JSON mesh format.
func Decode(data []byte) (*Mesh, error) {
	var f meshFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode mesh: %w", err)
	}
	var basis Basis
	switch f.Basis.Type {
	case "blendshape", "":
		deltas := make([][]r3.Vec, len(f.Basis.Deltas))
		for k, shape := range f.Basis.Deltas {
			deltas[k] = toVecs(shape)
		}
		b, err := NewBlendshapes(f.Basis.Names, deltas, f.Basis.Lower, f.Basis.Upper)
		if err != nil {
			return nil, err
		}
		basis = b
	case "skinning":
		s, err := NewSkinning(f.Basis.Joints, f.Basis.Weights, f.Basis.Limit)
		if err != nil {
			return nil, err
		}
		basis = s
	default:
		return nil, fmt.Errorf("decode mesh: unknown basis type %q", f.Basis.Type)
	}
	return New(f.Name, toVecs(f.Vertices), f.Faces, basis, f.Landmarks)
}

// Encode serializes the mesh, including its basis, to JSON.
func Encode(m *Mesh) ([]byte, error) {
	f := meshFile{
		Name:      m.name,
		Vertices:  fromVecs(m.neutral),
		Faces:     m.faces,
		Landmarks: m.landmarks,
	}
	switch b := m.basis.(type) {
	case *Blendshapes:
		f.Basis = basisFile{Type: "blendshape", Names: b.names, Lower: b.lower, Upper: b.upper}
		for _, d := range b.deltas {
			f.Basis.Deltas = append(f.Basis.Deltas, fromVecs(d))
		}
	case *Skinning:
		f.Basis = basisFile{Type: "skinning", Joints: b.joints, Weights: b.weights, Limit: b.limit}
	default:
		return nil, fmt.Errorf("encode mesh: unsupported basis %T", m.basis)
	}
	return json.Marshal(f)
}

// Load reads a JSON mesh from path.
func Load(path string) (*Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Save writes m to path as JSON.
func Save(path string, m *Mesh) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadOBJ reads vertex positions and triangulated faces from a Wavefront OBJ
// stream. Polygons are fan-triangulated; texture and normal indices are ignored.
func ReadOBJ(r io.Reader) ([]r3.Vec, []Face, error) {
	var (
		verts []r3.Vec
		faces []Face
	)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, nil, fmt.Errorf("obj line %d: vertex needs three coordinates", line)
			}
			var c [3]float64
			for i := 0; i < 3; i++ {
				f, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					return nil, nil, fmt.Errorf("obj line %d: %w", line, err)
				}
				c[i] = f
			}
			verts = append(verts, r3.Vec{X: c[0], Y: c[1], Z: c[2]})
		case "f":
			idx := make([]int, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				ref := tok
				if i := strings.IndexByte(tok, '/'); i >= 0 {
					ref = tok[:i]
				}
				n, err := strconv.Atoi(ref)
				if err != nil {
					return nil, nil, fmt.Errorf("obj line %d: %w", line, err)
				}
				if n < 0 {
					n = len(verts) + n + 1
				}
				idx = append(idx, n-1)
			}
			if len(idx) < 3 {
				return nil, nil, fmt.Errorf("obj line %d: face needs three vertices", line)
			}
			for i := 1; i+1 < len(idx); i++ {
				faces = append(faces, Face{idx[0], idx[i], idx[i+1]})
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return verts, faces, nil
}

func toVecs(in [][3]float64) []r3.Vec {
	out := make([]r3.Vec, len(in))
	for i, c := range in {
		out[i] = r3.Vec{X: c[0], Y: c[1], Z: c[2]}
	}
	return out
}

func fromVecs(in []r3.Vec) [][3]float64 {
	out := make([][3]float64, len(in))
	for i, v := range in {
		out[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return out
}
