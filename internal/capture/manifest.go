package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"meshtrack/internal/fsutil"
)

// SessionFile is the manifest name at the root of a capture directory.
const SessionFile = "session.json"

// SessionManifest describes a capture session: its subject and rig of
// calibrated cameras.
type SessionManifest struct {
	ID         string            `json:"id"`
	Subject    string            `json:"subject"`
	Cameras    map[string]Camera `json:"cameras"`
	Reference  string            `json:"reference"`   // camera used for tracking
	DepthScale float64           `json:"depth_scale"` // meters per depth unit; 0 uses config
}

// ViewManifest points at the files captured by one camera.
type ViewManifest struct {
	Camera     string `json:"camera"`
	Image      string `json:"image,omitempty"`
	Depth      string `json:"depth,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

// FrameManifest is written once per captured frame.
type FrameManifest struct {
	Index     int               `json:"index"`
	Timestamp time.Time         `json:"timestamp"`
	Views     []ViewManifest    `json:"views"`
	Landmarks map[string]Point2 `json:"landmarks,omitempty"`
}

// FrameFileName returns the manifest name for frame i.
func FrameFileName(i int) string {
	return fmt.Sprintf("frame_%06d.json", i)
}

// IsFrameManifest reports whether name looks like a frame manifest.
func IsFrameManifest(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "frame_") && strings.HasSuffix(base, ".json")
}

// LoadSession reads dir/session.json.
func LoadSession(dir string) (*SessionManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, SessionFile))
	if err != nil {
		return nil, err
	}
	var s SessionManifest
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SessionFile, err)
	}
	if len(s.Cameras) == 0 {
		return nil, fmt.Errorf("session %q defines no cameras", s.ID)
	}
	for name, cam := range s.Cameras {
		if cam.Name == "" {
			cam.Name = name
			s.Cameras[name] = cam
		}
	}
	return &s, nil
}

// WriteSession stores the session manifest in dir.
func WriteSession(dir string, s *SessionManifest) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SessionFile), data, 0o644)
}

// WriteFrame stores a frame manifest in dir.
func WriteFrame(dir string, f *FrameManifest) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FrameFileName(f.Index)), data, 0o644)
}

// ListFrames returns the frame manifests present in dir ordered by name,
// which is frame index order.
func ListFrames(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "frame_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Loader turns frame manifests into in-memory frames.
type Loader struct {
	Dir        string
	Session    *SessionManifest
	DepthScale float64
}

// NewLoader reads the session manifest in dir.
func NewLoader(dir string, defaultDepthScale float64) (*Loader, error) {
	s, err := LoadSession(dir)
	if err != nil {
		return nil, err
	}
	scale := s.DepthScale
	if scale <= 0 {
		scale = defaultDepthScale
	}
	return &Loader{Dir: dir, Session: s, DepthScale: scale}, nil
}

// LoadFrame reads a frame manifest and decodes all referenced files.
// Unknown cameras are an error; bad calibration is left for reconstruction
// to report.
func (l *Loader) LoadFrame(path string) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m FrameManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	f := &Frame{Index: m.Index, Timestamp: m.Timestamp, Landmarks: m.Landmarks}
	for _, vm := range m.Views {
		cam, ok := l.Session.Cameras[vm.Camera]
		if !ok {
			return nil, fmt.Errorf("frame %d references unknown camera %q", m.Index, vm.Camera)
		}
		v := View{Camera: cam}
		if vm.Image != "" {
			if v.Image, err = l.readImage(vm.Image); err != nil {
				return nil, fmt.Errorf("frame %d camera %s image: %w", m.Index, vm.Camera, err)
			}
		}
		if vm.Depth != "" {
			p, err := l.asset(vm.Depth)
			if err != nil {
				return nil, fmt.Errorf("frame %d camera %s depth: %w", m.Index, vm.Camera, err)
			}
			if v.Depth, err = ReadDepth(p, l.DepthScale); err != nil {
				return nil, fmt.Errorf("frame %d camera %s depth: %w", m.Index, vm.Camera, err)
			}
			if vm.Confidence != "" {
				conf, err := l.readImage(vm.Confidence)
				if err != nil {
					return nil, fmt.Errorf("frame %d camera %s confidence: %w", m.Index, vm.Camera, err)
				}
				if conf.Width == v.Depth.Width && conf.Height == v.Depth.Height {
					v.Depth.Confidence = conf.Pix
				}
			}
		}
		if vm.Camera == l.Session.Reference {
			f.Reference = len(f.Views)
		}
		f.Views = append(f.Views, v)
	}
	return f, f.Validate()
}

func (l *Loader) readImage(p string) (*Image, error) {
	path, err := l.asset(p)
	if err != nil {
		return nil, err
	}
	return ReadLuminance(path)
}

// asset resolves p and rejects formats the compiled decoder cannot read.
func (l *Loader) asset(p string) (string, error) {
	path := l.resolve(p)
	if !fsutil.IsImageFile(path) {
		return "", fmt.Errorf("unsupported capture format %s", filepath.Ext(path))
	}
	if fsutil.IsExtendedFormat(path) && !extendedDecoder {
		return "", fmt.Errorf("%s needs a build with the imagick tag", filepath.Base(path))
	}
	return path, nil
}

func (l *Loader) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Dir, p)
}

// SupportsExtended reports whether this build decodes EXR and DNG captures.
func SupportsExtended() bool { return extendedDecoder }
