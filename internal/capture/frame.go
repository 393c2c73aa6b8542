package capture

import (
	"fmt"
	"time"
)

// View is one camera's observation within a frame. Image, Depth or both may
// be present.
type View struct {
	Camera Camera
	Image  *Image
	Depth  *DepthMap
}

// HasDepth reports whether the view carries a depth map.
func (v View) HasDepth() bool { return v.Depth != nil }

// Frame is the capture of a single time instant across all views.
type Frame struct {
	Index     int
	Timestamp time.Time
	Views     []View
	// Landmarks are detected 2D landmarks in the reference view, keyed by
	// template landmark name.
	Landmarks map[string]Point2
	// Reference is the index into Views used for tracking and landmarks.
	Reference int
}

// ReferenceView returns the tracking view, or false when the frame has none.
func (f *Frame) ReferenceView() (View, bool) {
	if f == nil || f.Reference < 0 || f.Reference >= len(f.Views) {
		return View{}, false
	}
	return f.Views[f.Reference], true
}

// Validate checks that the frame can be processed at all. Per-view
// calibration problems are not errors here; reconstruction skips those views.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("capture: nil frame")
	}
	if f.Index < 0 {
		return fmt.Errorf("capture: negative frame index %d", f.Index)
	}
	if len(f.Views) == 0 {
		return fmt.Errorf("capture: frame %d has no views", f.Index)
	}
	for i, v := range f.Views {
		if v.Image == nil && v.Depth == nil {
			return fmt.Errorf("capture: frame %d view %d has neither image nor depth", f.Index, i)
		}
		if v.Image != nil && len(v.Image.Pix) != v.Image.Width*v.Image.Height {
			return fmt.Errorf("capture: frame %d view %d image buffer is %d, want %dx%d", f.Index, i, len(v.Image.Pix), v.Image.Width, v.Image.Height)
		}
		if v.Depth != nil && len(v.Depth.Depth) != v.Depth.Width*v.Depth.Height {
			return fmt.Errorf("capture: frame %d view %d depth buffer is %d, want %dx%d", f.Index, i, len(v.Depth.Depth), v.Depth.Width, v.Depth.Height)
		}
	}
	return nil
}
