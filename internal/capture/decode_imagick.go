//go:build imagick

package capture

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

const extendedDecoder = true

// ReadLuminance decodes any format ImageMagick understands (EXR and camera
// RAW included) into a luminance image.
func ReadLuminance(path string) (*Image, error) {
	w, h, pix, err := exportIntensity(path)
	if err != nil {
		return nil, err
	}
	return &Image{Width: w, Height: h, Pix: pix}, nil
}

// ReadDepth decodes a depth image through ImageMagick. Intensities are
// normalised, so they are rescaled to the 16-bit range before applying scale.
func ReadDepth(path string, scale float64) (*DepthMap, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("depth scale must be positive, got %v", scale)
	}
	w, h, pix, err := exportIntensity(path)
	if err != nil {
		return nil, err
	}
	d := &DepthMap{Width: w, Height: h, Depth: pix}
	for i := range d.Depth {
		d.Depth[i] *= 0xffff * scale
	}
	return d, nil
}

func exportIntensity(path string) (int, int, []float64, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	w := mw.GetImageWidth()
	h := mw.GetImageHeight()
	raw, err := mw.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_DOUBLE)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to export pixels of %s: %w", path, err)
	}
	pix, ok := raw.([]float64)
	if !ok {
		return 0, 0, nil, fmt.Errorf("unexpected pixel storage %T", raw)
	}
	return int(w), int(h), pix, nil
}
