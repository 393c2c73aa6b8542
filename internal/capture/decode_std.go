//go:build !imagick

package capture

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/tiff"
)

// extendedDecoder reports whether EXR and RAW inputs can be decoded.
const extendedDecoder = false

// ReadLuminance decodes a PNG, JPEG or TIFF file into a luminance image.
func ReadLuminance(path string) (*Image, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// ReadDepth decodes a 16-bit PNG or TIFF depth map.
func ReadDepth(path string, scale float64) (*DepthMap, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return DepthFromImage(img, scale)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
