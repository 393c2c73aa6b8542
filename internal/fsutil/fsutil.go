// Package fsutil holds filesystem and host helpers shared by the capture
// loaders and the frame pipeline.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".exr":  {},
	".dng":  {},
}

// extended formats need the imagick decoder
var extendedExts = map[string]struct{}{
	".exr": {},
	".dng": {},
}

// ListImages returns all capture image files under root.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsExtendedFormat checks if a file needs the extended decoder.
func IsExtendedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := extendedExts[ext]
	return ok
}

// IsImageFile checks if a file is any supported capture format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// SeparateExtended splits files into extended-format and standard images.
func SeparateExtended(files []string) (extended, standard []string) {
	for _, file := range files {
		if IsExtendedFormat(file) {
			extended = append(extended, file)
		} else if IsImageFile(file) {
			standard = append(standard, file)
		}
	}
	return extended, standard
}
