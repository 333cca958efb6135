// Package parser extracts plant metadata embedded in image file names.
package parser

import (
	"path/filepath"
	"regexp"
	"strconv"
)

// filenamePattern matches `<id>_latitude_<float>_longitude_<float>` at the
// start of a base name. Anything after the longitude is ignored.
var filenamePattern = regexp.MustCompile(`^(\d+)_latitude_(-?\d+(?:\.\d+)?)_longitude_(-?\d+(?:\.\d+)?)`)

// FileInfo is the metadata recovered from a file name.
// Callers must check IsValid before trusting the coordinates.
type FileInfo struct {
	PlantID   string
	Latitude  float64
	Longitude float64
	IsValid   bool
}

// ParseFilename extracts the plant id and coordinates from name.
// Directory components are ignored. A non-matching name yields a zero
// FileInfo with IsValid false.
func ParseFilename(name string) FileInfo {
	match := filenamePattern.FindStringSubmatch(filepath.Base(name))
	if match == nil {
		return FileInfo{}
	}

	lat, err := strconv.ParseFloat(match[2], 64)
	if err != nil {
		return FileInfo{}
	}
	lng, err := strconv.ParseFloat(match[3], 64)
	if err != nil {
		return FileInfo{}
	}

	return FileInfo{
		PlantID:   match[1],
		Latitude:  lat,
		Longitude: lng,
		IsValid:   true,
	}
}
