// Package transform provides the stateful feature-extraction transformers:
// BrainAtlas extracts per-region signal against a labeled atlas, BrainMask
// against a single binary mask. Both follow the fit/transform/inverse
// contract of the surrounding pipeline.
package transform

import (
	"github.com/cockroachdb/errors"

	"brainatlas/pkg/atlas"
)

// ErrUnsupportedInverse marks an inverse transform requested for an
// extraction mode that cannot be inverted. Kept distinct from the
// configuration errors so callers can tell "never valid" from "wrongly
// configured".
var ErrUnsupportedInverse = errors.New("inverse transform not supported for this extract mode")

// ExtractMode determines how the voxels of a region are summarized.
type ExtractMode int

const (
	// Vector keeps the raw per-voxel values.
	Vector ExtractMode = iota
	// Mean reduces a region to its mean voxel value per subject.
	Mean
	// Box crops the tightest axis-aligned bounding box around the region.
	Box
	// Image reconstructs a volume holding only the region's voxels.
	Image
)

var extractModeNames = map[ExtractMode]string{
	Vector: "vec",
	Mean:   "mean",
	Box:    "box",
	Image:  "img",
}

// ParseExtractMode converts the textual mode names (vec, mean, box, img)
// into the closed enumeration. Unknown names are rejected here, before any
// volume I/O happens.
func ParseExtractMode(s string) (ExtractMode, error) {
	for mode, name := range extractModeNames {
		if name == s {
			return mode, nil
		}
	}
	return 0, errors.Wrapf(atlas.ErrInvalidConfiguration,
		"extract mode %q is not supported, use one of 'vec', 'mean', 'box', 'img'", s)
}

func (m ExtractMode) String() string {
	if name, ok := extractModeNames[m]; ok {
		return name
	}
	return "unknown"
}

func (m ExtractMode) valid() bool {
	_, ok := extractModeNames[m]
	return ok
}

// CollectionMode determines how multi-region results are assembled across
// subjects.
type CollectionMode int

const (
	// Concat concatenates all region vectors into one feature row per
	// subject.
	Concat CollectionMode = iota
	// List keeps one vector per region per subject.
	List
)

func (m CollectionMode) String() string {
	switch m {
	case Concat:
		return "concat"
	case List:
		return "list"
	}
	return "unknown"
}

// ParseCollectionMode converts the textual names (concat, list) into the
// enumeration.
func ParseCollectionMode(s string) (CollectionMode, error) {
	switch s {
	case "concat":
		return Concat, nil
	case "list":
		return List, nil
	}
	return 0, errors.Wrapf(atlas.ErrInvalidConfiguration,
		"collection mode %q is not supported, use 'list' or 'concat' instead", s)
}
