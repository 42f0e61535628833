package atlas

import (
	"brainatlas/internal/models"
)

// RoiObject is one labeled region within an atlas.
type RoiObject struct {
	// Index is the integer label value identifying the region in the map.
	Index int

	// Label is the human-readable region name.
	Label string

	// Size is the number of voxels carrying this index in the label map.
	Size int

	// Mask is the boolean voxel mask selecting this region. It stays nil
	// for regions with Size zero.
	Mask []bool

	// IsEmpty is set when Size is nonzero but the derived mask has no
	// positive voxels. Such regions are flagged, not fatal; consumers
	// skip them.
	IsEmpty bool
}

// AtlasObject is a resolved atlas: the resampled integer label map together
// with its regions. Instances are built once per cache key and shared
// read-only afterwards.
type AtlasObject struct {
	// Name identifies the atlas (a registry key or a custom file path).
	Name string

	// Path is the atlas volume file.
	Path string

	// LabelsPath is the sidecar label file (may not exist).
	LabelsPath string

	// TargetAffine and TargetShape are the resampling targets the object
	// was built for; nil means the atlas native geometry.
	TargetAffine *models.Affine
	TargetShape  *[3]int

	// Threshold is the mask threshold applied while building; nil means
	// no thresholding.
	Threshold *float64

	// Map is the (resampled) integer label volume.
	Map *models.Volume

	// Indices is the sorted list of distinct label values in Map.
	Indices []int

	// Rois holds one region per index, in ascending index order.
	Rois []*RoiObject
}

// RoiByIndex returns the region with the given index, or nil.
func (a *AtlasObject) RoiByIndex(index int) *RoiObject {
	for _, roi := range a.Rois {
		if roi.Index == index {
			return roi
		}
	}
	return nil
}

// RoiByLabel returns the region with the given label, or nil.
func (a *AtlasObject) RoiByLabel(label string) *RoiObject {
	for _, roi := range a.Rois {
		if roi.Label == label {
			return roi
		}
	}
	return nil
}

// Labels returns the region labels in ascending index order.
func (a *AtlasObject) Labels() []string {
	labels := make([]string, len(a.Rois))
	for i, roi := range a.Rois {
		labels[i] = roi.Label
	}
	return labels
}

// MaskObject is a resolved single binary mask.
type MaskObject struct {
	// Name identifies the mask (a registry key or a custom file path).
	Name string

	// Path is the mask volume file.
	Path string

	// Mask is the thresholded (and possibly resampled) mask volume.
	Mask *models.Volume

	// BoolMask is the boolean form of Mask.
	BoolMask []bool

	// IsEmpty is set when the mask has no positive voxels. The library
	// never caches an empty whole mask as usable; this flag exists for
	// region objects injected directly into BrainMask.
	IsEmpty bool
}
