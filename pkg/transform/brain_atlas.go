package transform

import (
	"time"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/stat"

	"brainatlas/internal/models"
	"brainatlas/pkg/atlas"
	"brainatlas/pkg/backend"
	"brainatlas/pkg/logging"
)

// RoiData carries the output of a BrainAtlas transform. Exactly one of
// Concat or List is populated, depending on the collection mode.
type RoiData struct {
	// Concat holds one feature row per subject with all selected region
	// vectors concatenated along the feature axis.
	Concat [][]float64

	// List holds, per subject, one vector per selected region.
	List [][][]float64

	// MaskIndices marks, per concatenated feature column, the position of
	// the region it came from (concat mode). In list mode it simply
	// enumerates the region positions.
	MaskIndices []int
}

// BrainAtlas extracts per-region signal from subject volumes against a
// labeled atlas. The atlas is resolved lazily against the geometry of the
// first transformed batch and shared through the atlas library cache.
type BrainAtlas struct {
	library *atlas.Library
	backend backend.Backend

	atlasName      string
	extractMode    ExtractMode
	collectionMode CollectionMode
	maskThreshold  *float64
	backgroundID   int
	rois           ROISelection

	// geometry inferred from the first transformed batch
	affine *models.Affine
	shape  *[3]int

	// roiAllocation maps region label to its position in the selection
	// order; allocationOrder keeps the insertion order explicit.
	roiAllocation   map[string]int
	allocationOrder []string
	maskIndices     []int
}

// NewBrainAtlas creates an atlas transformer. The extract mode is validated
// here so invalid configurations fail before any volume is read. Box and
// Image produce volume-shaped output per region and only make sense for the
// single-region BrainMask; the multi-region feature layouts here take flat
// vectors. The collection mode defaults to concat; only an orchestration
// layer above this package changes it via SetCollectionMode.
func NewBrainAtlas(lib *atlas.Library, b backend.Backend, atlasName string, mode ExtractMode, maskThreshold *float64, rois ROISelection) (*BrainAtlas, error) {
	if !mode.valid() {
		return nil, errors.Wrapf(atlas.ErrInvalidConfiguration, "extract mode %d is not supported", int(mode))
	}
	if mode == Box || mode == Image {
		return nil, errors.Wrapf(atlas.ErrInvalidConfiguration,
			"extract mode %s produces volume-shaped output, use BrainMask for single-region %s extraction", mode, mode)
	}
	return &BrainAtlas{
		library:        lib,
		backend:        b,
		atlasName:      atlasName,
		extractMode:    mode,
		collectionMode: Concat,
		maskThreshold:  maskThreshold,
		rois:           rois,
		roiAllocation:  make(map[string]int),
	}, nil
}

// SetCollectionMode overrides the output assembly mode. Validation happens
// in Transform so a bad value always fails loudly there.
func (b *BrainAtlas) SetCollectionMode(mode CollectionMode) {
	b.collectionMode = mode
}

// SetBackgroundID overrides the background region index (default 0).
func (b *BrainAtlas) SetBackgroundID(id int) {
	b.backgroundID = id
}

// ROIAllocation returns the label-to-position mapping of the last
// transform, and the labels in allocation order.
func (b *BrainAtlas) ROIAllocation() (map[string]int, []string) {
	return b.roiAllocation, b.allocationOrder
}

// MaskIndices returns the per-column region markers of the last transform.
func (b *BrainAtlas) MaskIndices() []int {
	return b.maskIndices
}

// Fit is a no-op; the transformer learns nothing from targets.
func (b *BrainAtlas) Fit(X *models.VolumeSet, y []float64) *BrainAtlas {
	return b
}

// Transform extracts the selected regions from every subject volume.
func (b *BrainAtlas) Transform(X *models.VolumeSet) (*RoiData, error) {
	if X == nil || X.NSubjects() == 0 {
		return nil, errors.Wrap(atlas.ErrExtraction, "cannot transform an empty volume set")
	}

	if b.collectionMode != Concat && b.collectionMode != List {
		return nil, errors.Wrapf(atlas.ErrInvalidConfiguration,
			"collection mode %d is not supported, use 'list' or 'concat' instead", int(b.collectionMode))
	}

	first := X.First()
	affine := first.Affine
	shape := first.Shape()
	b.affine = &affine
	b.shape = &shape

	atlasObj, err := b.library.GetAtlas(b.atlasName, b.affine, b.shape, b.maskThreshold)
	if err != nil {
		return nil, err
	}

	roiObjects := b.rois.resolve(atlasObj, b.backgroundID)
	if len(roiObjects) == 0 {
		return nil, errors.Wrapf(atlas.ErrExtraction, "no ROIs of atlas %s match the requested selection", b.atlasName)
	}

	nSubjects := X.NSubjects()
	out := &RoiData{}
	if b.collectionMode == List {
		out.List = make([][][]float64, nSubjects)
	} else {
		out.Concat = make([][]float64, nSubjects)
	}

	b.roiAllocation = make(map[string]int, len(roiObjects))
	b.allocationOrder = b.allocationOrder[:0]
	b.maskIndices = b.maskIndices[:0]

	start := time.Now()
	for i, roi := range roiObjects {
		b.roiAllocation[roi.Label] = i
		b.allocationOrder = append(b.allocationOrder, roi.Label)
		logging.Logger.Debugw("extracting ROI", "label", roi.Label)

		extraction, err := b.extractROI(X, roi)
		if err != nil {
			return nil, err
		}

		if b.collectionMode == List {
			for s := range extraction {
				out.List[s] = append(out.List[s], extraction[s])
			}
			b.maskIndices = append(b.maskIndices, i)
		} else {
			for s := range extraction {
				out.Concat[s] = append(out.Concat[s], extraction[s]...)
			}
			for range extraction[0] {
				b.maskIndices = append(b.maskIndices, i)
			}
		}
	}
	out.MaskIndices = append([]int(nil), b.maskIndices...)

	logging.Logger.Debugw("ROI extraction finished",
		"rois", len(roiObjects), "subjects", nSubjects, "elapsed", time.Since(start))
	return out, nil
}

// extractROI applies one region's mask to every subject, reducing per the
// extract mode. Regions without a mask (zero size) or flagged empty
// contribute empty vectors instead of failing the whole batch.
func (b *BrainAtlas) extractROI(X *models.VolumeSet, roi *atlas.RoiObject) ([][]float64, error) {
	if roi.Mask == nil || roi.IsEmpty {
		logging.Logger.Warnf("ROI %s is empty, extracting zero voxels.", roi.Label)
		empty := make([][]float64, X.NSubjects())
		for s := range empty {
			empty[s] = []float64{}
		}
		return empty, nil
	}
	extraction, err := b.backend.ApplyMask(X, roi.Mask)
	if err != nil {
		logging.Logger.Errorf("Extracting ROI %s failed: %v", roi.Label, err)
		return nil, errors.Wrapf(atlas.ErrExtraction, "extracting ROI %s: %v", roi.Label, err)
	}
	if b.extractMode == Mean {
		for s, vec := range extraction {
			extraction[s] = []float64{stat.Mean(vec, nil)}
		}
	}
	return extraction, nil
}

// InverseTransform reconstructs one subject's volume from a concatenated
// feature row (concat mode). Each region's slice of the row is scattered
// back into the voxels of that region's mask; everything else stays zero.
func (b *BrainAtlas) InverseTransform(features []float64) (*models.Volume, error) {
	if b.extractMode != Vector {
		return nil, errors.Wrapf(ErrUnsupportedInverse,
			"BrainAtlas extract mode %s cannot be inverted", b.extractMode)
	}
	atlasObj, roiObjects, err := b.fittedAtlas()
	if err != nil {
		return nil, err
	}
	if len(features) != len(b.maskIndices) {
		return nil, errors.Wrapf(atlas.ErrExtraction,
			"feature row has %d values but the last transform produced %d", len(features), len(b.maskIndices))
	}

	unmasked := make([]float64, atlasObj.Map.NVoxels())
	for i, roi := range roiObjects {
		var slice []float64
		for j, m := range b.maskIndices {
			if m == i {
				slice = append(slice, features[j])
			}
		}
		scatter(unmasked, roi.Mask, slice)
	}
	return b.backend.NewVolumeLike(atlasObj.Map, unmasked)
}

// InverseTransformList reconstructs one subject's volume from per-region
// vectors (list mode), positions resolved via the ROI allocation.
func (b *BrainAtlas) InverseTransformList(vectors [][]float64) (*models.Volume, error) {
	if b.extractMode != Vector {
		return nil, errors.Wrapf(ErrUnsupportedInverse,
			"BrainAtlas extract mode %s cannot be inverted", b.extractMode)
	}
	atlasObj, roiObjects, err := b.fittedAtlas()
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(roiObjects) {
		return nil, errors.Wrapf(atlas.ErrExtraction,
			"got %d region vectors but %d regions are selected", len(vectors), len(roiObjects))
	}

	unmasked := make([]float64, atlasObj.Map.NVoxels())
	for _, roi := range roiObjects {
		pos, ok := b.roiAllocation[roi.Label]
		if !ok {
			continue
		}
		scatter(unmasked, roi.Mask, vectors[pos])
	}
	return b.backend.NewVolumeLike(atlasObj.Map, unmasked)
}

// ValidityCheckROIExtraction writes the reconstruction of a feature row to
// disk, for eyeballing that the extraction hit the intended regions.
func (b *BrainAtlas) ValidityCheckROIExtraction(features []float64, path string) error {
	vol, err := b.InverseTransform(features)
	if err != nil {
		return err
	}
	return b.backend.Save(vol, path)
}

// fittedAtlas re-resolves the atlas of the last transform (a cache hit) and
// the selected regions.
func (b *BrainAtlas) fittedAtlas() (*atlas.AtlasObject, []*atlas.RoiObject, error) {
	if b.affine == nil || b.shape == nil {
		return nil, nil, errors.Wrap(atlas.ErrInvalidConfiguration, "inverse transform requires a prior call to Transform")
	}
	atlasObj, err := b.library.GetAtlas(b.atlasName, b.affine, b.shape, b.maskThreshold)
	if err != nil {
		return nil, nil, err
	}
	return atlasObj, b.rois.resolve(atlasObj, b.backgroundID), nil
}

// scatter writes vec back into the true positions of mask, in scan order.
func scatter(dst []float64, mask []bool, vec []float64) {
	if mask == nil {
		return
	}
	v := 0
	for i, m := range mask {
		if m && v < len(vec) {
			dst[i] = vec[v]
			v++
		}
	}
}
