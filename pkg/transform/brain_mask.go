package transform

import (
	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/stat"

	"brainatlas/internal/models"
	"brainatlas/pkg/atlas"
	"brainatlas/pkg/backend"
	"brainatlas/pkg/logging"
)

// MaskData carries the output of a BrainMask transform. The field matching
// the extract mode is populated.
type MaskData struct {
	// Vectors holds one masked voxel vector per subject (Vector mode).
	Vectors [][]float64

	// Means holds one mean voxel value per subject (Mean mode).
	Means []float64

	// Boxes holds one cropped bounding-box volume per subject (Box mode).
	Boxes []*models.Volume

	// BoxShape is the dimensions of the cropped boxes (Box mode).
	BoxShape [3]int

	// Images holds one reconstructed volume per subject (Image mode).
	Images []*models.Volume
}

// BrainMask extracts signal from subject volumes through a single binary
// mask, either a named/custom mask resolved via the atlas library or one
// region lifted out of an atlas.
type BrainMask struct {
	library *atlas.Library
	backend backend.Backend

	maskName    string
	region      *atlas.RoiObject
	extractMode ExtractMode
	threshold   float64

	affine *models.Affine
	shape  *[3]int

	// state of the last transform, needed by InverseTransform
	maskLabel  string
	boolMask   []bool
	refVolume  *models.Volume
	boxCorner1 [3]int
	boxCorner2 [3]int
}

// NewBrainMask creates a mask transformer over a named or custom mask. The
// extract mode is validated here, before any volume I/O.
func NewBrainMask(lib *atlas.Library, b backend.Backend, maskName string, mode ExtractMode, threshold float64) (*BrainMask, error) {
	if !mode.valid() {
		return nil, errors.Wrapf(atlas.ErrInvalidConfiguration, "extract mode %d is not supported", int(mode))
	}
	return &BrainMask{
		library:     lib,
		backend:     b,
		maskName:    maskName,
		extractMode: mode,
		threshold:   threshold,
	}, nil
}

// NewBrainMaskFromRegion creates a mask transformer over an already
// resolved atlas region, skipping library resolution entirely.
func NewBrainMaskFromRegion(lib *atlas.Library, b backend.Backend, region *atlas.RoiObject, mode ExtractMode) (*BrainMask, error) {
	if !mode.valid() {
		return nil, errors.Wrapf(atlas.ErrInvalidConfiguration, "extract mode %d is not supported", int(mode))
	}
	return &BrainMask{
		library:     lib,
		backend:     b,
		region:      region,
		extractMode: mode,
	}, nil
}

// SetGeometry pins the target affine and shape instead of inferring them
// from the first transformed batch.
func (m *BrainMask) SetGeometry(affine models.Affine, shape [3]int) {
	m.affine = &affine
	m.shape = &shape
}

// Fit is a no-op; the transformer learns nothing from targets.
func (m *BrainMask) Fit(X *models.VolumeSet, y []float64) *BrainMask {
	return m
}

// Transform applies the mask to every subject volume and summarizes the
// masked voxels according to the extract mode. An empty mask is fatal: a
// single-region transformer with no region has nothing to extract.
func (m *BrainMask) Transform(X *models.VolumeSet) (*MaskData, error) {
	if X == nil || X.NSubjects() == 0 {
		return nil, errors.Wrap(atlas.ErrExtraction, "cannot transform an empty volume set")
	}

	if m.affine == nil || m.shape == nil {
		first := X.First()
		affine := first.Affine
		shape := first.Shape()
		m.affine = &affine
		m.shape = &shape
	}

	if err := m.resolveMask(); err != nil {
		return nil, err
	}

	vectors, err := m.backend.ApplyMask(X, m.boolMask)
	if err != nil {
		logging.Logger.Errorf("Extracting ROI failed for volume set: %v", err)
		return nil, errors.Wrapf(atlas.ErrExtraction, "extracting mask %s: %v", m.maskLabel, err)
	}

	switch m.extractMode {
	case Vector:
		return &MaskData{Vectors: vectors}, nil

	case Mean:
		means := make([]float64, len(vectors))
		for i, vec := range vectors {
			means[i] = stat.Mean(vec, nil)
		}
		return &MaskData{Means: means}, nil

	case Box:
		return m.extractBoxes(X)

	case Image:
		images := make([]*models.Volume, len(vectors))
		for i, vec := range vectors {
			img, err := m.reconstruct(vec)
			if err != nil {
				return nil, err
			}
			images[i] = img
		}
		return &MaskData{Images: images}, nil
	}

	return nil, errors.Wrapf(atlas.ErrInvalidConfiguration, "extract mode %d is not supported", int(m.extractMode))
}

// InverseTransform reconstructs one volume per subject vector. Only the
// Vector mode round-trips; the other modes are lossy summaries.
func (m *BrainMask) InverseTransform(vectors [][]float64) ([]*models.Volume, error) {
	if m.extractMode != Vector {
		return nil, errors.Wrapf(ErrUnsupportedInverse,
			"BrainMask extract mode %s cannot be inverted", m.extractMode)
	}
	if m.boolMask == nil {
		return nil, errors.Wrap(atlas.ErrInvalidConfiguration, "inverse transform requires a prior call to Transform")
	}

	volumes := make([]*models.Volume, len(vectors))
	for i, vec := range vectors {
		vol, err := m.reconstruct(vec)
		if err != nil {
			return nil, err
		}
		volumes[i] = vol
	}
	return volumes, nil
}

// resolveMask materializes the boolean mask, either from the injected
// region or through the library cache.
func (m *BrainMask) resolveMask() error {
	if m.region != nil {
		if m.region.Mask == nil || m.region.IsEmpty {
			msg := "Skipping mask " + m.region.Label + " because it is empty."
			logging.Logger.Error(msg)
			return errors.Wrap(atlas.ErrEmptyRegion, msg)
		}
		m.maskLabel = m.region.Label
		m.boolMask = m.region.Mask
		return nil
	}

	maskObj, err := m.library.GetMask(m.maskName, m.affine, m.shape, m.threshold)
	if err != nil {
		return err
	}
	if maskObj.IsEmpty {
		msg := "Skipping mask " + maskObj.Name + " because it is empty."
		logging.Logger.Error(msg)
		return errors.Wrap(atlas.ErrEmptyRegion, msg)
	}
	m.maskLabel = maskObj.Name
	m.boolMask = maskObj.BoolMask
	m.refVolume = maskObj.Mask
	return nil
}

// extractBoxes crops the tightest bounding box of the mask out of every
// subject volume. The corners are computed once from the mask, never per
// volume.
func (m *BrainMask) extractBoxes(X *models.VolumeSet) (*MaskData, error) {
	nx, ny := m.shape[0], m.shape[1]
	found := false
	c1 := [3]int{}
	c2 := [3]int{}
	for idx, set := range m.boolMask {
		if !set {
			continue
		}
		i := idx % nx
		j := (idx / nx) % ny
		k := idx / (nx * ny)
		if !found {
			c1 = [3]int{i, j, k}
			c2 = [3]int{i, j, k}
			found = true
			continue
		}
		if i < c1[0] {
			c1[0] = i
		}
		if j < c1[1] {
			c1[1] = j
		}
		if k < c1[2] {
			c1[2] = k
		}
		if i > c2[0] {
			c2[0] = i
		}
		if j > c2[1] {
			c2[1] = j
		}
		if k > c2[2] {
			c2[2] = k
		}
	}
	if !found {
		return nil, errors.Wrapf(atlas.ErrEmptyRegion, "mask %s has no voxels to box", m.maskLabel)
	}
	m.boxCorner1, m.boxCorner2 = c1, c2

	bx := c2[0] - c1[0] + 1
	by := c2[1] - c1[1] + 1
	bz := c2[2] - c1[2] + 1

	boxes := make([]*models.Volume, X.NSubjects())
	for s, vol := range X.Volumes {
		box := models.NewVolume(bx, by, bz, vol.Affine)
		for k := 0; k < bz; k++ {
			for j := 0; j < by; j++ {
				for i := 0; i < bx; i++ {
					box.SetAt(i, j, k, vol.At(c1[0]+i, c1[1]+j, c1[2]+k))
				}
			}
		}
		boxes[s] = box
	}
	return &MaskData{Boxes: boxes, BoxShape: [3]int{bx, by, bz}}, nil
}

// reconstruct scatters a masked vector back into a full volume.
func (m *BrainMask) reconstruct(vec []float64) (*models.Volume, error) {
	data := make([]float64, len(m.boolMask))
	v := 0
	for i, set := range m.boolMask {
		if set && v < len(vec) {
			data[i] = vec[v]
			v++
		}
	}
	ref := m.refVolume
	if ref == nil {
		// region-backed masks have no volume object; anchor to geometry
		ref = models.NewVolume(m.shape[0], m.shape[1], m.shape[2], *m.affine)
	}
	return m.backend.NewVolumeLike(ref, data)
}
