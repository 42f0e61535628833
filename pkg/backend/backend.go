// Package backend provides the volume I/O and voxel-level primitives the
// atlas library is built on: loading volumes with their affines, regridding
// them onto a target geometry, and applying boolean voxel masks.
package backend

import (
	"fmt"
	"math"

	"brainatlas/internal/models"
	"brainatlas/pkg/nifti"
)

// Interpolation selects the resampling kernel.
type Interpolation string

// InterpNearest is the only supported kernel. Label maps and binary masks
// carry discrete values that must not be blended between neighboring voxels.
const InterpNearest Interpolation = "nearest"

// Backend abstracts the volume primitives needed by the atlas library and
// the transformers.
type Backend interface {
	// Load reads a volume and its affine from disk.
	Load(path string) (*models.Volume, error)

	// Resample regrids a volume onto the target affine and shape.
	Resample(vol *models.Volume, targetAffine models.Affine, targetShape [3]int, interp Interpolation) (*models.Volume, error)

	// BuildMask converts a volume to a boolean voxel mask (nonzero = true).
	BuildMask(vol *models.Volume) []bool

	// ApplyMask selects the masked voxels of every subject volume,
	// returning one vector per subject in mask scan order.
	ApplyMask(set *models.VolumeSet, mask []bool) ([][]float64, error)

	// NewVolumeLike wraps a data vector as a volume anchored to the
	// reference volume's geometry.
	NewVolumeLike(ref *models.Volume, data []float64) (*models.Volume, error)

	// Save writes a volume to disk.
	Save(vol *models.Volume, path string) error
}

// NiftiBackend is the default Backend over NIfTI-1 files.
type NiftiBackend struct{}

// NewNiftiBackend returns the default volume backend.
func NewNiftiBackend() *NiftiBackend {
	return &NiftiBackend{}
}

// Load reads a .nii or .nii.gz volume.
func (b *NiftiBackend) Load(path string) (*models.Volume, error) {
	return nifti.Read(path)
}

// Resample regrids vol onto the target geometry with nearest-neighbor
// lookup. Each target voxel is mapped to world coordinates through the
// target affine and back into source voxel space through the inverse source
// affine; voxels that fall outside the source grid become zero.
func (b *NiftiBackend) Resample(vol *models.Volume, targetAffine models.Affine, targetShape [3]int, interp Interpolation) (*models.Volume, error) {
	if interp != InterpNearest {
		return nil, fmt.Errorf("interpolation %q is not supported, use %q", interp, InterpNearest)
	}

	srcInv, err := vol.Affine.Inverse()
	if err != nil {
		return nil, fmt.Errorf("cannot resample: %v", err)
	}
	// voxel(target) -> world -> voxel(source) in one matrix
	m := srcInv.Mul(targetAffine)

	nx, ny, nz := targetShape[0], targetShape[1], targetShape[2]
	out := models.NewVolume(nx, ny, nz, targetAffine)

	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				sx, sy, sz := m.Apply(float64(i), float64(j), float64(k))
				si := int(math.Round(sx))
				sj := int(math.Round(sy))
				sk := int(math.Round(sz))
				if si < 0 || si >= vol.Nx || sj < 0 || sj >= vol.Ny || sk < 0 || sk >= vol.Nz {
					continue
				}
				out.SetAt(i, j, k, vol.At(si, sj, sk))
			}
		}
	}
	return out, nil
}

// BuildMask returns a boolean mask over the first frame's voxels, true where
// the voxel value is nonzero.
func (b *NiftiBackend) BuildMask(vol *models.Volume) []bool {
	n := vol.NVoxels()
	mask := make([]bool, n)
	for i := 0; i < n; i++ {
		if vol.Data[i] != 0 {
			mask[i] = true
		}
	}
	return mask
}

// ApplyMask extracts the masked voxels of every subject in the set.
func (b *NiftiBackend) ApplyMask(set *models.VolumeSet, mask []bool) ([][]float64, error) {
	if set == nil || set.NSubjects() == 0 {
		return nil, fmt.Errorf("cannot apply mask to an empty volume set")
	}
	if len(mask) != set.First().NVoxels() {
		return nil, fmt.Errorf("mask has %d voxels but volumes have %d", len(mask), set.First().NVoxels())
	}

	size := 0
	for _, m := range mask {
		if m {
			size++
		}
	}

	out := make([][]float64, set.NSubjects())
	for s, vol := range set.Volumes {
		vec := make([]float64, 0, size)
		for i, m := range mask {
			if m {
				vec = append(vec, vol.Data[i])
			}
		}
		out[s] = vec
	}
	return out, nil
}

// NewVolumeLike wraps data as a volume with the reference's dimensions and
// affine. The data length must be a whole number of 3D frames.
func (b *NiftiBackend) NewVolumeLike(ref *models.Volume, data []float64) (*models.Volume, error) {
	n := ref.NVoxels()
	if len(data) == 0 || len(data)%n != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of the reference frame size %d", len(data), n)
	}
	vol := &models.Volume{
		Data:   data,
		Nx:     ref.Nx,
		Ny:     ref.Ny,
		Nz:     ref.Nz,
		Affine: ref.Affine,
	}
	if frames := len(data) / n; frames > 1 {
		vol.Nt = frames
	}
	return vol, nil
}

// Save writes the volume as NIfTI-1.
func (b *NiftiBackend) Save(vol *models.Volume, path string) error {
	return nifti.Write(vol, path)
}
