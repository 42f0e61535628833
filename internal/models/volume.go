package models

import (
	"fmt"
)

// Volume represents a 3D or 4D brain volume with its voxel-to-world affine.
// Voxel data is stored as a flat array with the x index varying fastest,
// matching the on-disk order of NIfTI images:
// idx = i + Nx*(j + Ny*(k + Nz*t)).
type Volume struct {
	// Data is the voxel data as a 1D array.
	Data []float64

	// Nx, Ny, Nz are the spatial dimensions of the volume in voxels.
	Nx, Ny, Nz int

	// Nt is the number of 3D frames for 4D data. Zero or one means the
	// volume is a plain 3D image.
	Nt int

	// Affine maps voxel indices to physical scanner coordinates.
	Affine Affine
}

// NewVolume allocates a zero-filled 3D volume with the given dimensions.
func NewVolume(nx, ny, nz int, affine Affine) *Volume {
	return &Volume{
		Data:   make([]float64, nx*ny*nz),
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Affine: affine,
	}
}

// NVolumes returns the number of 3D frames stored in the volume.
func (v *Volume) NVolumes() int {
	if v.Nt > 1 {
		return v.Nt
	}
	return 1
}

// NVoxels returns the number of voxels in a single 3D frame.
func (v *Volume) NVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// Shape returns the spatial dimensions of the volume.
func (v *Volume) Shape() [3]int {
	return [3]int{v.Nx, v.Ny, v.Nz}
}

// At returns the voxel value at (i, j, k) in the first frame.
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[i+v.Nx*(j+v.Ny*k)]
}

// SetAt assigns the voxel value at (i, j, k) in the first frame.
func (v *Volume) SetAt(i, j, k int, val float64) {
	v.Data[i+v.Nx*(j+v.Ny*k)] = val
}

// At4 returns the voxel value at (i, j, k) in frame t.
func (v *Volume) At4(i, j, k, t int) float64 {
	return v.Data[i+v.Nx*(j+v.Ny*(k+v.Nz*t))]
}

// Frame returns the t-th 3D frame as a standalone volume sharing the
// parent's affine. The frame's data is a sub-slice, not a copy.
func (v *Volume) Frame(t int) (*Volume, error) {
	if t < 0 || t >= v.NVolumes() {
		return nil, fmt.Errorf("frame %d out of range for volume with %d frames", t, v.NVolumes())
	}
	n := v.NVoxels()
	return &Volume{
		Data:   v.Data[t*n : (t+1)*n],
		Nx:     v.Nx,
		Ny:     v.Ny,
		Nz:     v.Nz,
		Affine: v.Affine,
	}, nil
}

// ShapeString renders the spatial shape in the textual form used by the
// atlas cache keys.
func ShapeString(shape [3]int) string {
	return fmt.Sprintf("(%d, %d, %d)", shape[0], shape[1], shape[2])
}

// VolumeSet is a homogeneous batch of 3D subject volumes. It is the
// normalized form every transformer works on: a single 3D volume becomes a
// one-subject set, a 4D volume is split into its frames, and a slice of 3D
// volumes is validated for consistent dimensions.
type VolumeSet struct {
	// Volumes holds one 3D volume per subject.
	Volumes []*Volume
}

// NewVolumeSet normalizes the given volumes into a subject batch. 4D inputs
// contribute one subject per frame. All resulting frames must agree on their
// spatial dimensions.
func NewVolumeSet(vols ...*Volume) (*VolumeSet, error) {
	if len(vols) == 0 {
		return nil, fmt.Errorf("cannot build a volume set from zero volumes")
	}

	set := &VolumeSet{}
	for _, v := range vols {
		if v == nil {
			return nil, fmt.Errorf("cannot build a volume set from a nil volume")
		}
		for t := 0; t < v.NVolumes(); t++ {
			frame, err := v.Frame(t)
			if err != nil {
				return nil, err
			}
			set.Volumes = append(set.Volumes, frame)
		}
	}

	first := set.Volumes[0]
	for i, v := range set.Volumes[1:] {
		if v.Nx != first.Nx || v.Ny != first.Ny || v.Nz != first.Nz {
			return nil, fmt.Errorf("volume %d has shape %v, expected %v to match the first volume",
				i+1, v.Shape(), first.Shape())
		}
	}
	return set, nil
}

// NSubjects returns the number of subject volumes in the set.
func (s *VolumeSet) NSubjects() int {
	return len(s.Volumes)
}

// First returns the first subject's 3D volume. The affine and shape of the
// whole batch are derived from it.
func (s *VolumeSet) First() *Volume {
	return s.Volumes[0]
}
