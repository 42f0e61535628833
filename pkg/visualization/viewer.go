// Package visualization renders 2D slice previews of brain volumes and ROI
// masks as JPEG images, for eyeballing that an atlas was resampled onto the
// right geometry and that an extraction hit the intended regions.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"brainatlas/internal/models"
)

// Viewer renders orthogonal slices of a 3D volume. Intensities are
// normalized to the volume's value range, so label maps and masks render
// with visible contrast.
type Viewer struct {
	// vol is the volume being previewed
	vol *models.Volume

	// min and max of the volume data, used for intensity normalization
	min, max float64

	// overlay optionally marks voxels (e.g. an ROI mask) in the output
	overlay []bool
}

// NewViewer creates a slice viewer over the given volume.
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol}
	if len(vol.Data) > 0 {
		v.min, v.max = vol.Data[0], vol.Data[0]
		for _, val := range vol.Data {
			if val < v.min {
				v.min = val
			}
			if val > v.max {
				v.max = val
			}
		}
	}
	return v
}

// SetOverlay highlights the given voxel mask in every rendered slice. The
// mask must cover one 3D frame of the volume.
func (v *Viewer) SetOverlay(mask []bool) error {
	if len(mask) != v.vol.NVoxels() {
		return fmt.Errorf("overlay has %d voxels but volume has %d", len(mask), v.vol.NVoxels())
	}
	v.overlay = mask
	return nil
}

// gray maps a voxel value onto the 16-bit intensity range.
func (v *Viewer) gray(val float64) uint16 {
	if v.max <= v.min {
		return 0
	}
	norm := (val - v.min) / (v.max - v.min)
	return uint16(norm * 65535)
}

// ExtractSlice renders a 2D slice of the volume along the given axis at the
// given voxel position. With an overlay set, masked voxels render as red.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	nx, ny, nz := v.vol.Nx, v.vol.Ny, v.vol.Nz

	var w, h int
	var voxel func(a, b int) (int, int, int)
	switch axis {
	case "x", "X":
		if position >= nx {
			return nil, fmt.Errorf("position %d exceeds x dimension %d", position, nx)
		}
		w, h = ny, nz
		voxel = func(a, b int) (int, int, int) { return position, a, b }
	case "y", "Y":
		if position >= ny {
			return nil, fmt.Errorf("position %d exceeds y dimension %d", position, ny)
		}
		w, h = nx, nz
		voxel = func(a, b int) (int, int, int) { return a, position, b }
	case "z", "Z":
		if position >= nz {
			return nil, fmt.Errorf("position %d exceeds z dimension %d", position, nz)
		}
		w, h = nx, ny
		voxel = func(a, b int) (int, int, int) { return a, b, position }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	img := image.NewRGBA64(image.Rect(0, 0, w, h))
	for b := 0; b < h; b++ {
		for a := 0; a < w; a++ {
			i, j, k := voxel(a, b)
			g := v.gray(v.vol.At(i, j, k))
			c := color.RGBA64{R: g, G: g, B: g, A: 65535}
			if v.overlay != nil && v.overlay[i+nx*(j+ny*k)] {
				c = color.RGBA64{R: 65535, G: g / 2, B: g / 2, A: 65535}
			}
			img.SetRGBA64(a, b, c)
		}
	}
	return img, nil
}

// SaveSlice saves a rendered slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence renders and saves every slice along the specified axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Nx
	case "y", "Y":
		maxPos = v.vol.Ny
	case "z", "Z":
		maxPos = v.vol.Nz
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
