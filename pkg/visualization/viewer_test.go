package visualization

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"brainatlas/internal/models"
)

// createTempDir creates a temporary directory for test files
func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "viewer-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	return dir
}

// makeGradientVolume builds a 4x3x2 volume with a value ramp
func makeGradientVolume() *models.Volume {
	vol := models.NewVolume(4, 3, 2, models.Eye())
	for i := range vol.Data {
		vol.Data[i] = float64(i)
	}
	return vol
}

// TestExtractSlice verifies slice dimensions per axis
func TestExtractSlice(t *testing.T) {
	v := NewViewer(makeGradientVolume())

	tests := []struct {
		axis string
		w, h int
	}{
		{"x", 3, 2},
		{"y", 4, 2},
		{"z", 4, 3},
	}
	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			img, err := v.ExtractSlice(tt.axis, 0)
			if err != nil {
				t.Fatalf("Failed to extract slice: %v", err)
			}
			bounds := img.Bounds()
			if bounds.Dx() != tt.w || bounds.Dy() != tt.h {
				t.Errorf("Expected %dx%d slice, got %dx%d", tt.w, tt.h, bounds.Dx(), bounds.Dy())
			}
		})
	}
}

// TestSliceNormalization verifies the min/max intensity mapping
func TestSliceNormalization(t *testing.T) {
	vol := makeGradientVolume()
	v := NewViewer(vol)

	// last z slice contains the volume maximum at its last voxel
	img, err := v.ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	r, g, b, _ := img.At(3, 2).RGBA()
	if r != 65535 || g != 65535 || b != 65535 {
		t.Errorf("Expected the maximum voxel to render white, got (%d,%d,%d)", r, g, b)
	}

	// first z slice contains the minimum at its first voxel
	img, err = v.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	r, g, b, _ = img.At(0, 0).RGBA()
	if r != 0 || g != 0 || b != 0 {
		t.Errorf("Expected the minimum voxel to render black, got (%d,%d,%d)", r, g, b)
	}
}

// TestOverlay verifies masked voxels render red
func TestOverlay(t *testing.T) {
	vol := makeGradientVolume()
	v := NewViewer(vol)

	mask := make([]bool, vol.NVoxels())
	mask[0] = true
	if err := v.SetOverlay(mask); err != nil {
		t.Fatalf("Failed to set overlay: %v", err)
	}

	img, err := v.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	c := img.At(0, 0).(color.RGBA64)
	if c.R != 65535 {
		t.Errorf("Expected overlay voxel to render red, got %v", c)
	}

	if err := v.SetOverlay(make([]bool, 5)); err == nil {
		t.Error("Expected error for an overlay of the wrong size")
	}
}

// TestExtractSliceErrors verifies axis and position validation
func TestExtractSliceErrors(t *testing.T) {
	v := NewViewer(makeGradientVolume())

	if _, err := v.ExtractSlice("w", 0); err == nil {
		t.Error("Expected error for an invalid axis")
	}
	if _, err := v.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for a negative position")
	}
	if _, err := v.ExtractSlice("x", 4); err == nil {
		t.Error("Expected error for a position past the volume")
	}
}

// TestSaveSliceSequence verifies one file per slice gets written
func TestSaveSliceSequence(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)

	v := NewViewer(makeGradientVolume())
	out := filepath.Join(dir, "slices")
	if err := v.SaveSliceSequence("z", out); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for pos := 0; pos < 2; pos++ {
		path := filepath.Join(out, fmt.Sprintf("slice_z_%03d.jpg", pos))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected slice file %s: %v", path, err)
		}
	}

	if err := v.SaveSliceSequence("w", out); err == nil {
		t.Error("Expected error for an invalid axis")
	}
}
