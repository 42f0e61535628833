package atlas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"brainatlas/internal/models"
	"brainatlas/pkg/backend"
	"brainatlas/pkg/logging"
	"brainatlas/pkg/nifti"
)

// createTempDir creates a temporary directory for test files
func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "atlas-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	return dir
}

// makeAtlasVolume builds a 6x6x6 label map with four foreground regions
// (labels 1..4, one per xy quadrant over the lower z slices) and background
// label 0 covering the top z slices.
func makeAtlasVolume() *models.Volume {
	v := models.NewVolume(6, 6, 6, models.Eye())
	for k := 0; k < 4; k++ {
		for j := 0; j < 6; j++ {
			for i := 0; i < 6; i++ {
				label := 1.0
				if i >= 3 {
					label += 1
				}
				if j >= 3 {
					label += 2
				}
				v.SetAt(i, j, k, label)
			}
		}
	}
	return v
}

const testLabels = "0\tBackground\n1\tHippocampus_L\n2\tHippocampus_R\n3\tAmygdala_L\n4\tAmygdala_R\n"

// writeAtlasFiles writes the synthetic atlas and its label sidecar
func writeAtlasFiles(t *testing.T, dir, labels string) string {
	path := filepath.Join(dir, "test_atlas.nii.gz")
	if err := nifti.Write(makeAtlasVolume(), path); err != nil {
		t.Fatalf("Failed to write atlas volume: %v", err)
	}
	if labels != "" {
		if err := os.WriteFile(LabelsPathFor(path), []byte(labels), 0644); err != nil {
			t.Fatalf("Failed to write labels file: %v", err)
		}
	}
	return path
}

// writeMaskFile writes a small binary mask volume with values 0 and 1
func writeMaskFile(t *testing.T, dir string) string {
	v := models.NewVolume(6, 6, 6, models.Eye())
	for k := 0; k < 3; k++ {
		for j := 0; j < 3; j++ {
			for i := 0; i < 3; i++ {
				v.SetAt(i, j, k, 1)
			}
		}
	}
	path := filepath.Join(dir, "test_mask.nii.gz")
	if err := nifti.Write(v, path); err != nil {
		t.Fatalf("Failed to write mask volume: %v", err)
	}
	return path
}

func newTestLibrary(dir string) *Library {
	return NewLibrary(backend.NewNiftiBackend(), NewRegistry(filepath.Join(dir, "atlases")))
}

func fptr(v float64) *float64 { return &v }

// TestGetAtlasIndices verifies that indices match the distinct map values
// and that the label file is honored
func TestGetAtlasIndices(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := writeAtlasFiles(t, dir, testLabels)
	lib := newTestLibrary(dir)

	atlas, err := lib.GetAtlas(path, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to load atlas: %v", err)
	}

	wantIndices := []int{0, 1, 2, 3, 4}
	if len(atlas.Indices) != len(wantIndices) {
		t.Fatalf("Expected indices %v, got %v", wantIndices, atlas.Indices)
	}
	for i, idx := range wantIndices {
		if atlas.Indices[i] != idx {
			t.Fatalf("Expected indices %v, got %v", wantIndices, atlas.Indices)
		}
	}

	wantLabels := []string{"Background", "Hippocampus_L", "Hippocampus_R", "Amygdala_L", "Amygdala_R"}
	for i, want := range wantLabels {
		if atlas.Rois[i].Label != want {
			t.Errorf("Expected ROI %d label %s, got %s", i, want, atlas.Rois[i].Label)
		}
	}

	// each foreground region covers one quadrant over four z slices
	for _, roi := range atlas.Rois[1:] {
		if roi.Size != 36 {
			t.Errorf("Expected ROI %s size 36, got %d", roi.Label, roi.Size)
		}
		if roi.Mask == nil {
			t.Errorf("Expected ROI %s to have a mask", roi.Label)
		}
		if roi.IsEmpty {
			t.Errorf("ROI %s should not be empty", roi.Label)
		}
	}
}

// TestGetAtlasCacheIdentity verifies that repeated lookups return the
// identical cached object, and that a different geometry gets its own entry
func TestGetAtlasCacheIdentity(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := writeAtlasFiles(t, dir, testLabels)
	lib := newTestLibrary(dir)

	a1, err := lib.GetAtlas(path, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to load atlas: %v", err)
	}
	a2, err := lib.GetAtlas(path, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to reload atlas: %v", err)
	}
	if a1 != a2 {
		t.Error("Expected the identical cached object for the same key")
	}

	affine := models.Eye()
	shape := [3]int{6, 6, 6}
	a3, err := lib.GetAtlas(path, &affine, &shape, nil)
	if err != nil {
		t.Fatalf("Failed to load atlas with target geometry: %v", err)
	}
	if a3 == a1 {
		t.Error("Different geometries must not share a cache entry")
	}
}

// TestGetAtlasCustomMissing verifies the not-found error for custom paths
func TestGetAtlasCustomMissing(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	lib := newTestLibrary(dir)

	_, err := lib.GetAtlas(filepath.Join(dir, "XXXXX.nii.gz"), nil, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = lib.GetMask(filepath.Join(dir, "XXXXX.nii.gz"), nil, nil, 0.5)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for mask, got %v", err)
	}
}

// TestLabelReconciliation verifies background injection, mismatch fallback
// and the no-file fallback
func TestLabelReconciliation(t *testing.T) {
	t.Run("BackgroundInjected", func(t *testing.T) {
		dir := createTempDir(t)
		defer os.RemoveAll(dir)
		// label file without the background line
		path := writeAtlasFiles(t, dir, "1\tHippocampus_L\n2\tHippocampus_R\n3\tAmygdala_L\n4\tAmygdala_R\n")
		lib := newTestLibrary(dir)

		atlas, err := lib.GetAtlas(path, nil, nil, nil)
		if err != nil {
			t.Fatalf("Failed to load atlas: %v", err)
		}
		if atlas.Rois[0].Label != "Background" {
			t.Errorf("Expected injected Background label, got %s", atlas.Rois[0].Label)
		}
	})

	t.Run("MismatchDiscardsFile", func(t *testing.T) {
		dir := createTempDir(t)
		defer os.RemoveAll(dir)
		// index 9 does not occur in the map
		path := writeAtlasFiles(t, dir, testLabels+"9\tPhantom_Region\n")
		lib := newTestLibrary(dir)

		atlas, err := lib.GetAtlas(path, nil, nil, nil)
		if err != nil {
			t.Fatalf("Failed to load atlas: %v", err)
		}
		for i, want := range []string{"0", "1", "2", "3", "4"} {
			if atlas.Rois[i].Label != want {
				t.Errorf("Expected stringified label %s, got %s", want, atlas.Rois[i].Label)
			}
		}
	})

	t.Run("NoFileUsesIndices", func(t *testing.T) {
		dir := createTempDir(t)
		defer os.RemoveAll(dir)
		path := writeAtlasFiles(t, dir, "")
		lib := newTestLibrary(dir)

		atlas, err := lib.GetAtlas(path, nil, nil, nil)
		if err != nil {
			t.Fatalf("Failed to load atlas: %v", err)
		}
		if atlas.Rois[1].Label != "1" {
			t.Errorf("Expected stringified label 1, got %s", atlas.Rois[1].Label)
		}
	})
}

// TestAtlasThreshold verifies that thresholding keeps the atlas usable even
// when every foreground label falls below the cutoff
func TestAtlasThreshold(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := writeAtlasFiles(t, dir, "")
	lib := newTestLibrary(dir)

	atlas, err := lib.GetAtlas(path, nil, nil, fptr(99))
	if err != nil {
		t.Fatalf("Atlas with all-background threshold should still load: %v", err)
	}
	if len(atlas.Indices) != 1 || atlas.Indices[0] != 0 {
		t.Errorf("Expected only the background index, got %v", atlas.Indices)
	}
}

// TestGetMask verifies thresholding and the empty-mask failure
func TestGetMask(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := writeMaskFile(t, dir)
	lib := newTestLibrary(dir)

	t.Run("Thresholded", func(t *testing.T) {
		mask, err := lib.GetMask(path, nil, nil, 0.5)
		if err != nil {
			t.Fatalf("Failed to load mask: %v", err)
		}
		count := 0
		for _, m := range mask.BoolMask {
			if m {
				count++
			}
		}
		if count != 27 {
			t.Errorf("Expected 27 positive voxels, got %d", count)
		}
		if mask.IsEmpty {
			t.Error("Mask should not be flagged empty")
		}
	})

	t.Run("EmptyAfterThreshold", func(t *testing.T) {
		_, err := lib.GetMask(path, nil, nil, 2.0)
		if !errors.Is(err, ErrEmptyRegion) {
			t.Errorf("Expected ErrEmptyRegion, got %v", err)
		}
	})

	t.Run("CacheIdentity", func(t *testing.T) {
		m1, err := lib.GetMask(path, nil, nil, 0.5)
		if err != nil {
			t.Fatalf("Failed to load mask: %v", err)
		}
		m2, err := lib.GetMask(path, nil, nil, 0.5)
		if err != nil {
			t.Fatalf("Failed to reload mask: %v", err)
		}
		if m1 != m2 {
			t.Error("Expected the identical cached mask for the same key")
		}
	})
}

// TestOrientationMismatch verifies that resampling onto a differently
// oriented target affine fails hard
func TestOrientationMismatch(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := writeAtlasFiles(t, dir, testLabels)
	lib := newTestLibrary(dir)

	// atlas is RAS; a flipped x axis makes the target LAS
	affine := models.Scaled(-1, 1, 1)
	shape := [3]int{6, 6, 6}
	_, err := lib.GetAtlas(path, &affine, &shape, nil)
	if !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("Expected ErrGeometryMismatch, got %v", err)
	}
}

// TestListROIs verifies the warn-and-empty behavior for unknown atlases
func TestListROIs(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	lib := newTestLibrary(dir)

	core, observed := observer.New(zap.WarnLevel)
	restore := logging.Logger
	logging.Logger = zap.New(core).Sugar()
	defer func() { logging.Logger = restore }()

	rois := lib.ListROIs("plAtlas")
	if len(rois) != 0 {
		t.Errorf("Expected empty ROI list for unknown atlas, got %v", rois)
	}
	if observed.Len() != 1 {
		t.Errorf("Expected exactly one warning, got %d", observed.Len())
	}
}

// TestListROIsBuiltin verifies listing against a bundled atlas layout
func TestListROIsBuiltin(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)

	// install the synthetic atlas as the bundled AAL
	bundled := filepath.Join(dir, "atlases", "AAL_SPM12")
	if err := os.MkdirAll(bundled, 0755); err != nil {
		t.Fatalf("Failed to create bundled atlas dir: %v", err)
	}
	path := filepath.Join(bundled, "AAL.nii.gz")
	if err := nifti.Write(makeAtlasVolume(), path); err != nil {
		t.Fatalf("Failed to write bundled atlas: %v", err)
	}
	if err := os.WriteFile(LabelsPathFor(path), []byte(testLabels), 0644); err != nil {
		t.Fatalf("Failed to write labels file: %v", err)
	}

	lib := newTestLibrary(dir)
	rois := lib.ListROIs("AAL")
	if len(rois) != 5 {
		t.Fatalf("Expected 5 ROI labels, got %d", len(rois))
	}
	if rois[1] != "Hippocampus_L" {
		t.Errorf("Expected Hippocampus_L, got %s", rois[1])
	}
}

// TestFindROIsOrder verifies that lookups preserve the query order
func TestFindROIsOrder(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := writeAtlasFiles(t, dir, testLabels)
	lib := newTestLibrary(dir)

	atlas, err := lib.GetAtlas(path, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to load atlas: %v", err)
	}

	query := []string{"Amygdala_R", "Hippocampus_L", "Amygdala_L"}
	rois := FindROIsByLabel(atlas, query)
	if len(rois) != 3 {
		t.Fatalf("Expected 3 ROIs, got %d", len(rois))
	}
	for i, want := range query {
		if rois[i].Label != want {
			t.Errorf("Expected ROI %d to be %s, got %s", i, want, rois[i].Label)
		}
	}

	byIndex := FindROIsByIndex(atlas, []int{4, 1})
	if len(byIndex) != 2 || byIndex[0].Index != 4 || byIndex[1].Index != 1 {
		t.Errorf("Index lookup did not preserve query order: %v", byIndex)
	}
}

// TestPreWarm verifies that warmed entries are cache hits afterwards
func TestPreWarm(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)
	path := writeAtlasFiles(t, dir, testLabels)
	lib := newTestLibrary(dir)

	affine := models.Eye()
	shape := [3]int{6, 6, 6}
	if err := lib.PreWarm([]string{path}, &affine, &shape, nil); err != nil {
		t.Fatalf("Failed to pre-warm: %v", err)
	}

	a1, err := lib.GetAtlas(path, &affine, &shape, nil)
	if err != nil {
		t.Fatalf("Failed to load atlas: %v", err)
	}
	a2, _ := lib.GetAtlas(path, &affine, &shape, nil)
	if a1 != a2 {
		t.Error("Pre-warmed atlas should be a cache hit")
	}
}

// TestRegistryValidate verifies the startup completeness check
func TestRegistryValidate(t *testing.T) {
	dir := createTempDir(t)
	defer os.RemoveAll(dir)

	reg := NewRegistry(filepath.Join(dir, "atlases"))
	if err := reg.Validate(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an empty atlas dir, got %v", err)
	}
}

// TestLabelsPathFor verifies the sidecar naming convention
func TestLabelsPathFor(t *testing.T) {
	cases := map[string]string{
		"/a/b/AAL.nii.gz": "/a/b/AAL_labels.txt",
		"/a/b/AAL.nii":    "/a/b/AAL_labels.txt",
	}
	for in, want := range cases {
		if got := LabelsPathFor(in); got != want {
			t.Errorf("LabelsPathFor(%s) = %s, want %s", in, got, want)
		}
	}
}
