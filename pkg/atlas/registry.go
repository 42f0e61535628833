package atlas

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// AtlasDictionary maps the supported atlas names to their bundled files.
// The keys are part of the public contract: saved pipelines reference them
// by name, so they must never change.
var AtlasDictionary = map[string]string{
	"AAL":                                    "AAL.nii.gz",
	"HarvardOxford_Cortical_Threshold_25":    "HarvardOxford-cort-maxprob-thr25.nii.gz",
	"HarvardOxford_Subcortical_Threshold_25": "HarvardOxford-sub-maxprob-thr25.nii.gz",
	"HarvardOxford_Cortical_Threshold_50":    "HarvardOxford-cort-maxprob-thr50.nii.gz",
	"HarvardOxford_Subcortical_Threshold_50": "HarvardOxford-sub-maxprob-thr50.nii.gz",
	"Yeo_7":                                  "Yeo2011_7Networks_MNI152_FreeSurferConformed1mm.nii.gz",
	"Yeo_7_Liberal":                          "Yeo2011_7Networks_MNI152_FreeSurferConformed1mm_LiberalMask.nii.gz",
	"Yeo_17":                                 "Yeo2011_17Networks_MNI152_FreeSurferConformed1mm.nii.gz",
	"Yeo_17_Liberal":                         "Yeo2011_17Networks_MNI152_FreeSurferConformed1mm_LiberalMask.nii.gz",
	"Schaefer2018_100Parcels_7Networks":      "Schaefer2018_100Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_200Parcels_7Networks":      "Schaefer2018_200Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_300Parcels_7Networks":      "Schaefer2018_300Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_400Parcels_7Networks":      "Schaefer2018_400Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_500Parcels_7Networks":      "Schaefer2018_500Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_600Parcels_7Networks":      "Schaefer2018_600Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_700Parcels_7Networks":      "Schaefer2018_700Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_800Parcels_7Networks":      "Schaefer2018_800Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_900Parcels_7Networks":      "Schaefer2018_900Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_1000Parcels_7Networks":     "Schaefer2018_1000Parcels_7Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_100Parcels_17Networks":     "Schaefer2018_100Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_200Parcels_17Networks":     "Schaefer2018_200Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_300Parcels_17Networks":     "Schaefer2018_300Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_400Parcels_17Networks":     "Schaefer2018_400Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_500Parcels_17Networks":     "Schaefer2018_500Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_600Parcels_17Networks":     "Schaefer2018_600Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_700Parcels_17Networks":     "Schaefer2018_700Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_800Parcels_17Networks":     "Schaefer2018_800Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_900Parcels_17Networks":     "Schaefer2018_900Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
	"Schaefer2018_1000Parcels_17Networks":    "Schaefer2018_1000Parcels_17Networks_order_FSLMNI152_1mm.nii.gz",
}

// MaskDictionary maps the supported single-mask names to their bundled files.
var MaskDictionary = map[string]string{
	"MNI_ICBM152_GrayMatter":  "mni_icbm152_gm_tal_nlin_sym_09a.nii.gz",
	"MNI_ICBM152_WhiteMatter": "mni_icbm152_wm_tal_nlin_sym_09a.nii.gz",
	"MNI_ICBM152_WholeBrain":  "mni_icbm152_t1_tal_nlin_sym_09a_mask.nii.gz",
	"Cerebellum":              "P_08_Cere.nii.gz",
}

// Registry resolves atlas and mask names to files under a versioned atlas
// directory. Bundled files live one subdirectory below the root
// (e.g. atlases/AAL_SPM12/AAL.nii.gz); custom names are filesystem paths.
type Registry struct {
	// AtlasDir is the root directory of the bundled atlas files.
	AtlasDir string
}

// NewRegistry creates a registry over the given atlas directory.
func NewRegistry(atlasDir string) *Registry {
	return &Registry{AtlasDir: atlasDir}
}

// ResolveAtlas maps a built-in atlas name to its volume and label files.
// Unknown names yield ErrNotFound; use IsBuiltinAtlas to distinguish custom
// paths first.
func (r *Registry) ResolveAtlas(name string) (path, labelsPath string, err error) {
	file, ok := AtlasDictionary[name]
	if !ok {
		return "", "", errors.Wrapf(ErrNotFound, "atlas %s is not a known atlas name", name)
	}
	path, err = r.findBundled(file)
	if err != nil {
		return "", "", err
	}
	return path, LabelsPathFor(path), nil
}

// ResolveMask maps a built-in mask name to its volume file.
func (r *Registry) ResolveMask(name string) (string, error) {
	file, ok := MaskDictionary[name]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "mask %s is not a known mask name", name)
	}
	return r.findBundled(file)
}

// IsBuiltinAtlas reports whether name is a key of the atlas dictionary.
func (r *Registry) IsBuiltinAtlas(name string) bool {
	_, ok := AtlasDictionary[name]
	return ok
}

// IsBuiltinMask reports whether name is a key of the mask dictionary.
func (r *Registry) IsBuiltinMask(name string) bool {
	_, ok := MaskDictionary[name]
	return ok
}

// Validate checks that every file referenced by the dictionaries exists
// under the atlas directory, so incomplete installations fail at startup
// rather than on first use.
func (r *Registry) Validate() error {
	var missing []string
	for name, file := range AtlasDictionary {
		if _, err := r.findBundled(file); err != nil {
			missing = append(missing, name)
		}
	}
	for name, file := range MaskDictionary {
		if _, err := r.findBundled(file); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrNotFound, "atlas directory %s is missing bundled files for: %s",
			r.AtlasDir, strings.Join(missing, ", "))
	}
	return nil
}

// findBundled locates a bundled file one level below the atlas root.
func (r *Registry) findBundled(file string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(r.AtlasDir, "*", file))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(ErrNotFound, "bundled file %s not found under %s", file, r.AtlasDir)
	}
	return matches[0], nil
}

// LabelsPathFor returns the conventional sidecar label file path for an
// atlas volume: <basename>_labels.txt next to the volume.
func LabelsPathFor(atlasPath string) string {
	base := filepath.Base(atlasPath)
	base = strings.TrimSuffix(base, ".nii.gz")
	base = strings.TrimSuffix(base, ".nii")
	return filepath.Join(filepath.Dir(atlasPath), base+"_labels.txt")
}

// NiiFilesFromDir lists all files with the given extension in a directory,
// sorted by name. The default extension is .nii.gz.
func NiiFilesFromDir(dir, ext string) ([]string, error) {
	if ext == "" {
		ext = ".nii.gz"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ext) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}
