// Package atlas provides the resolution and caching layer for anatomical
// atlases and binary masks: named or custom volumes are loaded, resampled
// onto the input data's geometry with nearest-neighbor lookup, thresholded,
// reconciled against their sidecar label files and memoized per geometry.
package atlas

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"brainatlas/internal/models"
	"brainatlas/pkg/backend"
	"brainatlas/pkg/logging"
)

// cacheKey identifies one resolved atlas or mask build. Affine, shape and
// threshold enter the key in textual form: two numerically equal affines
// that format differently occupy two cache entries. That costs memory, not
// correctness, and is kept for compatibility with existing key behavior.
type cacheKey struct {
	name      string
	affine    string
	shape     string
	threshold string
}

func newCacheKey(name string, affine *models.Affine, shape *[3]int, threshold string) cacheKey {
	key := cacheKey{name: name, affine: "nil", shape: "nil", threshold: threshold}
	if affine != nil {
		key.affine = affine.String()
	}
	if shape != nil {
		key.shape = models.ShapeString(*shape)
	}
	return key
}

func thresholdString(t *float64) string {
	if t == nil {
		return "nil"
	}
	return strconv.FormatFloat(*t, 'g', -1, 64)
}

// Library caches resolved atlases and masks for the lifetime of the process.
// It is meant to be created once at pipeline-build time and shared by every
// transformer; entries are append-only and shared read-only once built. A
// mutex serializes cache access, so first resolution of a key under
// concurrent callers builds exactly once. PreWarm exists for callers that
// want the build cost paid upfront on a single goroutine.
type Library struct {
	backend  backend.Backend
	registry *Registry

	mu      sync.Mutex
	atlases map[cacheKey]*AtlasObject
	masks   map[cacheKey]*MaskObject
}

// NewLibrary creates an empty library over the given backend and registry.
func NewLibrary(b backend.Backend, r *Registry) *Library {
	return &Library{
		backend:  b,
		registry: r,
		atlases:  make(map[cacheKey]*AtlasObject),
		masks:    make(map[cacheKey]*MaskObject),
	}
}

// GetAtlas returns the atlas resolved for the given geometry, building and
// caching it on first request. Repeated calls with an identical key return
// the identical object. Custom atlases are referenced by file path; a
// missing path yields ErrNotFound.
func (l *Library) GetAtlas(name string, targetAffine *models.Affine, targetShape *[3]int, maskThreshold *float64) (*AtlasObject, error) {
	key := newCacheKey(name, targetAffine, targetShape, thresholdString(maskThreshold))

	l.mu.Lock()
	defer l.mu.Unlock()

	if atlas, ok := l.atlases[key]; ok {
		return atlas, nil
	}
	atlas, err := l.buildAtlas(name, targetAffine, targetShape, maskThreshold)
	if err != nil {
		return nil, err
	}
	l.atlases[key] = atlas
	logging.Logger.Debugw("added atlas to library", "atlas", name, "rois", len(atlas.Rois))
	return atlas, nil
}

// GetMask returns the mask resolved for the given geometry, building and
// caching it on first request. Thresholding keeps voxels with value >
// maskThreshold. A mask that is entirely empty after resampling yields
// ErrEmptyRegion.
func (l *Library) GetMask(name string, targetAffine *models.Affine, targetShape *[3]int, maskThreshold float64) (*MaskObject, error) {
	key := newCacheKey(name, targetAffine, targetShape, strconv.FormatFloat(maskThreshold, 'g', -1, 64))

	l.mu.Lock()
	defer l.mu.Unlock()

	if mask, ok := l.masks[key]; ok {
		return mask, nil
	}
	mask, err := l.buildMask(name, targetAffine, targetShape, maskThreshold)
	if err != nil {
		return nil, err
	}
	l.masks[key] = mask
	logging.Logger.Debugw("added mask to library", "mask", name)
	return mask, nil
}

// ListROIs returns the region labels of a built-in atlas. Unknown names
// produce a warning and an empty list, never an error.
func (l *Library) ListROIs(atlasName string) []string {
	if !l.registry.IsBuiltinAtlas(atlasName) {
		logging.Logger.Warnf("Atlas %s is not supported.", atlasName)
		return []string{}
	}
	atlas, err := l.GetAtlas(atlasName, nil, nil, nil)
	if err != nil {
		logging.Logger.Warnf("Could not load atlas %s: %v", atlasName, err)
		return []string{}
	}
	return atlas.Labels()
}

// FindROIsByLabel returns the atlas regions whose label appears in the
// query list, in query order. Selection order defines the downstream
// feature layout, so the query order is authoritative.
func FindROIsByLabel(atlas *AtlasObject, labels []string) []*RoiObject {
	var rois []*RoiObject
	for _, label := range labels {
		if roi := atlas.RoiByLabel(label); roi != nil {
			rois = append(rois, roi)
		}
	}
	return rois
}

// FindROIsByIndex returns the atlas regions whose index appears in the
// query list, in query order.
func FindROIsByIndex(atlas *AtlasObject, indices []int) []*RoiObject {
	var rois []*RoiObject
	for _, index := range indices {
		if roi := atlas.RoiByIndex(index); roi != nil {
			rois = append(rois, roi)
		}
	}
	return rois
}

// PreWarm resolves the given atlas names for one geometry on the calling
// goroutine, so concurrent pipeline workers later hit a warm cache.
func (l *Library) PreWarm(atlasNames []string, targetAffine *models.Affine, targetShape *[3]int, maskThreshold *float64) error {
	for _, name := range atlasNames {
		if _, err := l.GetAtlas(name, targetAffine, targetShape, maskThreshold); err != nil {
			return errors.Wrapf(err, "pre-warming atlas %s", name)
		}
	}
	return nil
}

// buildAtlas resolves, loads, resamples, thresholds and label-reconciles one
// atlas. Callers hold the library lock.
func (l *Library) buildAtlas(name string, targetAffine *models.Affine, targetShape *[3]int, maskThreshold *float64) (*AtlasObject, error) {
	path, labelsPath, err := l.resolveAtlasFiles(name)
	if err != nil {
		return nil, err
	}

	vol, err := l.backend.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading atlas %s", name)
	}
	vol, err = l.resample(vol, targetAffine, targetShape)
	if err != nil {
		return nil, err
	}

	// threshold below-cutoff voxels to background, then force integer labels
	if maskThreshold != nil {
		for i, v := range vol.Data {
			if v < *maskThreshold {
				vol.Data[i] = 0
			}
		}
	}
	for i, v := range vol.Data {
		vol.Data[i] = math.Trunc(v)
	}

	atlas := &AtlasObject{
		Name:         name,
		Path:         path,
		LabelsPath:   labelsPath,
		TargetAffine: targetAffine,
		TargetShape:  targetShape,
		Threshold:    maskThreshold,
		Map:          vol,
	}

	counts := make(map[int]int)
	for _, v := range vol.Data {
		counts[int(v)]++
	}
	for idx := range counts {
		atlas.Indices = append(atlas.Indices, idx)
	}
	sort.Ints(atlas.Indices)

	labels := l.reconcileLabels(atlas)
	for _, idx := range atlas.Indices {
		atlas.Rois = append(atlas.Rois, &RoiObject{
			Index: idx,
			Label: labels[idx],
			Size:  counts[idx],
		})
	}

	// build the per-region boolean masks; zero-size regions never get one
	for _, roi := range atlas.Rois {
		if roi.Size == 0 {
			continue
		}
		mask := make([]bool, len(vol.Data))
		positive := 0
		for i, v := range vol.Data {
			if int(v) == roi.Index {
				mask[i] = true
				positive++
			}
		}
		roi.Mask = mask
		if positive == 0 {
			roi.IsEmpty = true
		}
	}

	return atlas, nil
}

// resolveAtlasFiles finds the volume and label files for a built-in name or
// a custom path.
func (l *Library) resolveAtlasFiles(name string) (path, labelsPath string, err error) {
	if l.registry.IsBuiltinAtlas(name) {
		return l.registry.ResolveAtlas(name)
	}
	logging.Logger.Debugw("checking custom atlas", "path", name)
	if _, err := os.Stat(name); err != nil {
		return "", "", errors.Wrapf(ErrNotFound, "cannot find custom atlas %s", name)
	}
	labelsPath = LabelsPathFor(name)
	if _, err := os.Stat(labelsPath); err != nil {
		logging.Logger.Warnf("Didn't find .txt file with ROI labels. Using indices as labels.")
	}
	return name, labelsPath, nil
}

// reconcileLabels returns the index-to-label mapping for an atlas. A sidecar
// label file must cover exactly the indices present in the map (index 0 is
// silently treated as Background when the file omits it); any mismatch
// discards the file entirely in favor of stringified indices.
func (l *Library) reconcileLabels(atlas *AtlasObject) map[int]string {
	fallback := func() map[int]string {
		labels := make(map[int]string, len(atlas.Indices))
		for _, idx := range atlas.Indices {
			labels[idx] = strconv.Itoa(idx)
		}
		return labels
	}

	if atlas.LabelsPath == "" {
		return fallback()
	}
	fromFile, err := parseLabelsFile(atlas.LabelsPath)
	if err != nil {
		return fallback()
	}

	if _, ok := fromFile[0]; !ok && containsInt(atlas.Indices, 0) {
		fromFile[0] = "Background"
	}

	fileIndices := make([]int, 0, len(fromFile))
	for idx := range fromFile {
		fileIndices = append(fileIndices, idx)
	}
	sort.Ints(fileIndices)

	if !equalIntSlices(atlas.Indices, fileIndices) {
		logging.Logger.Errorf(
			"The indices in map image ARE NOT the same as those in your *_labels.txt! Ignoring *_labels.txt. MapImage: %v File: %v",
			atlas.Indices, fileIndices)
		return fallback()
	}
	return fromFile
}

// parseLabelsFile reads a whitespace-delimited two-column label file:
// integer index, then the label (which may itself contain spaces).
func parseLabelsFile(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	labels := make(map[int]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("label file %s: bad index %q", path, fields[0])
		}
		labels[idx] = strings.Join(fields[1:], " ")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// buildMask resolves, thresholds and resamples one whole mask. Callers hold
// the library lock.
func (l *Library) buildMask(name string, targetAffine *models.Affine, targetShape *[3]int, maskThreshold float64) (*MaskObject, error) {
	path, err := l.resolveMaskFile(name)
	if err != nil {
		return nil, err
	}

	vol, err := l.backend.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading mask %s", name)
	}

	// boolean thresholding before resampling, matching img > threshold
	for i, v := range vol.Data {
		if v > maskThreshold {
			vol.Data[i] = 1
		} else {
			vol.Data[i] = 0
		}
	}

	vol, err = l.resample(vol, targetAffine, targetShape)
	if err != nil {
		return nil, err
	}

	boolMask := l.backend.BuildMask(vol)
	positive := 0
	for _, m := range boolMask {
		if m {
			positive++
		}
	}
	if positive == 0 {
		msg := fmt.Sprintf("No voxels in mask after resampling (%s).", name)
		logging.Logger.Error(msg)
		return nil, errors.Wrap(ErrEmptyRegion, msg)
	}

	return &MaskObject{
		Name:     name,
		Path:     path,
		Mask:     vol,
		BoolMask: boolMask,
	}, nil
}

// resolveMaskFile finds the volume file for a built-in mask name or a
// custom path.
func (l *Library) resolveMaskFile(name string) (string, error) {
	if l.registry.IsBuiltinMask(name) {
		return l.registry.ResolveMask(name)
	}
	logging.Logger.Debugw("checking custom mask", "path", name)
	if _, err := os.Stat(name); err != nil {
		return "", errors.Wrapf(ErrNotFound, "cannot find custom mask %s", name)
	}
	return name, nil
}

// resample regrids the volume onto the target geometry when targets are
// given. The source orientation must already agree with the target: masking
// data against a differently oriented region produces silently wrong
// features, so a mismatch is fatal.
func (l *Library) resample(vol *models.Volume, targetAffine *models.Affine, targetShape *[3]int) (*models.Volume, error) {
	if targetAffine == nil || targetShape == nil {
		return vol, nil
	}

	orientData := targetAffine.AxisCodes()
	orientROI := vol.Affine.AxisCodes()
	if orientROI != orientData {
		msg := fmt.Sprintf("Orientation of mask and data are not the same: %s (mask) vs. %s (data)", orientROI, orientData)
		logging.Logger.Error(msg)
		return nil, errors.Wrap(ErrGeometryMismatch, msg)
	}

	return l.backend.Resample(vol, *targetAffine, *targetShape, backend.InterpNearest)
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func equalIntSlices(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
