package atlas

import "github.com/cockroachdb/errors"

// Common errors. Callers match on these with errors.Is; the wrapped
// instances carry the offending name, path or mode.
var (
	// ErrNotFound marks a custom atlas or mask path that does not exist.
	ErrNotFound = errors.New("atlas or mask not found")

	// ErrInvalidConfiguration marks an unsupported collection or
	// extraction mode. Fatal, never silently worked around.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrGeometryMismatch marks an orientation disagreement between a
	// resampled image and its target affine. Proceeding would produce
	// spatially misaligned features.
	ErrGeometryMismatch = errors.New("orientation mismatch")

	// ErrEmptyRegion marks a mask that has no positive voxels after
	// thresholding and resampling.
	ErrEmptyRegion = errors.New("region contains no voxels")

	// ErrExtraction marks a masking step that failed or produced nothing
	// usable.
	ErrExtraction = errors.New("roi extraction failed")
)
