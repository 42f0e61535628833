package transform

import (
	"strings"

	"brainatlas/pkg/atlas"
)

type selectionKind int

const (
	selAll selectionKind = iota
	selLabel
	selIndex
	selLabels
	selIndices
)

// ROISelection describes which atlas regions a transformer works on. It is
// a closed set of variants resolved once per transform: all regions, one
// region by label or index, or an ordered list of labels or indices. For
// list variants the given order defines the feature layout downstream, so
// it is preserved exactly.
type ROISelection struct {
	kind    selectionKind
	label   string
	index   int
	labels  []string
	indices []int
}

// AllRegions selects every region except the background.
func AllRegions() ROISelection {
	return ROISelection{kind: selAll}
}

// ByLabel selects the single region with the given label.
func ByLabel(label string) ROISelection {
	return ROISelection{kind: selLabel, label: label}
}

// ByIndex selects the single region with the given index.
func ByIndex(index int) ROISelection {
	return ROISelection{kind: selIndex, index: index}
}

// ByLabels selects the regions with the given labels, in the given order.
// A leading "all" (case-insensitive) behaves like AllRegions.
func ByLabels(labels ...string) ROISelection {
	if len(labels) > 0 && strings.EqualFold(labels[0], "all") {
		return AllRegions()
	}
	return ROISelection{kind: selLabels, labels: labels}
}

// ByIndices selects the regions with the given indices, in the given order.
func ByIndices(indices ...int) ROISelection {
	return ROISelection{kind: selIndices, indices: indices}
}

// resolve maps the selection onto the regions of a concrete atlas.
// AllRegions keeps the atlas's ascending-index order minus the background;
// the list variants keep the requested order.
func (s ROISelection) resolve(a *atlas.AtlasObject, backgroundID int) []*atlas.RoiObject {
	switch s.kind {
	case selAll:
		var rois []*atlas.RoiObject
		for _, roi := range a.Rois {
			if roi.Index != backgroundID {
				rois = append(rois, roi)
			}
		}
		return rois
	case selLabel:
		return atlas.FindROIsByLabel(a, []string{s.label})
	case selIndex:
		return atlas.FindROIsByIndex(a, []int{s.index})
	case selLabels:
		return atlas.FindROIsByLabel(a, s.labels)
	case selIndices:
		return atlas.FindROIsByIndex(a, s.indices)
	}
	return nil
}
