package postprocess

import (
	ps "github.com/swdee/go-particlescope"
)

// Filter drops detections that are not confident enough or that touch the
// image border
type Filter struct {
	// Confidence is the minimum score kept
	Confidence float64
	// Crop is the border distance in pixels at or below which an object is
	// considered cut off by the image edge, zero disables the check
	Crop float64
}

// Keep reports whether obj passes the filter
func (f Filter) Keep(obj ps.DetectedObject) bool {

	if float64(obj.Score) < f.Confidence {
		return false
	}

	return !f.Cropped(obj)
}

// Cropped reports whether obj lies within Crop pixels of an image edge
func (f Filter) Cropped(obj ps.DetectedObject) bool {

	t := f.Crop

	if t == 0 {
		return false
	}

	height, width := obj.ImageSize()
	b := obj.Box

	return b.Left <= t || b.Top <= t ||
		float64(width)-b.Right <= t || float64(height)-b.Bottom <= t
}

// Apply returns the objects passing the filter in their original order
func (f Filter) Apply(objs []ps.DetectedObject) []ps.DetectedObject {

	kept := make([]ps.DetectedObject, 0, len(objs))

	for _, obj := range objs {
		if f.Keep(obj) {
			kept = append(kept, obj)
		}
	}

	return kept
}
