package particlescope

import (
	"time"
)

// Unit of a measured distribution
type Unit int

const (
	// UnitPixels is used when no calibration ratio is configured
	UnitPixels Unit = iota
	// UnitMicrons is used once lengths are scaled by a calibration ratio
	UnitMicrons
)

// Length returns the label for lengths in this unit
func (u Unit) Length() string {

	if u == UnitMicrons {
		return "µm"
	}

	return "px"
}

// Area returns the label for areas in this unit
func (u Unit) Area() string {

	if u == UnitMicrons {
		return "µm²"
	}

	return "px²"
}

// String returns the length label
func (u Unit) String() string {
	return u.Length()
}

// AreaDistribution is the set of object areas measured over a group of
// images
type AreaDistribution struct {
	Areas []float64
	Unit  Unit
}

// EllipseDistribution holds the parallel major and minor axis lengths of
// the ellipses fitted to objects over a group of images
type EllipseDistribution struct {
	Majors []float64
	Minors []float64
	Unit   Unit
}

// Distributions is a snapshot published once per aggregation group.  Each
// snapshot is newly built and replaces the previous one.
type Distributions struct {
	Areas    AreaDistribution
	Ellipses EllipseDistribution
	// Images is the number of images in the group
	Images int
	Time   float64
}

// TimelineDataPoint is a single scalar sample for a trend plot
type TimelineDataPoint struct {
	Plot   string
	Series string
	Value  float64
	Time   float64
}

// NewTimelineDataPoint creates a point stamped with the current time
func NewTimelineDataPoint(plot, series string, value float64) TimelineDataPoint {
	return TimelineDataPoint{
		Plot:   plot,
		Series: series,
		Value:  value,
		Time:   Now(),
	}
}

// InferenceStats reports one completed inference request
type InferenceStats struct {
	RequestID string
	// Images is the number of images processed by the request
	Images  int
	Elapsed time.Duration
}

// Now returns the wall clock time in seconds
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
