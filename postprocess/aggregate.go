package postprocess

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	ps "github.com/swdee/go-particlescope"
)

// Timeline plot and series names
const (
	PlotParticles = "Particles per frame"
	PlotMeanSize  = "Mean size"

	SeriesParticles = "class 1"
	SeriesArea      = "area"
	SeriesMajor     = "major"
	SeriesMinor     = "minor"
)

// Aggregator measures a group of images into distributions
type Aggregator struct {
	Filter Filter
	// Calibration is the length of one pixel in microns, zero keeps pixel
	// units
	Calibration float64

	measurer *Measurer
	// Failed counts objects whose mask could not be measured
	Failed int
}

// NewAggregator returns an Aggregator using filter and calibration
func NewAggregator(filter Filter, calibration float64) *Aggregator {
	return &Aggregator{
		Filter:      filter,
		Calibration: calibration,
		measurer:    NewMeasurer(),
	}
}

// Aggregate measures every kept object of group.  Timeline points are
// returned for the particle count and for the mean sizes when there is at
// least one measurement.
func (a *Aggregator) Aggregate(group []ps.DetectionsInImage) (ps.Distributions, []ps.TimelineDataPoint) {

	var areas, majors, minors []float64

	for _, img := range group {
		for _, obj := range a.Filter.Apply(img.Objects) {

			shape, err := a.measurer.Measure(obj)

			if err != nil {
				a.Failed++
				continue
			}

			areas = append(areas, shape.Area)

			if shape.HasEllipse {
				majors = append(majors, shape.Major)
				minors = append(minors, shape.Minor)
			}
		}
	}

	unit := ps.UnitPixels

	if r := a.Calibration; r != 0 {
		floats.Scale(r*r, areas)
		floats.Scale(r, majors)
		floats.Scale(r, minors)
		unit = ps.UnitMicrons
	}

	dist := ps.Distributions{
		Areas:    ps.AreaDistribution{Areas: areas, Unit: unit},
		Ellipses: ps.EllipseDistribution{Majors: majors, Minors: minors, Unit: unit},
		Images:   len(group),
		Time:     ps.Now(),
	}

	perFrame := 0.0

	if len(group) > 0 {
		perFrame = float64(len(areas)) / float64(len(group))
	}

	points := []ps.TimelineDataPoint{
		ps.NewTimelineDataPoint(PlotParticles, SeriesParticles, perFrame),
	}

	if len(areas) > 0 {
		points = append(points,
			ps.NewTimelineDataPoint(PlotMeanSize, SeriesArea, stat.Mean(areas, nil)))
	}

	if len(majors) > 0 {
		points = append(points,
			ps.NewTimelineDataPoint(PlotMeanSize, SeriesMajor, stat.Mean(majors, nil)),
			ps.NewTimelineDataPoint(PlotMeanSize, SeriesMinor, stat.Mean(minors, nil)),
		)
	}

	return dist, points
}
