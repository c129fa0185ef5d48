package postprocess

import (
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	ps "github.com/swdee/go-particlescope"
)

// minEllipsePoints is the fewest contour points an ellipse can be fitted to
const minEllipsePoints = 6

// Shape is the measured geometry of one object
type Shape struct {
	// Area is the mask pixel count
	Area float64
	// Major and Minor are the fitted ellipse axis lengths truncated to
	// whole pixels, only valid when HasEllipse is set
	Major      float64
	Minor      float64
	HasEllipse bool
}

// Measurer computes object shapes reusing mask buffers between calls.  It
// is not safe for concurrent use.
type Measurer struct {
	buffers *bufferPool
}

// NewMeasurer returns a Measurer
func NewMeasurer() *Measurer {
	return &Measurer{
		buffers: newBufferPool(),
	}
}

// Measure returns the area of obj and the ellipse fitted to the largest
// contour of its mask.  Objects without a contour of at least six points
// have an area but no ellipse.
func (m *Measurer) Measure(obj ps.DetectedObject) (Shape, error) {

	shape := Shape{Area: float64(obj.Mask.Area())}

	if shape.Area == 0 {
		return shape, nil
	}

	height, width := obj.ImageSize()
	buf := m.buffers.Get(height * width)
	defer m.buffers.Put(buf)

	if err := obj.Mask.DecodeInto(buf); err != nil {
		return shape, errors.Wrap(err, "error decoding mask")
	}

	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, buf)

	if err != nil {
		return shape, errors.Wrap(err, "error creating mask Mat")
	}

	defer mat.Close()

	contours := gocv.FindContours(mat, gocv.RetrievalList, gocv.ChainApproxSimple)
	defer contours.Close()

	largest := -1
	maxArea := 0.0

	for i := 0; i < contours.Size(); i++ {

		area := gocv.ContourArea(contours.At(i))

		// strictly larger so the first of equal contours wins
		if area > maxArea {
			maxArea = area
			largest = i
		}
	}

	if largest < 0 {
		return shape, nil
	}

	contour := contours.At(largest)

	if contour.Size() < minEllipsePoints {
		return shape, nil
	}

	// gocv returns the fitted size truncated to int, axes lose up to one
	// pixel each
	ellipse := gocv.FitEllipse(contour)

	shape.Major = math.Max(float64(ellipse.Width), float64(ellipse.Height))
	shape.Minor = math.Min(float64(ellipse.Width), float64(ellipse.Height))
	shape.HasEllipse = true

	return shape, nil
}
