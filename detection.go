package particlescope

import (
	"image"
	"math"

	"github.com/swdee/go-particlescope/rle"
)

// BoxRect is a bounding box in pixel coordinates with a top left origin,
// Right and Bottom are exclusive
type BoxRect struct {
	Left   float64
	Top    float64
	Right  float64
	Bottom float64
}

// Width of the box
func (b BoxRect) Width() float64 {
	return b.Right - b.Left
}

// Height of the box
func (b BoxRect) Height() float64 {
	return b.Bottom - b.Top
}

// Rect converts the box to an integer rectangle suitable for drawing
func (b BoxRect) Rect() image.Rectangle {
	return image.Rect(int(math.Floor(b.Left)), int(math.Floor(b.Top)),
		int(math.Ceil(b.Right)), int(math.Ceil(b.Bottom)))
}

// DetectedObject is one detected instance within an image
type DetectedObject struct {
	// Label is the class index
	Label int
	// Score is the detection confidence in [0,1]
	Score float32
	// Box is the bounding box of the object
	Box BoxRect
	// Mask is the canonical run-length encoded segmentation mask
	Mask rle.RLE
}

// NewDetectedObject creates an object deriving the bounding box from the
// mask extent
func NewDetectedObject(label int, score float32, mask rle.RLE) DetectedObject {

	l, t, r, b := mask.Extent()

	return DetectedObject{
		Label: label,
		Score: score,
		Box:   BoxRect{Left: l, Top: t, Right: r, Bottom: b},
		Mask:  mask,
	}
}

// Dense materialises the row-major mask, 1 marks the object
func (d DetectedObject) Dense() ([]uint8, error) {
	return d.Mask.Decode()
}

// ImageSize returns the height and width of the image the mask belongs to
func (d DetectedObject) ImageSize() (height, width int) {
	return d.Mask.Height, d.Mask.Width
}

// DetectionsInImage holds every detection found in one source image
type DetectionsInImage struct {
	// ImageID is the name of the source image
	ImageID string
	Objects []DetectedObject
}

// SampleImageData is an echoed raw image with its detections, used for
// rendering a preview
type SampleImageData struct {
	Name string
	// Image is the encoded image as returned by the inference server
	Image  []byte
	Labels []DetectedObject
	Time   float64
}

// RenderedImage is an annotated preview frame
type RenderedImage struct {
	Name string
	// JPEG is the encoded annotated image
	JPEG []byte
	Time float64
}
