// Package render draws detection results over sample images for preview.
package render

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	ps "github.com/swdee/go-particlescope"
)

// Annotator renders sample images with their detections
type Annotator struct {
	// Alpha is the opacity of the mask overlay
	Alpha float32
	// Labels names the object classes
	Labels        ps.Labels
	Font          Font
	LineThickness int
	Palette       Palette
	// Quality of the output JPEG
	Quality int
}

// NewAnnotator returns an Annotator with random overlay colours
func NewAnnotator(alpha float32, labels ps.Labels) *Annotator {
	return &Annotator{
		Alpha:         alpha,
		Labels:        labels,
		Font:          PlainFont(),
		LineThickness: 1,
		Palette:       NewRandomPalette(time.Now().UnixNano()),
		Quality:       90,
	}
}

// Render decodes the sample image, overlays objs and encodes the result as
// a JPEG
func (a *Annotator) Render(sample ps.SampleImageData,
	objs []ps.DetectedObject) (ps.RenderedImage, error) {

	img, err := gocv.IMDecode(sample.Image, gocv.IMReadColor)

	if err != nil {
		return ps.RenderedImage{}, errors.Wrapf(err, "error decoding sample %s", sample.Name)
	}

	defer img.Close()

	if img.Empty() {
		return ps.RenderedImage{}, errors.Errorf("sample %s decoded to an empty image", sample.Name)
	}

	if err := SegmentMask(&img, objs, a.Palette, a.Alpha); err != nil {
		return ps.RenderedImage{}, errors.Wrapf(err, "error rendering masks of %s", sample.Name)
	}

	DetectionBoxes(&img, objs, a.Labels, a.Font, a.LineThickness)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img,
		[]int{gocv.IMWriteJpegQuality, a.Quality})

	if err != nil {
		return ps.RenderedImage{}, errors.Wrapf(err, "error encoding rendered %s", sample.Name)
	}

	defer buf.Close()

	return ps.RenderedImage{
		Name: sample.Name,
		JPEG: bytes.Clone(buf.GetBytes()),
		Time: sample.Time,
	}, nil
}
