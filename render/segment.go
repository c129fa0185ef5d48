package render

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	ps "github.com/swdee/go-particlescope"
)

// SegmentMask renders the object masks as a transparent overlay on top of
// a BGR image.  Where masks overlap the later object's colour is used.
func SegmentMask(img *gocv.Mat, objs []ps.DetectedObject, palette Palette,
	alpha float32) error {

	// get dimensions
	width := img.Cols()
	height := img.Rows()

	if img.Channels() != 3 {
		return errors.Errorf("expected a 3 channel image, got %d", img.Channels())
	}

	// index of the object colour covering each pixel, 0 is background
	cover := make([]uint8, width*height)
	colors := []color.RGBA{{}}
	mask := make([]uint8, width*height)

	for i, obj := range objs {

		h, w := obj.ImageSize()

		if h != height || w != width {
			return errors.Errorf("mask size %dx%d does not match image %dx%d", w, h, width, height)
		}

		for j := range mask {
			mask[j] = 0
		}

		if err := obj.Mask.DecodeInto(mask); err != nil {
			return errors.Wrap(err, "error decoding mask")
		}

		if len(colors) == 256 {
			// reuse the last slot once the index space is exhausted
			colors = colors[:255]
		}

		colors = append(colors, palette.Color(i))
		idx := uint8(len(colors) - 1)

		for j, v := range mask {
			if v != 0 {
				cover[j] = idx
			}
		}
	}

	// it is too slow to manipulate pixel by pixel using GoCV due to slowness
	// over CGO.  So we copy the bytes from the source image and manipulate
	// the bytes directly before copying back to a Mat
	imgData := img.ToBytes()

	for idx, c := range cover {

		if c == 0 {
			continue
		}

		clr := colors[c]

		// calculate position in the byte slice
		pixelPos := idx * 3

		// get original pixel colors directly from the byte slice
		b, g, r := imgData[pixelPos+0], imgData[pixelPos+1], imgData[pixelPos+2]

		// calculate blended colors based on alpha transparency
		imgData[pixelPos+0] = uint8(float32(b)*(1-alpha) + float32(clr.B)*alpha)
		imgData[pixelPos+1] = uint8(float32(g)*(1-alpha) + float32(clr.G)*alpha)
		imgData[pixelPos+2] = uint8(float32(r)*(1-alpha) + float32(clr.R)*alpha)
	}

	// copy back to the original mat
	tmpImg, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, imgData)

	if err != nil {
		return errors.Wrap(err, "error creating overlay Mat")
	}

	defer tmpImg.Close()
	tmpImg.CopyTo(img)

	return nil
}

// boxLabel defines where the detection object label should be rendered on
// source image
type boxLabel struct {
	rect    image.Rectangle
	clr     color.RGBA
	text    string
	textPos image.Point
}
