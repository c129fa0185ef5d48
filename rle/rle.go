// Package rle implements the COCO style run-length encoding used to carry
// instance segmentation masks.
//
// Masks are stored column-major as alternating runs of zeros and ones, the
// first run always counts zeros and may be empty.
package rle

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidCounts is returned when the runs do not cover the mask
	ErrInvalidCounts = errors.New("rle counts do not match mask size")

	// ErrSizeMismatch is returned when a dense mask has the wrong length
	ErrSizeMismatch = errors.New("mask buffer does not match rle size")
)

// RLE is a run-length encoded binary mask of Height x Width pixels
type RLE struct {
	Height int
	Width  int
	Counts []uint32
}

// Encode run-length encodes a row-major dense mask where any non-zero
// value is foreground
func Encode(mask []uint8, height, width int) (RLE, error) {

	if len(mask) != height*width {
		return RLE{}, errors.Wrapf(ErrSizeMismatch, "got %d want %d",
			len(mask), height*width)
	}

	r := RLE{Height: height, Width: width}

	var prev uint8
	var run uint32

	// walk column-major
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {

			v := uint8(0)
			if mask[y*width+x] != 0 {
				v = 1
			}

			if v != prev {
				r.Counts = append(r.Counts, run)
				run = 0
				prev = v
			}

			run++
		}
	}

	r.Counts = append(r.Counts, run)

	return r, nil
}

// Validate checks the dimensions are not negative and the runs sum to the
// mask size
func (r RLE) Validate() error {

	if r.Height < 0 || r.Width < 0 {
		return errors.Wrapf(ErrInvalidCounts, "negative mask size %dx%d",
			r.Width, r.Height)
	}

	var total uint64

	for _, c := range r.Counts {
		total += uint64(c)
	}

	if total != uint64(r.Height*r.Width) {
		return errors.Wrapf(ErrInvalidCounts, "runs cover %d of %d pixels",
			total, r.Height*r.Width)
	}

	return nil
}

// Decode returns a newly allocated row-major mask with foreground set to 1
func (r RLE) Decode() ([]uint8, error) {

	if err := r.Validate(); err != nil {
		return nil, err
	}

	buf := make([]uint8, r.Height*r.Width)

	if err := r.DecodeInto(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// DecodeInto writes the row-major mask into buf which must be zeroed and
// exactly Height*Width long
func (r RLE) DecodeInto(buf []uint8) error {

	if len(buf) != r.Height*r.Width {
		return errors.Wrapf(ErrSizeMismatch, "got %d want %d",
			len(buf), r.Height*r.Width)
	}

	if err := r.Validate(); err != nil {
		return err
	}

	pos := 0

	for i, c := range r.Counts {

		if i%2 == 0 {
			pos += int(c)
			continue
		}

		for j := 0; j < int(c); j++ {
			// convert column-major position to row-major index
			x := pos / r.Height
			y := pos % r.Height
			buf[y*r.Width+x] = 1
			pos++
		}
	}

	return nil
}

// Area returns the number of foreground pixels
func (r RLE) Area() int {

	area := 0

	for i := 1; i < len(r.Counts); i += 2 {
		area += int(r.Counts[i])
	}

	return area
}

// BBox returns the bounding box of the foreground as x, y, width, height.
// An empty mask returns all zeros.
func (r RLE) BBox() (x, y, w, h float64) {

	// only complete zero/one run pairs contribute
	m := len(r.Counts) / 2 * 2

	if m == 0 || r.Height == 0 {
		return 0, 0, 0, 0
	}

	xs, ys := r.Width, r.Height
	xe, ye := 0, 0
	xp := 0
	cc := 0

	for j := 0; j < m; j++ {

		cc += int(r.Counts[j])
		t := cc - j%2
		py := t % r.Height
		px := (t - py) / r.Height

		if j%2 == 0 {
			xp = px
		} else if xp < px {
			// run wraps a column so it spans the full height
			ys = 0
			ye = r.Height - 1
		}

		xs = min(xs, px)
		xe = max(xe, px)
		ys = min(ys, py)
		ye = max(ye, py)
	}

	if r.Area() == 0 {
		return 0, 0, 0, 0
	}

	return float64(xs), float64(ys), float64(xe - xs + 1), float64(ye - ys + 1)
}

// Extent returns the bounding box as left, top, right, bottom corners with
// right and bottom exclusive
func (r RLE) Extent() (left, top, right, bottom float64) {

	x, y, w, h := r.BBox()

	return x, y, x + w, y + h
}
