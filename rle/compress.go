package rle

import (
	"github.com/pkg/errors"
)

// ErrMalformedString is returned when a compressed counts string can not be
// parsed
var ErrMalformedString = errors.New("malformed compressed rle string")

// String returns the compact ASCII form of the counts used by the COCO
// tooling.  Each count is stored as the difference to the count two places
// earlier in 5 bit groups offset by '0'.
func (r RLE) String() string {

	out := make([]byte, 0, len(r.Counts)*2)

	for i := range r.Counts {

		x := int64(r.Counts[i])

		if i > 2 {
			x -= int64(r.Counts[i-2])
		}

		more := true

		for more {
			c := byte(x & 0x1f)
			x >>= 5

			if c&0x10 != 0 {
				more = x != -1
			} else {
				more = x != 0
			}

			if more {
				c |= 0x20
			}

			out = append(out, c+48)
		}
	}

	return string(out)
}

// FromString parses the compact ASCII counts produced by String for a mask
// of the given size
func FromString(s string, height, width int) (RLE, error) {

	r := RLE{Height: height, Width: width}
	p := 0

	for p < len(s) {

		var x int64
		k := 0
		more := true

		for more {

			if p >= len(s) {
				return RLE{}, errors.Wrapf(ErrMalformedString,
					"truncated at byte %d", p)
			}

			c := int64(s[p]) - 48

			if c < 0 || c > 63 {
				return RLE{}, errors.Wrapf(ErrMalformedString,
					"invalid byte %q at %d", s[p], p)
			}

			x |= (c & 0x1f) << (5 * k)
			more = c&0x20 != 0
			p++
			k++

			if !more && c&0x10 != 0 {
				x |= -1 << (5 * k)
			}
		}

		m := len(r.Counts)

		if m > 2 {
			x += int64(r.Counts[m-2])
		}

		if x < 0 {
			return RLE{}, errors.Wrapf(ErrMalformedString,
				"negative run %d", x)
		}

		r.Counts = append(r.Counts, uint32(x))
	}

	if err := r.Validate(); err != nil {
		return RLE{}, err
	}

	return r, nil
}
