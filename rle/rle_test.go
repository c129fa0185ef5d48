package rle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// square returns a row-major mask with a size x size square set at the
// given top left corner
func square(height, width, top, left, size int) []uint8 {

	mask := make([]uint8, height*width)

	for y := top; y < top+size; y++ {
		for x := left; x < left+size; x++ {
			mask[y*width+x] = 1
		}
	}

	return mask
}

func TestSquareRoundTrip(t *testing.T) {

	const height, width = 600, 800

	mask := square(height, width, 100, 200, 10)

	r, err := Encode(mask, height, width)
	require.NoError(t, err)

	assert.Equal(t, 100, r.Area())

	x, y, w, h := r.BBox()
	assert.Equal(t, []float64{200, 100, 10, 10}, []float64{x, y, w, h})

	left, top, right, bottom := r.Extent()
	assert.Equal(t, []float64{200, 100, 210, 110},
		[]float64{left, top, right, bottom})

	decoded, err := r.Decode()
	require.NoError(t, err)
	assert.Equal(t, mask, decoded)

	count := 0
	for _, v := range decoded {
		count += int(v)
	}
	assert.Equal(t, 100, count)
}

func TestEncodeColumnMajor(t *testing.T) {

	// 2x3 mask
	//   0 1 1
	//   0 0 1
	mask := []uint8{0, 1, 1, 0, 0, 1}

	r, err := Encode(mask, 2, 3)
	require.NoError(t, err)

	// columns read top to bottom: 0 0 | 1 0 | 1 1
	assert.Equal(t, []uint32{2, 1, 1, 2}, r.Counts)
	assert.Equal(t, 3, r.Area())
}

func TestEncodeLeadingForeground(t *testing.T) {

	// top row set, columns read 1 0 | 1 0
	r, err := Encode([]uint8{1, 1, 0, 0}, 2, 2)
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 1, 1, 1, 1}, r.Counts)

	x, y, w, h := r.BBox()
	assert.Equal(t, []float64{0, 0, 2, 1}, []float64{x, y, w, h})
}

func TestEmptyMask(t *testing.T) {

	r, err := Encode(make([]uint8, 12), 3, 4)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Area())

	x, y, w, h := r.BBox()
	assert.Zero(t, x+y+w+h)
}

func TestEncodeSizeMismatch(t *testing.T) {

	_, err := Encode(make([]uint8, 5), 2, 3)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestDecodeInvalidCounts(t *testing.T) {

	r := RLE{Height: 2, Width: 2, Counts: []uint32{1, 1}}

	_, err := r.Decode()
	assert.ErrorIs(t, err, ErrInvalidCounts)
}

func TestNegativeSizeRejected(t *testing.T) {

	for _, r := range []RLE{
		{Height: -2, Width: 2, Counts: []uint32{0}},
		{Height: 2, Width: -2, Counts: []uint32{0}},
		{Height: -1, Width: -1, Counts: []uint32{0, 1}},
	} {
		assert.ErrorIs(t, r.Validate(), ErrInvalidCounts)

		assert.NotPanics(t, func() {
			_, err := r.Decode()
			assert.ErrorIs(t, err, ErrInvalidCounts)
		})
	}

	_, err := FromString("0", -1, 0)
	assert.ErrorIs(t, err, ErrInvalidCounts)

	_, err = FromString("01", -1, -1)
	assert.ErrorIs(t, err, ErrInvalidCounts)
}

func TestCompressedString(t *testing.T) {

	t.Run("small", func(t *testing.T) {
		r := RLE{Height: 1, Width: 1, Counts: []uint32{0, 1}}
		assert.Equal(t, "01", r.String())

		back, err := FromString("01", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, r.Counts, back.Counts)
	})

	t.Run("round trip", func(t *testing.T) {
		const height, width = 600, 800

		mask := square(height, width, 17, 450, 33)
		mask[0] = 1
		mask[len(mask)-1] = 1

		r, err := Encode(mask, height, width)
		require.NoError(t, err)

		back, err := FromString(r.String(), height, width)
		require.NoError(t, err)
		assert.Equal(t, r.Counts, back.Counts)
		assert.Equal(t, r.Area(), back.Area())
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := FromString("0\x01", 1, 1)
		assert.ErrorIs(t, err, ErrMalformedString)

		_, err = FromString("0", 2, 2)
		assert.ErrorIs(t, err, ErrInvalidCounts)
	})
}
