package particlescope

import (
	"bytes"
	"image"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Encoder converts a single channel image to a compressed byte buffer
type Encoder interface {
	Encode(img *image.Gray) ([]byte, error)
}

// JPEGEncoder encodes images as JPEG using OpenCV
type JPEGEncoder struct {
	// Quality in the range 0-100
	Quality int
}

// DefaultEncoder is used by images created without an explicit Encoder
var DefaultEncoder Encoder = JPEGEncoder{Quality: 90}

// Encode the image as a JPEG
func (e JPEGEncoder) Encode(img *image.Gray) ([]byte, error) {

	mat, err := gocv.ImageGrayToMatGray(img)

	if err != nil {
		return nil, errors.Wrap(err, "error converting image to Mat")
	}

	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat,
		[]int{gocv.IMWriteJpegQuality, e.Quality})

	if err != nil {
		return nil, errors.Wrap(err, "error encoding jpeg")
	}

	defer buf.Close()

	// copy out of the native buffer before it is freed
	return bytes.Clone(buf.GetBytes()), nil
}

// DecodeGray decodes an encoded image into a single channel image
func DecodeGray(data []byte) (*image.Gray, error) {

	mat, err := gocv.IMDecode(data, gocv.IMReadGrayScale)

	if err != nil {
		return nil, errors.Wrap(err, "error decoding image")
	}

	defer mat.Close()

	if mat.Empty() {
		return nil, errors.New("decoded image is empty")
	}

	return GrayFromMat(mat)
}

// GrayFromMat copies a Mat into a single channel image, colour Mats are
// converted to grayscale first
func GrayFromMat(mat gocv.Mat) (*image.Gray, error) {

	src := mat

	if mat.Channels() == 3 {
		gray := gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
		src = gray
	} else if mat.Channels() != 1 {
		return nil, errors.Errorf("unsupported channel count %d", mat.Channels())
	}

	// copying the bytes out in one call is far cheaper than reading pixel by
	// pixel over CGO
	data := src.ToBytes()
	width := src.Cols()
	height := src.Rows()

	if len(data) != width*height {
		return nil, errors.Errorf("unexpected Mat buffer size %d for %dx%d", len(data), width, height)
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, data)

	return img, nil
}

// AcquiredImage is one frame captured by an image source.  It is immutable
// after creation and shared by every stage that receives it.
type AcquiredImage struct {
	// Name uniquely identifies the image within a pipeline run and joins
	// the image with its detection results
	Name string
	// Time of capture in seconds
	Time float64
	// Pixels is the row-major single channel image
	Pixels *image.Gray

	encoder Encoder
	once    sync.Once
	encoded []byte
	encErr  error
}

// NewAcquiredImage creates an image which is encoded on first use with enc,
// or DefaultEncoder when enc is nil
func NewAcquiredImage(name string, ts float64, pixels *image.Gray,
	enc Encoder) *AcquiredImage {

	if enc == nil {
		enc = DefaultEncoder
	}

	return &AcquiredImage{
		Name:    name,
		Time:    ts,
		Pixels:  pixels,
		encoder: enc,
	}
}

// NewEncodedImage creates an image whose encoded form is already known, as
// is the case when replaying recorded images
func NewEncodedImage(name string, ts float64, pixels *image.Gray,
	encoded []byte) *AcquiredImage {

	img := &AcquiredImage{
		Name:   name,
		Time:   ts,
		Pixels: pixels,
	}

	img.once.Do(func() {
		img.encoded = encoded
	})

	return img
}

// Encoded returns the encoded image, computing it at most once
func (a *AcquiredImage) Encoded() ([]byte, error) {

	a.once.Do(func() {
		if a.Pixels == nil {
			a.encErr = errors.Errorf("image %s has no pixels", a.Name)
			return
		}

		a.encoded, a.encErr = a.encoder.Encode(a.Pixels)
	})

	return a.encoded, a.encErr
}

// Width of the image in pixels
func (a *AcquiredImage) Width() int {

	if a.Pixels == nil {
		return 0
	}

	return a.Pixels.Rect.Dx()
}

// Height of the image in pixels
func (a *AcquiredImage) Height() int {

	if a.Pixels == nil {
		return 0
	}

	return a.Pixels.Rect.Dy()
}
