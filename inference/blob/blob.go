// Package blob is a simple inference backend segmenting bright particles on
// a dark background with a global Otsu threshold.  It speaks the same
// service as a real segmentation server and is used for development and end
// to end tests.
package blob

import (
	"context"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/swdee/go-particlescope/inference"
	"github.com/swdee/go-particlescope/rle"
)

// Options tune the segmentation
type Options struct {
	// MinArea is the smallest contour area in pixels reported as an object
	MinArea float64
	// Invert segments dark particles on a bright background
	Invert bool
	// Category is the class index given to every object
	Category int
}

// DefaultOptions returns the options used by the mock server
func DefaultOptions() Options {
	return Options{
		MinArea: 10,
	}
}

// Server implements inference.Server
type Server struct {
	opts Options
	log  *logrus.Entry
}

// New returns a blob segmenting server
func New(opts Options) *Server {
	return &Server{
		opts: opts,
		log:  logrus.WithField("component", "blob"),
	}
}

// Inference segments every image of the request
func (s *Server) Inference(ctx context.Context,
	req *inference.BatchRequest) (*inference.BatchResult, error) {

	res := &inference.BatchResult{
		ID:      req.ID,
		Results: make([]inference.ImageResult, 0, len(req.Images)),
	}

	for _, img := range req.Images {

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dets, err := s.Segment(img.Data)

		if err != nil {
			return nil, errors.Wrapf(err, "error segmenting image %s", img.Name)
		}

		res.Results = append(res.Results, inference.ImageResult{
			Name:       img.Name,
			Detections: dets,
		})
	}

	echo := req.Opt.NumImagesReturned

	if echo > len(req.Images) {
		echo = len(req.Images)
	}

	if echo > 0 {
		res.Images = append(res.Images, req.Images[:echo]...)
	}

	s.log.Debugf("request %s: segmented %d images", req.ID, len(req.Images))

	return res, nil
}

// Segment finds the objects in an encoded image
func (s *Server) Segment(data []byte) ([]inference.Detection, error) {

	img, err := gocv.IMDecode(data, gocv.IMReadGrayScale)

	if err != nil {
		return nil, errors.Wrap(err, "error decoding image")
	}

	defer img.Close()

	if img.Empty() {
		return nil, errors.New("decoded image is empty")
	}

	height := img.Rows()
	width := img.Cols()

	thresh := gocv.NewMat()
	defer thresh.Close()

	typ := gocv.ThresholdBinary

	if s.opts.Invert {
		typ = gocv.ThresholdBinaryInv
	}

	gocv.Threshold(img, &thresh, 0, 255, typ|gocv.ThresholdOtsu)

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	dets := make([]inference.Detection, 0, contours.Size())

	for i := 0; i < contours.Size(); i++ {

		contour := contours.At(i)
		area := gocv.ContourArea(contour)

		if area < s.opts.MinArea {
			continue
		}

		mask, err := fillContour(contours, i, height, width)

		if err != nil {
			return nil, err
		}

		if mask.Area() == 0 {
			continue
		}

		l, t, r, b := mask.Extent()

		dets = append(dets, inference.Detection{
			Category:   s.opts.Category,
			Confidence: circularity(area, gocv.ArcLength(contour, true)),
			BBox:       inference.BBox{XLT: l, YLT: t, XRB: r, YRB: b},
			RLE: inference.RLE{
				Size:   [2]int{height, width},
				Counts: mask.String(),
			},
		})
	}

	return dets, nil
}

// fillContour rasterises contour idx into a run-length mask
func fillContour(contours gocv.PointsVector, idx, height, width int) (rle.RLE, error) {

	mat := gocv.Zeros(height, width, gocv.MatTypeCV8U)
	defer mat.Close()

	gocv.DrawContours(&mat, contours, idx, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)

	mask, err := rle.Encode(mat.ToBytes(), height, width)

	if err != nil {
		return rle.RLE{}, errors.Wrap(err, "error encoding mask")
	}

	return mask, nil
}

// circularity scores how round a contour is, 1 for a perfect circle
func circularity(area, perimeter float64) float32 {

	if perimeter <= 0 {
		return 0
	}

	c := 4 * math.Pi * area / (perimeter * perimeter)

	return float32(math.Min(1, c))
}
