package inference

import (
	"github.com/pkg/errors"
)

// ErrInvalidResult is returned when a result does not match its request
var ErrInvalidResult = errors.New("inference result does not match request")

// Image is an encoded image and its name
type Image struct {
	Name string `msgpack:"name"`
	Data []byte `msgpack:"data"`
}

// Options of a batch request
type Options struct {
	// NumImagesReturned is how many of the submitted images the server
	// should echo back for preview rendering
	NumImagesReturned int `msgpack:"num_images_returned"`
}

// BatchRequest is one inference call
type BatchRequest struct {
	ID     string  `msgpack:"id"`
	Images []Image `msgpack:"images"`
	Opt    Options `msgpack:"opt"`
}

// BBox is a detection bounding box, right and bottom exclusive
type BBox struct {
	XLT float64 `msgpack:"xlt"`
	YLT float64 `msgpack:"ylt"`
	XRB float64 `msgpack:"xrb"`
	YRB float64 `msgpack:"yrb"`
}

// RLE is a run-length mask in compressed string form
type RLE struct {
	// Size is height, width
	Size   [2]int `msgpack:"size"`
	Counts string `msgpack:"counts"`
}

// Detection is a single detected object
type Detection struct {
	Category   int     `msgpack:"category"`
	Confidence float32 `msgpack:"confidence"`
	BBox       BBox    `msgpack:"bbox"`
	RLE        RLE     `msgpack:"rle"`
}

// ImageResult lists the detections of one submitted image
type ImageResult struct {
	Name       string      `msgpack:"name"`
	Detections []Detection `msgpack:"detections"`
}

// BatchResult answers a BatchRequest
type BatchResult struct {
	ID      string        `msgpack:"id"`
	Results []ImageResult `msgpack:"results"`
	// Images echoed for preview, a subset of the request
	Images []Image `msgpack:"images"`
}

// Names returns the image names of the request
func (r *BatchRequest) Names() []string {

	names := make([]string, len(r.Images))

	for i, img := range r.Images {
		names[i] = img.Name
	}

	return names
}

// Validate checks every requested image appears exactly once in the
// results and echoed images are a subset of the request
func (r *BatchResult) Validate(req *BatchRequest) error {

	requested := make(map[string]bool, len(req.Images))

	for _, img := range req.Images {
		requested[img.Name] = false
	}

	for _, res := range r.Results {

		seen, ok := requested[res.Name]

		if !ok {
			return errors.Wrapf(ErrInvalidResult, "unexpected result for %q", res.Name)
		}

		if seen {
			return errors.Wrapf(ErrInvalidResult, "duplicate result for %q", res.Name)
		}

		requested[res.Name] = true
	}

	for name, seen := range requested {
		if !seen {
			return errors.Wrapf(ErrInvalidResult, "missing result for %q", name)
		}
	}

	for _, img := range r.Images {
		if _, ok := requested[img.Name]; !ok {
			return errors.Wrapf(ErrInvalidResult, "echoed image %q was not requested", img.Name)
		}
	}

	return nil
}
