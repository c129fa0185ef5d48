// Package storage persists acquired images, detections and timeline events
// as append-only msgpack record logs and reads them back by image name.
package storage

import (
	"github.com/pkg/errors"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/rle"
)

// Record log file names within the save directory
const (
	ImagesFile = "images.bin"
	LabelsFile = "labels.bin"
	EventsFile = "events.bin"
)

// ImageRecord is one saved image
type ImageRecord struct {
	Name string `msgpack:"name"`
	// Data is the encoded image
	Data []byte  `msgpack:"data"`
	TS   float64 `msgpack:"ts"`
}

// MaskRLE is a run-length mask in compressed string form
type MaskRLE struct {
	// Size is height, width
	Size   [2]int `msgpack:"size"`
	Counts string `msgpack:"counts"`
}

// Label is a saved detected object without its dense mask
type Label struct {
	Label int     `msgpack:"label"`
	Score float32 `msgpack:"score"`
	// BBox is left, top, right, bottom
	BBox [4]float64 `msgpack:"bbox"`
	RLE  MaskRLE    `msgpack:"rle"`
}

// LabelRecord holds the detections of one image
type LabelRecord struct {
	Name   string  `msgpack:"name"`
	Labels []Label `msgpack:"labels"`
}

// EventRecord is one saved timeline point, Name is "plot/series"
type EventRecord struct {
	Name   string  `msgpack:"name"`
	Time   float64 `msgpack:"time"`
	Plot   string  `msgpack:"plot"`
	Series string  `msgpack:"series"`
	Value  float64 `msgpack:"value"`
}

// NewImageRecord creates the record of an acquired image
func NewImageRecord(img *ps.AcquiredImage) (ImageRecord, error) {

	data, err := img.Encoded()

	if err != nil {
		return ImageRecord{}, errors.Wrapf(err, "error encoding image %s", img.Name)
	}

	return ImageRecord{Name: img.Name, Data: data, TS: img.Time}, nil
}

// NewLabelRecord creates the record of the detections in one image
func NewLabelRecord(d ps.DetectionsInImage) LabelRecord {

	rec := LabelRecord{
		Name:   d.ImageID,
		Labels: make([]Label, 0, len(d.Objects)),
	}

	for _, obj := range d.Objects {
		rec.Labels = append(rec.Labels, Label{
			Label: obj.Label,
			Score: obj.Score,
			BBox:  [4]float64{obj.Box.Left, obj.Box.Top, obj.Box.Right, obj.Box.Bottom},
			RLE: MaskRLE{
				Size:   [2]int{obj.Mask.Height, obj.Mask.Width},
				Counts: obj.Mask.String(),
			},
		})
	}

	return rec
}

// NewEventRecord creates the record of a timeline point
func NewEventRecord(pt ps.TimelineDataPoint) EventRecord {
	return EventRecord{
		Name:   pt.Plot + "/" + pt.Series,
		Time:   pt.Time,
		Plot:   pt.Plot,
		Series: pt.Series,
		Value:  pt.Value,
	}
}

// Detections rebuilds the detected objects of the record
func (r LabelRecord) Detections() (ps.DetectionsInImage, error) {

	d := ps.DetectionsInImage{
		ImageID: r.Name,
		Objects: make([]ps.DetectedObject, 0, len(r.Labels)),
	}

	for i, l := range r.Labels {

		mask, err := rle.FromString(l.RLE.Counts, l.RLE.Size[0], l.RLE.Size[1])

		if err != nil {
			return ps.DetectionsInImage{}, errors.Wrapf(err, "label %d of %s", i, r.Name)
		}

		d.Objects = append(d.Objects, ps.DetectedObject{
			Label: l.Label,
			Score: l.Score,
			Box: ps.BoxRect{
				Left:   l.BBox[0],
				Top:    l.BBox[1],
				Right:  l.BBox[2],
				Bottom: l.BBox[3],
			},
			Mask: mask,
		})
	}

	return d, nil
}

// Point rebuilds the timeline point of the record
func (r EventRecord) Point() ps.TimelineDataPoint {
	return ps.TimelineDataPoint{
		Plot:   r.Plot,
		Series: r.Series,
		Value:  r.Value,
		Time:   r.Time,
	}
}
