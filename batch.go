package particlescope

import (
	"github.com/pkg/errors"
)

// Batch collects a fixed number of images submitted together in one
// inference request
type Batch struct {
	images []*AcquiredImage
	// size of the batch
	size int
	// imgCnt is a counter for how many images have been added with Add()
	imgCnt int
}

// NewBatch creates an empty batch holding up to batchSize images
func NewBatch(batchSize int) *Batch {

	if batchSize < 1 {
		batchSize = 1
	}

	return &Batch{
		images: make([]*AcquiredImage, batchSize),
		size:   batchSize,
	}
}

// Add an image to the next free slot of the batch
func (b *Batch) Add(img *AcquiredImage) error {

	// check if batch is full
	if b.imgCnt >= b.size {
		return errors.New("batch full")
	}

	b.images[b.imgCnt] = img

	// increment image counter
	b.imgCnt++
	return nil
}

// Size returns the capacity of the batch
func (b *Batch) Size() int {
	return b.size
}

// Len returns the number of images added
func (b *Batch) Len() int {
	return b.imgCnt
}

// Full reports whether the batch has reached its size
func (b *Batch) Full() bool {
	return b.imgCnt >= b.size
}

// Images returns the added images in insertion order.  The slice is reused
// once the batch is cleared so callers must not retain it.
func (b *Batch) Images() []*AcquiredImage {
	return b.images[:b.imgCnt]
}

// Names returns the names of the added images
func (b *Batch) Names() []string {

	names := make([]string, b.imgCnt)

	for i, img := range b.Images() {
		names[i] = img.Name
	}

	return names
}

// Clear the batch so it can be reused again
func (b *Batch) Clear() {

	// drop references so images can be collected
	for i := range b.images[:b.imgCnt] {
		b.images[i] = nil
	}

	b.imgCnt = 0
}
