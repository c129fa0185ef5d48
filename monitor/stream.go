package monitor

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// FrameHolder keeps the latest preview frame and wakes the streams waiting
// for the next one
type FrameHolder struct {
	mu      sync.Mutex
	frame   []byte
	changed chan struct{}
}

// NewFrameHolder creates an empty holder
func NewFrameHolder() *FrameHolder {
	return &FrameHolder{changed: make(chan struct{})}
}

// Set replaces the latest frame
func (f *FrameHolder) Set(frame []byte) {
	f.mu.Lock()
	f.frame = frame
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// Latest returns the latest frame, nil before the first, and a channel
// closed when it is replaced
func (f *FrameHolder) Latest() ([]byte, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, f.changed
}

// ScaleJPEG shrinks a JPEG to maxWidth keeping the aspect ratio, smaller
// frames and a non-positive maxWidth return data unchanged
func ScaleJPEG(data []byte, maxWidth, quality int) ([]byte, error) {

	if maxWidth <= 0 {
		return data, nil
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))

	if err != nil {
		return nil, errors.Wrap(err, "error reading frame header")
	}

	if cfg.Width <= maxWidth {
		return data, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(data))

	if err != nil {
		return nil, errors.Wrap(err, "error decoding frame")
	}

	height := cfg.Height * maxWidth / cfg.Width

	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer

	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "error encoding frame")
	}

	return buf.Bytes(), nil
}
