// Package source produces acquired images from a camera, a saved record log
// or synthetic frames and publishes them on Subjects.Images.
package source

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ps "github.com/swdee/go-particlescope"
)

// State of an image source
type State int

const (
	Stopped State = iota
	Starting
	Running
)

// String returns the name of the state
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrAlreadyRunning is returned by Start on a source that is not stopped
var ErrAlreadyRunning = errors.New("image source already running")

// ImageSource is a producer of acquired images.  No image is published
// after Stop returns.
type ImageSource interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	State() State
}

// Options common to every source
type Options struct {
	// Names generates image names, when nil names are the capture time in
	// milliseconds
	Names *ps.NameGenerator
	// Encoder used for the images, nil uses ps.DefaultEncoder
	Encoder ps.Encoder
}

// base holds the state machine and guarded publishing shared by the
// sources.  Every run has its own generation, images emitted by a stale
// generation are discarded.
type base struct {
	subjects *ps.Subjects
	opts     Options
	log      *logrus.Entry

	mu    sync.Mutex
	state State
	gen   uint64
	stop  chan struct{}
	wg    sync.WaitGroup
}

func (b *base) init(subjects *ps.Subjects, opts Options, component string) {
	b.subjects = subjects
	b.opts = opts
	b.log = logrus.WithField("component", component)
}

// State returns the current state
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsRunning reports whether the source is producing images
func (b *base) IsRunning() bool {
	return b.State() == Running
}

// begin moves a stopped source to Starting and returns the generation of
// the new run and its stop channel
func (b *base) begin() (uint64, chan struct{}, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Stopped {
		return 0, nil, ErrAlreadyRunning
	}

	b.state = Starting
	b.gen++
	b.stop = make(chan struct{})

	return b.gen, b.stop, nil
}

// abort returns a source that failed to start to Stopped
func (b *base) abort(gen uint64) {

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gen == gen && b.state == Starting {
		b.state = Stopped
		b.stop = nil
	}
}

// started moves the run to Running
func (b *base) started(gen uint64) {

	b.mu.Lock()

	if b.gen != gen || b.state != Starting {
		b.mu.Unlock()
		return
	}

	b.state = Running
	b.mu.Unlock()

	b.log.Info("started")
	b.subjects.SourceRunning.Publish(true)
}

// finish ends run gen from its own goroutine or when its context is done
func (b *base) finish(gen uint64, wake func()) {

	b.mu.Lock()

	if b.gen != gen || b.state == Stopped {
		b.mu.Unlock()
		return
	}

	stop := b.stop
	b.stop = nil
	b.state = Stopped
	b.gen++
	b.mu.Unlock()

	if stop != nil {
		close(stop)

		if wake != nil {
			wake()
		}
	}

	b.log.Info("finished")
	b.subjects.SourceRunning.Publish(false)
}

// halt stops the current run, wakes it with wake when it may be blocked and
// waits for its goroutine to exit
func (b *base) halt(wake func()) {

	b.mu.Lock()

	stop := b.stop
	b.stop = nil
	publish := b.state != Stopped

	if publish {
		b.state = Stopped
		b.gen++
	}

	b.mu.Unlock()

	if stop != nil {
		close(stop)

		if wake != nil {
			wake()
		}
	}

	b.wg.Wait()

	if publish {
		b.log.Info("stopped")
		b.subjects.SourceRunning.Publish(false)
	}
}

// emit publishes img if the run gen is still current.  The lock is held
// while publishing so Stop cannot return in between.
func (b *base) emit(gen uint64, img *ps.AcquiredImage) bool {

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gen != gen || b.state != Running {
		return false
	}

	b.subjects.Images.Publish(img)

	return true
}

// newImage wraps captured pixels
func (b *base) newImage(pixels *image.Gray, ts float64) *ps.AcquiredImage {

	var name string

	if b.opts.Names != nil {
		name = b.opts.Names.Next(ts)
	} else {
		name = fmt.Sprintf("%.0f.jpg", ts*1000)
	}

	return ps.NewAcquiredImage(name, ts, pixels, b.opts.Encoder)
}

// now returns the current time in seconds
func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// watch ends the run when ctx is done
func (b *base) watch(ctx context.Context, gen uint64, stop chan struct{}, wake func()) {

	if ctx.Done() == nil {
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			b.finish(gen, wake)
		case <-stop:
		}
	}()
}

// interval converts a frame rate to a tick interval, a non-positive rate
// yields zero
func interval(fps float64) time.Duration {

	if fps <= 0 {
		return 0
	}

	return time.Duration(float64(time.Second) / fps)
}
