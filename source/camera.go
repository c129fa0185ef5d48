package source

import (
	"context"
	"image"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/config"
)

// CameraConfigPrefix of the camera source settings
const CameraConfigPrefix = "Camera_Source"

// CameraSettings of the camera source
var CameraSettings = []config.Setting{
	{Key: "device", Default: "0", Title: "Camera device index or stream URL"},
	{Key: "fps", Default: 5.0, Title: "Frames per second"},
	{Key: "fetch_timeout", Default: 0.1, Title: "Frame fetch timeout (seconds)"},
}

// ErrTimeout is returned by a Driver when no frame arrived in time
var ErrTimeout = errors.New("frame fetch timed out")

// retryDelay is the pause after a failed fetch
const retryDelay = 100 * time.Millisecond

// Driver acquires frames from camera hardware
type Driver interface {
	Open() error
	// Fetch waits up to timeout for the next frame
	Fetch(timeout time.Duration) (*image.Gray, error)
	Close() error
}

// CameraSource publishes every frame delivered by its driver.  It does not
// pause for back-pressure, the feed stage drops frames instead.
type CameraSource struct {
	base
	cfg    config.Section
	driver Driver
}

// NewCameraSource creates a stopped camera source over driver
func NewCameraSource(store *config.Store, subjects *ps.Subjects, driver Driver,
	opts Options) *CameraSource {

	s := &CameraSource{
		cfg:    CameraSection(store),
		driver: driver,
	}

	s.init(subjects, opts, "camera-source")

	return s
}

// CameraSection registers and returns the camera settings
func CameraSection(store *config.Store) config.Section {
	cfg := store.Section(CameraConfigPrefix)
	cfg.Register(CameraSettings)
	return cfg
}

// Start opens the driver and begins acquisition
func (s *CameraSource) Start(ctx context.Context) error {

	gen, stop, err := s.begin()

	if err != nil {
		return err
	}

	if err := s.driver.Open(); err != nil {
		s.abort(gen)
		return errors.Wrap(err, "error opening camera")
	}

	s.wg.Add(1)
	go s.run(gen, stop, s.cfg.Seconds("fetch_timeout"))

	s.watch(ctx, gen, stop, nil)
	s.started(gen)

	return nil
}

// Stop ends acquisition and closes the driver
func (s *CameraSource) Stop() {
	s.halt(nil)
}

func (s *CameraSource) run(gen uint64, stop chan struct{}, timeout time.Duration) {

	defer s.wg.Done()

	defer func() {
		if err := s.driver.Close(); err != nil {
			s.log.Errorf("error closing camera: %v", err)
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		pixels, err := s.driver.Fetch(timeout)

		if errors.Is(err, ErrTimeout) {
			continue
		}

		if err != nil {
			s.log.Error(err)

			select {
			case <-stop:
				return
			case <-time.After(retryDelay):
			}

			continue
		}

		s.emit(gen, s.newImage(pixels, now()))
	}
}

// GocvDriver captures frames with OpenCV from a device index or a stream
// URL
type GocvDriver struct {
	Device string
	FPS    float64

	capture *gocv.VideoCapture
	frame   gocv.Mat
}

// NewGocvDriver creates a driver from the camera settings
func NewGocvDriver(cfg config.Section) *GocvDriver {
	return &GocvDriver{
		Device: cfg.String("device"),
		FPS:    cfg.Float("fps"),
	}
}

// Open the capture device
func (d *GocvDriver) Open() error {

	var (
		capture *gocv.VideoCapture
		err     error
	)

	if id, convErr := strconv.Atoi(d.Device); convErr == nil {
		capture, err = gocv.OpenVideoCapture(id)
	} else {
		capture, err = gocv.OpenVideoCapture(d.Device)
	}

	if err != nil {
		return errors.Wrapf(err, "error opening capture device %s", d.Device)
	}

	if d.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, d.FPS)
	}

	d.capture = capture
	d.frame = gocv.NewMat()

	return nil
}

// Fetch reads the next frame.  OpenCV blocks until the device delivers so
// timeout is not applied, an empty read is reported as ErrTimeout.
func (d *GocvDriver) Fetch(timeout time.Duration) (*image.Gray, error) {

	if d.capture == nil {
		return nil, errors.New("capture device not open")
	}

	if ok := d.capture.Read(&d.frame); !ok || d.frame.Empty() {
		return nil, ErrTimeout
	}

	return ps.GrayFromMat(d.frame)
}

// Close the capture device
func (d *GocvDriver) Close() error {

	if d.capture == nil {
		return nil
	}

	d.frame.Close()
	err := d.capture.Close()
	d.capture = nil

	return err
}
