package source

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/config"
)

// MockConfigPrefix of the mock source settings
const MockConfigPrefix = "Test_Images"

// MockSettings of the mock source
var MockSettings = []config.Setting{
	{Key: "fps", Default: 5, Title: "Frames per second"},
	{Key: "directory", Default: "TestImages", Title: "Directory of PNG test frames"},
}

const (
	syntheticFrames = 4
	syntheticHeight = 240
	syntheticWidth  = 320
)

// MockSource publishes test frames at a fixed rate, choosing at random
// among the PNG images of a directory or synthetic particle frames when the
// directory has none
type MockSource struct {
	base
	cfg  config.Section
	seed int64

	frames []*image.Gray
}

// NewMockSource creates a stopped mock source
func NewMockSource(store *config.Store, subjects *ps.Subjects, opts Options) *MockSource {

	cfg := store.Section(MockConfigPrefix)
	cfg.Register(MockSettings)

	s := &MockSource{
		cfg:  cfg,
		seed: time.Now().UnixNano(),
	}

	s.init(subjects, opts, "mock-source")

	return s
}

// Frames returns the frames the source chooses from, loaded on Start
func (s *MockSource) Frames() []*image.Gray {
	return s.frames
}

// Start loads the frames and begins publishing at the configured rate
func (s *MockSource) Start(ctx context.Context) error {

	gen, stop, err := s.begin()

	if err != nil {
		return err
	}

	rnd := rand.New(rand.NewSource(s.seed + int64(gen)))

	frames, err := LoadFrames(s.cfg.String("directory"))

	if err != nil {
		s.abort(gen)
		return err
	}

	if len(frames) == 0 {
		s.log.Infof("no test frames in %s, using synthetic frames", s.cfg.String("directory"))
		frames = SyntheticFrames(rnd, syntheticFrames, syntheticHeight, syntheticWidth)
	}

	s.frames = frames

	every := interval(float64(s.cfg.Int("fps")))

	if every == 0 {
		s.abort(gen)
		return errors.Errorf("invalid frame rate %d", s.cfg.Int("fps"))
	}

	s.wg.Add(1)
	go s.run(gen, stop, rnd, frames, every)

	s.watch(ctx, gen, stop, nil)
	s.started(gen)

	return nil
}

// Stop ends publishing
func (s *MockSource) Stop() {
	s.halt(nil)
}

func (s *MockSource) run(gen uint64, stop chan struct{}, rnd *rand.Rand,
	frames []*image.Gray, every time.Duration) {

	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			frame := frames[rnd.Intn(len(frames))]
			s.emit(gen, s.newImage(frame, now()))
		}
	}
}

// LoadFrames reads the PNG images of dir as grayscale, a missing directory
// yields no frames
func LoadFrames(dir string) ([]*image.Gray, error) {

	paths, err := filepath.Glob(filepath.Join(dir, "*.png"))

	if err != nil {
		return nil, errors.Wrapf(err, "error listing %s", dir)
	}

	sort.Strings(paths)

	frames := make([]*image.Gray, 0, len(paths))

	for _, path := range paths {

		mat := gocv.IMRead(path, gocv.IMReadGrayScale)

		if mat.Empty() {
			mat.Close()
			return nil, errors.Errorf("error reading image %s", path)
		}

		img, err := ps.GrayFromMat(mat)
		mat.Close()

		if err != nil {
			return nil, errors.Wrapf(err, "error converting %s", path)
		}

		frames = append(frames, img)
	}

	return frames, nil
}

// SyntheticFrames draws n frames of bright discs and ellipses on a dark
// background
func SyntheticFrames(rnd *rand.Rand, n, height, width int) []*image.Gray {

	frames := make([]*image.Gray, 0, n)
	fg := color.RGBA{R: 220, G: 220, B: 220}

	for i := 0; i < n; i++ {

		mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 30, 30, 0),
			height, width, gocv.MatTypeCV8U)

		particles := 5 + rnd.Intn(10)

		for j := 0; j < particles; j++ {

			centre := image.Pt(10+rnd.Intn(width-20), 10+rnd.Intn(height-20))
			axes := image.Pt(3+rnd.Intn(8), 3+rnd.Intn(8))

			gocv.Ellipse(&mat, centre, axes, float64(rnd.Intn(180)), 0, 360, fg, -1)
		}

		img, err := ps.GrayFromMat(mat)
		mat.Close()

		if err != nil {
			// a single channel CV8U Mat always converts
			panic(err)
		}

		frames = append(frames, img)
	}

	return frames
}
