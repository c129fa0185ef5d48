package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
	"github.com/swdee/go-particlescope/inference"
	"github.com/swdee/go-particlescope/source"
)

// echoServer answers every image without detections and echoes the
// requested preview images
type echoServer struct{}

func (echoServer) connect(addr string, notify func(bool)) (inference.Transport, error) {
	notify(true)
	return echoServer{}, nil
}

func (echoServer) Invoke(ctx context.Context, req *inference.BatchRequest) (*inference.BatchResult, error) {

	res := &inference.BatchResult{ID: req.ID}

	for _, img := range req.Images {
		res.Results = append(res.Results, inference.ImageResult{Name: img.Name})
	}

	n := req.Opt.NumImagesReturned

	if n > len(req.Images) {
		n = len(req.Images)
	}

	res.Images = req.Images[:n]

	return res, nil
}

func (echoServer) Close() error {
	return nil
}

// stubSource is a source whose state is set by the test
type stubSource struct {
	mu      sync.Mutex
	state   source.State
	starts  int
	stops   int
	failErr error
}

func (s *stubSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}

	s.starts++
	s.state = source.Running
	return nil
}

func (s *stubSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.state = source.Stopped
}

func (s *stubSource) IsRunning() bool {
	return s.State() == source.Running
}

func (s *stubSource) State() source.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func newApp(t *testing.T) (*App, *config.Store, *ps.Subjects) {

	store := config.New()
	subjects := ps.NewSubjects()

	app, err := New(store, subjects, Options{Connector: echoServer{}.connect})
	require.NoError(t, err)

	require.NoError(t, store.Set("Remote_Analyzer.batch_size", 1))
	require.NoError(t, store.Set("ResultProcess.group_size", 1))
	require.NoError(t, store.Set("Test_Images.fps", 50))
	require.NoError(t, store.Set("Test_Images.directory", t.TempDir()))
	require.NoError(t, store.Set("ResultSaver.directory", t.TempDir()))

	t.Cleanup(app.Stop)

	return app, store, subjects
}

func TestNewRegistersEverySetting(t *testing.T) {

	_, store, _ := newApp(t)

	for _, key := range []string{
		"Pipeline.source",
		"Test_Images.fps",
		"Camera_Source.device",
		"Replay_Source.directory",
		"Remote_Analyzer.batch_size",
		"ResultProcess.group_size",
		"ResultSaver.enabled",
		"Monitor.addr",
		"PumpControl.slurry_pump_addr",
		"SerialCameraPeripheralControl.baud",
		"SimexIO.port",
	} {
		_, ok := store.Describe(key)
		assert.True(t, ok, key)
	}
}

func TestNewLoadsLabels(t *testing.T) {

	store := config.New()
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("background\nparticle\n"), 0o644))

	store.Register(ConfigPrefix, Settings)
	require.NoError(t, store.Set("Pipeline.labels", path))

	_, err := New(store, ps.NewSubjects(), Options{Connector: echoServer{}.connect})
	require.NoError(t, err)

	require.NoError(t, store.Set("Pipeline.labels", filepath.Join(t.TempDir(), "missing.txt")))

	_, err = New(store, ps.NewSubjects(), Options{Connector: echoServer{}.connect})
	assert.Error(t, err)
}

func TestPipelineRunsEndToEnd(t *testing.T) {

	app, store, subjects := newApp(t)
	require.NoError(t, store.Set("ResultSaver.enabled", true))

	var mu sync.Mutex
	var dists, rendered int

	subjects.Distributions.Subscribe(bus.Immediate, func(ps.Distributions) {
		mu.Lock()
		dists++
		mu.Unlock()
	})
	subjects.RenderedImages.Subscribe(bus.Immediate, func(ps.RenderedImage) {
		mu.Lock()
		rendered++
		mu.Unlock()
	})

	require.NoError(t, app.Start(context.Background()))

	assert.Equal(t, SourceMock, app.SourceKind())
	assert.True(t, subjects.SourceRunning.Value())
	assert.True(t, subjects.AnalyzerConnected.Value())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dists >= 2 && rendered >= 1
	}, 5*time.Second, 10*time.Millisecond)

	app.Stop()

	assert.False(t, subjects.SourceRunning.Value())
	assert.False(t, subjects.AnalyzerConnected.Value())
	assert.Nil(t, app.Source())

	info, err := os.Stat(filepath.Join(store.String("ResultSaver.directory"), "images.bin"))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestStartUnknownSource(t *testing.T) {

	app, store, subjects := newApp(t)
	require.NoError(t, store.Set("Pipeline.source", "scanner"))

	err := app.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.False(t, subjects.AnalyzerConnected.Value())
}

func TestReplaceSource(t *testing.T) {

	app, _, _ := newApp(t)

	stub := &stubSource{}
	assert.ErrorIs(t, app.ReplaceSource(stub), ErrNotStarted)

	require.NoError(t, app.Start(context.Background()))
	mock := app.Source()

	require.NoError(t, app.ReplaceSource(stub))

	assert.False(t, mock.IsRunning())
	assert.Same(t, stub, app.Source())
	assert.Equal(t, 1, stub.starts)
	assert.Equal(t, "", app.SourceKind())

	next := &stubSource{}
	require.NoError(t, app.ReplaceSource(next))
	assert.Equal(t, 1, stub.stops)
	assert.Same(t, next, app.Source())
}

func TestReplaceSourceWhileStarting(t *testing.T) {

	app, _, _ := newApp(t)
	require.NoError(t, app.Start(context.Background()))

	busy := &stubSource{}
	require.NoError(t, app.ReplaceSource(busy))

	busy.mu.Lock()
	busy.state = source.Starting
	busy.mu.Unlock()

	assert.False(t, CanUnload(busy))
	assert.ErrorIs(t, app.ReplaceSource(&stubSource{}), ErrSourceBusy)
	assert.Same(t, busy, app.Source())
	assert.Equal(t, 0, busy.stops)
}

func TestReplaceSourceStartFailure(t *testing.T) {

	app, _, _ := newApp(t)
	require.NoError(t, app.Start(context.Background()))

	err := app.ReplaceSource(&stubSource{failErr: source.ErrAlreadyRunning})
	assert.ErrorIs(t, err, source.ErrAlreadyRunning)
	assert.Nil(t, app.Source())
}

func TestCanUnload(t *testing.T) {
	assert.True(t, CanUnload(nil))
	assert.True(t, CanUnload(&stubSource{}))
	assert.True(t, CanUnload(&stubSource{state: source.Running}))
	assert.False(t, CanUnload(&stubSource{state: source.Starting}))
}

func TestSourceSettingSwitchesSource(t *testing.T) {

	app, store, subjects := newApp(t)
	require.NoError(t, store.Set("Replay_Source.directory", t.TempDir()))
	require.NoError(t, app.Start(context.Background()))

	var mu sync.Mutex
	var errs []error

	subjects.Errors.Subscribe(bus.Immediate, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	// the replay directory holds no recording
	require.NoError(t, store.Set("Pipeline.source", SourceReplay))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Nil(t, app.Source())

	require.NoError(t, store.Set("Pipeline.source", SourceMock))

	require.Eventually(t, func() bool {
		return app.SourceKind() == SourceMock
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, app.Source().IsRunning())
}
