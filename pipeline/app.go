// Package pipeline assembles the acquisition, analysis, processing, saving
// and peripheral components around one set of Subjects.
package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/analyzer"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
	"github.com/swdee/go-particlescope/inference"
	"github.com/swdee/go-particlescope/monitor"
	"github.com/swdee/go-particlescope/peripheral"
	"github.com/swdee/go-particlescope/postprocess"
	"github.com/swdee/go-particlescope/source"
	"github.com/swdee/go-particlescope/storage"
)

// ConfigPrefix of the pipeline settings
const ConfigPrefix = "Pipeline"

// Source kinds
const (
	SourceMock   = "mock"
	SourceCamera = "camera"
	SourceReplay = "replay"
)

// Settings of the pipeline
var Settings = []config.Setting{
	{Key: "source", Default: SourceMock, Title: "Image source (mock, camera, replay)"},
	{Key: "labels", Default: "", Title: "Class labels file"},
	{Key: "pumps", Default: false, Title: "Enable pump control"},
	{Key: "camera_control", Default: false, Title: "Enable camera peripheral control"},
	{Key: "console", Default: false, Title: "Connect to the control console"},
}

var (
	// ErrUnknownSource is returned for a source kind that does not exist
	ErrUnknownSource = errors.New("unknown image source")
	// ErrSourceBusy is returned when the active source can not be unloaded
	ErrSourceBusy = errors.New("image source is starting and can not be unloaded")
	// ErrNotStarted is returned when replacing the source of a stopped app
	ErrNotStarted = errors.New("pipeline not started")
)

// Options override the collaborators of the components, zero values use
// the real hardware and network
type Options struct {
	// Connector dials the inference server, nil uses gRPC without TLS
	Connector inference.Connector
	// Opener opens the peripheral serial ports
	Opener peripheral.Opener
	// Dialer connects to the console
	Dialer peripheral.Dialer
	// Driver captures camera frames, nil uses OpenCV
	Driver source.Driver
	// Labels names the detection classes, nil loads the labels setting
	Labels ps.Labels
	// Names generates image names
	Names *ps.NameGenerator
}

// App owns every component of a running pipeline
type App struct {
	cfg      config.Section
	store    *config.Store
	subjects *ps.Subjects
	opts     Options
	log      *logrus.Entry

	Analyzer  *analyzer.RemoteAnalyzer
	Processor *postprocess.Processor
	Saver     *storage.Saver
	Monitor   *monitor.Server
	Pumps     *peripheral.PumpControl
	Camera    *peripheral.CameraControl
	Console   *peripheral.ConsoleBridge

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	kind    string
	source  source.ImageSource
	worker  *bus.Worker
	sub     *bus.Subscription
	running bool
}

// New builds a stopped pipeline
func New(store *config.Store, subjects *ps.Subjects, opts Options) (*App, error) {

	cfg := store.Section(ConfigPrefix)
	cfg.Register(Settings)

	if opts.Connector == nil {
		opts.Connector = inference.GRPCConnector(
			grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if opts.Labels == nil && cfg.String("labels") != "" {
		labels, err := ps.LoadLabels(cfg.String("labels"))

		if err != nil {
			return nil, errors.Wrap(err, "error loading labels")
		}

		opts.Labels = labels
	}

	a := &App{
		cfg:       cfg,
		store:     store,
		subjects:  subjects,
		opts:      opts,
		log:       logrus.WithField("component", "pipeline"),
		Analyzer:  analyzer.New(store, subjects, opts.Connector),
		Processor: postprocess.New(store, subjects, opts.Labels),
		Saver:     storage.NewSaver(store, subjects),
		Monitor:   monitor.New(store, subjects),
		Pumps:     peripheral.NewPumpControl(store, subjects, opts.Opener),
		Camera:    peripheral.NewCameraControl(store, subjects, opts.Opener),
		Console:   peripheral.NewConsoleBridge(store, subjects, opts.Dialer),
	}

	// register the settings of every source so they can be configured
	// before the source is selected
	source.CameraSection(a.store)
	a.store.Register(source.MockConfigPrefix, source.MockSettings)
	a.store.Register(source.ReplayConfigPrefix, source.ReplaySettings)

	return a, nil
}

// Store returns the settings store
func (a *App) Store() *config.Store {
	return a.store
}

// Subjects returns the channels connecting the components
func (a *App) Subjects() *ps.Subjects {
	return a.subjects
}

// NewSource constructs a stopped source of the given kind
func (a *App) NewSource(kind string) (source.ImageSource, error) {

	opts := source.Options{Names: a.opts.Names}

	switch kind {
	case SourceMock:
		return source.NewMockSource(a.store, a.subjects, opts), nil

	case SourceCamera:
		driver := a.opts.Driver

		if driver == nil {
			driver = source.NewGocvDriver(source.CameraSection(a.store))
		}

		return source.NewCameraSource(a.store, a.subjects, driver, opts), nil

	case SourceReplay:
		return source.NewReplaySource(a.store, a.subjects, opts), nil
	}

	return nil, errors.Wrapf(ErrUnknownSource, "%q", kind)
}

// Start starts the consumers first and the configured source last so no
// image is published before it can be analysed
func (a *App) Start(ctx context.Context) error {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	a.ctx, a.cancel = context.WithCancel(ctx)

	a.Monitor.Subscribe()
	a.Processor.Start()

	if err := a.Saver.Start(); err != nil {
		a.stopLocked()
		return err
	}

	// an unreachable server is retried by the client, only a bad address
	// fails here
	if err := a.Analyzer.Start(); err != nil {
		a.stopLocked()
		return err
	}

	a.startPeripherals()
	a.running = true

	kind := a.cfg.String("source")
	src, err := a.NewSource(kind)

	if err != nil {
		a.stopLocked()
		return err
	}

	if err := src.Start(a.ctx); err != nil {
		a.stopLocked()
		return errors.Wrapf(err, "error starting %s source", kind)
	}

	a.source = src
	a.kind = kind

	a.worker = bus.NewWorker("pipeline", 0)
	a.sub = a.cfg.OnChange("source", a.worker, func(c config.Change) {
		kind, _ := c.Value.(string)

		if err := a.SwitchSource(kind); err != nil {
			a.log.Errorf("error switching source to %s: %v", kind, err)
			a.subjects.Errors.Publish(err)
		}
	})

	a.log.Infof("pipeline started with %s source", kind)

	return nil
}

// startPeripherals starts the enabled peripherals, a peripheral that fails
// is reported and the pipeline runs without it
func (a *App) startPeripherals() {

	report := func(err error) {
		a.log.Error(err)
		a.subjects.Warnings.Publish(err.Error())
	}

	if a.cfg.Bool("pumps") {
		if err := a.Pumps.Start(); err != nil {
			report(err)
		}
	}

	if a.cfg.Bool("camera_control") {
		if err := a.Camera.Start(); err != nil {
			report(err)
		}
	}

	if a.cfg.Bool("console") {
		go func(ctx context.Context) {
			if err := a.Console.Connect(ctx); err != nil {
				report(err)
			}
		}(a.ctx)
	}
}

// Stop stops the source first and then every consumer.  An App is not
// started again after Stop.
func (a *App) Stop() {

	// a source switch in progress holds the lock
	a.mu.Lock()
	sub, worker := a.sub, a.worker
	a.sub, a.worker = nil, nil
	a.mu.Unlock()

	if sub != nil {
		sub.Dispose()
		worker.Close()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopLocked()
}

func (a *App) stopLocked() {

	if a.source != nil {
		a.source.Stop()
		a.source = nil
		a.kind = ""
	}

	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}

	a.Console.Disconnect()
	a.Camera.Stop()
	a.Pumps.Stop()
	a.Analyzer.Stop()
	a.Processor.Stop()
	a.Saver.Stop()

	if err := a.Monitor.Shutdown(context.Background()); err != nil {
		a.log.Errorf("error stopping monitor: %v", err)
	}

	if a.running {
		a.log.Info("pipeline stopped")
	}

	a.running = false
}

// Source returns the active source, nil when stopped
func (a *App) Source() source.ImageSource {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.source
}

// SourceKind returns the kind of the active source
func (a *App) SourceKind() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.kind
}

// CanUnload reports whether src may be stopped and replaced.  A source in
// the middle of starting has not yet settled its acquisition.
func CanUnload(src source.ImageSource) bool {
	return src == nil || src.State() != source.Starting
}

// SwitchSource replaces the active source with a new one of kind
func (a *App) SwitchSource(kind string) error {

	src, err := a.NewSource(kind)

	if err != nil {
		return err
	}

	return a.replace(src, kind)
}

// ReplaceSource stops the active source and starts next in its place.  The
// consumers stay subscribed so the new images flow through the same stages.
func (a *App) ReplaceSource(next source.ImageSource) error {
	return a.replace(next, "")
}

func (a *App) replace(next source.ImageSource, kind string) error {

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return ErrNotStarted
	}

	if !CanUnload(a.source) {
		return ErrSourceBusy
	}

	if a.source != nil {
		a.source.Stop()
		a.source = nil
	}

	a.kind = ""

	if err := next.Start(a.ctx); err != nil {
		return errors.Wrap(err, "error starting image source")
	}

	a.source = next
	a.kind = kind
	a.log.WithField("kind", kind).Info("image source replaced")

	return nil
}
