// Package analyzer connects the feed stage to a remote inference server and
// turns the server answers into detections and preview samples.
package analyzer

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
	"github.com/swdee/go-particlescope/feed"
	"github.com/swdee/go-particlescope/inference"
	"github.com/swdee/go-particlescope/rle"
)

// ConfigPrefix is shared with the feed stage
const ConfigPrefix = feed.ConfigPrefix

// maxPending bounds the capture times remembered for unanswered images
const maxPending = 4096

// ErrAlreadyRunning is returned when starting a running analyzer
var ErrAlreadyRunning = errors.New("analyzer is already running")

// Settings of the remote analyzer
var Settings = []config.Setting{
	{Key: "ip", Default: "127.0.0.1", Title: "Inference server address"},
	{Key: "port", Default: 3034, Title: "Inference server port"},
	{Key: "num_images_returned", Default: 1, Title: "Images echoed back per request for preview"},
	{Key: "timeout", Default: 30.0, Title: "Inference request timeout in seconds"},
}

// RemoteAnalyzer owns the feed stage and the inference client
type RemoteAnalyzer struct {
	cfg       config.Section
	store     *config.Store
	subjects  *ps.Subjects
	connector inference.Connector
	log       *logrus.Entry

	mu     sync.Mutex
	client *inference.Client
	feed   *feed.Stage
	worker *bus.Worker
	group  bus.Group

	// capture time of submitted images by name
	tmu     sync.Mutex
	times   map[string]float64
	pending []string
}

// New creates a stopped analyzer dialing servers through connector
func New(store *config.Store, subjects *ps.Subjects,
	connector inference.Connector) *RemoteAnalyzer {

	cfg := store.Section(ConfigPrefix)
	cfg.Register(Settings)

	return &RemoteAnalyzer{
		cfg:       cfg,
		store:     store,
		subjects:  subjects,
		connector: connector,
		log:       logrus.WithField("component", "analyzer"),
		times:     make(map[string]float64),
	}
}

// Address returns the configured server address
func (a *RemoteAnalyzer) Address() string {
	return net.JoinHostPort(a.cfg.String("ip"), strconv.Itoa(a.cfg.Int("port")))
}

// IsRunning reports whether the analyzer is started
func (a *RemoteAnalyzer) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil
}

// Status returns the inference client status
func (a *RemoteAnalyzer) Status() inference.Status {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return inference.Disconnected
	}

	return a.client.Status()
}

// FeedStats returns the feed stage counters
func (a *RemoteAnalyzer) FeedStats() feed.Stats {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.feed == nil {
		return feed.Stats{}
	}

	return a.feed.Stats()
}

// Start connects to the configured server and begins consuming images
func (a *RemoteAnalyzer) Start() error {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return ErrAlreadyRunning
	}

	a.client = inference.NewClient(a.connector, inference.Options{
		Timeout:           a.cfg.Seconds("timeout"),
		NumImagesReturned: a.cfg.Int("num_images_returned"),
	})

	client := a.client
	reconnect := func(config.Change) { a.reconnect(client) }

	a.worker = bus.NewWorker("analyzer", 0)
	a.feed = feed.New(a.store, a.subjects, &sink{analyzer: a, client: client})

	a.group.Add(
		a.client.Connected().Subscribe(bus.Immediate, a.subjects.AnalyzerConnected.Publish),
		a.client.BackPressure().Subscribe(bus.Immediate, a.subjects.AnalyzerBackPressure.Set),
		a.client.Stats().Subscribe(bus.Immediate, a.subjects.InferenceStats.Publish),
		a.client.Errors().Subscribe(bus.Immediate, a.subjects.Errors.Publish),
		a.client.Results().Subscribe(a.worker, a.unpack),
		a.cfg.OnChange("ip", a.worker, reconnect),
		a.cfg.OnChange("port", a.worker, reconnect),
	)

	a.feed.Start(a.subjects.Images, a.subjects.AnalyzerBackPressure)

	addr := a.Address()

	if err := a.client.Connect(addr); err != nil {
		a.stopLocked()
		return errors.Wrapf(err, "error connecting to %s", addr)
	}

	a.log.Infof("analyzer started, server %s", addr)

	return nil
}

// Stop disconnects and discards pending images
func (a *RemoteAnalyzer) Stop() {

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopLocked()
}

func (a *RemoteAnalyzer) stopLocked() {

	if a.client == nil {
		return
	}

	a.group.Dispose()
	a.worker.Flush()
	a.worker.Close()
	a.feed.Stop()
	a.client.Stop()

	a.subjects.AnalyzerConnected.Publish(false)
	a.subjects.AnalyzerBackPressure.Set(false)

	a.client = nil
	a.feed = nil
	a.worker = nil

	a.tmu.Lock()
	a.times = make(map[string]float64)
	a.pending = nil
	a.tmu.Unlock()

	a.log.Info("analyzer stopped")
}

// sink feeds batches of the feed stage to the client of one run
type sink struct {
	analyzer *RemoteAnalyzer
	client   *inference.Client
}

// SubmitBatch records the capture times of the batch and hands it to the
// inference client
func (s *sink) SubmitBatch(batch *ps.Batch) error {

	a := s.analyzer
	a.tmu.Lock()

	for _, img := range batch.Images() {
		a.times[img.Name] = img.Time
		a.pending = append(a.pending, img.Name)
	}

	// forget the oldest images whose request failed
	for len(a.pending) > maxPending {
		delete(a.times, a.pending[0])
		a.pending = a.pending[1:]
	}

	a.tmu.Unlock()

	return s.client.SubmitBatch(batch)
}

// reconnect points client at the current server address
func (a *RemoteAnalyzer) reconnect(client *inference.Client) {

	addr := a.Address()
	a.log.Infof("server address changed, reconnecting to %s", addr)

	client.Stop()

	if err := client.Connect(addr); err != nil {
		a.log.Errorf("error reconnecting to %s: %v", addr, err)
	}
}

// takeTime returns and forgets the capture time of name
func (a *RemoteAnalyzer) takeTime(name string) float64 {

	a.tmu.Lock()
	defer a.tmu.Unlock()

	ts, ok := a.times[name]

	if !ok {
		return ps.Now()
	}

	delete(a.times, name)

	return ts
}

// unpack publishes the detections of every image and the echoed samples
func (a *RemoteAnalyzer) unpack(res inference.Result) {

	objects := make(map[string][]ps.DetectedObject, len(res.Result.Results))
	times := make(map[string]float64, len(res.Result.Results))

	for _, ir := range res.Result.Results {

		objs, err := Objects(ir.Detections)

		if err != nil {
			err = errors.Wrapf(err, "error decoding detections of %s", ir.Name)
			a.log.Error(err)
			a.subjects.Errors.Publish(err)
			continue
		}

		objects[ir.Name] = objs
		times[ir.Name] = a.takeTime(ir.Name)

		a.subjects.Detections.Publish(ps.DetectionsInImage{
			ImageID: ir.Name,
			Objects: objs,
		})
	}

	for _, img := range res.Result.Images {

		labels, ok := objects[img.Name]

		if !ok {
			continue
		}

		a.subjects.SampleImages.Publish(ps.SampleImageData{
			Name:   img.Name,
			Image:  img.Data,
			Labels: labels,
			Time:   times[img.Name],
		})
	}

	a.tmu.Lock()
	a.prunePendingLocked()
	a.tmu.Unlock()
}

// prunePendingLocked drops answered names from the pending order
func (a *RemoteAnalyzer) prunePendingLocked() {

	keep := a.pending[:0]

	for _, name := range a.pending {
		if _, ok := a.times[name]; ok {
			keep = append(keep, name)
		}
	}

	a.pending = keep
}

// Objects converts wire detections to detected objects
func Objects(dets []inference.Detection) ([]ps.DetectedObject, error) {

	objs := make([]ps.DetectedObject, 0, len(dets))

	for _, d := range dets {

		mask, err := rle.FromString(d.RLE.Counts, d.RLE.Size[0], d.RLE.Size[1])

		if err != nil {
			return nil, err
		}

		obj := ps.NewDetectedObject(d.Category, d.Confidence, mask)

		// an empty wire box keeps the one derived from the mask
		if d.BBox.XRB > d.BBox.XLT && d.BBox.YRB > d.BBox.YLT {
			obj.Box = ps.BoxRect{
				Left:   d.BBox.XLT,
				Top:    d.BBox.YLT,
				Right:  d.BBox.XRB,
				Bottom: d.BBox.YRB,
			}
		}

		objs = append(objs, obj)
	}

	return objs, nil
}
