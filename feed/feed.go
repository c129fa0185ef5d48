// Package feed groups acquired images into fixed size batches for the
// inference client and applies the drop policy while the client signals
// back-pressure.
package feed

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
)

// ConfigPrefix is the settings prefix of the feed stage, it is shared with
// the remote analyzer which owns the stage
const ConfigPrefix = "Remote_Analyzer"

// WarnInterval is the minimum time between back-pressure warnings
const WarnInterval = time.Second

// BackPressureWarning is published when images arrive while back-pressure
// is asserted
const BackPressureWarning = "image is feeding while back-pressure is detected"

// Settings of the feed stage
var Settings = []config.Setting{
	{Key: "batch_size", Default: 5, Title: "Images per inference request"},
	{Key: "cache_size", Default: 10, Title: "Images cached while back-pressured"},
	{Key: "cache_threshold", Default: 10, Title: "Cached images asserting back-pressure upstream"},
}

// Sink receives complete batches.  The batch is only valid for the
// duration of the call.
type Sink interface {
	SubmitBatch(batch *ps.Batch) error
}

// Stats counts the images handled by the stage
type Stats struct {
	Received uint64
	Dropped  uint64
	Batches  uint64
	Failed   uint64
}

// Stage is the batching and back-pressure feed stage.  All of its state is
// owned by its worker goroutine.
type Stage struct {
	cfg      config.Section
	subjects *ps.Subjects
	sink     Sink
	worker   *bus.Worker
	group    bus.Group
	log      *logrus.Entry

	// fields below are only touched on the worker
	pool         *ps.BatchPool
	batch        *ps.Batch
	cache        []*ps.AcquiredImage
	backPressure bool
	warn         *rate.Limiter

	received atomic.Uint64
	dropped  atomic.Uint64
	batches  atomic.Uint64
	failed   atomic.Uint64
}

// New creates a feed stage sending batches to sink
func New(store *config.Store, subjects *ps.Subjects, sink Sink) *Stage {

	cfg := store.Section(ConfigPrefix)
	cfg.Register(Settings)

	return &Stage{
		cfg:      cfg,
		subjects: subjects,
		sink:     sink,
		warn:     rate.NewLimiter(rate.Every(WarnInterval), 1),
		log:      logrus.WithField("component", "feed"),
	}
}

// Start consumes images from upstream, gated by backPressure
func (s *Stage) Start(upstream bus.Observable[*ps.AcquiredImage], backPressure *bus.Flag) {

	if s.worker != nil {
		return
	}

	s.worker = bus.NewWorker("feed", 0)

	s.group.Add(
		backPressure.Subscribe(s.worker, s.onBackPressure),
		upstream.Subscribe(s.worker, s.onImage),
	)
}

// Stop disposes the subscriptions and discards any partial batch and
// cached images
func (s *Stage) Stop() {

	if s.worker == nil {
		return
	}

	s.group.Dispose()
	s.worker.Flush()
	s.worker.Close()
	s.worker = nil

	s.batch = nil
	s.cache = nil
	s.subjects.FeedBackPressure.Set(false)
}

// Flush waits for all images delivered so far to be handled
func (s *Stage) Flush() {

	if s.worker != nil {
		s.worker.Flush()
	}
}

// Stats returns the stage counters
func (s *Stage) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Dropped:  s.dropped.Load(),
		Batches:  s.batches.Load(),
		Failed:   s.failed.Load(),
	}
}

// Cached returns the names of the cached images oldest first
func (s *Stage) Cached() []string {

	var names []string

	s.onWorker(func() {
		for _, img := range s.cache {
			names = append(names, img.Name)
		}
	})

	return names
}

// onWorker runs fn on the stage worker and waits for it
func (s *Stage) onWorker(fn func()) {

	if s.worker == nil || !s.worker.Run(fn) {
		fn()
	}
}

// onImage routes an image to the cache or the current batch
func (s *Stage) onImage(img *ps.AcquiredImage) {

	s.received.Add(1)

	if !s.backPressure {
		s.add(img)
		return
	}

	if s.warn.Allow() {
		s.log.Warn(BackPressureWarning)
		s.subjects.Warnings.Publish(BackPressureWarning)
	}

	size := s.cfg.Int("cache_size")

	if size < 1 {
		// no cache, the image is dropped outright
		s.dropped.Add(1)
		return
	}

	// evict oldest until there is room
	for len(s.cache) >= size {
		s.cache[0] = nil
		s.cache = s.cache[1:]
		s.dropped.Add(1)
	}

	s.cache = append(s.cache, img)
	s.updateFeedBackPressure()
}

// onBackPressure tracks the downstream level and drains the cache once it
// clears
func (s *Stage) onBackPressure(v bool) {

	s.backPressure = v

	if v {
		return
	}

	cached := s.cache
	s.cache = nil

	for _, img := range cached {
		s.add(img)
	}

	s.updateFeedBackPressure()
}

// updateFeedBackPressure signals upstream when the cache is saturated
func (s *Stage) updateFeedBackPressure() {

	threshold := s.cfg.Int("cache_threshold")

	if threshold < 1 {
		threshold = s.cfg.Int("cache_size")
	}

	s.subjects.FeedBackPressure.Set(threshold > 0 && len(s.cache) >= threshold)
}

// add appends img to the current batch and submits it once full
func (s *Stage) add(img *ps.AcquiredImage) {

	if s.batch == nil {
		s.batch = s.nextBatch()
	}

	if err := s.batch.Add(img); err != nil {
		s.log.Errorf("error adding image %s to batch: %v", img.Name, err)
		return
	}

	if !s.batch.Full() {
		return
	}

	batch := s.batch
	s.batch = nil

	s.batches.Add(1)

	if err := s.sink.SubmitBatch(batch); err != nil {
		s.failed.Add(1)
		s.log.Warnf("batch of %d images dropped: %v", batch.Len(), err)
	}

	s.pool.Return(batch)
}

// nextBatch takes a batch from the pool, rebuilding the pool when the
// configured batch size changed
func (s *Stage) nextBatch() *ps.Batch {

	size := s.cfg.Int("batch_size")

	if size < 1 {
		size = 1
	}

	if s.pool == nil || s.pool.BatchSize() != size {
		if s.pool != nil {
			s.pool.Close()
		}

		s.pool = ps.NewBatchPool(2, size)
	}

	return s.pool.Get()
}
