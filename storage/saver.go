package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
)

// ConfigPrefix of the result saver settings
const ConfigPrefix = "ResultSaver"

// Settings of the result saver
var Settings = []config.Setting{
	{Key: "enabled", Default: false, Title: "Enable data saving"},
	{Key: "save_images", Default: true, Title: "Save image"},
	{Key: "save_labels", Default: true, Title: "Save labels"},
	{Key: "save_events", Default: true, Title: "Save events"},
	{Key: "directory", Default: "/tmp", Title: "Save directory"},
}

// Saver appends images, detections and timeline events to record logs.
// Whether a record is written is decided from the settings at the time the
// record arrives.  A failed write is logged and the record dropped.
type Saver struct {
	cfg      config.Section
	subjects *ps.Subjects
	log      *logrus.Entry

	mu     sync.Mutex
	worker *bus.Worker
	group  bus.Group

	written sync.Map
	failed  atomic.Uint64
}

// NewSaver creates a stopped saver
func NewSaver(store *config.Store, subjects *ps.Subjects) *Saver {

	cfg := store.Section(ConfigPrefix)
	cfg.Register(Settings)

	return &Saver{
		cfg:      cfg,
		subjects: subjects,
		log:      logrus.WithField("component", "saver"),
	}
}

// Start creates the save directory and subscribes to the record sources
func (s *Saver) Start() error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker != nil {
		return nil
	}

	if err := s.makeDirectory(); err != nil {
		return err
	}

	s.worker = bus.NewWorker("saver", 0)

	s.group.Add(
		s.subjects.Images.Subscribe(s.worker, s.saveImage),
		s.subjects.Detections.Subscribe(s.worker, s.saveLabels),
		s.subjects.Timeline.Subscribe(s.worker, s.saveEvent),
		s.cfg.OnChange("directory", s.worker, func(config.Change) {
			if err := s.makeDirectory(); err != nil {
				s.log.Error(err)
				s.subjects.Errors.Publish(err)
			}
		}),
	)

	return nil
}

// Stop disposes the subscriptions after writing the records received so far
func (s *Saver) Stop() {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker == nil {
		return
	}

	s.group.Dispose()
	s.worker.Flush()
	s.worker.Close()
	s.worker = nil
}

// Flush waits until every record delivered so far is written
func (s *Saver) Flush() {

	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()

	if w != nil {
		w.Flush()
	}
}

// Directory returns the configured save directory
func (s *Saver) Directory() string {
	return s.cfg.String("directory")
}

// Written returns the number of records appended to file
func (s *Saver) Written(file string) uint64 {

	n, ok := s.written.Load(file)

	if !ok {
		return 0
	}

	return n.(uint64)
}

// makeDirectory creates the configured save directory
func (s *Saver) makeDirectory() error {

	dir := s.Directory()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "error creating save directory %s", dir)
	}

	return nil
}

// enabled reports whether records gated by key are saved
func (s *Saver) enabled(key string) bool {
	return s.cfg.Bool("enabled") && s.cfg.Bool(key)
}

func (s *Saver) saveImage(img *ps.AcquiredImage) {

	if !s.enabled("save_images") {
		return
	}

	rec, err := NewImageRecord(img)

	if err != nil {
		s.fail(err)
		return
	}

	s.append(ImagesFile, rec)
}

func (s *Saver) saveLabels(d ps.DetectionsInImage) {

	if !s.enabled("save_labels") {
		return
	}

	s.append(LabelsFile, NewLabelRecord(d))
}

func (s *Saver) saveEvent(pt ps.TimelineDataPoint) {

	if !s.enabled("save_events") {
		return
	}

	s.append(EventsFile, NewEventRecord(pt))
}

// append writes rec to the end of file in the save directory
func (s *Saver) append(file string, rec any) {

	path := filepath.Join(s.Directory(), file)

	if err := AppendRecord(path, rec); err != nil {
		s.fail(err)
		return
	}

	n, _ := s.written.LoadOrStore(file, uint64(0))
	s.written.Store(file, n.(uint64)+1)
}

// Failed returns the number of records dropped on error
func (s *Saver) Failed() uint64 {
	return s.failed.Load()
}

func (s *Saver) fail(err error) {
	s.failed.Add(1)
	s.log.Error(err)
	s.subjects.Errors.Publish(err)
}

// AppendRecord msgpack encodes rec onto the end of the file at path
func AppendRecord(path string, rec any) error {

	data, err := msgpack.Marshal(rec)

	if err != nil {
		return errors.Wrapf(err, "error encoding record for %s", path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)

	if err != nil {
		return errors.Wrapf(err, "error opening %s", path)
	}

	// one write per record
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "error writing %s", path)
	}

	return errors.Wrapf(f.Close(), "error closing %s", path)
}
