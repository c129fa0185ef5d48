package storage

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	ps "github.com/swdee/go-particlescope"
)

// ErrNoImages is returned when a directory holds no image log
var ErrNoImages = errors.New("no image log in directory")

// Loader gives random access by image name to the record logs of a save
// directory.  The logs may still be growing, Refresh picks up new records.
type Loader struct {
	dir string

	mu     sync.RWMutex
	images *os.File
	labels *os.File
	events *os.File

	imageIdx *Index
	labelIdx *Index
	eventIdx *Index
}

// Open indexes the record logs in dir, the labels and events logs are
// optional
func Open(dir string) (*Loader, error) {

	l := &Loader{dir: dir}

	var err error

	l.images, err = os.Open(filepath.Join(dir, ImagesFile))

	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNoImages, "%s", dir)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "error opening image log in %s", dir)
	}

	l.labels, err = openOptional(filepath.Join(dir, LabelsFile))

	if err != nil {
		l.Close()
		return nil, err
	}

	l.events, err = openOptional(filepath.Join(dir, EventsFile))

	if err != nil {
		l.Close()
		return nil, err
	}

	if err := l.Refresh(); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

func openOptional(path string) (*os.File, error) {

	f, err := os.Open(path)

	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s", path)
	}

	return f, nil
}

// Refresh extends the indexes with records appended since the last call
func (l *Loader) Refresh() error {

	l.mu.Lock()
	defer l.mu.Unlock()

	var err error

	if l.imageIdx, err = BuildIndex(l.images.Name()); err != nil {
		return err
	}

	if l.labels == nil {
		if l.labels, err = openOptional(filepath.Join(l.dir, LabelsFile)); err != nil {
			return err
		}
	}

	if l.labels != nil {
		if l.labelIdx, err = BuildIndex(l.labels.Name()); err != nil {
			return err
		}
	}

	if l.events == nil {
		if l.events, err = openOptional(filepath.Join(l.dir, EventsFile)); err != nil {
			return err
		}
	}

	if l.events != nil {
		if l.eventIdx, err = BuildIndex(l.events.Name()); err != nil {
			return err
		}
	}

	return nil
}

// Dir returns the directory the loader reads
func (l *Loader) Dir() string {
	return l.dir
}

// Names returns the image names in the order they were saved
func (l *Loader) Names() []string {

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.imageIdx.Names()
}

// Len returns the number of indexed images
func (l *Loader) Len() int {

	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.imageIdx.Entries)
}

// Record returns the image record named name
func (l *Loader) Record(name string) (ImageRecord, error) {

	l.mu.RLock()
	defer l.mu.RUnlock()

	var rec ImageRecord

	off, ok := l.imageIdx.Lookup(name)

	if !ok {
		return rec, errors.Errorf("image %s not found in %s", name, l.dir)
	}

	err := readAt(l.images, off, &rec)

	return rec, err
}

// Image returns the image named name decoded to grayscale, the encoded form
// is kept so it is not encoded again
func (l *Loader) Image(name string) (*ps.AcquiredImage, error) {

	rec, err := l.Record(name)

	if err != nil {
		return nil, err
	}

	pixels, err := ps.DecodeGray(rec.Data)

	if err != nil {
		return nil, errors.Wrapf(err, "error decoding image %s", name)
	}

	return ps.NewEncodedImage(rec.Name, rec.TS, pixels, rec.Data), nil
}

// Labels returns the saved detections of the image named name, false is
// returned when none were saved
func (l *Loader) Labels(name string) (ps.DetectionsInImage, bool, error) {

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.labelIdx == nil {
		return ps.DetectionsInImage{}, false, nil
	}

	off, ok := l.labelIdx.Lookup(name)

	if !ok {
		return ps.DetectionsInImage{}, false, nil
	}

	var rec LabelRecord

	if err := readAt(l.labels, off, &rec); err != nil {
		return ps.DetectionsInImage{}, false, err
	}

	d, err := rec.Detections()

	if err != nil {
		return ps.DetectionsInImage{}, false, err
	}

	return d, true, nil
}

// Events returns every saved timeline point in file order
func (l *Loader) Events() ([]ps.TimelineDataPoint, error) {

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.eventIdx == nil || len(l.eventIdx.Entries) == 0 {
		return nil, nil
	}

	r := io.NewSectionReader(l.events, 0, l.eventIdx.end)
	dec := msgpack.NewDecoder(bufio.NewReader(r))

	points := make([]ps.TimelineDataPoint, 0, len(l.eventIdx.Entries))

	for range l.eventIdx.Entries {

		var rec EventRecord

		if err := dec.Decode(&rec); err != nil {
			return nil, errors.Wrapf(err, "error decoding events in %s", l.dir)
		}

		points = append(points, rec.Point())
	}

	return points, nil
}

// Close releases the log files
func (l *Loader) Close() error {

	l.mu.Lock()
	defer l.mu.Unlock()

	var first error

	for _, f := range []*os.File{l.images, l.labels, l.events} {
		if f == nil {
			continue
		}

		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}

	l.images, l.labels, l.events = nil, nil, nil

	return first
}

// readAt decodes the record starting at off into v
func readAt(f *os.File, off int64, v any) error {

	r := io.NewSectionReader(f, off, 1<<62)

	if err := msgpack.NewDecoder(bufio.NewReader(r)).Decode(v); err != nil {
		return errors.Wrapf(err, "error decoding record at %d in %s", off, f.Name())
	}

	return nil
}
