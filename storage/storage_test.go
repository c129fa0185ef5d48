package storage

import (
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
	"github.com/swdee/go-particlescope/rle"
)

// rawEncoder stores the pixel bytes unchanged
type rawEncoder struct{}

func (rawEncoder) Encode(img *image.Gray) ([]byte, error) {
	return append([]byte(nil), img.Pix...), nil
}

func rawImage(name string, ts float64, fill uint8) *ps.AcquiredImage {

	px := image.NewGray(image.Rect(0, 0, 4, 3))

	for i := range px.Pix {
		px.Pix[i] = fill
	}

	return ps.NewAcquiredImage(name, ts, px, rawEncoder{})
}

func newSaver(t *testing.T, enabled bool) (*Saver, *ps.Subjects, *config.Store, string) {

	dir := t.TempDir()
	store := config.New()
	subjects := ps.NewSubjects()

	s := NewSaver(store, subjects)

	require.NoError(t, store.Set("ResultSaver.directory", dir))
	require.NoError(t, store.Set("ResultSaver.enabled", enabled))

	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	return s, subjects, store, dir
}

func TestSaverDisabledWritesNothing(t *testing.T) {

	s, subjects, _, dir := newSaver(t, false)

	subjects.Images.Publish(rawImage("a", 1, 1))
	subjects.Timeline.Publish(ps.TimelineDataPoint{Plot: "p", Series: "s", Value: 1})
	s.Flush()

	_, err := os.Stat(filepath.Join(dir, ImagesFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, EventsFile))
	assert.True(t, os.IsNotExist(err))
}

func TestSaverGatesPerStream(t *testing.T) {

	s, subjects, store, dir := newSaver(t, true)

	require.NoError(t, store.Set("ResultSaver.save_images", false))

	subjects.Images.Publish(rawImage("a", 1, 1))
	subjects.Detections.Publish(ps.DetectionsInImage{ImageID: "a"})
	s.Flush()

	_, err := os.Stat(filepath.Join(dir, ImagesFile))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, uint64(1), s.Written(LabelsFile))

	// the gate is read per record
	require.NoError(t, store.Set("ResultSaver.save_images", true))
	subjects.Images.Publish(rawImage("b", 2, 1))
	s.Flush()

	assert.Equal(t, uint64(1), s.Written(ImagesFile))
	assert.Zero(t, s.Failed())
}

func TestSaverCreatesChangedDirectory(t *testing.T) {

	s, subjects, store, dir := newSaver(t, true)

	next := filepath.Join(dir, "run2")
	require.NoError(t, store.Set("ResultSaver.directory", next))
	s.Flush()

	info, err := os.Stat(next)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	subjects.Images.Publish(rawImage("a", 1, 1))
	s.Flush()

	_, err = os.Stat(filepath.Join(next, ImagesFile))
	assert.NoError(t, err)
}

func TestSaverWriteFailureReported(t *testing.T) {

	s, subjects, _, dir := newSaver(t, true)

	var mu sync.Mutex
	var errs []error

	subjects.Errors.Subscribe(bus.Immediate, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	// the save directory is replaced by a regular file
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	subjects.Images.Publish(rawImage("a", 1, 1))
	s.Flush()

	assert.Equal(t, uint64(1), s.Failed())
	assert.Zero(t, s.Written(ImagesFile))

	mu.Lock()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), ImagesFile)
	mu.Unlock()

	// the saver carries on once the directory is back
	require.NoError(t, os.Remove(dir))
	require.NoError(t, os.Mkdir(dir, 0o755))

	subjects.Images.Publish(rawImage("b", 2, 1))
	s.Flush()

	assert.Equal(t, uint64(1), s.Failed())
	assert.Equal(t, uint64(1), s.Written(ImagesFile))

	_, err := os.Stat(filepath.Join(dir, ImagesFile))
	assert.NoError(t, err)
}

func TestLoaderIndexesOffsets(t *testing.T) {

	s, subjects, _, dir := newSaver(t, true)

	for i, name := range []string{"a", "b", "c"} {
		subjects.Images.Publish(rawImage(name, float64(i), uint8(i+1)))
	}

	s.Flush()

	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, []string{"a", "b", "c"}, l.Names())

	rec, err := l.Record("b")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Name)
	assert.Equal(t, 1.0, rec.TS)
	assert.Equal(t, []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}, rec.Data)

	// offsets point at record starts
	data, err := os.ReadFile(filepath.Join(dir, ImagesFile))
	require.NoError(t, err)

	idx, err := BuildIndex(filepath.Join(dir, ImagesFile))
	require.NoError(t, err)
	require.Len(t, idx.Entries, 3)
	assert.Zero(t, idx.Entries[0].Offset)

	var first ImageRecord
	require.NoError(t, msgpack.Unmarshal(data[idx.Entries[0].Offset:idx.Entries[1].Offset], &first))
	assert.Equal(t, "a", first.Name)

	_, err = l.Record("missing")
	assert.Error(t, err)
}

func TestLoaderRefreshIsIncremental(t *testing.T) {

	dir := t.TempDir()
	path := filepath.Join(dir, ImagesFile)

	require.NoError(t, AppendRecord(path, ImageRecord{Name: "a", Data: []byte{1}}))

	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, 1, l.Len())

	require.NoError(t, AppendRecord(path, ImageRecord{Name: "b", Data: []byte{2}}))
	require.NoError(t, l.Refresh())

	assert.Equal(t, []string{"a", "b"}, l.Names())

	// the index file holds one line per record
	idx, err := readIndex(path + IndexSuffix)
	require.NoError(t, err)
	assert.Len(t, idx.Entries, 2)
}

func TestIndexIgnoresTruncatedTail(t *testing.T) {

	dir := t.TempDir()
	path := filepath.Join(dir, ImagesFile)

	require.NoError(t, AppendRecord(path, ImageRecord{Name: "a", Data: []byte{1, 2, 3}}))

	partial, err := msgpack.Marshal(ImageRecord{Name: "b", Data: []byte{4, 5, 6}})
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(partial[:len(partial)-2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	idx, err := BuildIndex(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, idx.Names())

	// completing the record makes it visible
	f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(partial[len(partial)-2:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	idx, err = BuildIndex(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, idx.Names())
}

func TestIndexRebuiltWhenStale(t *testing.T) {

	dir := t.TempDir()
	path := filepath.Join(dir, ImagesFile)

	require.NoError(t, AppendRecord(path, ImageRecord{Name: "a"}))
	require.NoError(t, AppendRecord(path, ImageRecord{Name: "b"}))

	_, err := BuildIndex(path)
	require.NoError(t, err)

	// the log is replaced by a shorter one
	require.NoError(t, os.Remove(path))
	require.NoError(t, AppendRecord(path, ImageRecord{Name: "c"}))

	idx, err := BuildIndex(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, idx.Names())
}

func TestOpenWithoutImages(t *testing.T) {

	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestLabelsRoundTrip(t *testing.T) {

	dir := t.TempDir()

	mask := make([]uint8, 6*5)
	mask[1*5+2] = 1
	mask[2*5+2] = 1
	mask[2*5+3] = 1

	r, err := rle.Encode(mask, 6, 5)
	require.NoError(t, err)

	d := ps.DetectionsInImage{
		ImageID: "a",
		Objects: []ps.DetectedObject{ps.NewDetectedObject(1, 0.75, r)},
	}

	require.NoError(t, AppendRecord(filepath.Join(dir, ImagesFile), ImageRecord{Name: "a"}))
	require.NoError(t, AppendRecord(filepath.Join(dir, LabelsFile), NewLabelRecord(d)))

	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	got, ok, err := l.Labels("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Objects, 1)

	obj := got.Objects[0]
	assert.Equal(t, 1, obj.Label)
	assert.Equal(t, float32(0.75), obj.Score)
	assert.Equal(t, d.Objects[0].Box, obj.Box)
	assert.Equal(t, r.Counts, obj.Mask.Counts)

	_, ok, err = l.Labels("b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventsRoundTrip(t *testing.T) {

	dir := t.TempDir()
	require.NoError(t, AppendRecord(filepath.Join(dir, ImagesFile), ImageRecord{Name: "a"}))

	pts := []ps.TimelineDataPoint{
		{Plot: "Particles per frame", Series: "class 1", Value: 2, Time: 1},
		{Plot: "Mean size", Series: "area", Value: 40, Time: 1},
	}

	for _, pt := range pts {
		require.NoError(t, AppendRecord(filepath.Join(dir, EventsFile), NewEventRecord(pt)))
	}

	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	got, err := l.Events()
	require.NoError(t, err)
	assert.Equal(t, pts, got)
}
