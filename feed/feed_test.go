package feed

import (
	"fmt"
	"image"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
)

// recordingSink copies each submitted batch
type recordingSink struct {
	mu      sync.Mutex
	batches [][]string
	err     error

	// hold blocks the first submission until closed, entered is closed
	// when that submission starts
	hold    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (r *recordingSink) SubmitBatch(batch *ps.Batch) error {

	if r.hold != nil {
		r.once.Do(func() {
			close(r.entered)
			<-r.hold
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch.Names())
	return r.err
}

func (r *recordingSink) submitted() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func newStage(t *testing.T, settings map[string]any) (*Stage, *ps.Subjects, *recordingSink) {

	store := config.New()
	subjects := ps.NewSubjects()
	sink := &recordingSink{}

	stage := New(store, subjects, sink)

	for k, v := range settings {
		require.NoError(t, store.Set(config.Join(ConfigPrefix, k), v))
	}

	stage.Start(subjects.Images, subjects.AnalyzerBackPressure)
	t.Cleanup(stage.Stop)

	return stage, subjects, sink
}

func publish(subjects *ps.Subjects, from, n int) {
	for i := from; i < from+n; i++ {
		subjects.Images.Publish(ps.NewAcquiredImage(fmt.Sprintf("img%d", i), float64(i),
			image.NewGray(image.Rect(0, 0, 1, 1)), nil))
	}
}

func TestBatchesInSubmissionOrder(t *testing.T) {

	for _, b := range []int{1, 2, 3, 5, 8} {
		t.Run(fmt.Sprintf("batch %d", b), func(t *testing.T) {

			stage, subjects, sink := newStage(t, map[string]any{"batch_size": b})

			n := b * 4
			publish(subjects, 0, n)
			stage.Flush()

			got := sink.submitted()
			require.Len(t, got, n/b)

			next := 0
			for _, batch := range got {
				require.Len(t, batch, b)

				for _, name := range batch {
					assert.Equal(t, fmt.Sprintf("img%d", next), name)
					next++
				}
			}

			assert.Equal(t, uint64(n/b), stage.Stats().Batches)
		})
	}
}

func TestPartialBatchHeld(t *testing.T) {

	stage, subjects, sink := newStage(t, map[string]any{"batch_size": 4})

	publish(subjects, 0, 7)
	stage.Flush()

	assert.Len(t, sink.submitted(), 1)
}

func TestDropPolicyKeepsMostRecent(t *testing.T) {

	const k = 10

	stage, subjects, sink := newStage(t, map[string]any{
		"batch_size":      2,
		"cache_size":      k,
		"cache_threshold": k,
	})

	subjects.AnalyzerBackPressure.Set(true)
	publish(subjects, 0, k+5)
	stage.Flush()

	cached := stage.Cached()
	require.Len(t, cached, k)

	for i, name := range cached {
		assert.Equal(t, fmt.Sprintf("img%d", i+5), name)
	}

	assert.Empty(t, sink.submitted())
	assert.Equal(t, uint64(5), stage.Stats().Dropped)
	assert.True(t, subjects.FeedBackPressure.Value())
}

func TestCacheDrainsWhenCleared(t *testing.T) {

	stage, subjects, sink := newStage(t, map[string]any{
		"batch_size":      2,
		"cache_size":      4,
		"cache_threshold": 3,
	})

	subjects.AnalyzerBackPressure.Set(true)
	publish(subjects, 0, 2)
	stage.Flush()

	// below threshold
	assert.False(t, subjects.FeedBackPressure.Value())

	publish(subjects, 2, 2)
	stage.Flush()
	assert.True(t, subjects.FeedBackPressure.Value())

	subjects.AnalyzerBackPressure.Set(false)
	stage.Flush()

	assert.Equal(t, [][]string{{"img0", "img1"}, {"img2", "img3"}}, sink.submitted())
	assert.Empty(t, stage.Cached())
	assert.False(t, subjects.FeedBackPressure.Value())
}

func TestWarningRateLimited(t *testing.T) {

	stage, subjects, _ := newStage(t, nil)

	var mu sync.Mutex
	var warnings []string

	subjects.Warnings.Subscribe(bus.Immediate, func(w string) {
		mu.Lock()
		warnings = append(warnings, w)
		mu.Unlock()
	})

	subjects.AnalyzerBackPressure.Set(true)
	publish(subjects, 0, 20)
	stage.Flush()

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{BackPressureWarning}, warnings)
}

func TestFailedSubmissionCounted(t *testing.T) {

	stage, subjects, sink := newStage(t, map[string]any{"batch_size": 1})
	sink.mu.Lock()
	sink.err = errors.New("not connected")
	sink.mu.Unlock()

	publish(subjects, 0, 3)
	stage.Flush()

	assert.Equal(t, uint64(3), stage.Stats().Failed)
}

func TestStopDisposes(t *testing.T) {

	stage, subjects, sink := newStage(t, map[string]any{"batch_size": 1})

	stage.Stop()
	publish(subjects, 0, 3)

	assert.Empty(t, sink.submitted())
	assert.Equal(t, 0, subjects.Images.Subscribers())
}

func TestBackPressureClearedOnFullQueue(t *testing.T) {

	stage, subjects, sink := newStage(t, map[string]any{
		"batch_size": 1,
		"cache_size": 10,
	})

	sink.hold = make(chan struct{})
	sink.entered = make(chan struct{})

	// keep the worker busy in the sink
	publish(subjects, 0, 1)
	<-sink.entered

	subjects.AnalyzerBackPressure.Set(true)
	publish(subjects, 1, bus.DefaultQueueSize+100)
	subjects.AnalyzerBackPressure.Set(false)

	require.Greater(t, stage.worker.Dropped(), uint64(0))

	close(sink.hold)
	stage.Flush()

	last := fmt.Sprintf("img%d", bus.DefaultQueueSize+101)
	publish(subjects, bus.DefaultQueueSize+101, 1)
	stage.Flush()

	got := sink.submitted()
	require.NotEmpty(t, got)
	assert.Equal(t, []string{last}, got[len(got)-1])
	assert.Empty(t, stage.Cached())
	assert.False(t, subjects.FeedBackPressure.Value())
}
