package inference

import (
	"context"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
)

// stubEncoder avoids OpenCV in client tests
type stubEncoder struct{}

func (stubEncoder) Encode(img *image.Gray) ([]byte, error) {
	return []byte{0xff, 0xd8}, nil
}

// call is a request held by the fake transport until released
type call struct {
	req     *BatchRequest
	release chan error
}

// fakeTransport holds every call until the test completes it
type fakeTransport struct {
	mu     sync.Mutex
	calls  []*call
	closed bool
	queued chan *call
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{queued: make(chan *call, 16)}
}

func (f *fakeTransport) Invoke(ctx context.Context, req *BatchRequest) (*BatchResult, error) {

	c := &call{req: req, release: make(chan error, 1)}

	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	f.queued <- c

	if err := <-c.release; err != nil {
		return nil, err
	}

	res := &BatchResult{ID: req.ID}

	for _, img := range req.Images {
		res.Results = append(res.Results, ImageResult{Name: img.Name})
	}

	return res, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// next waits for the next dispatched call
func (f *fakeTransport) next(t *testing.T) *call {

	select {
	case c := <-f.queued:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no call dispatched")
		return nil
	}
}

// fakeClock is advanced manually
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func connectedClient(t *testing.T) (*Client, *fakeTransport, *fakeClock) {

	ft := newFakeTransport()

	connector := func(addr string, notify func(bool)) (Transport, error) {
		notify(true)
		return ft, nil
	}

	clock := &fakeClock{now: time.Unix(1000, 0)}

	c := NewClient(connector, Options{NumImagesReturned: 1})
	c.now = clock.Now

	require.NoError(t, c.Connect("fake:1"))
	require.True(t, c.Connected().Value())

	t.Cleanup(c.Stop)

	return c, ft, clock
}

func batchOf(names ...string) *ps.Batch {

	b := ps.NewBatch(len(names))

	for _, n := range names {
		_ = b.Add(ps.NewAcquiredImage(n, 0, image.NewGray(image.Rect(0, 0, 2, 2)),
			stubEncoder{}))
	}

	return b
}

func TestSubmitWhileDisconnected(t *testing.T) {

	dispatched := false

	connector := func(addr string, notify func(bool)) (Transport, error) {
		dispatched = true
		return newFakeTransport(), nil
	}

	c := NewClient(connector, Options{})

	var errs []error
	c.Errors().Subscribe(bus.Immediate, func(err error) { errs = append(errs, err) })

	err := c.SubmitBatch(batchOf("a"))

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, dispatched)
	assert.Equal(t, 0, c.InFlight())
	assert.Len(t, errs, 1)
	assert.Equal(t, Disconnected, c.Status())
}

func TestSubmitBuildsRequest(t *testing.T) {

	c, ft, _ := connectedClient(t)

	require.NoError(t, c.SubmitBatch(batchOf("a", "b")))

	call := ft.next(t)

	assert.Equal(t, []string{"a", "b"}, call.req.Names())
	assert.Equal(t, 1, call.req.Opt.NumImagesReturned)
	assert.NotEmpty(t, call.req.ID)
	assert.Equal(t, []byte{0xff, 0xd8}, call.req.Images[0].Data)

	call.release <- nil
	c.Wait()

	assert.Equal(t, 0, c.InFlight())
}

func TestBackPressureFollowsInFlight(t *testing.T) {

	c, ft, _ := connectedClient(t)

	var calls []*call

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SubmitBatch(batchOf(fmt.Sprintf("img%d", i))))
		calls = append(calls, ft.next(t))

		// asserted only above the threshold of 2
		assert.Equal(t, i+1 > DefaultThreshold, c.BackPressure().Value())
	}

	assert.Equal(t, BackPressured, c.Status())

	calls[0].release <- nil

	require.Eventually(t, func() bool { return c.InFlight() == 2 },
		time.Second, time.Millisecond)

	assert.False(t, c.BackPressure().Value())
	assert.Equal(t, Connected, c.Status())

	calls[1].release <- nil
	calls[2].release <- nil
	c.Wait()
}

func TestOutOfOrderLatency(t *testing.T) {

	c, ft, clock := connectedClient(t)

	var mu sync.Mutex
	stats := make(map[string]time.Duration)
	done := make(chan struct{}, 2)

	c.Stats().Subscribe(bus.Immediate, func(s ps.InferenceStats) {
		mu.Lock()
		stats[s.RequestID] = s.Elapsed
		mu.Unlock()
		done <- struct{}{}
	})

	// A submitted at t=0, B at t=1s
	require.NoError(t, c.SubmitBatch(batchOf("a")))
	first := ft.next(t)

	clock.Advance(time.Second)
	require.NoError(t, c.SubmitBatch(batchOf("b")))
	second := ft.next(t)

	// B completes first at t=3s
	clock.Advance(2 * time.Second)
	second.release <- nil
	<-done

	// A completes at t=4s
	clock.Advance(time.Second)
	first.release <- nil
	<-done

	mu.Lock()
	defer mu.Unlock()

	// each completion is paired with its own submission time
	assert.Equal(t, 2*time.Second, stats[second.req.ID])
	assert.Equal(t, 4*time.Second, stats[first.req.ID])
}

func TestFailedRequestStillCompletes(t *testing.T) {

	c, ft, _ := connectedClient(t)

	var mu sync.Mutex
	var errs []error
	var results []Result

	c.Errors().Subscribe(bus.Immediate, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	c.Results().Subscribe(bus.Immediate, func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	require.NoError(t, c.SubmitBatch(batchOf("a")))
	ft.next(t).release <- errors.New("server exploded")
	c.Wait()

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 0, c.InFlight())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "server exploded")
	assert.Empty(t, results)

	// connectivity is unaffected
	assert.True(t, c.Connected().Value())
}

func TestStopIgnoresLateCompletions(t *testing.T) {

	c, ft, _ := connectedClient(t)

	var results []Result
	c.Results().Subscribe(bus.Immediate, func(r Result) { results = append(results, r) })

	require.NoError(t, c.SubmitBatch(batchOf("a")))
	pending := ft.next(t)

	c.Stop()

	assert.False(t, c.Connected().Value())
	assert.Equal(t, Disconnected, c.Status())
	assert.True(t, ft.closed)

	pending.release <- nil
	c.Wait()

	assert.Empty(t, results)
	assert.ErrorIs(t, c.SubmitBatch(batchOf("b")), ErrNotConnected)
}

func TestConnectivityLoss(t *testing.T) {

	var notify func(bool)

	connector := func(addr string, n func(bool)) (Transport, error) {
		notify = n
		return newFakeTransport(), nil
	}

	c := NewClient(connector, Options{})
	require.NoError(t, c.Connect("fake:1"))

	assert.Equal(t, Connecting, c.Status())

	notify(true)
	assert.Equal(t, Connected, c.Status())
	assert.ErrorIs(t, c.Connect("fake:1"), ErrAlreadyConnected)

	notify(false)
	assert.False(t, c.Connected().Value())
	assert.ErrorIs(t, c.SubmitBatch(batchOf("a")), ErrNotConnected)
}

func TestValidate(t *testing.T) {

	req := &BatchRequest{Images: []Image{{Name: "a"}, {Name: "b"}}}

	ok := &BatchResult{
		Results: []ImageResult{{Name: "b"}, {Name: "a"}},
		Images:  []Image{{Name: "a"}},
	}
	assert.NoError(t, ok.Validate(req))

	missing := &BatchResult{Results: []ImageResult{{Name: "a"}}}
	assert.ErrorIs(t, missing.Validate(req), ErrInvalidResult)

	dup := &BatchResult{Results: []ImageResult{{Name: "a"}, {Name: "a"}, {Name: "b"}}}
	assert.ErrorIs(t, dup.Validate(req), ErrInvalidResult)

	stray := &BatchResult{
		Results: []ImageResult{{Name: "a"}, {Name: "b"}},
		Images:  []Image{{Name: "z"}},
	}
	assert.ErrorIs(t, stray.Validate(req), ErrInvalidResult)
}
