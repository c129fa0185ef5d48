package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamBroadcast(t *testing.T) {

	s := NewStream[int]("numbers")

	var a, b []int

	s.Subscribe(Immediate, func(v int) { a = append(a, v) })
	s.Publish(1)
	s.Subscribe(Immediate, func(v int) { b = append(b, v) })
	s.Publish(2)
	s.Publish(3)

	assert.Equal(t, []int{1, 2, 3}, a)
	// late subscriber misses earlier values
	assert.Equal(t, []int{2, 3}, b)
}

func TestStreamWorkerOrdering(t *testing.T) {

	w := NewWorker("ordering", 0)
	defer w.Close()

	s := NewStream[int]("numbers")

	var got []int
	s.Subscribe(w, func(v int) { got = append(got, v) })

	for i := 0; i < 500; i++ {
		s.Publish(i)
	}

	w.Flush()

	require.Len(t, got, 500)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStreamPanicContained(t *testing.T) {

	s := NewStream[string]("words")

	var got []string

	s.Subscribe(Immediate, func(v string) { panic("boom") })
	s.Subscribe(Immediate, func(v string) { got = append(got, v) })

	assert.NotPanics(t, func() {
		s.Publish("a")
		s.Publish("b")
	})

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSubscriptionDispose(t *testing.T) {

	s := NewStream[int]("numbers")

	var count atomic.Int32
	sub := s.Subscribe(Immediate, func(v int) { count.Add(1) })

	s.Publish(1)
	sub.Dispose()
	sub.Dispose()
	s.Publish(2)

	assert.Equal(t, int32(1), count.Load())
	assert.True(t, sub.Disposed())
	assert.Equal(t, 0, s.Subscribers())
}

func TestDisposeSkipsQueuedDeliveries(t *testing.T) {

	w := NewWorker("queued", 0)
	defer w.Close()

	s := NewStream[int]("numbers")

	block := make(chan struct{})
	w.Execute(func() { <-block })

	var count atomic.Int32
	sub := s.Subscribe(w, func(v int) { count.Add(1) })

	s.Publish(1)
	s.Publish(2)
	sub.Dispose()
	close(block)
	w.Flush()

	assert.Equal(t, int32(0), count.Load())
}

func TestGroupDispose(t *testing.T) {

	s := NewStream[int]("numbers")
	st := NewState[int]("level", 0)

	var g Group
	g.Add(
		s.Subscribe(Immediate, func(int) {}),
		st.Subscribe(Immediate, func(int) {}),
	)

	assert.Equal(t, 2, g.Len())

	g.Dispose()
	g.Dispose()

	assert.Equal(t, 0, s.Subscribers())
	assert.Equal(t, 0, st.Subscribers())
	assert.Equal(t, 0, g.Len())
}

func TestStateReplaysCurrentValue(t *testing.T) {

	st := NewState[string]("status", "idle")

	assert.Equal(t, "idle", st.Value())

	st.Publish("busy")

	var got []string
	st.Subscribe(Immediate, func(v string) { got = append(got, v) })
	st.Publish("done")

	assert.Equal(t, []string{"busy", "done"}, got)
	assert.Equal(t, "done", st.Value())
}

func TestWorkerDropsWhenFull(t *testing.T) {

	w := NewWorker("small", 2)
	defer w.Close()

	block := make(chan struct{})
	started := make(chan struct{})

	w.Execute(func() {
		close(started)
		<-block
	})
	<-started

	for i := 0; i < 5; i++ {
		w.Execute(func() {})
	}

	assert.Equal(t, uint64(3), w.Dropped())

	close(block)
	w.Flush()
}

func TestFlagDeliveredOnFullWorker(t *testing.T) {

	w := NewWorker("small", 2)
	defer w.Close()

	f := NewFlag("bp")
	s := NewStream[int]("numbers")

	var mu sync.Mutex
	var levels []bool
	var values []int

	f.Subscribe(w, func(v bool) {
		mu.Lock()
		levels = append(levels, v)
		mu.Unlock()
	})
	s.Subscribe(w, func(v int) {
		mu.Lock()
		values = append(values, v)
		mu.Unlock()
	})

	block := make(chan struct{})
	started := make(chan struct{})

	w.Execute(func() {
		close(started)
		<-block
	})
	<-started

	for i := 0; i < 5; i++ {
		s.Publish(i)
	}

	f.Set(true)
	f.Set(false)
	f.Set(true)

	require.Greater(t, w.Dropped(), uint64(0))

	close(block)
	w.Flush()

	mu.Lock()
	defer mu.Unlock()

	// level changes coalesce to the last one but are never lost
	require.NotEmpty(t, levels)
	assert.True(t, levels[len(levels)-1])
	assert.True(t, f.Value())
	assert.Equal(t, []int{0, 1}, values)
}

func TestStateCoalescesOnWorker(t *testing.T) {

	w := NewWorker("coalesce", 0)
	defer w.Close()

	st := NewState("status", 0)

	var got []int
	st.Subscribe(w, func(v int) { got = append(got, v) })

	block := make(chan struct{})
	started := make(chan struct{})

	w.Execute(func() {
		close(started)
		<-block
	})
	<-started

	for i := 1; i <= 100; i++ {
		st.Publish(i)
	}

	close(block)
	w.Flush()

	require.NotEmpty(t, got)
	assert.Equal(t, 100, got[len(got)-1])
	assert.Less(t, len(got), 100)
}

func TestWorkerClosedIgnoresWork(t *testing.T) {

	w := NewWorker("closed", 0)
	w.Close()

	ran := false
	w.Execute(func() { ran = true })
	w.Flush()

	assert.False(t, ran)
}

func TestFlagNotifiesOnChange(t *testing.T) {

	f := NewFlag("bp")

	var got []bool
	f.Subscribe(Immediate, func(v bool) { got = append(got, v) })

	f.Set(true)
	f.Set(true)
	f.Set(false)

	assert.Equal(t, []bool{false, true, false}, got)
	assert.False(t, f.Value())
}

func TestFlagWaitReleasedOnClear(t *testing.T) {

	f := NewFlag("bp")
	f.Set(true)

	done := make(chan struct{})
	result := make(chan bool, 1)

	go func() {
		result <- f.WaitWhileSet(done)
	}()

	select {
	case <-result:
		t.Fatal("wait returned while flag set")
	case <-time.After(50 * time.Millisecond):
	}

	f.Set(false)

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait not released")
	}
}

func TestFlagWaitInterrupted(t *testing.T) {

	f := NewFlag("bp")
	f.Set(true)

	done := make(chan struct{})
	result := make(chan bool, 1)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		result <- f.WaitWhileSet(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(done)
	f.Interrupt()
	wg.Wait()

	assert.False(t, <-result)
	assert.True(t, f.Value())
}

func TestMapAndFilter(t *testing.T) {

	src := NewStream[int]("in")
	doubled := NewStream[int]("doubled")
	even := NewStream[int]("even")

	var got []int
	even.Subscribe(Immediate, func(v int) { got = append(got, v) })

	Map[int, int](src, doubled, Immediate, func(v int) int { return v * 3 })
	Filter[int](doubled, even, Immediate, func(v int) bool { return v%2 == 0 })

	for i := 1; i <= 4; i++ {
		src.Publish(i)
	}

	assert.Equal(t, []int{6, 12}, got)
}
