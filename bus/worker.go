package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultQueueSize is the number of pending deliveries a Worker will hold
// before it starts dropping new ones
const DefaultQueueSize = 1024

// Executor runs a delivery on whatever context a subscriber bound itself to
type Executor interface {
	Execute(fn func())
}

type immediate struct{}

// Execute runs fn on the calling goroutine
func (immediate) Execute(fn func()) {
	fn()
}

// LatestExecutor is an Executor that also keeps one pending delivery per
// key.  A keyed delivery is never dropped, a newer one for the same key
// replaces the pending one.
type LatestExecutor interface {
	Executor
	ExecuteLatest(key any, fn func())
}

// Immediate delivers values inline on the publishing goroutine.  Handlers
// bound with it must be fast and must not block.
var Immediate Executor = immediate{}

// Worker is a named execution context backed by a single goroutine and a
// bounded FIFO queue.  Deliveries submitted to a Worker run one at a time in
// submission order.
type Worker struct {
	name    string
	queue   chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	close   sync.Once
	dropped atomic.Uint64

	// keyed deliveries waiting to run, in arrival order
	smu   sync.Mutex
	slots map[any]func()
	order []any
	wake  chan struct{}

	// limiter throttles the queue full warning
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewWorker starts a Worker with the given queue size, if size is less than
// one DefaultQueueSize is used
func NewWorker(name string, size int) *Worker {

	if size < 1 {
		size = DefaultQueueSize
	}

	w := &Worker{
		name:    name,
		queue:   make(chan func(), size),
		done:    make(chan struct{}),
		slots:   make(map[any]func()),
		wake:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     logrus.WithField("worker", name),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// Name returns the name of the worker
func (w *Worker) Name() string {
	return w.name
}

// Execute queues fn on the worker.  It never blocks, when the queue is full
// fn is discarded and counted as dropped.
func (w *Worker) Execute(fn func()) {

	select {
	case <-w.done:
		return
	default:
	}

	select {
	case w.queue <- fn:
	default:
		n := w.dropped.Add(1)

		if w.limiter.Allow() {
			w.log.Warnf("delivery queue full, %d deliveries dropped so far", n)
		}
	}
}

// ExecuteLatest holds fn as the pending delivery for key, replacing any
// delivery for key that has not started yet.  It never blocks and never
// drops the most recent fn.  Pending keyed deliveries run ahead of the
// next queued delivery, so they may overtake deliveries queued earlier.
func (w *Worker) ExecuteLatest(key any, fn func()) {

	select {
	case <-w.done:
		return
	default:
	}

	w.smu.Lock()

	if _, ok := w.slots[key]; !ok {
		w.order = append(w.order, key)
	}

	w.slots[key] = fn
	w.smu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every delivery queued before the call has run.  It
// returns immediately if the worker is closed.  Flush must not be called
// from a delivery running on the same worker.
func (w *Worker) Flush() {
	w.Run(func() {})
}

// Run queues fn behind the pending deliveries, waiting for room if the
// queue is full, and blocks until it has run.  It returns false without
// running fn if the worker is closed.
func (w *Worker) Run(fn func()) bool {

	ran := make(chan struct{})

	select {
	case w.queue <- func() {
		defer close(ran)
		fn()
	}:
	case <-w.done:
		return false
	}

	select {
	case <-ran:
		return true
	case <-w.done:
		return false
	}
}

// Dropped returns the number of deliveries discarded due to a full queue
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}

// Pending returns the number of queued deliveries not yet run
func (w *Worker) Pending() int {
	return len(w.queue)
}

// Close stops the worker and waits for the delivery in progress to finish.
// Queued deliveries that have not started are discarded.
func (w *Worker) Close() {
	w.close.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

// run drains the queue until the worker is closed
func (w *Worker) run() {

	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case <-w.wake:
			w.runLatest()

		case fn := <-w.queue:
			w.runLatest()
			w.exec(fn)
		}
	}
}

// runLatest runs the pending keyed deliveries
func (w *Worker) runLatest() {

	w.smu.Lock()
	order, slots := w.order, w.slots

	if len(order) == 0 {
		w.smu.Unlock()
		return
	}

	w.order = nil
	w.slots = make(map[any]func())
	w.smu.Unlock()

	for _, key := range order {
		w.exec(slots[key])
	}
}

// exec runs a single delivery, a panic is logged and the worker carries on
func (w *Worker) exec(fn func()) {

	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("recovered from panic: %v", r)
		}
	}()

	fn()
}
