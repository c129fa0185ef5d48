// Package inference is the client side of the remote instance segmentation
// service.
//
// A Client owns the connection and the in-flight request bookkeeping.
// Batches are submitted without blocking, each completion is correlated to
// its submission by request id so latency statistics stay correct when the
// server answers out of order.  While more than Threshold requests are in
// flight the client asserts back-pressure.
package inference

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
)

// DefaultThreshold is the number of in-flight requests tolerated before
// back-pressure is asserted
const DefaultThreshold = 2

// DefaultTimeout bounds a single inference call
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned when submitting without a ready connection
	ErrNotConnected = errors.New("server is not connected, cannot feed image")

	// ErrAlreadyConnected is returned by Connect on a connected client
	ErrAlreadyConnected = errors.New("already connected")
)

// Status of the client connection
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	// BackPressured is Connected with too many requests in flight
	BackPressured
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case BackPressured:
		return "connected (back-pressured)"
	default:
		return "disconnected"
	}
}

// Result is a completed inference call
type Result struct {
	Request *BatchRequest
	Result  *BatchResult
}

// Options configure a Client
type Options struct {
	// Threshold of in-flight requests, DefaultThreshold when zero
	Threshold int
	// Timeout of a single call, DefaultTimeout when zero
	Timeout time.Duration
	// NumImagesReturned is the number of images echoed back per batch
	NumImagesReturned int
}

// Client submits batches to an inference server
type Client struct {
	connector Connector
	opts      Options
	log       *logrus.Entry
	now       func() time.Time

	mu         sync.Mutex
	transport  Transport
	connecting bool
	// gen is bumped on every connect and stop so completions and
	// connectivity reports from an old connection are ignored
	gen      uint64
	inflight map[string]time.Time

	connected    *bus.State[bool]
	backPressure *bus.Flag
	results      *bus.Stream[Result]
	errs         *bus.Stream[error]
	stats        *bus.Stream[ps.InferenceStats]
	wg           sync.WaitGroup
}

// NewClient creates a disconnected client
func NewClient(connector Connector, opts Options) *Client {

	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	return &Client{
		connector:    connector,
		opts:         opts,
		log:          logrus.WithField("component", "inference"),
		now:          time.Now,
		inflight:     make(map[string]time.Time),
		connected:    bus.NewState[bool]("inference-connected", false),
		backPressure: bus.NewFlag("inference-back-pressure"),
		results:      bus.NewStream[Result]("inference-results"),
		errs:         bus.NewStream[error]("inference-errors"),
		stats:        bus.NewStream[ps.InferenceStats]("inference-stats"),
	}
}

// Connected is the connectivity state channel
func (c *Client) Connected() *bus.State[bool] {
	return c.connected
}

// BackPressure is asserted while more than Threshold requests are in flight
func (c *Client) BackPressure() *bus.Flag {
	return c.backPressure
}

// Results carries each successfully completed call
func (c *Client) Results() *bus.Stream[Result] {
	return c.results
}

// Errors carries connection and per request failures
func (c *Client) Errors() *bus.Stream[error] {
	return c.errs
}

// Stats carries the latency of each completed call
func (c *Client) Stats() *bus.Stream[ps.InferenceStats] {
	return c.stats
}

// Status returns the current connection status
func (c *Client) Status() Status {

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.transport != nil && c.connected.Value():
		if len(c.inflight) > c.opts.Threshold {
			return BackPressured
		}
		return Connected
	case c.connecting:
		return Connecting
	default:
		return Disconnected
	}
}

// InFlight returns the number of submitted requests not yet completed
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Connect starts connecting to addr.  It returns once the connection is
// initiated, connectivity is reported on Connected.
func (c *Client) Connect(addr string) error {

	c.mu.Lock()

	if c.transport != nil && c.connected.Value() {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	// replace a connection that never became ready
	old := c.closeLocked()

	gen := c.gen
	c.connecting = true
	c.mu.Unlock()

	closeTransport(old, c.log)

	t, err := c.connector(addr, func(ready bool) {
		c.onConnectivity(gen, ready)
	})

	c.mu.Lock()

	if err != nil {
		if gen == c.gen {
			c.connecting = false
		}

		c.mu.Unlock()

		err = errors.Wrap(err, "error connecting to inference server")
		c.errs.Publish(err)
		return err
	}

	if gen != c.gen {
		// stopped while dialing
		c.mu.Unlock()
		closeTransport(t, c.log)
		return ErrNotConnected
	}

	c.transport = t
	c.mu.Unlock()

	c.log.Debugf("connecting to %s", addr)

	return nil
}

// onConnectivity records a connectivity report of connection gen
func (c *Client) onConnectivity(gen uint64, ready bool) {

	c.mu.Lock()

	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	if ready {
		c.connecting = false
	}

	was := c.connected.Value()

	if ready == was {
		c.mu.Unlock()
		return
	}

	// published under the lock so a concurrent Stop can not be overtaken
	c.connected.Publish(ready)
	c.mu.Unlock()

	if ready {
		c.log.Info("inference server connected")
	} else {
		c.log.Warn("inference server connection lost")
		c.errs.Publish(errors.New("inference server connection lost"))
	}
}

// SubmitBatch encodes the images of batch into one request and dispatches
// it asynchronously.  It fails with ErrNotConnected when the client is not
// connected, the batch is then dropped.
func (c *Client) SubmitBatch(batch *ps.Batch) error {

	c.mu.Lock()
	ready := c.transport != nil && c.connected.Value()

	if ready && len(c.inflight) > c.opts.Threshold {
		c.log.Debugf("submitting with %d requests in flight", len(c.inflight))
	}

	c.mu.Unlock()

	if !ready {
		c.errs.Publish(ErrNotConnected)
		return ErrNotConnected
	}

	req, err := c.encode(batch)

	if err != nil {
		c.errs.Publish(err)
		return err
	}

	c.mu.Lock()

	// the connection may have gone while encoding
	if c.transport == nil {
		c.mu.Unlock()
		c.errs.Publish(ErrNotConnected)
		return ErrNotConnected
	}

	gen := c.gen
	t := c.transport
	c.inflight[req.ID] = c.now()
	c.updateBackPressureLocked()
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatch(gen, t, req)

	return nil
}

// encode builds the wire request for batch
func (c *Client) encode(batch *ps.Batch) (*BatchRequest, error) {

	req := &BatchRequest{
		ID:     uuid.NewString(),
		Images: make([]Image, 0, batch.Len()),
		Opt:    Options{NumImagesReturned: c.opts.NumImagesReturned},
	}

	for _, img := range batch.Images() {

		data, err := img.Encoded()

		if err != nil {
			return nil, errors.Wrapf(err, "error encoding image %s", img.Name)
		}

		req.Images = append(req.Images, Image{Name: img.Name, Data: data})
	}

	return req, nil
}

// dispatch performs the call and records its completion
func (c *Client) dispatch(gen uint64, t Transport, req *BatchRequest) {

	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	res, err := t.Invoke(ctx, req)

	c.complete(gen, req, res, err)
}

// complete removes the request from the in-flight table and publishes the
// outcome
func (c *Client) complete(gen uint64, req *BatchRequest, res *BatchResult, err error) {

	c.mu.Lock()

	if gen != c.gen {
		// client was stopped or reconnected, ignore late completions
		c.mu.Unlock()
		return
	}

	start, ok := c.inflight[req.ID]
	delete(c.inflight, req.ID)
	c.updateBackPressureLocked()
	now := c.now()
	c.mu.Unlock()

	if !ok {
		return
	}

	if err == nil {
		err = res.Validate(req)
	}

	if err != nil {
		err = errors.Wrapf(err, "inference request %s failed", req.ID)
		c.log.Error(err)
		c.errs.Publish(err)
		return
	}

	c.stats.Publish(ps.InferenceStats{
		RequestID: req.ID,
		Images:    len(res.Results),
		Elapsed:   now.Sub(start),
	})

	c.results.Publish(Result{Request: req, Result: res})
}

// updateBackPressureLocked derives back-pressure from the in-flight count
func (c *Client) updateBackPressureLocked() {
	c.backPressure.Set(len(c.inflight) > c.opts.Threshold)
}

// Stop closes the connection without waiting for in-flight calls, their
// completions are ignored
func (c *Client) Stop() {

	c.mu.Lock()
	old := c.closeLocked()
	c.connected.Publish(false)
	c.mu.Unlock()

	closeTransport(old, c.log)
}

// Wait blocks until all dispatched calls have returned
func (c *Client) Wait() {
	c.wg.Wait()
}

// closeLocked detaches the current transport and clears the in-flight
// table, the returned transport must be closed without holding the lock
func (c *Client) closeLocked() Transport {

	c.gen++
	c.connecting = false

	t := c.transport
	c.transport = nil

	c.inflight = make(map[string]time.Time)
	c.updateBackPressureLocked()

	return t
}

// closeTransport closes t if set
func closeTransport(t Transport, log *logrus.Entry) {

	if t == nil {
		return
	}

	if err := t.Close(); err != nil {
		log.Warnf("error closing connection: %v", err)
	}
}
