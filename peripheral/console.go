package peripheral

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
)

// ConsoleConfigPrefix of the console link settings
const ConsoleConfigPrefix = "SimexIO"

// ConsoleSettings of the console link
var ConsoleSettings = []config.Setting{
	{Key: "ip", Default: "127.0.0.1", Title: "Block server IP"},
	{Key: "port", Default: 12305, Title: "Block server port"},
	{Key: "buffer_count", Default: 5, Title: "Image statistics averaging window size"},
}

// Message types exchanged with the console
const (
	MsgBrightness = "brightness"
	MsgPump       = "pump"
	MsgCamera     = "camera"
)

// BrightnessPort is the console output port receiving image brightness
const BrightnessPort = 0

// writeTimeout bounds a write to the console
const writeTimeout = time.Second

// ErrAlreadyConnected is returned by Connect on a connected bridge
var ErrAlreadyConnected = errors.New("console already connected")

// Message is one line of the console protocol
type Message struct {
	Type   string            `json:"type"`
	Port   int               `json:"port,omitempty"`
	Value  float64           `json:"value,omitempty"`
	Pump   *ps.PumpCommand   `json:"pump,omitempty"`
	Camera *ps.CameraCommand `json:"camera,omitempty"`
}

// Dialer connects to the console
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// ConsoleBridge links the pipeline to the external control console over a
// line delimited JSON TCP connection.  Pump and camera commands received
// are published on the command streams, the mean of the per image median
// intensity over buffer_count images is sent back as brightness.
type ConsoleBridge struct {
	cfg       config.Section
	subjects  *ps.Subjects
	dial      Dialer
	log       *logrus.Entry
	connected *bus.State[bool]

	mu     sync.Mutex
	conn   net.Conn
	worker *bus.Worker
	sub    *bus.Subscription
	wg     sync.WaitGroup

	// medians is only touched on the worker
	medians []float64
}

// NewConsoleBridge creates a disconnected bridge, a nil dial uses TCP
func NewConsoleBridge(store *config.Store, subjects *ps.Subjects, dial Dialer) *ConsoleBridge {

	cfg := store.Section(ConsoleConfigPrefix)
	cfg.Register(ConsoleSettings)

	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	return &ConsoleBridge{
		cfg:       cfg,
		subjects:  subjects,
		dial:      dial,
		log:       logrus.WithField("component", "console"),
		connected: bus.NewState[bool]("console-connected", false),
	}
}

// Address returns the configured console address
func (c *ConsoleBridge) Address() string {
	return net.JoinHostPort(c.cfg.String("ip"), strconv.Itoa(c.cfg.Int("port")))
}

// Connected reflects the link state
func (c *ConsoleBridge) Connected() *bus.State[bool] {
	return c.connected
}

// IsConnected reports whether the link is up
func (c *ConsoleBridge) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the console, retrying with an exponential backoff until ctx
// is done or the retry period elapses
func (c *ConsoleBridge) Connect(ctx context.Context) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return ErrAlreadyConnected
	}

	addr := c.Address()
	c.log.Debugf("console address = %s", addr)

	var conn net.Conn

	op := func() error {
		var err error
		conn, err = c.dial(ctx, addr)
		return err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return errors.Wrapf(err, "error connecting to console %s", addr)
	}

	c.conn = conn
	c.medians = nil
	c.worker = bus.NewWorker("console", 0)
	c.sub = c.subjects.Images.Subscribe(c.worker, c.onImage)

	c.wg.Add(1)
	go c.read(conn)

	c.log.Infof("connected to console %s", addr)
	c.connected.Publish(true)

	return nil
}

// Disconnect closes the link
func (c *ConsoleBridge) Disconnect() {
	c.drop(nil)
	c.wg.Wait()
}

// Flush waits until the images delivered so far are measured
func (c *ConsoleBridge) Flush() {

	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()

	if w != nil {
		w.Flush()
	}
}

// drop closes the link if it is still conn, nil closes any link
func (c *ConsoleBridge) drop(conn net.Conn) {

	c.mu.Lock()

	if c.conn == nil || (conn != nil && c.conn != conn) {
		c.mu.Unlock()
		return
	}

	cur, worker, sub := c.conn, c.worker, c.sub
	c.conn, c.worker, c.sub = nil, nil, nil
	c.mu.Unlock()

	sub.Dispose()
	worker.Close()

	if err := cur.Close(); err != nil {
		c.log.Debugf("error closing console connection: %v", err)
	}

	c.log.Info("disconnected from console")
	c.connected.Publish(false)
}

// read routes the commands received on conn until it closes
func (c *ConsoleBridge) read(conn net.Conn) {

	defer c.wg.Done()
	defer c.drop(conn)

	scanner := bufio.NewScanner(conn)

	for scanner.Scan() {

		var msg Message

		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.log.Warnf("invalid console message %q: %v", scanner.Text(), err)
			continue
		}

		switch {
		case msg.Type == MsgPump && msg.Pump != nil:
			c.subjects.PumpCommands.Publish(*msg.Pump)

		case msg.Type == MsgCamera && msg.Camera != nil:
			c.subjects.CameraCommands.Publish(*msg.Camera)

		default:
			c.log.Warnf("unhandled console message type %q", msg.Type)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Errorf("console connection lost: %v", err)
	}
}

// onImage adds the median intensity of img to the window and sends the
// window mean once full
func (c *ConsoleBridge) onImage(img *ps.AcquiredImage) {

	if img.Pixels == nil {
		return
	}

	c.medians = append(c.medians, Median(img.Pixels))

	size := c.cfg.Int("buffer_count")

	if size < 1 {
		size = 1
	}

	if len(c.medians) < size {
		return
	}

	mean := stat.Mean(c.medians, nil)
	c.medians = c.medians[:0]

	if err := c.Send(Message{Type: MsgBrightness, Port: BrightnessPort, Value: mean}); err != nil {
		c.log.Error(err)
	}
}

// Send writes one message to the console
func (c *ConsoleBridge) Send(msg Message) error {

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotRunning
	}

	data, err := json.Marshal(msg)

	if err != nil {
		return errors.Wrap(err, "error encoding console message")
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, "error setting console write deadline")
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "error writing to console")
	}

	return nil
}

// Median returns the median intensity of img, the lower middle value for
// an even pixel count
func Median(img *image.Gray) float64 {

	var hist [256]int
	b := img.Bounds()

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for _, v := range row {
			hist[v]++
		}
	}

	sorted := make([]float64, 0, b.Dx()*b.Dy())

	for v, n := range hist {
		for i := 0; i < n; i++ {
			sorted = append(sorted, float64(v))
		}
	}

	if len(sorted) == 0 {
		return 0
	}

	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
