package peripheral

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
)

// CameraConfigPrefix of the camera controller settings
const CameraConfigPrefix = "SerialCameraPeripheralControl"

// CameraSettings of the camera controller
var CameraSettings = []config.Setting{
	{Key: "serial_port", Default: "", Title: "Serial port"},
	{Key: "baud", Default: 115200, Title: "Baud rate"},
}

// CameraState is the last value written for each controller parameter, nil
// when never written
type CameraState struct {
	Power         *bool
	Trigger       *bool
	PulseWidth    *int
	DigitalFilter *int
	StartDelay    *int
}

// CameraControl drives the camera trigger and power controller with text
// commands over a serial port.  Only values that differ from the last
// written value are sent.  Console commands are written on a worker so the
// publisher never waits on the port.
type CameraControl struct {
	cfg      config.Section
	subjects *ps.Subjects
	open     Opener
	log      *logrus.Entry

	mu     sync.Mutex
	port   io.ReadWriteCloser
	worker *bus.Worker
	sub    *bus.Subscription
	state  CameraState
}

// NewCameraControl creates a stopped camera controller, a nil open uses
// OpenSerial
func NewCameraControl(store *config.Store, subjects *ps.Subjects, open Opener) *CameraControl {

	cfg := store.Section(CameraConfigPrefix)
	cfg.Register(CameraSettings)

	if open == nil {
		open = OpenSerial
	}

	return &CameraControl{
		cfg:      cfg,
		subjects: subjects,
		open:     open,
		log:      logrus.WithField("component", "camera-control"),
	}
}

// Start opens the serial port and follows the camera commands from the
// console
func (c *CameraControl) Start() error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return nil
	}

	port, err := c.open(c.cfg.String("serial_port"), c.cfg.Int("baud"), 0)

	if err != nil {
		return errors.Wrap(err, "error opening camera controller")
	}

	c.port = port
	c.state = CameraState{}
	c.worker = bus.NewWorker("camera-control", 0)
	c.sub = c.subjects.CameraCommands.Subscribe(c.worker, c.Apply)

	c.log.Infof("connected to camera controller on %s", c.cfg.String("serial_port"))

	return nil
}

// Stop writes the commands received so far and closes the serial port
func (c *CameraControl) Stop() {

	// commands on the worker take the lock
	c.mu.Lock()
	sub, worker := c.sub, c.worker
	c.sub, c.worker = nil, nil
	c.mu.Unlock()

	if sub != nil {
		sub.Dispose()
		worker.Flush()
		worker.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return
	}

	if err := c.port.Close(); err != nil {
		c.log.Errorf("error closing camera controller: %v", err)
	}

	c.port = nil
	c.log.Info("disconnected from camera controller")
}

// IsRunning reports whether the port is open
func (c *CameraControl) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// Flush waits for the console commands received so far to be written
func (c *CameraControl) Flush() {

	c.mu.Lock()
	w := c.worker
	c.mu.Unlock()

	if w != nil {
		w.Flush()
	}
}

// State returns the last written values
func (c *CameraControl) State() CameraState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetPower switches the camera power
func (c *CameraControl) SetPower(on bool) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return ErrNotRunning
	}

	if c.state.Power != nil && *c.state.Power == on {
		return nil
	}

	val := 0
	if on {
		val = 1
	}

	if err := c.write(fmt.Sprintf("s_power %d\n", val)); err != nil {
		return errors.Wrap(err, "error setting power")
	}

	c.state.Power = &on

	return nil
}

// SetTrigger arms or disarms the hardware trigger
func (c *CameraControl) SetTrigger(armed bool) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return ErrNotRunning
	}

	if c.state.Trigger != nil && *c.state.Trigger == armed {
		return nil
	}

	cmd := "disarm_trigger\n"
	if armed {
		cmd = "arm_trigger\n"
	}

	if err := c.write(cmd); err != nil {
		return errors.Wrap(err, "error setting trigger")
	}

	c.state.Trigger = &armed

	return nil
}

// SetParams writes the timing parameters that are set and changed
func (c *CameraControl) SetParams(digitalFilter, pulseWidth, startDelay *int) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return ErrNotRunning
	}

	params := []struct {
		value  *int
		stored **int
		cmd    string
	}{
		{digitalFilter, &c.state.DigitalFilter, "s_filter %d\ncommit\n"},
		{pulseWidth, &c.state.PulseWidth, "s_exposure %d\ncommit\n"},
		{startDelay, &c.state.StartDelay, "s_delay %d\ncommit\n"},
	}

	for _, p := range params {
		if p.value == nil || (*p.stored != nil && **p.stored == *p.value) {
			continue
		}

		if err := c.write(fmt.Sprintf(p.cmd, *p.value)); err != nil {
			return errors.Wrap(err, "error setting parameters")
		}

		v := *p.value
		*p.stored = &v

		c.log.Debugf("sent %q", fmt.Sprintf(p.cmd, v))
	}

	return nil
}

// Apply executes a console command, failures are logged
func (c *CameraControl) Apply(cmd ps.CameraCommand) {

	if cmd.Power != nil {
		if err := c.SetPower(*cmd.Power); err != nil {
			c.log.Error(err)
		}
	}

	if cmd.Trigger != nil {
		if err := c.SetTrigger(*cmd.Trigger); err != nil {
			c.log.Error(err)
		}
	}

	if cmd.PulseWidth != nil || cmd.DigitalFilter != nil || cmd.StartDelay != nil {
		if err := c.SetParams(cmd.DigitalFilter, cmd.PulseWidth, cmd.StartDelay); err != nil {
			c.log.Error(err)
		}
	}
}

func (c *CameraControl) write(cmd string) error {
	_, err := io.WriteString(c.port, cmd)
	return err
}
