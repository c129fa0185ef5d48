package peripheral

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
)

// PumpConfigPrefix of the pump control settings
const PumpConfigPrefix = "PumpControl"

// PumpSettings of the pump control
var PumpSettings = []config.Setting{
	{Key: "serial_port", Default: "", Title: "Serial port"},
	{Key: "baud", Default: 9600, Title: "Baud rate"},
	{Key: "slurry_pump_addr", Default: 192, Title: "Slurry pump address"},
	{Key: "clear_pump_addr", Default: 200, Title: "Clear pump address"},
	{Key: "ctrl_delay", Default: 0.5, Title: "Control delay (s)"},
	{Key: "timeout", Default: 1.0, Title: "timeout (s)"},
}

// Pump coils and registers
const (
	coilStart     = 0x1001
	coilDirection = 0x1003
	coilRemote    = 0x1004
	regRate       = 0x3001
)

// pumpJob keys the pending work on the pump worker, only the latest job of
// each kind is kept
type pumpJob int

const (
	jobRemote pumpJob = iota
	jobSpeed
)

// PumpControl drives the slurry and clear water pumps over Modbus RTU.
// Writes run on a single job worker with the configured delay after each
// write.  Speed commands arriving while the worker is busy collapse into
// the latest target.
type PumpControl struct {
	cfg      config.Section
	subjects *ps.Subjects
	open     Opener
	log      *logrus.Entry

	// sleep waits between writes
	sleep func(time.Duration)

	mu     sync.Mutex
	port   io.ReadWriteCloser
	modbus *Modbus
	worker *bus.Worker
	sub    *bus.Subscription

	// tmu guards the commanded targets and the speeds the pumps were set to
	tmu     sync.Mutex
	targets [2]float64
	speeds  [2]float64
}

// NewPumpControl creates a stopped pump control, a nil open uses
// OpenSerial
func NewPumpControl(store *config.Store, subjects *ps.Subjects, open Opener) *PumpControl {

	cfg := store.Section(PumpConfigPrefix)
	cfg.Register(PumpSettings)

	if open == nil {
		open = OpenSerial
	}

	return &PumpControl{
		cfg:      cfg,
		subjects: subjects,
		open:     open,
		log:      logrus.WithField("component", "pump"),
		sleep:    time.Sleep,
	}
}

// Start opens the serial port, enables remote control of both pumps and
// follows the pump commands from the console
func (p *PumpControl) Start() error {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.worker != nil {
		return nil
	}

	port, err := p.open(p.cfg.String("serial_port"), p.cfg.Int("baud"),
		p.cfg.Seconds("timeout"))

	if err != nil {
		return errors.Wrap(err, "error opening pump controller")
	}

	p.port = port
	p.modbus = NewModbus(port)
	p.worker = bus.NewWorker("pump", 0)

	p.tmu.Lock()
	p.targets = [2]float64{}
	p.speeds = [2]float64{}
	p.tmu.Unlock()

	m := p.modbus
	p.worker.ExecuteLatest(jobRemote, func() {
		for _, unit := range p.units() {
			p.report(p.writeCoil(m, unit, coilRemote, CoilOn))
		}
	})

	p.sub = p.subjects.PumpCommands.Subscribe(bus.Immediate, func(c ps.PumpCommand) {
		if err := p.SetSpeed(c.Slurry, c.Clear); err != nil {
			p.log.Error(err)
		}
	})

	p.log.Infof("pump control started on %s", p.cfg.String("serial_port"))

	return nil
}

// Stop runs the pending jobs and closes the port
func (p *PumpControl) Stop() {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.worker == nil {
		return
	}

	p.sub.Dispose()
	p.worker.Flush()
	p.worker.Close()

	if err := p.port.Close(); err != nil {
		p.log.Errorf("error closing pump port: %v", err)
	}

	p.worker = nil
	p.port = nil
	p.modbus = nil
}

// IsRunning reports whether the pump control is started
func (p *PumpControl) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worker != nil
}

// Speeds returns the slurry and clear speeds the pumps were last set to
func (p *PumpControl) Speeds() (slurry, clear float64) {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	return p.speeds[0], p.speeds[1]
}

// Flush waits for the pending jobs to complete
func (p *PumpControl) Flush() {

	p.mu.Lock()
	w := p.worker
	p.mu.Unlock()

	if w != nil {
		w.Flush()
	}
}

// SetSpeed sets the target speeds and schedules the pumps whose speed
// differs to be commanded.  Negative speeds run the pump in reverse, zero
// stops it.  It does not wait for the writes.
func (p *PumpControl) SetSpeed(slurry, clear float64) error {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.worker == nil {
		return ErrNotRunning
	}

	p.tmu.Lock()
	p.targets = [2]float64{slurry, clear}
	p.tmu.Unlock()

	m := p.modbus
	p.worker.ExecuteLatest(jobSpeed, func() {
		p.apply(m)
	})

	return nil
}

// apply commands each pump whose speed differs from its target.  A speed is
// only recorded once all of its writes succeeded.
func (p *PumpControl) apply(m *Modbus) {

	p.tmu.Lock()
	targets, speeds := p.targets, p.speeds
	p.tmu.Unlock()

	units := p.units()

	for i, speed := range targets {
		if speed == speeds[i] {
			continue
		}

		if err := p.control(m, units[i], speed); err != nil {
			p.report(err)
			continue
		}

		p.tmu.Lock()
		p.speeds[i] = speed
		p.tmu.Unlock()
	}
}

// units returns the slurry and clear pump addresses
func (p *PumpControl) units() [2]byte {
	return [2]byte{
		byte(p.cfg.Int("slurry_pump_addr")),
		byte(p.cfg.Int("clear_pump_addr")),
	}
}

// control writes one pump speed.  The pump must be stopped before its
// direction can change.
func (p *PumpControl) control(m *Modbus, unit byte, speed float64) error {

	if err := p.writeCoil(m, unit, coilStart, CoilOff); err != nil {
		return err
	}

	if err := p.writeRegisters(m, unit, regRate, RateRegisters(speed)); err != nil {
		return err
	}

	if speed == 0 {
		return nil
	}

	direction := uint16(CoilOff)

	if speed > 0 {
		direction = CoilOn
	}

	if err := p.writeCoil(m, unit, coilDirection, direction); err != nil {
		return err
	}

	return p.writeCoil(m, unit, coilStart, CoilOn)
}

// writeCoil writes a coil followed by the control delay
func (p *PumpControl) writeCoil(m *Modbus, unit byte, addr, value uint16) error {
	err := m.WriteCoil(unit, addr, value)
	p.sleep(p.cfg.Seconds("ctrl_delay"))
	return errors.Wrapf(err, "error writing coil 0x%04x of pump %d", addr, unit)
}

// writeRegisters writes holding registers followed by the control delay
func (p *PumpControl) writeRegisters(m *Modbus, unit byte, addr uint16, values []uint16) error {
	err := m.WriteRegisters(unit, addr, values)
	p.sleep(p.cfg.Seconds("ctrl_delay"))
	return errors.Wrapf(err, "error writing register 0x%04x of pump %d", addr, unit)
}

// report logs and publishes a failed write
func (p *PumpControl) report(err error) {

	if err == nil {
		return
	}

	p.log.Error(err)
	p.subjects.Errors.Publish(err)
}

// RateRegisters splits the magnitude of speed as a float32 into the high
// and low registers
func RateRegisters(speed float64) []uint16 {
	bits := math.Float32bits(float32(math.Abs(speed)))
	return []uint16{uint16(bits >> 16), uint16(bits)}
}
