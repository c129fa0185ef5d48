// Package peripheral drives the laboratory hardware around the imaging
// pipeline: the Modbus peristaltic pumps, the serial camera trigger and
// power controller, and the link to the external control console.
package peripheral

import (
	"io"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// ErrNotRunning is returned when commanding a peripheral that is not started
var ErrNotRunning = errors.New("peripheral not running")

// ErrNoPort is returned when no serial port is configured
var ErrNoPort = errors.New("no serial port configured")

// Opener opens a serial port, reads time out after timeout
type Opener func(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error)

// OpenSerial opens a serial port 8N1, retrying with an exponential backoff
// while the device is busy.  A missing device fails immediately.
func OpenSerial(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {

	if name == "" {
		return nil, ErrNoPort
	}

	conf := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: timeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}

	var (
		port    io.ReadWriteCloser
		missing error
	)

	op := func() error {
		p, err := serial.OpenPort(conf)

		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				missing = err
				return nil
			}
			return err
		}

		port = p
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})

	if missing != nil {
		return nil, errors.Wrapf(missing, "error opening %s", name)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s", name)
	}

	return port, nil
}
