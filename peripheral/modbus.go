package peripheral

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/snksoft/crc"
)

// Modbus function codes
const (
	fnWriteCoil      = 0x05
	fnWriteRegisters = 0x10
	fnException      = 0x80
)

// Coil values
const (
	CoilOn  = 0xFF00
	CoilOff = 0x0000
)

// modbusParams is CRC-16/MODBUS
var modbusParams = &crc.Parameters{
	Width:      16,
	Polynomial: 0x8005,
	ReflectIn:  true,
	ReflectOut: true,
	Init:       0xFFFF,
	FinalXor:   0x0,
}

var crcTable = crc.NewTable(modbusParams)

// CRC16 returns the Modbus checksum of data
func CRC16(data []byte) uint16 {
	return crcTable.CRC16(crcTable.UpdateCrc(crcTable.InitCrc(), data))
}

// ExceptionError is an exception response from a Modbus device
type ExceptionError struct {
	Unit     byte
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus unit %d function 0x%02x exception %d", e.Unit, e.Function, e.Code)
}

// Modbus is a Modbus RTU master on a serial link.  It is not safe for
// concurrent use.
type Modbus struct {
	port io.ReadWriter
}

// NewModbus creates a master on port
func NewModbus(port io.ReadWriter) *Modbus {
	return &Modbus{port: port}
}

// Frame appends the checksum to unit and pdu, low byte first
func Frame(unit byte, pdu []byte) []byte {

	frame := make([]byte, 0, len(pdu)+3)
	frame = append(frame, unit)
	frame = append(frame, pdu...)

	return binary.LittleEndian.AppendUint16(frame, CRC16(frame))
}

// WriteCoil sets a single coil to value, CoilOn or CoilOff
func (m *Modbus) WriteCoil(unit byte, addr uint16, value uint16) error {

	pdu := []byte{fnWriteCoil}
	pdu = binary.BigEndian.AppendUint16(pdu, addr)
	pdu = binary.BigEndian.AppendUint16(pdu, value)

	return m.transact(unit, pdu, 8)
}

// WriteRegisters writes consecutive holding registers starting at addr
func (m *Modbus) WriteRegisters(unit byte, addr uint16, values []uint16) error {

	pdu := []byte{fnWriteRegisters}
	pdu = binary.BigEndian.AppendUint16(pdu, addr)
	pdu = binary.BigEndian.AppendUint16(pdu, uint16(len(values)))
	pdu = append(pdu, byte(2*len(values)))

	for _, v := range values {
		pdu = binary.BigEndian.AppendUint16(pdu, v)
	}

	return m.transact(unit, pdu, 8)
}

// transact sends a request and reads the response of respLen bytes,
// checking its checksum and for an exception
func (m *Modbus) transact(unit byte, pdu []byte, respLen int) error {

	if _, err := m.port.Write(Frame(unit, pdu)); err != nil {
		return errors.Wrap(err, "error writing modbus request")
	}

	resp := make([]byte, respLen)

	// an exception response is five bytes
	if _, err := io.ReadFull(m.port, resp[:5]); err != nil {
		return errors.Wrap(err, "error reading modbus response")
	}

	if resp[1] == pdu[0]|fnException {
		if err := checkFrame(resp[:5]); err != nil {
			return err
		}

		return &ExceptionError{Unit: unit, Function: pdu[0], Code: resp[2]}
	}

	if _, err := io.ReadFull(m.port, resp[5:]); err != nil {
		return errors.Wrap(err, "error reading modbus response")
	}

	if err := checkFrame(resp); err != nil {
		return err
	}

	if resp[0] != unit || resp[1] != pdu[0] {
		return errors.Errorf("unexpected modbus response % x", resp)
	}

	return nil
}

// checkFrame verifies the trailing checksum of a frame
func checkFrame(frame []byte) error {

	n := len(frame) - 2
	want := CRC16(frame[:n])

	if got := binary.LittleEndian.Uint16(frame[n:]); got != want {
		return errors.Errorf("modbus checksum mismatch, got 0x%04x want 0x%04x", got, want)
	}

	return nil
}
