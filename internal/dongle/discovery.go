package dongle

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// USB identity of the dongle.
const (
	VendorID  = 0x22B3 // 8883
	ProductID = 0x060F // 1551
	BaudRate  = 9600
)

var (
	listPorts = enumerator.GetDetailedPortsList
	openPort  = func(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		return serial.Open(path, mode)
	}
)

// Device is a serial port that looks like a dongle.
type Device struct {
	Path         string `json:"path"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// SerialMode is the fixed line configuration: 9600 baud, 8N1.
func SerialMode() *serial.Mode {
	return &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Detect lists serial ports whose name looks like a TTY and whose USB
// identifiers match the dongle. No match is an empty result, not an error.
func Detect() ([]Device, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("dongle: enumerate serial ports: %w", err)
	}
	devices := []Device{}
	for _, p := range ports {
		if p == nil || !strings.Contains(p.Name, "tty") || !p.IsUSB {
			continue
		}
		if !hexIDEquals(p.VID, VendorID) || !hexIDEquals(p.PID, ProductID) {
			continue
		}
		devices = append(devices, Device{Path: p.Name, SerialNumber: p.SerialNumber, Product: p.Product})
	}
	return devices, nil
}

// hexIDEquals compares an enumerator id string ("22b3", "0x22B3") with want.
func hexIDEquals(s string, want uint16) bool {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	return err == nil && uint16(v) == want
}

// OpenPort opens path with the fixed serial configuration. Failure is a
// KindIO error.
func OpenPort(path string) (io.ReadWriteCloser, error) {
	port, err := openPort(path, SerialMode())
	if err != nil {
		return nil, &Error{Kind: KindIO, Op: "open", Msg: path, Err: err}
	}
	return port, nil
}

// Open opens path and returns a Waiting connection on it.
func Open(path string, opts ...Option) (*Waiting, error) {
	port, err := OpenPort(path)
	if err != nil {
		return nil, err
	}
	return NewWaiting(port, opts...), nil
}

// OpenFirst opens the first detected dongle. It returns ErrNoDongle when
// nothing matches.
func OpenFirst(opts ...Option) (*Waiting, Device, error) {
	devices, err := Detect()
	if err != nil {
		return nil, Device{}, err
	}
	if len(devices) == 0 {
		return nil, Device{}, ErrNoDongle
	}
	w, err := Open(devices[0].Path, opts...)
	if err != nil {
		return nil, Device{}, err
	}
	return w, devices[0], nil
}
