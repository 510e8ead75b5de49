package serial

import (
	"fmt"
	"io"
	"strings"

	bugserial "go.bug.st/serial"
)

// Porter is the minimal interface of a serial port.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// PortOptions describe the line settings used when opening a real port.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills in defaults (115200 8N1).
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// Mode converts the options into the go.bug.st/serial mode.
func (o PortOptions) Mode() (*bugserial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &bugserial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: bugserial.OneStopBit,
		Parity:   bugserial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = bugserial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = bugserial.EvenParity
	case "O":
		mode.Parity = bugserial.OddParity
	}
	return mode, nil
}

// Open opens the port at path and wraps it in a Mux.
func Open(path string, opts PortOptions) (*Mux[bugserial.Port], error) {
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	port, err := bugserial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewMux[bugserial.Port](port), nil
}
