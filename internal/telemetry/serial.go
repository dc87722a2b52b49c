package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// PortOptions describe the serial link to the robot controller.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills defaults (115200 8N1).
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
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialPublisher writes one JSON line per frame to a serial port.
type SerialPublisher struct {
	mu   sync.Mutex
	port io.WriteCloser
	enc  *json.Encoder
}

// NewSerialPublisher wraps an open port.
func NewSerialPublisher(port io.WriteCloser) *SerialPublisher {
	return &SerialPublisher{port: port, enc: json.NewEncoder(port)}
}

// OpenSerialPublisher opens the device at path.
func OpenSerialPublisher(path string, opts PortOptions) (*SerialPublisher, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return NewSerialPublisher(port), nil
}

// Publish implements Publisher.
func (s *SerialPublisher) Publish(_ context.Context, f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(f); err != nil {
		return fmt.Errorf("write frame %d to serial: %w", f.FrameID, err)
	}
	return nil
}

// Close closes the port.
func (s *SerialPublisher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}
