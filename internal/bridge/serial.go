package bridge

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes a serial port endpoint.
type SerialConfig struct {
	Path     string // /dev/ttyAMA0, /dev/ttyUSB0
	BaudRate int    // default 115200
}

// SerialOpener returns an Opener for a serial port. Reads use a short
// timeout so the relay loop stays responsive to session teardown.
func SerialOpener(cfg SerialConfig) Opener {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	return func() (Device, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.Path, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
		}
		if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout %s: %w", cfg.Path, err)
		}
		return serialDevice{port}, nil
	}
}

// serialDevice adapts a serial.Port to the Device interface. A read
// timeout surfaces as n == 0 with a nil error, which the relay loop
// treats as "no data yet" rather than device loss.
type serialDevice struct {
	port serial.Port
}

func (d serialDevice) Read(p []byte) (int, error)  { return d.port.Read(p) }
func (d serialDevice) Write(p []byte) (int, error) { return d.port.Write(p) }
func (d serialDevice) Close() error                { return d.port.Close() }
