package device

import (
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the minimal serial surface the link needs. go.bug.st's serial.Port
// satisfies it; tests inject pipes.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// Opener opens a named port. The read timeout bounds each blocking Read so
// the read loop can observe cancellation; a timed-out Read returns (0, nil).
type Opener func(name string, baud int, readTimeout time.Duration) (Port, error)

// Lister enumerates candidate ports for discovery.
type Lister func() ([]PortInfo, error)

func openSerialPort(name string, baud int, readTimeout time.Duration) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

func listSerialPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Product: d.Product,
		})
	}
	return out, nil
}
