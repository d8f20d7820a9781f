package transport

import (
	"io"

	"github.com/tarm/serial"
)

// SerialPort is a port on a serial line.
type SerialPort struct {
	port io.ReadWriteCloser
}

// OpenSerial opens a serial device. The driver counts read timeouts in
// tenths of a second, so an idle Read blocks for 100ms rather than
// DefaultPollInterval.
func OpenSerial(name string, baud int) (*SerialPort, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		Parity:      serial.ParityNone,
		ReadTimeout: DefaultPollInterval,
	})
	if err != nil {
		return nil, err
	}
	return &SerialPort{port: port}, nil
}

// Read implements io.Reader. An expired read timeout returns no bytes.
func (p *SerialPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write implements io.Writer.
func (p *SerialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close implements io.Closer.
func (p *SerialPort) Close() error {
	return p.port.Close()
}
