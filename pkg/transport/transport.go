// Package transport opens byte-level bus ports. Every port returns from
// Read within a short poll interval so that callers can enforce their
// own answer timeouts.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/robotalks/rrbus/pkg/comm"
)

// DefaultPollInterval is how long a Read waits for data before returning
// without bytes.
const DefaultPollInterval = 2 * time.Millisecond

// DefaultBaud is the default bus speed.
const DefaultBaud = 38400

// ErrUnsupportedScheme is returned by Open for unknown URL schemes.
var ErrUnsupportedScheme = errors.New("unsupported transport scheme")

// Port is an open bus connection.
type Port interface {
	io.ReadWriteCloser
}

// Open opens a port from a URL:
//
//	serial:///dev/ttyUSB0?baud=38400
//	tcp://host:port
//	ws://host:port/path
func Open(rawURL string) (Port, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "serial":
		baud := DefaultBaud
		if s := u.Query().Get("baud"); s != "" {
			if baud, err = strconv.Atoi(s); err != nil {
				return nil, fmt.Errorf("invalid baud %q: %w", s, err)
			}
		}
		name := u.Path
		if name == "" {
			name = u.Opaque
		}
		return OpenSerial(name, baud)
	case "tcp":
		return DialTCP(u.Host)
	case "ws", "wss":
		return DialWebSocket(u.String())
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
}

// HalfDuplex adds a direction strobe to a port, see comm.DirectionStrobe.
type HalfDuplex struct {
	Port
	Strobe comm.DirectionStrobe
}

// SetDirection implements comm.DirectionStrobe.
func (p *HalfDuplex) SetDirection(transmit bool) error {
	return p.Strobe.SetDirection(transmit)
}
