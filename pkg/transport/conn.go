package transport

import (
	"net"
	"os"
	"time"

	"golang.org/x/net/websocket"
)

type deadlineConn interface {
	Port
	SetReadDeadline(time.Time) error
}

// Conn is a port over a stream connection. Reads expire after PollInterval.
type Conn struct {
	conn         deadlineConn
	PollInterval time.Duration
}

// NewConn wraps a connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, PollInterval: DefaultPollInterval}
}

// DialTCP connects to a bus served over TCP.
func DialTCP(addr string) (*Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// DialWebSocket connects to a bus served over a websocket.
// Bytes are carried in binary frames.
func DialWebSocket(rawURL string) (*Conn, error) {
	conn, err := websocket.Dial(rawURL, "", "http://localhost/")
	if err != nil {
		return nil, err
	}
	conn.PayloadType = websocket.BinaryFrame
	return NewConn(conn), nil
}

// Read implements io.Reader. An expired deadline returns no bytes.
func (c *Conn) Read(b []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.PollInterval)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(b)
	if err != nil && os.IsTimeout(err) {
		err = nil
	}
	return n, err
}

// Write implements io.Writer.
func (c *Conn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close implements io.Closer.
func (c *Conn) Close() error {
	return c.conn.Close()
}
