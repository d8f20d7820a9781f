package comm

import (
	"fmt"
	"io"
	"strings"
)

// Frame is a command or an answer as carried on the bus, without the
// start byte: command byte, address byte, then the body.
type Frame []byte

// NewFrame builds a frame.
func NewFrame(cmd Command, addr Address, body ...byte) Frame {
	f := make(Frame, 2, len(body)+3)
	f[0], f[1] = cmd.Byte(), addr.Byte()
	return append(f, body...)
}

// Command decodes the command byte.
func (f Frame) Command() Command {
	if len(f) == 0 {
		return Command{}
	}
	return ParseCommand(f[0])
}

// Address decodes the address byte.
func (f Frame) Address() Address {
	if len(f) < 2 {
		return Address{}
	}
	return ParseAddress(f[1])
}

// Terminated tells if the frame ends with a terminator byte.
func (f Frame) Terminated() bool {
	return len(f) > 2 && f[len(f)-1]&Terminator != 0
}

// ErrorCode returns the code carried by the terminator.
func (f Frame) ErrorCode() byte {
	if !f.Terminated() {
		return 0
	}
	return f[len(f)-1] & 0x0F
}

// Body returns the bytes after the address, terminator excluded.
func (f Frame) Body() []byte {
	if len(f) <= 2 {
		return nil
	}
	if f.Terminated() {
		return f[2 : len(f)-1]
	}
	return f[2:]
}

// Bytes returns encoded bytes for sending.
func (f Frame) Bytes() []byte {
	b := make([]byte, len(f)+1)
	b[0] = Start
	copy(b[1:], f)
	return b
}

// WriteTo writes the frame with the start byte.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Bytes())
	return int64(n), err
}

func (f Frame) String() string {
	var sb strings.Builder
	for n, b := range f {
		if n > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// ParseFrame parses the hex form produced by String, an optional start
// byte is dropped.
func ParseFrame(s string) (Frame, error) {
	var f Frame
	for _, tok := range strings.Fields(s) {
		var b byte
		if _, err := fmt.Sscanf(tok, "%x", &b); err != nil {
			return nil, fmt.Errorf("invalid byte %q: %w", tok, err)
		}
		f = append(f, b)
	}
	if len(f) > 0 && f[0] == Start {
		f = f[1:]
	}
	return f, nil
}
