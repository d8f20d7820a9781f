// Package hal defines the hardware a node drives: digital pins, servos and
// the clock. Simulated implementations are provided for hosting nodes off
// hardware.
package hal

import "time"

// PinMode is the direction of a digital pin.
type PinMode int

// Pin modes.
const (
	ModeInput PinMode = iota
	ModeInputPullup
	ModeOutput
)

func (m PinMode) String() string {
	switch m {
	case ModeInput:
		return "input"
	case ModeInputPullup:
		return "input-pullup"
	case ModeOutput:
		return "output"
	}
	return "unknown"
}

// Pins accesses digital pins.
type Pins interface {
	SetMode(pin byte, mode PinMode)
	Read(pin byte) bool
	Write(pin byte, level bool)
}

// Servos drives a fixed pool of servo channels.
type Servos interface {
	// Count is the number of channels.
	Count() int
	Attach(ch int, pin byte)
	Write(ch int, pos byte)
	Detach(ch int)
}

// Clock provides the time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// NoServos is a node without servo channels.
type NoServos struct{}

func (NoServos) Count() int       { return 0 }
func (NoServos) Attach(int, byte) {}
func (NoServos) Write(int, byte)  {}
func (NoServos) Detach(int)       {}
