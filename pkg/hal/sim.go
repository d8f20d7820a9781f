package hal

import (
	"sync"
	"time"
)

// SimPins keeps pin levels in memory. Input levels are set from outside
// with Set, pullup inputs read high until set.
type SimPins struct {
	lock   sync.Mutex
	modes  map[byte]PinMode
	levels map[byte]bool
}

// NewSimPins creates SimPins.
func NewSimPins() *SimPins {
	return &SimPins{modes: make(map[byte]PinMode), levels: make(map[byte]bool)}
}

// SetMode implements Pins.
func (p *SimPins) SetMode(pin byte, mode PinMode) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.modes[pin] = mode
	if _, ok := p.levels[pin]; !ok && mode == ModeInputPullup {
		p.levels[pin] = true
	}
}

// Mode returns the mode of a pin.
func (p *SimPins) Mode(pin byte) PinMode {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.modes[pin]
}

// Read implements Pins.
func (p *SimPins) Read(pin byte) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.levels[pin]
}

// Write implements Pins.
func (p *SimPins) Write(pin byte, level bool) {
	p.Set(pin, level)
}

// Set changes the level seen on a pin.
func (p *SimPins) Set(pin byte, level bool) {
	p.lock.Lock()
	p.levels[pin] = level
	p.lock.Unlock()
}

// SimServos records servo positions.
type SimServos struct {
	lock     sync.Mutex
	pins     []int
	position []int
}

// NewSimServos creates count servo channels.
func NewSimServos(count int) *SimServos {
	s := &SimServos{pins: make([]int, count), position: make([]int, count)}
	for n := range s.pins {
		s.pins[n], s.position[n] = -1, -1
	}
	return s
}

// Count implements Servos.
func (s *SimServos) Count() int {
	return len(s.pins)
}

// Attach implements Servos.
func (s *SimServos) Attach(ch int, pin byte) {
	s.lock.Lock()
	s.pins[ch] = int(pin)
	s.lock.Unlock()
}

// Write implements Servos.
func (s *SimServos) Write(ch int, pos byte) {
	s.lock.Lock()
	s.position[ch] = int(pos)
	s.lock.Unlock()
}

// Detach implements Servos.
func (s *SimServos) Detach(ch int) {
	s.lock.Lock()
	s.pins[ch] = -1
	s.lock.Unlock()
}

// Attached returns the pin a channel drives, -1 if detached.
func (s *SimServos) Attached(ch int) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pins[ch]
}

// Position returns the last position written to a channel, -1 if never.
func (s *SimServos) Position(ch int) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.position[ch]
}

// ManualClock is a clock advanced explicitly.
type ManualClock struct {
	lock sync.Mutex
	now  time.Time
}

// NewManualClock creates a clock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// PinStrobe drives the direction pin of a half-duplex transceiver,
// high while transmitting.
type PinStrobe struct {
	Pins Pins
	Pin  byte
}

// SetDirection implements comm.DirectionStrobe.
func (s *PinStrobe) SetDirection(transmit bool) error {
	s.Pins.Write(s.Pin, transmit)
	return nil
}
