// Package debounce filters contact bounce of input sensors.
package debounce

import (
	"time"

	"github.com/robotalks/rrbus/pkg/hal"
	"github.com/robotalks/rrbus/pkg/store"
)

// DefaultWindow is the time a level must be held before it's reported.
const DefaultWindow = 20 * time.Millisecond

// Engine checks input sensors on every tick.
// A new level is committed to Value once stable for the whole Window, the
// sensor is then flagged changed in the store. The flag is only cleared by
// the drain of sensor changes.
type Engine struct {
	Store  *store.Store
	Pins   hal.Pins
	Window time.Duration
}

// New creates an Engine.
func New(s *store.Store, pins hal.Pins) *Engine {
	return &Engine{Store: s, Pins: pins, Window: DefaultWindow}
}

// Prime sets up the pin of a sensor. An input takes the current level as
// validated value without reporting it, an output is driven to its value.
func (e *Engine) Prime(sn *store.Sensor, now time.Time) {
	if !sn.Input {
		e.Pins.SetMode(sn.Pin, hal.ModeOutput)
		e.Pins.Write(sn.Pin, sn.Value)
		return
	}
	mode := hal.ModeInput
	if sn.Pullup {
		mode = hal.ModeInputPullup
	}
	e.Pins.SetMode(sn.Pin, mode)
	sn.Raw = e.Pins.Read(sn.Pin)
	sn.Value = sn.Raw
	sn.LastTransition = now
}

// PrimeAll primes every configured sensor.
func (e *Engine) PrimeAll(now time.Time) {
	for _, sn := range e.Store.Sensors() {
		e.Prime(sn, now)
	}
}

// Tick checks all input sensors and returns the number of committed changes.
func (e *Engine) Tick(now time.Time) int {
	window := e.Window
	if window <= 0 {
		window = DefaultWindow
	}
	committed := 0
	for _, sn := range e.Store.Sensors() {
		if !sn.Input {
			continue
		}
		if level := e.Pins.Read(sn.Pin); level != sn.Raw {
			sn.Raw, sn.LastTransition = level, now
			continue
		}
		if sn.Raw != sn.Value && now.Sub(sn.LastTransition) >= window {
			sn.Value = sn.Raw
			e.Store.MarkChanged(sn)
			committed++
		}
	}
	return committed
}
