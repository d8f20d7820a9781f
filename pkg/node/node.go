// Package node implements an RR-duino node: it answers bus commands,
// keeps the device configuration and drives sensors, servo turnouts and
// relays through package hal.
package node

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/rrbus/pkg/answers"
	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/debounce"
	"github.com/robotalks/rrbus/pkg/eeprom"
	"github.com/robotalks/rrbus/pkg/hal"
	"github.com/robotalks/rrbus/pkg/store"
)

// Timing of actuators.
const (
	DefaultServoPeriod = 5 * time.Millisecond
	RelayPulse         = 10 * time.Millisecond
	ServoRelease       = 120 * time.Millisecond
)

// DefaultVersion is the version reported by a node.
const DefaultVersion byte = 2

// Options are the capabilities of a node.
type Options struct {
	// Address is used when the persistent memory holds no valid address.
	Address byte
	Version byte
	// Combinations enables turnout combinations.
	Combinations bool
	// AutoSave persists configuration and positions right away.
	AutoSave bool
	// MaxDevices limits sensors plus turnouts, 0 means no limit.
	MaxDevices int
}

// Node is a bus node.
type Node struct {
	Store    *store.Store
	Debounce *debounce.Engine
	Sender   *answers.Sender
	Pins     hal.Pins
	Servos   hal.Servos
	Clock    hal.Clock
	// AddressMode tells if the node accepts a new address,
	// usually read from a jumper.
	AddressMode func() bool
	// Ticks advances turnout movement, one position per tick.
	Ticks TickCounter

	opts   Options
	parser comm.CommandParser
	slots  []servoSlot
	pulses []relayPulse
}

// New creates a node over the persistent memory mem, answers are written
// to w. The memory is not loaded until Boot.
func New(mem eeprom.Memory, w io.Writer, pins hal.Pins, servos hal.Servos, opts Options) (*Node, error) {
	st, err := store.New(mem, opts.Combinations)
	if err != nil && err != store.ErrCorrupt {
		return nil, err
	}
	if opts.Version == 0 {
		opts.Version = DefaultVersion
	}
	if servos == nil {
		servos = hal.NoServos{}
	}
	n := &Node{
		Store:       st,
		Debounce:    debounce.New(st, pins),
		Sender:      &answers.Sender{W: w, Store: st},
		Pins:        pins,
		Servos:      servos,
		Clock:       hal.SystemClock{},
		AddressMode: func() bool { return false },
		opts:        opts,
		slots:       make([]servoSlot, servos.Count()),
	}
	if strobe, ok := w.(comm.DirectionStrobe); ok {
		n.Sender.Strobe = strobe
	}
	return n, nil
}

// Options returns the node capabilities.
func (n *Node) Options() Options {
	return n.opts
}

// Address is the current bus address.
func (n *Node) Address() byte {
	return n.Sender.Address
}

// Boot loads the configuration from the persistent memory and primes all
// devices. On ErrCorrupt the node runs with whatever was loaded until the
// memory is cleared.
func (n *Node) Boot() error {
	addr := n.Store.Region().Address()
	if !comm.ValidAddress(addr) {
		addr = n.opts.Address
	}
	n.Sender.Address = addr
	err := n.load()
	if err != nil {
		glog.Warningf("node %d: load configuration: %v", addr, err)
	}
	glog.Infof("node %d: %d sensors, %d turnouts", addr, len(n.Store.Sensors()), len(n.Store.Turnouts()))
	return err
}

func (n *Node) load() error {
	n.releaseAll()
	now := n.Clock.Now()
	err := n.Store.Load(now)
	n.Debounce.PrimeAll(now)
	for _, t := range n.Store.Turnouts() {
		n.primeTurnout(t)
	}
	return err
}

// HandleByte feeds a byte received from the bus. Complete commands are
// executed and answered.
func (n *Node) HandleByte(b byte) error {
	f, err := n.parser.Parse(b)
	if err != nil {
		glog.V(2).Infof("node %d: %v", n.Address(), err)
		return nil
	}
	if f == nil {
		return nil
	}
	return n.Handle(f)
}

// Handle executes a complete command and sends its answers.
func (n *Node) Handle(f comm.Frame) error {
	if len(f) < 2 {
		return comm.ErrBadCommand
	}
	if !n.dispatch(f) {
		return nil
	}
	if err := n.Sender.SendAnswers(0); err != nil {
		return err
	}
	if f.Command().Async && !f.Command().Config {
		return n.Sender.SendAsync(0)
	}
	return nil
}

// Tick runs sensors then actuators.
func (n *Node) Tick(now time.Time) {
	n.Debounce.Tick(now)
	n.moveTurnouts(now, n.Ticks.Take())
	n.endPulses(now)
}

func isTimeout(err error) bool {
	return os.IsTimeout(err)
}

// Run reads the bus from r and ticks every interval until ctx is done.
// The servo timer runs in its own goroutine and only counts ticks.
// r must return from Read within a short poll interval.
func (n *Node) Run(ctx context.Context, r io.Reader, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	servoTicker := time.NewTicker(DefaultServoPeriod)
	defer servoTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-servoTicker.C:
				n.Ticks.Inc()
			}
		}
	}()

	buf := make([]byte, comm.MaxFrameLen)
	last := n.Clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		count, err := r.Read(buf)
		if err != nil && !isTimeout(err) {
			return err
		}
		for _, b := range buf[:count] {
			if err := n.HandleByte(b); err != nil {
				return err
			}
		}
		if now := n.Clock.Now(); now.Sub(last) >= interval {
			n.Tick(now)
			last = now
		}
	}
}
