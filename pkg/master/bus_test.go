package master

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/eeprom"
	"github.com/robotalks/rrbus/pkg/hal"
	"github.com/robotalks/rrbus/pkg/node"
	"github.com/robotalks/rrbus/pkg/store"
)

// simBus connects the master to simulated nodes: bytes written are fed
// to every attached node, answers are read back.
type simBus struct {
	out   bytes.Buffer
	nodes map[byte]*simNode
}

type simNode struct {
	*node.Node
	pins     *hal.SimPins
	attached bool
}

func newSimBus() *simBus {
	return &simBus{nodes: make(map[byte]*simNode)}
}

func (b *simBus) add(t *testing.T, addr byte) *simNode {
	pins := hal.NewSimPins()
	n, err := node.New(eeprom.NewImage(256), &b.out, pins, hal.NewSimServos(1), node.Options{Address: addr})
	require.NoError(t, err)
	require.NoError(t, n.Boot())
	sn := &simNode{Node: n, pins: pins, attached: true}
	b.nodes[addr] = sn
	return sn
}

func (b *simBus) Write(p []byte) (int, error) {
	for _, n := range b.nodes {
		if !n.attached {
			continue
		}
		for _, c := range p {
			if err := n.HandleByte(c); err != nil {
				return 0, err
			}
		}
	}
	return len(p), nil
}

func (b *simBus) Read(p []byte) (int, error) {
	if b.out.Len() == 0 {
		return 0, nil
	}
	return b.out.Read(p)
}

func newTestBus(sim *simBus) *Bus {
	bus := NewBus(sim)
	bus.X.Timeout = 2 * time.Millisecond
	return bus
}

func TestBusCommands(t *testing.T) {
	sim := newSimBus()
	sim.add(t, 5)
	bus := newTestBus(sim)
	ctx := context.Background()

	version, err := bus.AskVersion(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, node.DefaultVersion, version)

	sensors := []SensorConfig{
		{Subaddress: 1, Pin: 7, Pullup: true},
		{Subaddress: 2, Pin: 8, Output: true},
	}
	turnouts := []TurnoutConfig{
		{Subaddress: 3, Pin: 9, Straight: 10, Thrown: 20},
		{Subaddress: 4, Pin: 10, Straight: 30, Thrown: 40,
			Relay1: store.Relay{Set: true, Pin: 11}, Relay2: store.Relay{Set: true, Pin: 12, Pulsed: true}},
	}
	require.NoError(t, bus.ConfigSensors(ctx, 5, sensors...))
	require.NoError(t, bus.ConfigTurnouts(ctx, 5, turnouts...))

	tables, err := bus.ShowTables(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, tables.Inputs.Subaddresses())
	require.Equal(t, []byte{2}, tables.Outputs.Subaddresses())
	require.Equal(t, []byte{1, 2}, tables.Sensors())
	require.Equal(t, []byte{3, 4}, tables.Turnouts.Subaddresses())

	gotSensors, err := bus.ShowSensors(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, sensors, gotSensors)
	gotTurnouts, err := bus.ShowTurnouts(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, turnouts, gotTurnouts)

	values, err := bus.ReadAll(ctx, 5, false, 2)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, values)

	items, err := bus.Write(ctx, 5, false, comm.Item{Sub: 2, Value: true})
	require.NoError(t, err)
	require.Equal(t, []comm.Item{{Sub: 2, Value: true}}, items)
	items, err = bus.Read(ctx, 5, false, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []comm.Item{{Sub: 1, Value: true}, {Sub: 2, Value: true}}, items)

	items, err = bus.Read(ctx, 5, false, 1, 9)
	require.Equal(t, []comm.Item{{Sub: 1, Value: true}}, items)
	var devErr *comm.DeviceError
	require.True(t, errors.As(err, &devErr))
	require.Equal(t, comm.CodeUnknownDevice, devErr.Code)

	require.NoError(t, bus.StoreEEPROM(ctx, 5))
	require.NoError(t, bus.Delete(ctx, 5, false, 2))
	require.NoError(t, bus.LoadEEPROM(ctx, 5))
	tables, err = bus.ShowTables(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, tables.Sensors())
	require.Equal(t, []byte{3, 4}, tables.Turnouts.Subaddresses())
	require.NoError(t, bus.ClearEEPROM(ctx, 5))
}

func TestBusAsyncRead(t *testing.T) {
	sim := newSimBus()
	n := sim.add(t, 5)
	bus := newTestBus(sim)
	ctx := context.Background()
	require.NoError(t, bus.ConfigSensors(ctx, 5, SensorConfig{Subaddress: 1, Pin: 7}))
	require.NoError(t, bus.ConfigTurnouts(ctx, 5, TurnoutConfig{Subaddress: 3, Pin: 9, Straight: 10, Thrown: 20}))

	events, err := bus.AsyncRead(ctx, 5)
	require.NoError(t, err)
	require.True(t, events.Empty())

	now := time.Now()
	n.Tick(now)
	n.pins.Set(7, true)
	n.Tick(now.Add(time.Millisecond))
	n.Tick(now.Add(30 * time.Millisecond))

	var pending []byte
	bus.EventsPending = func(addr byte) { pending = append(pending, addr) }
	_, err = bus.AskVersion(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []byte{5}, pending)

	events, err = bus.AsyncRead(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []comm.Item{{Sub: 3}}, events.Turnouts)
	require.Equal(t, []comm.Item{{Sub: 1, Value: true}}, events.Sensors)

	require.NoError(t, bus.FineTune(ctx, 5, 3, true, 25))
	require.Equal(t, byte(25), n.Store.FindTurnout(3).ThrownPos)
}

func TestBusSetAddress(t *testing.T) {
	sim := newSimBus()
	n := sim.add(t, 5)
	bus := newTestBus(sim)
	ctx := context.Background()
	require.Error(t, bus.SetAddress(ctx, 7))
	n.AddressMode = func() bool { return true }
	require.NoError(t, bus.SetAddress(ctx, 7))
	_, err := bus.AskVersion(ctx, 7)
	require.NoError(t, err)
}

func TestBusTimeout(t *testing.T) {
	bus := newTestBus(newSimBus())
	_, err := bus.AskVersion(context.Background(), 5)
	require.ErrorIs(t, err, comm.ErrTimeout)
	require.True(t, linkFailure(err))
}
