package bus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/eeprom"
	"github.com/robotalks/rrbus/pkg/hal"
	"github.com/robotalks/rrbus/pkg/master"
	"github.com/robotalks/rrbus/pkg/node"
	"github.com/robotalks/rrbus/pkg/store"
)

// loopback feeds commands to a node and reads back its answers.
type loopback struct {
	node *node.Node
	out  bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) {
	for _, b := range p {
		if err := l.node.HandleByte(b); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (l *loopback) Read(p []byte) (int, error) {
	if l.out.Len() == 0 {
		return 0, nil
	}
	return l.out.Read(p)
}

func newTestBus(t *testing.T) *master.Bus {
	l := &loopback{}
	n, err := node.New(eeprom.NewImage(256), &l.out, hal.NewSimPins(), hal.NewSimServos(1), node.Options{Address: 5})
	require.NoError(t, err)
	require.NoError(t, n.Boot())
	l.node = n
	b := master.NewBus(l)
	b.X.Timeout = 2 * time.Millisecond
	return b
}

func TestCommands(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	run := func(fn busFunc, args ...string) interface{} {
		res, err := fn(ctx, b, 5, args)
		require.NoError(t, err)
		return res
	}

	require.Equal(t, node.DefaultVersion, run(version))
	require.Nil(t, run(configSensor, "1", "7", "pullup"))
	require.Nil(t, run(configSensor, "2", "8", "out"))
	require.Nil(t, run(configTurnout, "3", "9", "10", "20", "11", "12p"))

	require.Equal(t, "inputs [1]\noutputs [2]\nturnouts [3]", run(tables).(TablesView).String())
	require.Equal(t, "1=1 2=0", run(read, "s").(Values).String())
	require.Equal(t, "2=1", run(write, "s", "2=1").(Values).String())
	require.Equal(t, "1=1 2=1", run(read, "s", "1", "2").(Values).String())
	require.Equal(t, "3=0", run(read, "t").(Values).String())

	turnouts := run(showTurnouts).([]master.TurnoutConfig)
	require.Len(t, turnouts, 1)
	require.Equal(t, store.Relay{Set: true, Pin: 12, Pulsed: true}, turnouts[0].Relay2)

	require.Nil(t, run(fineTune, "3", "thrown", "25"))
	require.Nil(t, run(remove, "s", "2"))
	require.Len(t, run(showSensors).([]master.SensorConfig), 1)
	require.Nil(t, run(special((*master.Bus).StoreEEPROM)))

	_, err := read(ctx, b, 5, []string{"s", "9"})
	var devErr *comm.DeviceError
	require.ErrorAs(t, err, &devErr)

	found, err := Scan(ctx, b)
	require.NoError(t, err)
	require.Equal(t, []byte{5}, found)
}

func TestParse(t *testing.T) {
	_, err := ParseAddress("0")
	require.Error(t, err)
	_, err = ParseAddress("63")
	require.Error(t, err)
	addr, err := ParseAddress("62")
	require.NoError(t, err)
	require.Equal(t, byte(62), addr)

	items, err := ParseItems([]string{"3=1", "4=false"})
	require.NoError(t, err)
	require.Equal(t, []comm.Item{{Sub: 3, Value: true}, {Sub: 4}}, items)
	_, err = ParseItems([]string{"3"})
	require.Error(t, err)
	_, err = ParseItems([]string{"3=x"})
	require.Error(t, err)

	tests := []struct {
		args []string
		cfg  master.SensorConfig
		err  bool
	}{
		{[]string{"1", "7"}, master.SensorConfig{Subaddress: 1, Pin: 7}, false},
		{[]string{"1", "7", "pullup"}, master.SensorConfig{Subaddress: 1, Pin: 7, Pullup: true}, false},
		{[]string{"1", "7", "out"}, master.SensorConfig{Subaddress: 1, Pin: 7, Output: true}, false},
		{[]string{"1", "7", "up"}, master.SensorConfig{}, true},
		{[]string{"1"}, master.SensorConfig{}, true},
		{[]string{"1", "200"}, master.SensorConfig{}, true},
	}
	for _, test := range tests {
		cfg, err := ParseSensorConfig(test.args)
		if test.err {
			require.Error(t, err, "%v", test.args)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, test.cfg, cfg)
	}

	cfg, err := ParseTurnoutConfig([]string{"3", "9", "10", "170", "11"})
	require.NoError(t, err)
	require.Equal(t, master.TurnoutConfig{Subaddress: 3, Pin: 9, Straight: 10, Thrown: 170,
		Relay1: store.Relay{Set: true, Pin: 11}}, cfg)
	_, err = ParseTurnoutConfig([]string{"3", "9", "10", "200"})
	require.Error(t, err)

	turnouts, err := ParseKind("t")
	require.NoError(t, err)
	require.True(t, turnouts)
	_, err = ParseKind("x")
	require.Error(t, err)
}
