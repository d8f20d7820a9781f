// Package bus exposes the bus commands in the shell.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/rrbus/pkg/cli/sh"
	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/master"
	"github.com/robotalks/rrbus/pkg/store"
)

// Values prints as SUB=0|1 pairs.
type Values []comm.Item

func (v Values) String() string {
	if len(v) == 0 {
		return "none"
	}
	parts := make([]string, len(v))
	for n, item := range v {
		parts[n] = fmt.Sprintf("%d=%d", item.Sub, boolDigit(item.Value))
	}
	return strings.Join(parts, " ")
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// TablesView prints the device tables of a node.
type TablesView struct {
	Inputs   []byte `json:"inputs"`
	Outputs  []byte `json:"outputs"`
	Turnouts []byte `json:"turnouts"`
}

func (t TablesView) String() string {
	return fmt.Sprintf("inputs %v\noutputs %v\nturnouts %v", t.Inputs, t.Outputs, t.Turnouts)
}

// EventsView prints the changes of an async read.
type EventsView struct {
	Sensors  Values `json:"sensors"`
	Turnouts Values `json:"turnouts"`
}

func (e EventsView) String() string {
	return fmt.Sprintf("sensors %s\nturnouts %s", e.Sensors, e.Turnouts)
}

// ParseAddress parses a node or device address, 1..62.
func ParseAddress(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !comm.ValidAddress(byte(v)) {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return byte(v), nil
}

// ParseKind parses s for sensors or t for turnouts.
func ParseKind(s string) (turnouts bool, err error) {
	switch s {
	case "s", "sensor", "sensors":
		return false, nil
	case "t", "turnout", "turnouts":
		return true, nil
	}
	return false, fmt.Errorf("invalid kind %q, s or t expected", s)
}

// ParseSubaddresses parses a list of subaddresses.
func ParseSubaddresses(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("SUB required")
	}
	subs := make([]byte, len(args))
	for n, arg := range args {
		sub, err := ParseAddress(arg)
		if err != nil {
			return nil, err
		}
		subs[n] = sub
	}
	return subs, nil
}

// ParseItems parses SUB=0|1 pairs.
func ParseItems(args []string) ([]comm.Item, error) {
	if len(args) == 0 {
		return nil, errors.New("SUB=VALUE required")
	}
	items := make([]comm.Item, len(args))
	for n, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid item %q, SUB=VALUE expected", arg)
		}
		sub, err := ParseAddress(parts[0])
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseBool(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid value in %q", arg)
		}
		items[n] = comm.Item{Sub: sub, Value: value}
	}
	return items, nil
}

func parsePin(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || byte(v) > comm.PinMask {
		return 0, fmt.Errorf("invalid pin %q", s)
	}
	return byte(v), nil
}

// ParseRelay parses a relay pin, suffixed by p when pulsed.
func ParseRelay(s string) (store.Relay, error) {
	pulsed := strings.HasSuffix(s, "p")
	pin, err := parsePin(strings.TrimSuffix(s, "p"))
	if err != nil {
		return store.Relay{}, err
	}
	return store.Relay{Set: true, Pin: pin, Pulsed: pulsed}, nil
}

// ParseSensorConfig parses SUB PIN [in|out|pullup].
func ParseSensorConfig(args []string) (c master.SensorConfig, err error) {
	if len(args) < 2 || len(args) > 3 {
		return c, errors.New("SUB PIN [in|out|pullup] expected")
	}
	if c.Subaddress, err = ParseAddress(args[0]); err != nil {
		return
	}
	if c.Pin, err = parsePin(args[1]); err != nil {
		return
	}
	if len(args) == 3 {
		switch args[2] {
		case "in":
		case "out":
			c.Output = true
		case "pullup":
			c.Pullup = true
		default:
			return c, fmt.Errorf("invalid mode %q", args[2])
		}
	}
	return
}

// ParseTurnoutConfig parses SUB PIN STRAIGHT THROWN [RELAY1 [RELAY2]].
func ParseTurnoutConfig(args []string) (c master.TurnoutConfig, err error) {
	if len(args) < 4 || len(args) > 6 {
		return c, errors.New("SUB PIN STRAIGHT THROWN [RELAY1 [RELAY2]] expected")
	}
	if c.Subaddress, err = ParseAddress(args[0]); err != nil {
		return
	}
	if c.Pin, err = parsePin(args[1]); err != nil {
		return
	}
	positions := make([]byte, 2)
	for n, arg := range args[2:4] {
		v, perr := strconv.ParseUint(arg, 10, 8)
		if perr != nil || v > 180 {
			return c, fmt.Errorf("invalid position %q", arg)
		}
		positions[n] = byte(v)
	}
	c.Straight, c.Thrown = positions[0], positions[1]
	if len(args) > 4 {
		if c.Relay1, err = ParseRelay(args[4]); err != nil {
			return
		}
	}
	if len(args) > 5 {
		c.Relay2, err = ParseRelay(args[5])
	}
	return
}

type busFunc func(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error)

// nodeCmd builds a command taking a node address first.
func nodeCmd(name, help string, fn busFunc, aliases ...string) ishell.Cmd {
	return ishell.Cmd{
		Name:    name,
		Aliases: aliases,
		Help:    "ADDR " + help,
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(errors.New("ADDR required"))
				return
			}
			addr, err := ParseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			sh.ShellFrom(c).Do(c, func(ctx context.Context, b *master.Bus) (interface{}, error) {
				return fn(ctx, b, addr, c.Args[1:])
			})
		},
	}
}

func version(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	return b.AskVersion(ctx, addr)
}

func tables(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	t, err := b.ShowTables(ctx, addr)
	if err != nil {
		return nil, err
	}
	return TablesView{
		Inputs:   t.Inputs.Subaddresses(),
		Outputs:  t.Outputs.Subaddresses(),
		Turnouts: t.Turnouts.Subaddresses(),
	}, nil
}

func showSensors(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	return b.ShowSensors(ctx, addr)
}

func showTurnouts(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	return b.ShowTurnouts(ctx, addr)
}

func read(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, errors.New("s|t required")
	}
	turnouts, err := ParseKind(args[0])
	if err != nil {
		return nil, err
	}
	if len(args) == 1 {
		return readAll(ctx, b, addr, turnouts)
	}
	subs, err := ParseSubaddresses(args[1:])
	if err != nil {
		return nil, err
	}
	items, err := b.Read(ctx, addr, turnouts, subs...)
	return Values(items), err
}

func readAll(ctx context.Context, b *master.Bus, addr byte, turnouts bool) (interface{}, error) {
	t, err := b.ShowTables(ctx, addr)
	if err != nil {
		return nil, err
	}
	subs := t.Sensors()
	if turnouts {
		subs = t.Turnouts.Subaddresses()
	}
	values, err := b.ReadAll(ctx, addr, turnouts, len(subs))
	if err != nil {
		return nil, err
	}
	items := make(Values, 0, len(subs))
	for n, sub := range subs {
		if n < len(values) {
			items = append(items, comm.Item{Sub: sub, Value: values[n]})
		}
	}
	return items, nil
}

func write(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	if len(args) < 2 {
		return nil, errors.New("s|t SUB=VALUE... required")
	}
	turnouts, err := ParseKind(args[0])
	if err != nil {
		return nil, err
	}
	items, err := ParseItems(args[1:])
	if err != nil {
		return nil, err
	}
	applied, err := b.Write(ctx, addr, turnouts, items...)
	return Values(applied), err
}

func configSensor(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	cfg, err := ParseSensorConfig(args)
	if err != nil {
		return nil, err
	}
	return nil, b.ConfigSensors(ctx, addr, cfg)
}

func configTurnout(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	cfg, err := ParseTurnoutConfig(args)
	if err != nil {
		return nil, err
	}
	return nil, b.ConfigTurnouts(ctx, addr, cfg)
}

func remove(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	if len(args) < 2 {
		return nil, errors.New("s|t SUB... required")
	}
	turnouts, err := ParseKind(args[0])
	if err != nil {
		return nil, err
	}
	subs, err := ParseSubaddresses(args[1:])
	if err != nil {
		return nil, err
	}
	return nil, b.Delete(ctx, addr, turnouts, subs...)
}

func fineTune(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	if len(args) != 3 {
		return nil, errors.New("SUB straight|thrown POS required")
	}
	sub, err := ParseAddress(args[0])
	if err != nil {
		return nil, err
	}
	var thrown bool
	switch args[1] {
	case "straight", "s":
	case "thrown", "t":
		thrown = true
	default:
		return nil, fmt.Errorf("invalid position name %q", args[1])
	}
	pos, err := strconv.ParseUint(args[2], 10, 8)
	if err != nil || pos > 180 {
		return nil, fmt.Errorf("invalid position %q", args[2])
	}
	return nil, b.FineTune(ctx, addr, sub, thrown, byte(pos))
}

func events(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
	ev, err := b.AsyncRead(ctx, addr)
	if err != nil {
		return nil, err
	}
	return EventsView{Sensors: ev.Sensors, Turnouts: ev.Turnouts}, nil
}

func special(fn func(*master.Bus, context.Context, byte) error) busFunc {
	return func(ctx context.Context, b *master.Bus, addr byte, args []string) (interface{}, error) {
		return nil, fn(b, ctx, addr)
	}
}

// ScanTimeout bounds a scan of all addresses.
const ScanTimeout = 30 * time.Second

// Scan asks every address for its version and returns the responders.
func Scan(ctx context.Context, b *master.Bus) ([]byte, error) {
	var found []byte
	for addr := byte(1); addr <= comm.MaxAddress; addr++ {
		if _, err := b.AskVersion(ctx, addr); err == nil {
			found = append(found, addr)
		} else if ctx.Err() != nil {
			return found, ctx.Err()
		}
	}
	return found, nil
}

var (
	// VersionCmd asks the firmware version.
	VersionCmd = nodeCmd("version", "", version, "v")
	// TablesCmd shows the device tables.
	TablesCmd = nodeCmd("tables", "", tables)
	// SensorsCmd shows the sensor configurations.
	SensorsCmd = nodeCmd("sensors", "", showSensors)
	// TurnoutsCmd shows the turnout configurations.
	TurnoutsCmd = nodeCmd("turnouts", "", showTurnouts)
	// ReadCmd reads devices, all of them without SUB.
	ReadCmd = nodeCmd("read", "s|t [SUB...]", read, "r")
	// WriteCmd sets devices.
	WriteCmd = nodeCmd("write", "s|t SUB=0|1...", write, "w")
	// ConfigSensorCmd adds or updates a sensor.
	ConfigSensorCmd = nodeCmd("config-sensor", "SUB PIN [in|out|pullup]", configSensor, "cs")
	// ConfigTurnoutCmd adds or updates a turnout.
	ConfigTurnoutCmd = nodeCmd("config-turnout", "SUB PIN STRAIGHT THROWN [RELAY1[p] [RELAY2[p]]]", configTurnout, "ct")
	// DeleteCmd removes devices.
	DeleteCmd = nodeCmd("delete", "s|t SUB...", remove, "del")
	// FineTuneCmd adjusts a turnout position.
	FineTuneCmd = nodeCmd("finetune", "SUB straight|thrown POS", fineTune, "ft")
	// EventsCmd collects the pending changes.
	EventsCmd = nodeCmd("events", "", events, "ev")
	// StoreCmd persists the configuration.
	StoreCmd = nodeCmd("store", "", special((*master.Bus).StoreEEPROM))
	// LoadCmd reloads the configuration.
	LoadCmd = nodeCmd("load", "", special((*master.Bus).LoadEEPROM))
	// ClearCmd erases the persisted configuration.
	ClearCmd = nodeCmd("clear", "", special((*master.Bus).ClearEEPROM))
	// SetAddressCmd assigns the address to the node in address mode.
	SetAddressCmd = nodeCmd("set-address", "", special((*master.Bus).SetAddress))

	// ScanCmd lists the nodes answering.
	ScanCmd = ishell.Cmd{
		Name: "scan",
		Help: "",
		Func: func(c *ishell.Context) {
			s := sh.ShellFrom(c)
			s.DoWith(c, ScanTimeout, func(ctx context.Context, b *master.Bus) (interface{}, error) {
				found, err := Scan(ctx, b)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("nodes %v", found), nil
			})
		},
	}
)

func init() {
	sh.AddCmds(
		&VersionCmd,
		&TablesCmd,
		&SensorsCmd,
		&TurnoutsCmd,
		&ReadCmd,
		&WriteCmd,
		&ConfigSensorCmd,
		&ConfigTurnoutCmd,
		&DeleteCmd,
		&FineTuneCmd,
		&EventsCmd,
		&StoreCmd,
		&LoadCmd,
		&ClearCmd,
		&SetAddressCmd,
		&ScanCmd,
	)
}
