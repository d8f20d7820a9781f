// Package master drives an RR-duino bus: it issues commands to nodes,
// discovers them and polls them for changes, folding the answers into a
// node registry.
package master

import (
	"context"
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.com/robotalks/rrbus/pkg/comm"
)

// Bus issues commands to nodes. Every command is a single exchange and
// is never retried.
type Bus struct {
	X *comm.Exchanger
	// Idle runs while waiting for answers.
	Idle comm.IdleFunc
	// EventsPending is called when an answer signals async events
	// waiting on a node.
	EventsPending func(addr byte)
}

// NewBus creates a Bus over a port.
func NewBus(port io.ReadWriter) *Bus {
	return &Bus{X: comm.NewExchanger(port)}
}

// Tables lists the devices configured on a node.
type Tables struct {
	Inputs   comm.Bitmap
	Outputs  comm.Bitmap
	Turnouts comm.Bitmap
}

// Sensors returns all sensor subaddresses in ascending order.
func (t *Tables) Sensors() []byte {
	var all comm.Bitmap
	for n := range all {
		all[n] = t.Inputs[n] | t.Outputs[n]
	}
	return all.Subaddresses()
}

// Events are the changes reported by an async read.
type Events struct {
	Sensors  []comm.Item
	Turnouts []comm.Item
}

// Empty tells no change was reported.
func (e *Events) Empty() bool {
	return len(e.Sensors) == 0 && len(e.Turnouts) == 0
}

func (b *Bus) exchange(ctx context.Context, cmd comm.Frame) (comm.Frame, error) {
	glog.V(4).Infof("bus: send %s", cmd)
	answer, err := b.X.Exchange(ctx, cmd, b.Idle)
	if err != nil {
		return answer, fmt.Errorf("%s: %w", cmd, err)
	}
	b.checkPending(cmd, answer)
	return answer, nil
}

func (b *Bus) exchangeAll(ctx context.Context, cmd comm.Frame) ([]comm.Frame, error) {
	glog.V(4).Infof("bus: send %s", cmd)
	answers, err := b.X.ExchangeAll(ctx, cmd, b.Idle)
	if err != nil {
		return answers, fmt.Errorf("%s: %w", cmd, err)
	}
	if len(answers) > 0 {
		b.checkPending(cmd, answers[len(answers)-1])
	}
	return answers, nil
}

func (b *Bus) checkPending(cmd, answer comm.Frame) {
	if b.EventsPending != nil && comm.AsyncPending(cmd, answer) {
		b.EventsPending(cmd.Address().Node)
	}
}

func (b *Bus) special(ctx context.Context, code comm.SpecialCode, addr comm.Address, body ...byte) (comm.Frame, error) {
	return b.exchange(ctx, comm.NewFrame(comm.SpecialCommand(code), addr, body...))
}

// AskVersion gets the firmware version of a node.
func (b *Bus) AskVersion(ctx context.Context, addr byte) (byte, error) {
	answer, err := b.special(ctx, comm.SpecialVersion, comm.Address{Node: addr})
	if err != nil {
		return 0, err
	}
	body := answer.Body()
	if len(body) == 0 {
		return 0, fmt.Errorf("version of node %d: %w", addr, comm.ErrBadCommand)
	}
	return body[0], nil
}

// StoreEEPROM makes a node persist its whole configuration.
func (b *Bus) StoreEEPROM(ctx context.Context, addr byte) error {
	_, err := b.special(ctx, comm.SpecialStoreEEPROM, comm.Address{Node: addr})
	return err
}

// LoadEEPROM makes a node reload its configuration.
func (b *Bus) LoadEEPROM(ctx context.Context, addr byte) error {
	_, err := b.special(ctx, comm.SpecialLoadEEPROM, comm.Address{Node: addr})
	return err
}

// ClearEEPROM makes a node erase its persisted configuration.
func (b *Bus) ClearEEPROM(ctx context.Context, addr byte) error {
	_, err := b.special(ctx, comm.SpecialClearEEPROM, comm.Address{Node: addr})
	return err
}

// SetAddress assigns addr to the node in address mode. Exactly one node
// should be in that mode.
func (b *Bus) SetAddress(ctx context.Context, addr byte) error {
	_, err := b.special(ctx, comm.SpecialSetAddress, comm.Address{Node: addr})
	return err
}

// FineTune changes the straight or thrown position of a turnout and
// moves it there.
func (b *Bus) FineTune(ctx context.Context, addr, sub byte, thrown bool, pos byte) error {
	item := comm.Item{Sub: sub, Value: thrown}
	_, err := b.special(ctx, comm.SpecialFineTune, comm.Address{Node: addr}, item.Byte(), pos)
	return err
}

// ShowTables reads the device tables of a node.
func (b *Bus) ShowTables(ctx context.Context, addr byte) (*Tables, error) {
	tables := &Tables{}
	answer, err := b.special(ctx, comm.SpecialShowSensors, comm.Address{Node: addr, Table: true})
	if err != nil {
		return nil, err
	}
	body := answer.Body()
	if len(body) < 2*comm.BitmapLen {
		return nil, fmt.Errorf("sensor tables of node %d: %w", addr, comm.ErrBadCommand)
	}
	copy(tables.Inputs[:], body)
	copy(tables.Outputs[:], body[comm.BitmapLen:])
	if answer, err = b.special(ctx, comm.SpecialShowTurnouts, comm.Address{Node: addr, Table: true}); err != nil {
		return nil, err
	}
	if body = answer.Body(); len(body) < comm.BitmapLen {
		return nil, fmt.Errorf("turnout table of node %d: %w", addr, comm.ErrBadCommand)
	}
	copy(tables.Turnouts[:], body)
	return tables, nil
}

func (b *Bus) showRecords(ctx context.Context, code comm.SpecialCode, addr byte) ([][]byte, error) {
	answers, err := b.exchangeAll(ctx, comm.NewFrame(comm.SpecialCommand(code), comm.Address{Node: addr}))
	if err != nil {
		return nil, err
	}
	var recs [][]byte
	for _, answer := range answers {
		if rec := comm.Unpack7(answer.Body()); len(rec) > 0 {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// ShowSensors reads the sensor configurations of a node.
func (b *Bus) ShowSensors(ctx context.Context, addr byte) ([]SensorConfig, error) {
	recs, err := b.showRecords(ctx, comm.SpecialShowSensors, addr)
	if err != nil {
		return nil, err
	}
	cfgs := make([]SensorConfig, 0, len(recs))
	for _, rec := range recs {
		c, err := ParseSensorConfig(rec)
		if err != nil {
			return cfgs, err
		}
		cfgs = append(cfgs, c)
	}
	return cfgs, nil
}

// ShowTurnouts reads the turnout configurations of a node.
func (b *Bus) ShowTurnouts(ctx context.Context, addr byte) ([]TurnoutConfig, error) {
	recs, err := b.showRecords(ctx, comm.SpecialShowTurnouts, addr)
	if err != nil {
		return nil, err
	}
	cfgs := make([]TurnoutConfig, 0, len(recs))
	for _, rec := range recs {
		c, err := ParseTurnoutConfig(rec)
		if err != nil {
			return cfgs, err
		}
		cfgs = append(cfgs, c)
	}
	return cfgs, nil
}

// ReadAll reads the values of all sensors or turnouts, count is the
// number of devices, in ascending subaddress order.
func (b *Bus) ReadAll(ctx context.Context, addr byte, turnouts bool, count int) ([]bool, error) {
	cmd := comm.Command{All: true, Turnout: turnouts, Request: true}
	answer, err := b.exchange(ctx, comm.NewFrame(cmd, comm.Address{Node: addr}))
	if err != nil {
		return nil, err
	}
	return comm.UnpackBits(answer.Body(), count), nil
}

func listAddress(addr byte, count int) comm.Address {
	return comm.Address{Node: addr, List: count > 1}
}

// Read reads the values of devices. With a device error the values read
// are returned along with the error.
func (b *Bus) Read(ctx context.Context, addr byte, turnouts bool, subs ...byte) ([]comm.Item, error) {
	items := make([]comm.Item, len(subs))
	for n, sub := range subs {
		items[n].Sub = sub
	}
	cmd := comm.Command{Turnout: turnouts, Request: true}
	return b.items(ctx, comm.NewFrame(cmd, listAddress(addr, len(items)), listBytes(items)...))
}

// Write sets devices, returning the items the node applied.
func (b *Bus) Write(ctx context.Context, addr byte, turnouts bool, items ...comm.Item) ([]comm.Item, error) {
	cmd := comm.Command{Write: true, Turnout: turnouts, Request: true}
	return b.items(ctx, comm.NewFrame(cmd, listAddress(addr, len(items)), listBytes(items)...))
}

func listBytes(items []comm.Item) []byte {
	if len(items) == 1 {
		items[0].Last = false
		return []byte{items[0].Byte()}
	}
	return comm.Items(items...)
}

func (b *Bus) items(ctx context.Context, cmd comm.Frame) ([]comm.Item, error) {
	answer, err := b.exchange(ctx, cmd)
	if answer == nil {
		return nil, err
	}
	var items []comm.Item
	for _, v := range answer.Body() {
		items = append(items, comm.ParseItem(v))
	}
	return items, err
}

// ConfigSensors adds or updates sensors.
func (b *Bus) ConfigSensors(ctx context.Context, addr byte, cfgs ...SensorConfig) error {
	recs := make([][]byte, len(cfgs))
	for n, c := range cfgs {
		recs[n] = c.Bytes()
	}
	return b.config(ctx, addr, false, recs)
}

// ConfigTurnouts adds or updates turnouts.
func (b *Bus) ConfigTurnouts(ctx context.Context, addr byte, cfgs ...TurnoutConfig) error {
	recs := make([][]byte, len(cfgs))
	for n, c := range cfgs {
		recs[n] = c.Bytes()
	}
	return b.config(ctx, addr, true, recs)
}

func (b *Bus) config(ctx context.Context, addr byte, turnouts bool, recs [][]byte) error {
	if len(recs) == 0 {
		return nil
	}
	cmd := comm.Command{Config: true, Turnout: turnouts, Request: true}
	_, err := b.exchange(ctx, comm.NewFrame(cmd, listAddress(addr, len(recs)), configList(recs)...))
	return err
}

// Delete removes devices.
func (b *Bus) Delete(ctx context.Context, addr byte, turnouts bool, subs ...byte) error {
	if len(subs) == 0 {
		return nil
	}
	items := make([]comm.Item, len(subs))
	for n, sub := range subs {
		items[n].Sub = sub
	}
	cmd := comm.Command{Config: true, Write: true, Turnout: turnouts, Request: true}
	_, err := b.exchange(ctx, comm.NewFrame(cmd, listAddress(addr, len(items)), listBytes(items)...))
	return err
}

// AsyncRead collects the pending changes of a node.
func (b *Bus) AsyncRead(ctx context.Context, addr byte) (*Events, error) {
	answers, err := b.exchangeAll(ctx, comm.NewFrame(comm.ParseCommand(comm.CmdAsyncRead), comm.Address{Node: addr}))
	if err != nil {
		return nil, err
	}
	events := &Events{}
	for _, answer := range answers {
		for _, v := range answer.Body() {
			item := comm.ParseItem(v)
			if answer.Command().Turnout {
				events.Turnouts = append(events.Turnouts, item)
			} else {
				events.Sensors = append(events.Sensors, item)
			}
		}
	}
	return events, nil
}
