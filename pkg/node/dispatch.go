package node

import (
	"errors"

	"github.com/golang/glog"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/store"
)

var (
	errMemoryFull   = errors.New("too many devices")
	errInputWrite   = errors.New("write to an input sensor")
	errForbidden    = errors.New("forbidden turnout combination")
	errNotAvailable = errors.New("not in address mode")
)

func errorCode(err error) byte {
	switch {
	case err == nil:
		return comm.CodeOK
	case errors.Is(err, store.ErrStoreFull), errors.Is(err, store.ErrCorrupt), errors.Is(err, store.ErrWrite):
		// the only code about the persistent memory
		return comm.CodeEEPROMFull
	case errors.Is(err, errMemoryFull):
		return comm.CodeMemoryFull
	case errors.Is(err, store.ErrNotFound):
		return comm.CodeUnknownDevice
	}
	return comm.CodeInvalidDevice
}

// result keeps the first error of a command applied to several devices.
type result struct {
	err error
}

func (r *result) keep(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

// dispatch executes a command, false when it's for another node.
func (n *Node) dispatch(f comm.Frame) bool {
	cmd, addr := f.Command(), f.Address()
	if cmd.Config && cmd.Special && cmd.Code == comm.SpecialSetAddress && n.AddressMode() {
		n.setAddress(f)
		return true
	}
	if addr.Node != n.Address() {
		return false
	}
	glog.V(4).Infof("node %d: command %s", n.Address(), f)
	switch {
	case cmd.Config && cmd.Special:
		n.special(f)
	case cmd.Delete():
		n.remove(f)
	case cmd.Config:
		n.configure(f)
	case cmd.Async:
	case cmd.All:
		n.readAll(f)
	case cmd.Write:
		n.write(f)
	default:
		n.read(f)
	}
	return true
}

func (n *Node) reply(f comm.Frame, addr comm.Address, body []byte, err error) {
	addr.Node = n.Address()
	a := comm.NewFrame(f.Command().Answer(), addr, body...)
	if err != nil {
		glog.V(2).Infof("node %d: command %s: %v", n.Address(), f, err)
	}
	n.Sender.Answers.Enqueue(append(a, comm.Terminator|errorCode(err)))
}

// items decodes the subaddress list of a command, the last one flagged.
func items(f comm.Frame) []comm.Item {
	body := f[2:]
	if !f.Address().List && len(body) > 1 {
		body = body[:1]
	}
	list := make([]comm.Item, 0, len(body))
	for _, b := range body {
		list = append(list, comm.ParseItem(b))
	}
	return list
}

func (n *Node) read(f comm.Frame) {
	var (
		res  result
		body []byte
	)
	turnout := f.Command().Turnout
	for _, item := range items(f) {
		value, err := n.value(item.Sub, turnout)
		if err != nil {
			res.keep(err)
			continue
		}
		body = append(body, comm.Item{Sub: item.Sub, Value: value}.Byte())
	}
	n.reply(f, f.Address(), body, res.err)
}

func (n *Node) value(sub byte, turnout bool) (bool, error) {
	if turnout {
		if t := n.Store.FindTurnout(sub); t != nil {
			return t.Thrown, nil
		}
		return false, store.ErrNotFound
	}
	if sn := n.Store.FindSensor(sub); sn != nil {
		return sn.Value, nil
	}
	return false, store.ErrNotFound
}

func (n *Node) readAll(f comm.Frame) {
	var values []bool
	if f.Command().Turnout {
		for _, t := range n.Store.Turnouts() {
			values = append(values, t.Thrown)
		}
	} else {
		for _, sn := range n.Store.Sensors() {
			values = append(values, sn.Value)
		}
	}
	n.reply(f, comm.Address{List: true}, comm.PackBits(values), nil)
}

func (n *Node) write(f comm.Frame) {
	var (
		res  result
		body []byte
	)
	turnout := f.Command().Turnout
	for _, item := range items(f) {
		var err error
		if turnout {
			err = n.writeTurnout(item.Sub, item.Value)
		} else {
			err = n.writeSensor(item.Sub, item.Value)
		}
		if err != nil {
			res.keep(err)
			continue
		}
		body = append(body, comm.Item{Sub: item.Sub, Value: item.Value}.Byte())
	}
	n.reply(f, f.Address(), body, res.err)
}

func (n *Node) writeSensor(sub byte, value bool) error {
	sn := n.Store.FindSensor(sub)
	if sn == nil {
		return store.ErrNotFound
	}
	if sn.Input {
		return errInputWrite
	}
	sn.Value = value
	n.Pins.Write(sn.Pin, value)
	return n.persistSensor(sn)
}

func (n *Node) writeTurnout(sub byte, thrown bool) error {
	t := n.Store.FindTurnout(sub)
	if t == nil {
		return store.ErrNotFound
	}
	forbidden := n.Store.Combinations().Forbidden(sub, func(s byte) bool {
		if s == sub {
			return thrown
		}
		other := n.Store.FindTurnout(s)
		return other != nil && other.Thrown
	})
	if forbidden {
		return errForbidden
	}
	if t.Thrown != thrown || t.Position != t.Target() {
		t.Thrown, t.Moving = thrown, true
	}
	return nil
}

func (n *Node) persistSensor(sn *store.Sensor) error {
	if !n.opts.AutoSave || sn.Offset < 0 {
		sn.Synced = false
		return nil
	}
	return n.Store.UpdateSensor(sn)
}

func (n *Node) persistTurnout(t *store.Turnout) error {
	if !n.opts.AutoSave || t.Offset < 0 {
		t.Synced = false
		return nil
	}
	return n.Store.UpdateTurnout(t)
}

func (n *Node) configure(f comm.Frame) {
	var res result
	body, turnout := f[2:], f.Command().Turnout
	for pos := 0; pos < len(body); {
		size := comm.SensorConfigLen
		if turnout {
			size = comm.TurnoutConfigSize(body[pos])
		}
		if pos+size > len(body) {
			res.keep(comm.ErrBadCommand)
			break
		}
		rec := body[pos : pos+size]
		if turnout {
			res.keep(n.configureTurnout(rec))
		} else {
			res.keep(n.configureSensor(rec))
		}
		pos += size
		if rec[0]&comm.SubLast != 0 {
			break
		}
	}
	n.reply(f, comm.Address{}, nil, res.err)
}

func (n *Node) devices() int {
	return len(n.Store.Sensors()) + len(n.Store.Turnouts())
}

func (n *Node) configureSensor(rec []byte) error {
	sub := rec[0] & comm.SubMask
	input := rec[0]&comm.SubValue == 0
	pin, pullup := rec[1]&comm.PinMask, rec[1]&comm.PinFlag != 0
	if sn := n.Store.FindSensor(sub); sn != nil {
		sn.Pin, sn.Input, sn.Pullup = pin, input, input && pullup
		if !input {
			n.Store.RetireChanged(sn)
		}
		n.Debounce.Prime(sn, n.Clock.Now())
		return n.persistSensor(sn)
	}
	if n.opts.MaxDevices > 0 && n.devices() >= n.opts.MaxDevices {
		return errMemoryFull
	}
	sn := store.NewSensor(sub, pin, input, pullup)
	if err := n.Store.AddSensor(sn, n.opts.AutoSave); err != nil {
		return err
	}
	n.Debounce.Prime(sn, n.Clock.Now())
	return nil
}

func (n *Node) configureTurnout(rec []byte) error {
	sub := rec[0] & comm.SubMask
	t := n.Store.FindTurnout(sub)
	isNew := t == nil
	if isNew {
		if n.opts.MaxDevices > 0 && n.devices() >= n.opts.MaxDevices {
			return errMemoryFull
		}
		t = store.NewTurnout(sub, rec[1], rec[2], rec[3])
		t.Moving = true
	} else {
		t.Pin, t.StraightPos, t.ThrownPos = rec[1], rec[2], rec[3]
		t.Moving = t.Position != t.Target()
	}
	t.Relay1, t.Relay2 = store.Relay{}, store.Relay{}
	if len(rec) == comm.TurnoutRelayConfigLen {
		t.Relay1, t.Relay2 = store.RelayFromByte(rec[4]), store.RelayFromByte(rec[5])
	}
	if isNew {
		if err := n.Store.AddTurnout(t, n.opts.AutoSave); err != nil {
			return err
		}
	} else if err := n.persistTurnout(t); err != nil {
		return err
	}
	n.primeTurnout(t)
	return nil
}

func (n *Node) remove(f comm.Frame) {
	var res result
	turnout := f.Command().Turnout
	for _, item := range items(f) {
		if turnout {
			n.detach(n.Store.FindTurnout(item.Sub))
			if !n.Store.DeleteTurnout(item.Sub) {
				res.keep(store.ErrNotFound)
			}
		} else if !n.Store.DeleteSensor(item.Sub) {
			res.keep(store.ErrNotFound)
		}
	}
	n.reply(f, comm.Address{}, nil, res.err)
}

func (n *Node) special(f comm.Frame) {
	cmd := f.Command()
	switch cmd.Code {
	case comm.SpecialVersion:
		n.reply(f, comm.Address{}, []byte{n.opts.Version & 0x7F}, nil)
	case comm.SpecialSetAddress:
		n.reply(f, comm.Address{}, nil, errNotAvailable)
	case comm.SpecialStoreEEPROM:
		n.reply(f, comm.Address{}, nil, n.save())
	case comm.SpecialLoadEEPROM:
		n.reply(f, comm.Address{}, nil, n.load())
	case comm.SpecialClearEEPROM:
		n.Store.Clear()
		n.reply(f, comm.Address{}, nil, nil)
	case comm.SpecialShowSensors:
		n.showSensors(f)
	case comm.SpecialShowTurnouts:
		n.showTurnouts(f)
	case comm.SpecialFineTune:
		n.reply(f, comm.Address{}, nil, n.fineTune(f[2:]))
	}
}

// save persists the configuration and reports a failed write of the
// backing memory, if it tracks them.
func (n *Node) save() error {
	if err := n.Store.SaveAll(); err != nil {
		return err
	}
	if w, ok := n.Store.Region().Mem.(interface{ Err() error }); ok {
		return w.Err()
	}
	return nil
}

func (n *Node) setAddress(f comm.Frame) {
	addr := f.Address().Node
	if !comm.ValidAddress(addr) {
		n.reply(f, comm.Address{}, nil, store.ErrInvalid)
		return
	}
	n.Store.Region().SetAddress(addr)
	n.Sender.Address = addr
	glog.Infof("node address set to %d", addr)
	n.reply(f, comm.Address{}, nil, nil)
}

func (n *Node) showSensors(f comm.Frame) {
	if f.Address().Table {
		var inputs, outputs comm.Bitmap
		for _, sn := range n.Store.Sensors() {
			if sn.Input {
				inputs.Set(sn.Subaddress)
			} else {
				outputs.Set(sn.Subaddress)
			}
		}
		n.reply(f, comm.Address{Table: true}, append(inputs[:], outputs[:]...), nil)
		return
	}
	sensors := n.Store.Sensors()
	if len(sensors) == 0 {
		n.reply(f, comm.Address{}, nil, nil)
		return
	}
	for _, sn := range sensors {
		n.reply(f, comm.Address{}, comm.Pack7(SensorConfig(sn)), nil)
	}
}

func (n *Node) showTurnouts(f comm.Frame) {
	if f.Address().Table {
		var turnouts comm.Bitmap
		for _, t := range n.Store.Turnouts() {
			turnouts.Set(t.Subaddress)
		}
		n.reply(f, comm.Address{Table: true}, turnouts[:], nil)
		return
	}
	list := n.Store.Turnouts()
	if len(list) == 0 {
		n.reply(f, comm.Address{}, nil, nil)
		return
	}
	for _, t := range list {
		n.reply(f, comm.Address{}, comm.Pack7(TurnoutConfig(t)), nil)
	}
}

func (n *Node) fineTune(body []byte) error {
	if len(body) < 2 {
		return comm.ErrBadCommand
	}
	item := comm.ParseItem(body[0])
	t := n.Store.FindTurnout(item.Sub)
	if t == nil {
		return store.ErrNotFound
	}
	if item.Value {
		t.ThrownPos = body[1]
	} else {
		t.StraightPos = body[1]
	}
	t.Thrown, t.Moving = item.Value, true
	return n.persistTurnout(t)
}

// SensorConfig encodes a sensor as in config commands.
func SensorConfig(sn *store.Sensor) []byte {
	rec := []byte{sn.Subaddress & comm.SubMask, sn.Pin & comm.PinMask}
	if !sn.Input {
		rec[0] |= comm.SubValue
	}
	if sn.Pullup {
		rec[1] |= comm.PinFlag
	}
	return rec
}

// TurnoutConfig encodes a turnout as in config commands.
func TurnoutConfig(t *store.Turnout) []byte {
	rec := []byte{t.Subaddress & comm.SubMask, t.Pin, t.StraightPos, t.ThrownPos}
	if t.HasRelays() {
		rec[0] |= comm.SubValue
		rec = append(rec, t.Relay1.Byte(), t.Relay2.Byte())
	}
	return rec
}
