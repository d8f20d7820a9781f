package node

import (
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/rrbus/pkg/hal"
	"github.com/robotalks/rrbus/pkg/store"
)

type servoSlot struct {
	turnout *store.Turnout
	// releaseAt is set once the turnout arrived.
	releaseAt time.Time
}

type relayPulse struct {
	pin   byte
	until time.Time
}

func (n *Node) primeTurnout(t *store.Turnout) {
	for _, r := range []store.Relay{t.Relay1, t.Relay2} {
		if r.Set {
			n.Pins.SetMode(r.Pin, hal.ModeOutput)
		}
	}
}

// moveTurnouts releases idle servos then moves every moving turnout by
// up to steps positions. Servos are assigned in subaddress order while
// channels are free.
func (n *Node) moveTurnouts(now time.Time, steps int) {
	for ch := range n.slots {
		slot := &n.slots[ch]
		if slot.turnout == nil || slot.turnout.Moving || slot.releaseAt.IsZero() {
			continue
		}
		if !now.Before(slot.releaseAt) {
			n.detach(slot.turnout)
		}
	}
	for _, t := range n.Store.Turnouts() {
		if !t.Moving {
			continue
		}
		if len(n.slots) == 0 {
			t.Position = t.Target()
			n.arrived(t, now)
			continue
		}
		if t.Servo == store.NoServo && !n.attach(t) {
			continue
		}
		n.step(t, now, steps)
	}
}

func (n *Node) attach(t *store.Turnout) bool {
	for ch := range n.slots {
		if n.slots[ch].turnout != nil {
			continue
		}
		n.slots[ch] = servoSlot{turnout: t}
		t.Servo = ch
		n.Servos.Attach(ch, t.Pin)
		if t.Position == store.PositionUnset {
			t.Position = t.Target()
		}
		return true
	}
	return false
}

func (n *Node) detach(t *store.Turnout) {
	if t == nil || t.Servo == store.NoServo {
		return
	}
	n.Servos.Detach(t.Servo)
	n.slots[t.Servo] = servoSlot{}
	t.Servo = store.NoServo
}

func (n *Node) releaseAll() {
	for ch := range n.slots {
		if t := n.slots[ch].turnout; t != nil {
			n.detach(t)
		}
	}
	for _, p := range n.pulses {
		n.Pins.Write(p.pin, false)
	}
	n.pulses = nil
}

func (n *Node) step(t *store.Turnout, now time.Time, steps int) {
	target := t.Target()
	for ; steps > 0 && t.Position != target; steps-- {
		if t.Position < target {
			t.Position++
		} else {
			t.Position--
		}
	}
	n.Servos.Write(t.Servo, t.Position)
	n.slots[t.Servo].releaseAt = time.Time{}
	if t.Position == target {
		n.arrived(t, now)
	}
}

func (n *Node) arrived(t *store.Turnout, now time.Time) {
	t.Moving = false
	if t.Servo != store.NoServo {
		n.slots[t.Servo].releaseAt = now.Add(ServoRelease)
	}
	n.switchRelays(t, now)
	n.Sender.Async.EnqueueTurnout(n.Address(), t.Subaddress, t.Thrown)
	if err := n.persistTurnout(t); err != nil {
		glog.Warningf("node %d: save turnout %d: %v", n.Address(), t.Subaddress, err)
	}
}

// switchRelays energizes the relay of the reached position. Relay 1
// follows straight, relay 2 thrown. Pulsed relays are latching and only
// get a short pulse.
func (n *Node) switchRelays(t *store.Turnout, now time.Time) {
	on, off := t.Relay1, t.Relay2
	if t.Thrown {
		on, off = t.Relay2, t.Relay1
	}
	if off.Set && !off.Pulsed {
		n.Pins.Write(off.Pin, false)
	}
	if !on.Set {
		return
	}
	n.Pins.Write(on.Pin, true)
	if on.Pulsed {
		n.pulses = append(n.pulses, relayPulse{pin: on.Pin, until: now.Add(RelayPulse)})
	}
}

func (n *Node) endPulses(now time.Time) {
	pending := n.pulses[:0]
	for _, p := range n.pulses {
		if now.Before(p.until) {
			pending = append(pending, p)
			continue
		}
		n.Pins.Write(p.pin, false)
	}
	n.pulses = pending
}
