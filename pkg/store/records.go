package store

import (
	"fmt"
	"time"

	"github.com/robotalks/rrbus/pkg/eeprom"
)

// Persistent encoding constants.
const (
	sensorInputBit  byte = 0x80
	sensorValueBit  byte = 0x40
	sensorPullupBit byte = 0x80
	turnoutPosBit   byte = 0x80
	relayPulseBit   byte = 0x80
	combinationBit  byte = 0x80

	// RelayNone is the persisted byte of an unused relay.
	RelayNone byte = 0xFE
	// PositionUnset means the turnout hasn't been positioned since boot.
	PositionUnset byte = 0xFF
	// NoServo means no servo is attached to the turnout.
	NoServo = -1

	// MaxSubaddress is the highest valid subaddress.
	MaxSubaddress byte = 62
)

// ValidSubaddress checks sub is in 1..62.
func ValidSubaddress(sub byte) bool {
	return sub >= 1 && sub <= MaxSubaddress
}

// Sensor is the configuration and live state of a sensor.
type Sensor struct {
	Subaddress byte
	Pin        byte
	Input      bool
	Pullup     bool
	Synced     bool

	// Raw is the last checked pin level.
	Raw bool
	// Value is the last validated value.
	Value bool
	// Changed is set when Value changed since the last report.
	Changed        bool
	LastTransition time.Time

	// Offset is the persistent location, -1 if never saved.
	Offset int
}

// NewSensor creates an unsaved sensor.
func NewSensor(sub, pin byte, input, pullup bool) *Sensor {
	return &Sensor{Subaddress: sub, Pin: pin, Input: input, Pullup: input && pullup, Offset: -1}
}

func (s *Sensor) String() string {
	dir := "O"
	if s.Input {
		dir = "I"
		if s.Pullup {
			dir = "P"
		}
	}
	return fmt.Sprintf("<AS %d %d %s>", s.Subaddress, s.Pin, dir)
}

func (s *Sensor) encode() (rec [eeprom.SensorRecordSize]byte) {
	rec[0], rec[1] = s.Subaddress&0x3F, s.Pin&0x7F
	if s.Input {
		rec[0] |= sensorInputBit
	}
	if s.Value {
		rec[0] |= sensorValueBit
	}
	if s.Pullup {
		rec[1] |= sensorPullupBit
	}
	return
}

func decodeSensor(rec []byte) *Sensor {
	s := &Sensor{
		Subaddress: rec[0] & 0x3F,
		Pin:        rec[1] & 0x7F,
		Input:      rec[0]&sensorInputBit != 0,
		Value:      rec[0]&sensorValueBit != 0,
		Pullup:     rec[1]&sensorPullupBit != 0,
		Synced:     true,
	}
	s.Raw = s.Value
	return s
}

// Relay is an optional relay driven along with a turnout.
type Relay struct {
	Set    bool
	Pin    byte
	Pulsed bool
}

// Byte packs the relay into its wire and persistent form.
func (r Relay) Byte() byte {
	if !r.Set {
		return RelayNone
	}
	b := r.Pin & 0x7F
	if r.Pulsed {
		b |= relayPulseBit
	}
	return b
}

// RelayFromByte unpacks a relay.
func RelayFromByte(b byte) Relay {
	if b == RelayNone {
		return Relay{}
	}
	return Relay{Set: true, Pin: b & 0x7F, Pulsed: b&relayPulseBit != 0}
}

// Turnout is the configuration and live state of a servo turnout.
type Turnout struct {
	Subaddress  byte
	Pin         byte
	StraightPos byte
	ThrownPos   byte
	// Position is the current servo position or PositionUnset.
	Position byte
	Relay1   Relay
	Relay2   Relay

	Synced bool
	Moving bool
	// Thrown is the target: thrown, or moving toward thrown.
	Thrown bool
	// Servo is the index of the attached servo or NoServo.
	Servo int

	Offset int
}

// NewTurnout creates an unsaved turnout at rest in straight position.
func NewTurnout(sub, pin, straight, thrown byte) *Turnout {
	return &Turnout{
		Subaddress:  sub,
		Pin:         pin,
		StraightPos: straight,
		ThrownPos:   thrown,
		Position:    PositionUnset,
		Servo:       NoServo,
		Offset:      -1,
	}
}

// Target returns the position the turnout is heading to.
func (t *Turnout) Target() byte {
	if t.Thrown {
		return t.ThrownPos
	}
	return t.StraightPos
}

// HasRelays tells if any relay is configured.
func (t *Turnout) HasRelays() bool {
	return t.Relay1.Set || t.Relay2.Set
}

func (t *Turnout) String() string {
	if !t.HasRelays() {
		return fmt.Sprintf("<AT %d %d %d %d>", t.Subaddress, t.Pin, t.StraightPos, t.ThrownPos)
	}
	return fmt.Sprintf("<AT %d %d %d %d %d %d>", t.Subaddress, t.Pin, t.StraightPos, t.ThrownPos,
		t.Relay1.Byte(), t.Relay2.Byte())
}

func (t *Turnout) encode() (rec [eeprom.TurnoutRecordSize]byte) {
	rec[0], rec[1] = t.Subaddress&0x3F, t.Pin&0x7F
	if t.Thrown {
		rec[1] |= turnoutPosBit
	}
	rec[2], rec[3] = t.StraightPos, t.ThrownPos
	rec[4], rec[5] = t.Relay1.Byte(), t.Relay2.Byte()
	return
}

// decodeTurnout restores a turnout. It starts moving toward its last
// position with no servo and no known position, forcing re-homing.
func decodeTurnout(rec []byte) *Turnout {
	return &Turnout{
		Subaddress:  rec[0] & 0x3F,
		Pin:         rec[1] & 0x7F,
		Thrown:      rec[1]&turnoutPosBit != 0,
		StraightPos: rec[2],
		ThrownPos:   rec[3],
		Relay1:      RelayFromByte(rec[4]),
		Relay2:      RelayFromByte(rec[5]),
		Position:    PositionUnset,
		Servo:       NoServo,
		Synced:      true,
		Moving:      true,
	}
}

// Combination lists up to 4 turnouts and their forbidden positions.
// Unused subaddresses are 0. Bit i of a pattern is turnout i thrown.
type Combination struct {
	Subaddresses [4]byte
	// Forbidden packs up to 4 patterns, one per nibble, low nibble first.
	// Only the first nibble may be 0, any later 0 nibble is unused.
	Forbidden [2]byte
	Synced    bool
	Offset    int
}

// Count returns the number of turnouts in the combination.
func (c *Combination) Count() int {
	n := 0
	for n < len(c.Subaddresses) && c.Subaddresses[n]&0x3F != 0 {
		n++
	}
	return n
}

// Patterns returns the forbidden patterns.
func (c *Combination) Patterns() []byte {
	var patterns []byte
	for j := 0; j < 4; j++ {
		nib := c.Forbidden[j/2] >> (uint(j%2) * 4) & 0x0F
		if nib == 0 && j > 0 {
			break
		}
		patterns = append(patterns, nib)
	}
	return patterns
}

// Forbids checks whether the combination forbids the positions reported by
// thrown for its turnouts.
func (c *Combination) Forbids(thrown func(sub byte) bool) bool {
	var pattern byte
	for i, n := 0, c.Count(); i < n; i++ {
		if thrown(c.Subaddresses[i] & 0x3F) {
			pattern |= 1 << uint(i)
		}
	}
	for _, p := range c.Patterns() {
		if p == pattern {
			return true
		}
	}
	return false
}

// Contains tells if the turnout is part of the combination.
func (c *Combination) Contains(sub byte) bool {
	for i, n := 0, c.Count(); i < n; i++ {
		if c.Subaddresses[i]&0x3F == sub {
			return true
		}
	}
	return false
}

func (c *Combination) key() [4]byte {
	var k [4]byte
	for i, sub := range c.Subaddresses {
		k[i] = sub & 0x3F
	}
	return k
}

func (c *Combination) encode() (rec [eeprom.TurnoutRecordSize]byte) {
	k := c.key()
	copy(rec[:4], k[:])
	rec[0] |= combinationBit
	rec[4], rec[5] = c.Forbidden[0], c.Forbidden[1]
	return
}

func decodeCombination(rec []byte) *Combination {
	c := &Combination{Synced: true}
	for i := range c.Subaddresses {
		c.Subaddresses[i] = rec[i] & 0x3F
	}
	c.Forbidden[0], c.Forbidden[1] = rec[4], rec[5]
	return c
}

func compareKeys(a, b [4]byte) int {
	for i := range a {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}
