package master

import (
	"fmt"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/store"
)

// SensorConfig is a sensor as carried by config and show commands.
type SensorConfig struct {
	Subaddress byte
	Pin        byte
	Output     bool
	Pullup     bool
}

// Bytes encodes the config record.
func (c SensorConfig) Bytes() []byte {
	rec := []byte{c.Subaddress & comm.SubMask, c.Pin & comm.PinMask}
	if c.Output {
		rec[0] |= comm.SubValue
	}
	if c.Pullup && !c.Output {
		rec[1] |= comm.PinFlag
	}
	return rec
}

func (c SensorConfig) String() string {
	switch {
	case c.Output:
		return fmt.Sprintf("sensor %d pin %d output", c.Subaddress, c.Pin)
	case c.Pullup:
		return fmt.Sprintf("sensor %d pin %d input pullup", c.Subaddress, c.Pin)
	}
	return fmt.Sprintf("sensor %d pin %d input", c.Subaddress, c.Pin)
}

// ParseSensorConfig decodes a config record.
func ParseSensorConfig(rec []byte) (c SensorConfig, err error) {
	if len(rec) < comm.SensorConfigLen {
		return c, comm.ErrBadCommand
	}
	c.Subaddress = rec[0] & comm.SubMask
	c.Output = rec[0]&comm.SubValue != 0
	c.Pin = rec[1] & comm.PinMask
	c.Pullup = !c.Output && rec[1]&comm.PinFlag != 0
	return
}

// TurnoutConfig is a turnout as carried by config and show commands.
type TurnoutConfig struct {
	Subaddress byte
	Pin        byte
	Straight   byte
	Thrown     byte
	Relay1     store.Relay
	Relay2     store.Relay
}

// Bytes encodes the config record.
func (c TurnoutConfig) Bytes() []byte {
	rec := []byte{c.Subaddress & comm.SubMask, c.Pin, c.Straight, c.Thrown}
	if c.Relay1.Set || c.Relay2.Set {
		rec[0] |= comm.SubValue
		rec = append(rec, c.Relay1.Byte(), c.Relay2.Byte())
	}
	return rec
}

func (c TurnoutConfig) String() string {
	return fmt.Sprintf("turnout %d pin %d positions %d/%d", c.Subaddress, c.Pin, c.Straight, c.Thrown)
}

// ParseTurnoutConfig decodes a config record.
func ParseTurnoutConfig(rec []byte) (c TurnoutConfig, err error) {
	if len(rec) < comm.TurnoutConfigLen || len(rec) < comm.TurnoutConfigSize(rec[0]) {
		return c, comm.ErrBadCommand
	}
	c.Subaddress = rec[0] & comm.SubMask
	c.Pin, c.Straight, c.Thrown = rec[1], rec[2], rec[3]
	if rec[0]&comm.SubValue != 0 {
		c.Relay1, c.Relay2 = store.RelayFromByte(rec[4]), store.RelayFromByte(rec[5])
	}
	return
}

// configList encodes records as a list, the last one flagged.
func configList(recs [][]byte) []byte {
	var body []byte
	for n, rec := range recs {
		if n == len(recs)-1 && len(recs) > 1 {
			rec[0] |= comm.SubLast
		}
		body = append(body, rec...)
	}
	return body
}
