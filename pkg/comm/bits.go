package comm

// Start is the byte starting every frame on the bus.
const Start byte = 0xFF

// MaxFrameLen is the maximum length of a frame, start byte excluded.
const MaxFrameLen = 63

// Command byte bits.
const (
	BitRequest byte = 1 << 0 // command (1) or answer (0)
	BitPending byte = 1 << 1 // more answers pending
	BitAsync   byte = 1 << 2
	BitSpecial byte = 1 << 3 // special config operation
	BitTurnout byte = 1 << 4 // turnout (1) or sensor (0)
	BitWrite   byte = 1 << 5 // write, or delete for config commands
	BitAll     byte = 1 << 6
	BitConfig  byte = 1 << 7

	specialShift      = 4
	specialMask  byte = 0x07
	classMask    byte = 0xF8
)

// Address byte bits.
const (
	AddrMask  byte = 0x3F
	AddrList  byte = 1 << 6
	AddrTable byte = 1 << 7
)

// Subaddress and pin byte bits.
const (
	SubMask  byte = 0x3F
	SubValue byte = 1 << 6 // value, IO direction (output) or relays present
	SubLast  byte = 1 << 7
	PinMask  byte = 0x7F
	PinFlag  byte = 1 << 7 // pullup or pulsed relay
)

// Terminator is the success terminator of a frame. The low nibble carries
// an error code when set.
const Terminator byte = 0x80

// MaxAddress is the highest node address.
const MaxAddress byte = 62

// SpecialCode selects a special config operation.
type SpecialCode byte

// Special config operations.
const (
	SpecialVersion SpecialCode = iota
	SpecialSetAddress
	SpecialStoreEEPROM
	SpecialLoadEEPROM
	SpecialShowSensors
	SpecialShowTurnouts
	SpecialFineTune
	SpecialClearEEPROM
)

var specialNames = [...]string{
	"version", "set-address", "store-eeprom", "load-eeprom",
	"show-sensors", "show-turnouts", "fine-tune", "clear-eeprom",
}

func (c SpecialCode) String() string {
	return specialNames[c&SpecialCode(specialMask)]
}

// Command is the decoded command byte.
type Command struct {
	Config  bool
	Special bool
	// Code is the special operation, valid when Config and Special are set.
	Code    SpecialCode
	All     bool
	Write   bool
	Turnout bool
	Async   bool
	Pending bool
	Request bool
}

// ParseCommand decodes a command byte.
func ParseCommand(b byte) Command {
	c := Command{
		Config:  b&BitConfig != 0,
		Special: b&BitSpecial != 0,
		Async:   b&BitAsync != 0,
		Pending: b&BitPending != 0,
		Request: b&BitRequest != 0,
	}
	if c.Config && c.Special {
		c.Code = SpecialCode(b >> specialShift & specialMask)
		return c
	}
	c.All = b&BitAll != 0
	c.Write = b&BitWrite != 0
	c.Turnout = b&BitTurnout != 0
	return c
}

// Byte encodes the command byte.
func (c Command) Byte() byte {
	var b byte
	if c.Config {
		b |= BitConfig
	}
	if c.Config && c.Special {
		b |= BitSpecial | byte(c.Code)&specialMask<<specialShift
	} else {
		if c.All {
			b |= BitAll
		}
		if c.Write {
			b |= BitWrite
		}
		if c.Turnout {
			b |= BitTurnout
		}
	}
	if c.Async {
		b |= BitAsync
	}
	if c.Pending {
		b |= BitPending
	}
	if c.Request {
		b |= BitRequest
	}
	return b
}

// Delete tells a config command deletes devices.
func (c Command) Delete() bool {
	return c.Config && !c.Special && c.Write
}

// Answer returns the answer to the command.
func (c Command) Answer() Command {
	c.Request, c.Pending = false, false
	return c
}

// SpecialCommand builds a special config command.
func SpecialCommand(code SpecialCode) Command {
	return Command{Config: true, Special: true, Code: code, Request: true}
}

// Well-known command bytes.
var (
	CmdVersion      = SpecialCommand(SpecialVersion).Byte()
	CmdStoreEEPROM  = SpecialCommand(SpecialStoreEEPROM).Byte()
	CmdLoadEEPROM   = SpecialCommand(SpecialLoadEEPROM).Byte()
	CmdClearEEPROM  = SpecialCommand(SpecialClearEEPROM).Byte()
	CmdShowSensors  = SpecialCommand(SpecialShowSensors).Byte()
	CmdShowTurnouts = SpecialCommand(SpecialShowTurnouts).Byte()
	CmdAsyncRead    = Command{Async: true, Request: true}.Byte()
)

// Address is the decoded address byte.
type Address struct {
	Node  byte
	List  bool
	Table bool
}

// ParseAddress decodes an address byte.
func ParseAddress(b byte) Address {
	return Address{Node: b & AddrMask, List: b&AddrList != 0, Table: b&AddrTable != 0}
}

// Byte encodes the address byte.
func (a Address) Byte() byte {
	b := a.Node & AddrMask
	if a.List {
		b |= AddrList
	}
	if a.Table {
		b |= AddrTable
	}
	return b
}

// ValidAddress checks the node address is in 1..62.
func ValidAddress(addr byte) bool {
	return addr >= 1 && addr <= MaxAddress
}

// Item is a subaddress with its value as found in read/write lists.
type Item struct {
	Sub   byte
	Value bool
	Last  bool
}

// ParseItem decodes a subaddress byte.
func ParseItem(b byte) Item {
	return Item{Sub: b & SubMask, Value: b&SubValue != 0, Last: b&SubLast != 0}
}

// Byte encodes the subaddress byte.
func (i Item) Byte() byte {
	b := i.Sub & SubMask
	if i.Value {
		b |= SubValue
	}
	if i.Last {
		b |= SubLast
	}
	return b
}

// Items encodes a list, the last item flagged.
func Items(items ...Item) []byte {
	out := make([]byte, len(items))
	for n, item := range items {
		item.Last = n == len(items)-1
		out[n] = item.Byte()
	}
	return out
}

// Bitmap is a set of subaddresses packed 7 bits per byte so that no
// byte has bit 7 set. Subaddress s is bit s%7 of byte s/7.
type Bitmap [BitmapLen]byte

// BitmapLen is the number of bytes to cover subaddresses 0..62.
const BitmapLen = 9

// Set adds a subaddress.
func (m *Bitmap) Set(sub byte) {
	if sub < BitmapLen*7 {
		m[sub/7] |= 1 << (sub % 7)
	}
}

// Has tells if the subaddress is set.
func (m *Bitmap) Has(sub byte) bool {
	return sub < BitmapLen*7 && m[sub/7]&(1<<(sub%7)) != 0
}

// Count returns the number of subaddresses set.
func (m *Bitmap) Count() int {
	n := 0
	for sub := byte(0); sub < BitmapLen*7; sub++ {
		if m.Has(sub) {
			n++
		}
	}
	return n
}

// Subaddresses lists the set subaddresses in ascending order.
func (m *Bitmap) Subaddresses() []byte {
	var subs []byte
	for sub := byte(0); sub < BitmapLen*7; sub++ {
		if m.Has(sub) {
			subs = append(subs, sub)
		}
	}
	return subs
}

// PackBits packs values 7 per byte, first value in bit 0.
func PackBits(values []bool) []byte {
	out := make([]byte, (len(values)+6)/7)
	for n, v := range values {
		if v {
			out[n/7] |= 1 << uint(n%7)
		}
	}
	return out
}

// UnpackBits unpacks count values packed by PackBits.
func UnpackBits(data []byte, count int) []bool {
	values := make([]bool, 0, count)
	for n := 0; n < count && n/7 < len(data); n++ {
		values = append(values, data[n/7]&(1<<uint(n%7)) != 0)
	}
	return values
}
