package eeprom

import "errors"

// Layout constants.
const (
	// AddressOffset holds the node address.
	AddressOffset = 0
	// TurnoutBegin is where turnout and combination records start.
	TurnoutBegin = 1
	// TurnoutRecordSize is the size of a turnout or combination record.
	TurnoutRecordSize = 6
	// SensorRecordSize is the size of a sensor record.
	SensorRecordSize = 2

	// Terminator ends a region.
	Terminator byte = 0
	// Free marks a deleted, reusable slot.
	Free byte = 0x80
)

var (
	// ErrStoreFull indicates there's no room left between the two regions.
	ErrStoreFull = errors.New("persistent store full")
	// ErrCorrupt indicates the terminators can't be found or the regions cross.
	ErrCorrupt = errors.New("persistent store corrupted")
	// ErrWrite indicates the backing storage refused an update.
	ErrWrite = errors.New("persistent store write failed")
)

// Area selects one of the two growth regions.
type Area int

const (
	// Turnouts grow upward from TurnoutBegin.
	Turnouts Area = iota
	// Sensors grow downward from the top.
	Sensors
)

// Region tracks the two end cursors inside a Memory.
// TurnEnd and SensorEnd are the offsets of the terminator slots.
// After a failed Scan the cursors are meaningless: the region has no
// records and refuses to allocate until Format or a successful Scan.
type Region struct {
	Mem       Memory
	TurnEnd   int
	SensorEnd int

	corrupt bool
}

// NewRegion creates a Region and locates the terminators.
func NewRegion(mem Memory) (*Region, error) {
	r := &Region{Mem: mem}
	return r, r.Scan()
}

// Begin returns the first record offset of the area.
func (r *Region) Begin(a Area) int {
	if a == Sensors {
		return r.Mem.Len() - SensorRecordSize
	}
	return TurnoutBegin
}

// Step is the signed distance between two records of the area.
func (r *Region) Step(a Area) int {
	if a == Sensors {
		return -SensorRecordSize
	}
	return TurnoutRecordSize
}

// RecordSize returns the record size of the area.
func (r *Region) RecordSize(a Area) int {
	if a == Sensors {
		return SensorRecordSize
	}
	return TurnoutRecordSize
}

// End returns the terminator offset of the area.
func (r *Region) End(a Area) int {
	if a == Sensors {
		return r.SensorEnd
	}
	return r.TurnEnd
}

func (r *Region) setEnd(a Area, off int) {
	if a == Sensors {
		r.SensorEnd = off
	} else {
		r.TurnEnd = off
	}
}

// Room checks a record of size bytes plus a new terminator fits between
// the two regions.
func (r *Region) Room(size int) bool {
	return r.TurnEnd+size+1 <= r.SensorEnd
}

// Address reads the stored node address.
func (r *Region) Address() byte {
	return r.Mem.At(AddressOffset)
}

// SetAddress stores the node address.
func (r *Region) SetAddress(addr byte) {
	r.Mem.Update(AddressOffset, addr)
}

// Corrupt tells whether the last Scan failed.
func (r *Region) Corrupt() bool {
	return r.corrupt
}

// Format empties both regions, the address byte is kept.
func (r *Region) Format() {
	r.corrupt = false
	r.TurnEnd, r.SensorEnd = TurnoutBegin, r.Begin(Sensors)
	r.Mem.Update(r.TurnEnd, Terminator)
	r.Mem.Update(r.SensorEnd, Terminator)
}

// Scan walks both regions to locate their terminators.
// Inconsistencies are detected and reported, never repaired.
func (r *Region) Scan() error {
	r.corrupt = true
	if r.Mem.Len() < TurnoutBegin+TurnoutRecordSize+SensorRecordSize+1 {
		return ErrCorrupt
	}
	turnEnd, ok := r.scanArea(Turnouts, 0)
	if !ok {
		return ErrCorrupt
	}
	sensorEnd, ok := r.scanArea(Sensors, turnEnd)
	if !ok {
		return ErrCorrupt
	}
	r.TurnEnd, r.SensorEnd, r.corrupt = turnEnd, sensorEnd, false
	return nil
}

func (r *Region) scanArea(a Area, turnEnd int) (int, bool) {
	step, size := r.Step(a), r.RecordSize(a)
	for off := r.Begin(a); off >= 0 && off+size <= r.Mem.Len(); off += step {
		if a == Sensors && off <= turnEnd {
			break
		}
		if r.Mem.At(off) == Terminator {
			return off, true
		}
	}
	return 0, false
}

// Records calls fn with the offset of every slot before the terminator,
// free slots included. Iteration stops when fn returns false.
func (r *Region) Records(a Area, fn func(off int) bool) {
	step := r.Step(a)
	for off := r.Begin(a); r.before(a, off); off += step {
		if !fn(off) {
			return
		}
	}
}

// FindFree returns the first reusable slot scanning from the growth start
// toward the frontier. The frontier itself is returned only if Room allows
// a new record there.
func (r *Region) FindFree(a Area) (int, error) {
	if r.corrupt {
		return -1, ErrCorrupt
	}
	step := r.Step(a)
	off := r.Begin(a)
	for ; r.before(a, off); off += step {
		if first := r.Mem.At(off); first == Terminator || first == Free {
			return off, nil
		}
	}
	if !r.Room(r.RecordSize(a)) {
		return -1, ErrStoreFull
	}
	return off, nil
}

func (r *Region) before(a Area, off int) bool {
	if r.corrupt {
		return false
	}
	if a == Sensors {
		return off > r.SensorEnd
	}
	return off < r.TurnEnd
}

// Commit must be called after a record is written at off.
// A record written at the frontier moves the frontier and writes
// a fresh terminator right after it.
func (r *Region) Commit(a Area, off int) {
	if r.corrupt || off != r.End(a) {
		return
	}
	end := off + r.Step(a)
	r.setEnd(a, end)
	r.Mem.Update(end, Terminator)
}

// Release marks the record at off free. When it was the last record the
// frontier shrinks and the terminator is written in its place.
func (r *Region) Release(a Area, off int) {
	if r.corrupt {
		return
	}
	if off+r.Step(a) == r.End(a) {
		r.setEnd(a, off)
		r.Mem.Update(off, Terminator)
		return
	}
	r.Mem.Update(off, Free)
}
