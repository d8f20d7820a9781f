// Package store keeps the sensor, turnout and turnout combination
// configurations of a node, ordered by subaddress and backed by the
// persistent memory layout of package eeprom.
package store

import (
	"errors"
	"time"

	"github.com/robotalks/rrbus/pkg/eeprom"
)

var (
	// ErrNotFound indicates no record has the subaddress.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates the subaddress is already configured.
	ErrDuplicate = errors.New("subaddress already configured")
	// ErrInvalid indicates an out of range subaddress.
	ErrInvalid = errors.New("invalid subaddress")
	// ErrUnsupported indicates the capability isn't enabled.
	ErrUnsupported = errors.New("capability not enabled")
	// ErrStoreFull is returned when the persistent memory has no room.
	ErrStoreFull = eeprom.ErrStoreFull
	// ErrCorrupt is returned when the persistent layout is inconsistent.
	ErrCorrupt = eeprom.ErrCorrupt
	// ErrWrite is returned when the persistent memory failed an update.
	ErrWrite = eeprom.ErrWrite
)

// Store owns the configuration lists of one node.
type Store struct {
	region   *eeprom.Region
	sensors  records[*Sensor]
	turnouts records[*Turnout]
	combos   Combinations
	changed  int
}

// New creates a Store over mem. Lists stay empty until Load.
// When the layout is corrupt the Store is still returned along with
// ErrCorrupt, and Clear makes it usable.
func New(mem eeprom.Memory, combinations bool) (*Store, error) {
	region, err := eeprom.NewRegion(mem)
	s := &Store{region: region}
	if combinations {
		s.combos = &combinationStore{store: s}
	} else {
		s.combos = noCombinations{}
	}
	return s, err
}

// Region exposes the persistent region.
func (s *Store) Region() *eeprom.Region {
	return s.region
}

// Combinations returns the combination store, a no-op one when disabled.
func (s *Store) Combinations() Combinations {
	return s.combos
}

// FindFreeSlot returns a reusable or new slot in the area.
func (s *Store) FindFreeSlot(a eeprom.Area) (int, error) {
	return s.region.FindFree(a)
}

func bySensor(sub byte) func(*Sensor) int {
	return func(r *Sensor) int { return int(r.Subaddress) - int(sub) }
}

func byTurnout(sub byte) func(*Turnout) int {
	return func(r *Turnout) int { return int(r.Subaddress) - int(sub) }
}

// Sensors returns the sensors in ascending subaddress order.
// The slice must not be modified.
func (s *Store) Sensors() []*Sensor {
	return s.sensors
}

// FindSensor finds a sensor by subaddress, nil if not configured.
func (s *Store) FindSensor(sub byte) *Sensor {
	r, _ := s.sensors.find(bySensor(sub))
	return r
}

// FindSensorBefore returns the sensor with the highest subaddress below sub.
func (s *Store) FindSensorBefore(sub byte) *Sensor {
	r, _ := s.sensors.lastBefore(bySensor(sub))
	return r
}

// AddSensor inserts a new sensor and persists it if requested.
// Nothing is inserted when persisting fails.
func (s *Store) AddSensor(sn *Sensor, persist bool) error {
	if !ValidSubaddress(sn.Subaddress) {
		return ErrInvalid
	}
	if s.FindSensor(sn.Subaddress) != nil {
		return ErrDuplicate
	}
	sn.Offset = -1
	if persist {
		if err := s.saveSensor(sn); err != nil {
			return err
		}
	}
	s.sensors.insert(sn, bySensor(sn.Subaddress))
	return nil
}

// UpdateSensor rewrites the persisted fields of a sensor at its known
// offset, or the one found by scanning. The key is never rewritten.
func (s *Store) UpdateSensor(sn *Sensor) error {
	if sn.Offset < 0 {
		sn.Offset = s.locate(eeprom.Sensors, func(rec []byte) bool {
			return rec[0] != eeprom.Free && rec[0]&0x3F == sn.Subaddress
		})
	}
	if sn.Offset < 0 {
		return ErrNotFound
	}
	rec := sn.encode()
	key := s.region.Mem.At(sn.Offset) & 0x3F
	s.region.Mem.Update(sn.Offset, key|rec[0]&^0x3F)
	s.region.Mem.Update(sn.Offset+1, rec[1])
	sn.Synced = true
	return nil
}

// DeleteSensor removes a sensor and frees its persistent slot.
func (s *Store) DeleteSensor(sub byte) bool {
	sn, ok := s.sensors.remove(bySensor(sub))
	if !ok {
		return false
	}
	s.RetireChanged(sn)
	off := sn.Offset
	if off < 0 {
		off = s.locate(eeprom.Sensors, func(rec []byte) bool {
			return rec[0] != eeprom.Free && rec[0]&0x3F == sub
		})
	}
	if off >= 0 {
		s.region.Release(eeprom.Sensors, off)
	}
	return true
}

func (s *Store) saveSensor(sn *Sensor) error {
	off, err := s.region.FindFree(eeprom.Sensors)
	if err != nil {
		return err
	}
	s.writeSensor(off, sn)
	s.region.Commit(eeprom.Sensors, off)
	return nil
}

func (s *Store) writeSensor(off int, sn *Sensor) {
	rec := sn.encode()
	for n, b := range rec {
		s.region.Mem.Update(off+n, b)
	}
	sn.Offset, sn.Synced = off, true
}

func (s *Store) readSensor(off int) *Sensor {
	sn := decodeSensor(s.read(off, eeprom.SensorRecordSize))
	sn.Offset = off
	return sn
}

// MarkChanged flags a sensor as changed and counts it once.
func (s *Store) MarkChanged(sn *Sensor) {
	if !sn.Changed {
		sn.Changed = true
		s.changed++
	}
}

// RetireChanged clears the changed flag along with its count.
func (s *Store) RetireChanged(sn *Sensor) {
	if sn.Changed {
		sn.Changed = false
		s.changed--
	}
}

// ChangedCount is the number of sensors flagged changed.
func (s *Store) ChangedCount() int {
	return s.changed
}

// Turnouts returns the turnouts in ascending subaddress order.
// The slice must not be modified.
func (s *Store) Turnouts() []*Turnout {
	return s.turnouts
}

// FindTurnout finds a turnout by subaddress, nil if not configured.
func (s *Store) FindTurnout(sub byte) *Turnout {
	r, _ := s.turnouts.find(byTurnout(sub))
	return r
}

// FindTurnoutBefore returns the turnout with the highest subaddress below sub.
func (s *Store) FindTurnoutBefore(sub byte) *Turnout {
	r, _ := s.turnouts.lastBefore(byTurnout(sub))
	return r
}

// AddTurnout inserts a new turnout and persists it if requested.
func (s *Store) AddTurnout(t *Turnout, persist bool) error {
	if !ValidSubaddress(t.Subaddress) {
		return ErrInvalid
	}
	if s.FindTurnout(t.Subaddress) != nil {
		return ErrDuplicate
	}
	t.Offset = -1
	if persist {
		if err := s.saveTurnout(t); err != nil {
			return err
		}
	}
	s.turnouts.insert(t, byTurnout(t.Subaddress))
	return nil
}

// UpdateTurnout rewrites all fields but the subaddress.
func (s *Store) UpdateTurnout(t *Turnout) error {
	if t.Offset < 0 {
		t.Offset = s.locate(eeprom.Turnouts, func(rec []byte) bool {
			return rec[0]&0x80 == 0 && rec[0] == t.Subaddress
		})
	}
	if t.Offset < 0 {
		return ErrNotFound
	}
	rec := t.encode()
	for n := 1; n < len(rec); n++ {
		s.region.Mem.Update(t.Offset+n, rec[n])
	}
	t.Synced = true
	return nil
}

// DeleteTurnout removes a turnout and frees its persistent slot.
func (s *Store) DeleteTurnout(sub byte) bool {
	t, ok := s.turnouts.remove(byTurnout(sub))
	if !ok {
		return false
	}
	off := t.Offset
	if off < 0 {
		off = s.locate(eeprom.Turnouts, func(rec []byte) bool {
			return rec[0]&0x80 == 0 && rec[0] == sub
		})
	}
	if off >= 0 {
		s.region.Release(eeprom.Turnouts, off)
	}
	return true
}

func (s *Store) saveTurnout(t *Turnout) error {
	off, err := s.region.FindFree(eeprom.Turnouts)
	if err != nil {
		return err
	}
	s.writeTurnout(off, t)
	s.region.Commit(eeprom.Turnouts, off)
	return nil
}

func (s *Store) writeTurnout(off int, t *Turnout) {
	rec := t.encode()
	for n, b := range rec {
		s.region.Mem.Update(off+n, b)
	}
	t.Offset, t.Synced = off, true
}

func (s *Store) readTurnout(off int) *Turnout {
	t := decodeTurnout(s.read(off, eeprom.TurnoutRecordSize))
	t.Offset = off
	return t
}

func (s *Store) read(off, size int) []byte {
	rec := make([]byte, size)
	for n := range rec {
		rec[n] = s.region.Mem.At(off + n)
	}
	return rec
}

// locate scans an area for the record accepted by match.
func (s *Store) locate(a eeprom.Area, match func(rec []byte) bool) int {
	found, size := -1, s.region.RecordSize(a)
	s.region.Records(a, func(off int) bool {
		if match(s.read(off, size)) {
			found = off
			return false
		}
		return true
	})
	return found
}

// Load rebuilds all lists from the persistent memory. Inconsistencies are
// reported with ErrCorrupt, never repaired.
func (s *Store) Load(now time.Time) error {
	s.sensors, s.turnouts, s.changed = nil, nil, 0
	s.combos.reset()
	if err := s.region.Scan(); err != nil {
		return err
	}
	var err error
	s.region.Records(eeprom.Sensors, func(off int) bool {
		if s.region.Mem.At(off) == eeprom.Free {
			return true
		}
		sn := s.readSensor(off)
		sn.LastTransition = now
		if !ValidSubaddress(sn.Subaddress) || !s.sensors.insert(sn, bySensor(sn.Subaddress)) {
			err = ErrCorrupt
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	s.region.Records(eeprom.Turnouts, func(off int) bool {
		first := s.region.Mem.At(off)
		switch {
		case first == eeprom.Free:
			return true
		case first&combinationBit != 0:
			if s.combos.Enabled() {
				err = s.combos.load(off)
			}
		default:
			t := s.readTurnout(off)
			if !ValidSubaddress(t.Subaddress) || !s.turnouts.insert(t, byTurnout(t.Subaddress)) {
				err = ErrCorrupt
			}
		}
		return err == nil
	})
	return err
}

// SaveAll persists every record not yet in sync. All records are tried,
// the first error is returned. Nothing is written to a corrupt memory.
func (s *Store) SaveAll() error {
	if s.region.Corrupt() {
		return ErrCorrupt
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sn := range s.sensors {
		switch {
		case sn.Synced:
		case sn.Offset >= 0:
			keep(s.UpdateSensor(sn))
		default:
			keep(s.saveSensor(sn))
		}
	}
	for _, t := range s.turnouts {
		switch {
		case t.Synced:
		case t.Offset >= 0:
			keep(s.UpdateTurnout(t))
		default:
			keep(s.saveTurnout(t))
		}
	}
	keep(s.combos.saveAll())
	return firstErr
}

// Clear formats the persistent memory. Records stay configured but are
// no longer in sync.
func (s *Store) Clear() {
	s.region.Format()
	for _, sn := range s.sensors {
		sn.Offset, sn.Synced = -1, false
	}
	for _, t := range s.turnouts {
		t.Offset, t.Synced = -1, false
	}
	s.combos.unsync()
}
