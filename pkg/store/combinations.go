package store

import "github.com/robotalks/rrbus/pkg/eeprom"

// Combinations stores turnout combinations. The same interface is served
// whether the capability is enabled or not.
type Combinations interface {
	Enabled() bool
	All() []*Combination
	Find(subs [4]byte) *Combination
	Add(c *Combination, persist bool) error
	Update(c *Combination) error
	Delete(subs [4]byte) bool
	// Forbidden reports whether moving turnout sub makes any combination
	// it belongs to match a forbidden pattern. thrown gives the target of
	// every turnout, sub included.
	Forbidden(sub byte, thrown func(sub byte) bool) bool

	reset()
	unsync()
	load(off int) error
	saveAll() error
}

type noCombinations struct{}

func (noCombinations) Enabled() bool                        { return false }
func (noCombinations) All() []*Combination                  { return nil }
func (noCombinations) Find([4]byte) *Combination            { return nil }
func (noCombinations) Add(*Combination, bool) error         { return ErrUnsupported }
func (noCombinations) Update(*Combination) error            { return ErrUnsupported }
func (noCombinations) Delete([4]byte) bool                  { return false }
func (noCombinations) Forbidden(byte, func(byte) bool) bool { return false }
func (noCombinations) reset()                               {}
func (noCombinations) unsync()                              {}
func (noCombinations) load(int) error                       { return nil }
func (noCombinations) saveAll() error                       { return nil }

type combinationStore struct {
	store *Store
	list  records[*Combination]
}

func byCombination(k [4]byte) func(*Combination) int {
	return func(c *Combination) int { return compareKeys(c.key(), k) }
}

func (cs *combinationStore) Enabled() bool { return true }

func (cs *combinationStore) All() []*Combination { return cs.list }

func (cs *combinationStore) Find(subs [4]byte) *Combination {
	c, _ := cs.list.find(byCombination(subs))
	return c
}

func (cs *combinationStore) Add(c *Combination, persist bool) error {
	if c.Count() < 2 || !ValidSubaddress(c.Subaddresses[0]&0x3F) {
		return ErrInvalid
	}
	if cs.Find(c.key()) != nil {
		return ErrDuplicate
	}
	c.Offset = -1
	if persist {
		if err := cs.save(c); err != nil {
			return err
		}
	}
	cs.list.insert(c, byCombination(c.key()))
	return nil
}

func (cs *combinationStore) Update(c *Combination) error {
	if c.Offset < 0 {
		c.Offset = cs.locate(c.key())
	}
	if c.Offset < 0 {
		return ErrNotFound
	}
	mem := cs.store.region.Mem
	mem.Update(c.Offset+4, c.Forbidden[0])
	mem.Update(c.Offset+5, c.Forbidden[1])
	c.Synced = true
	return nil
}

func (cs *combinationStore) Delete(subs [4]byte) bool {
	c, ok := cs.list.remove(byCombination(subs))
	if !ok {
		return false
	}
	off := c.Offset
	if off < 0 {
		off = cs.locate(c.key())
	}
	if off >= 0 {
		cs.store.region.Release(eeprom.Turnouts, off)
	}
	return true
}

func (cs *combinationStore) Forbidden(sub byte, thrown func(sub byte) bool) bool {
	for _, c := range cs.list {
		if c.Contains(sub) && c.Forbids(thrown) {
			return true
		}
	}
	return false
}

func (cs *combinationStore) reset() { cs.list = nil }

func (cs *combinationStore) unsync() {
	for _, c := range cs.list {
		c.Offset, c.Synced = -1, false
	}
}

func (cs *combinationStore) load(off int) error {
	c := decodeCombination(cs.store.read(off, eeprom.TurnoutRecordSize))
	c.Offset = off
	if !cs.list.insert(c, byCombination(c.key())) {
		return ErrCorrupt
	}
	return nil
}

func (cs *combinationStore) save(c *Combination) error {
	region := cs.store.region
	off, err := region.FindFree(eeprom.Turnouts)
	if err != nil {
		return err
	}
	rec := c.encode()
	for n, b := range rec {
		region.Mem.Update(off+n, b)
	}
	region.Commit(eeprom.Turnouts, off)
	c.Offset, c.Synced = off, true
	return nil
}

func (cs *combinationStore) saveAll() error {
	var firstErr error
	for _, c := range cs.list {
		if c.Synced {
			continue
		}
		var err error
		if c.Offset >= 0 {
			err = cs.Update(c)
		} else {
			err = cs.save(c)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (cs *combinationStore) locate(k [4]byte) int {
	return cs.store.locate(eeprom.Turnouts, func(rec []byte) bool {
		if rec[0] == eeprom.Free || rec[0]&combinationBit == 0 {
			return false
		}
		return compareKeys(decodeCombination(rec).key(), k) == 0
	})
}
