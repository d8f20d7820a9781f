package store

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/rrbus/pkg/eeprom"
)

func newTestStore(t *testing.T, size int, combinations bool) *Store {
	s, err := New(eeprom.NewImage(size), combinations)
	require.NoError(t, err)
	return s
}

func requireSorted(t *testing.T, s *Store) {
	for n := 1; n < len(s.Sensors()); n++ {
		require.Less(t, s.Sensors()[n-1].Subaddress, s.Sensors()[n].Subaddress)
	}
	for n := 1; n < len(s.Turnouts()); n++ {
		require.Less(t, s.Turnouts()[n-1].Subaddress, s.Turnouts()[n].Subaddress)
	}
}

// liveRanges returns the byte ranges held by live records.
func liveRanges(s *Store) [][2]int {
	var ranges [][2]int
	for _, a := range []eeprom.Area{eeprom.Turnouts, eeprom.Sensors} {
		size := s.region.RecordSize(a)
		s.region.Records(a, func(off int) bool {
			if first := s.region.Mem.At(off); first != eeprom.Free && first != eeprom.Terminator {
				ranges = append(ranges, [2]int{off, off + size})
			}
			return true
		})
	}
	return ranges
}

func requireFreeSlotsSafe(t *testing.T, s *Store) {
	for _, a := range []eeprom.Area{eeprom.Turnouts, eeprom.Sensors} {
		off, err := s.FindFreeSlot(a)
		if err != nil {
			require.Equal(t, ErrStoreFull, err)
			continue
		}
		end := off + s.region.RecordSize(a)
		for _, r := range liveRanges(s) {
			require.Falsef(t, off < r[1] && r[0] < end, "slot %d overlaps live record at %d", off, r[0])
		}
	}
}

func TestRandomInsertDeleteKeepsOrder(t *testing.T) {
	s := newTestStore(t, 256, false)
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		sub := byte(rnd.Intn(62) + 1)
		switch rnd.Intn(4) {
		case 0:
			err := s.AddSensor(NewSensor(sub, sub, true, false), rnd.Intn(2) == 0)
			if err != nil {
				require.Contains(t, []error{ErrDuplicate, ErrStoreFull}, err)
			}
		case 1:
			err := s.AddTurnout(NewTurnout(sub, sub, 10, 170), rnd.Intn(2) == 0)
			if err != nil {
				require.Contains(t, []error{ErrDuplicate, ErrStoreFull}, err)
			}
		case 2:
			s.DeleteSensor(sub)
		case 3:
			s.DeleteTurnout(sub)
		}
		requireSorted(t, s)
		requireFreeSlotsSafe(t, s)
	}
}

func TestFindAndBefore(t *testing.T) {
	s := newTestStore(t, 256, false)
	for _, sub := range []byte{9, 3, 30, 12} {
		require.NoError(t, s.AddSensor(NewSensor(sub, sub+1, true, true), false))
	}
	require.Equal(t, ErrDuplicate, s.AddSensor(NewSensor(12, 1, false, false), false))
	require.Equal(t, ErrInvalid, s.AddSensor(NewSensor(63, 1, false, false), false))
	require.Equal(t, ErrInvalid, s.AddSensor(NewSensor(0, 1, false, false), false))

	require.Equal(t, byte(13), s.FindSensor(12).Pin)
	require.Nil(t, s.FindSensor(10))
	require.Nil(t, s.FindSensorBefore(3))
	require.Equal(t, byte(9), s.FindSensorBefore(12).Subaddress)
	require.Equal(t, byte(30), s.FindSensorBefore(62).Subaddress)
	require.False(t, s.DeleteSensor(10))
	require.True(t, s.DeleteSensor(9))
	require.Nil(t, s.FindSensor(9))
}

func TestTurnoutRoundTrip(t *testing.T) {
	s := newTestStore(t, 256, false)
	tn := NewTurnout(17, 9, 20, 160)
	tn.Relay1 = Relay{Set: true, Pin: 4, Pulsed: true}
	tn.Relay2 = Relay{Set: true, Pin: 5}
	tn.Thrown = true
	require.NoError(t, s.AddTurnout(tn, true))
	require.True(t, tn.Synced)

	back := s.readTurnout(tn.Offset)
	require.Equal(t, tn.Subaddress, back.Subaddress)
	require.Equal(t, tn.Pin, back.Pin)
	require.Equal(t, tn.StraightPos, back.StraightPos)
	require.Equal(t, tn.ThrownPos, back.ThrownPos)
	require.Equal(t, tn.Relay1, back.Relay1)
	require.Equal(t, tn.Relay2, back.Relay2)
	require.True(t, back.Thrown)
	require.True(t, back.Moving)
	require.Equal(t, NoServo, back.Servo)
	require.Equal(t, PositionUnset, back.Position)

	none := NewTurnout(18, 10, 20, 160)
	require.NoError(t, s.AddTurnout(none, true))
	back = s.readTurnout(none.Offset)
	require.False(t, back.HasRelays())
	require.Equal(t, RelayNone, s.region.Mem.At(none.Offset+4))
}

func TestLoad(t *testing.T) {
	mem := eeprom.NewImage(128)
	s, err := New(mem, true)
	require.NoError(t, err)
	sn := NewSensor(5, 2, true, true)
	sn.Value = true
	require.NoError(t, s.AddSensor(sn, true))
	require.NoError(t, s.AddSensor(NewSensor(1, 3, false, false), true))
	require.NoError(t, s.AddTurnout(NewTurnout(7, 9, 30, 150), true))
	require.NoError(t, s.AddTurnout(NewTurnout(2, 8, 30, 150), true))
	require.NoError(t, s.Combinations().Add(&Combination{
		Subaddresses: [4]byte{2, 7},
		Forbidden:    [2]byte{0x03, 0},
	}, true))
	require.True(t, s.DeleteTurnout(2))

	loaded, err := New(mem, true)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, loaded.Load(now))
	require.Len(t, loaded.Sensors(), 2)
	require.Equal(t, byte(1), loaded.Sensors()[0].Subaddress)
	require.False(t, loaded.Sensors()[0].Input)
	got := loaded.FindSensor(5)
	require.True(t, got.Input)
	require.True(t, got.Pullup)
	require.True(t, got.Value)
	require.True(t, got.Synced)
	require.Equal(t, now, got.LastTransition)
	require.Len(t, loaded.Turnouts(), 1)
	require.Equal(t, byte(7), loaded.Turnouts()[0].Subaddress)
	require.Len(t, loaded.Combinations().All(), 1)
	require.Zero(t, loaded.ChangedCount())

	// combinations are ignored, not lost, when disabled
	plain, err := New(mem, false)
	require.NoError(t, err)
	require.NoError(t, plain.Load(now))
	require.Len(t, plain.Turnouts(), 1)
	require.Empty(t, plain.Combinations().All())
}

func TestLoadCorrupt(t *testing.T) {
	mem := eeprom.NewImage(64)
	s, err := New(mem, false)
	require.NoError(t, err)
	require.NoError(t, s.AddSensor(NewSensor(4, 2, true, false), true))
	require.NoError(t, s.AddSensor(NewSensor(6, 2, true, false), true))
	mem.Update(s.FindSensor(6).Offset, 4|0x80)
	require.Equal(t, ErrCorrupt, s.Load(time.Now()))

	for n := range mem {
		mem[n] = 0x33
	}
	_, err = New(mem, false)
	require.Equal(t, ErrCorrupt, err)
}

func TestCorruptStoreKeepsMemory(t *testing.T) {
	// one turnout with a zero relay byte, no sensor terminator
	mem := eeprom.NewImage(32)
	copy(mem[eeprom.TurnoutBegin:], []byte{3, 9, 0x50, 0x60, 0x81, 0x00})
	for n := eeprom.TurnoutBegin + eeprom.TurnoutRecordSize + 1; n < len(mem); n++ {
		mem[n] = 0x42
	}
	before := append(eeprom.Image(nil), mem...)

	s, err := New(mem, false)
	require.Equal(t, ErrCorrupt, err)
	require.Equal(t, ErrCorrupt, s.Load(time.Now()))
	require.Equal(t, ErrCorrupt, s.AddSensor(NewSensor(5, 2, true, false), true))
	require.Equal(t, ErrCorrupt, s.AddTurnout(NewTurnout(4, 1, 0, 0), true))
	require.Empty(t, s.Sensors())
	require.False(t, s.DeleteTurnout(3))

	require.NoError(t, s.AddSensor(NewSensor(5, 2, true, false), false))
	require.Equal(t, ErrCorrupt, s.SaveAll())
	require.Equal(t, before, mem)

	s.Clear()
	require.NoError(t, s.SaveAll())
	require.NoError(t, s.Load(time.Now()))
	require.NotNil(t, s.FindSensor(5))
}

func TestStoreFullRefusesRecord(t *testing.T) {
	// address, one turnout and its terminator, one sensor and its terminator
	s := newTestStore(t, 12, false)
	require.NoError(t, s.AddTurnout(NewTurnout(1, 1, 0, 0), true))
	err := s.AddTurnout(NewTurnout(2, 1, 0, 0), true)
	require.Equal(t, ErrStoreFull, err)
	require.Nil(t, s.FindTurnout(2))
	require.NoError(t, s.AddSensor(NewSensor(1, 1, true, false), true))
	require.Equal(t, ErrStoreFull, s.AddSensor(NewSensor(2, 1, true, false), true))
	require.Len(t, s.Sensors(), 1)

	// in memory only is always accepted
	require.NoError(t, s.AddSensor(NewSensor(2, 1, true, false), false))
	require.Equal(t, ErrStoreFull, s.SaveAll())
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t, 64, false)
	sn := NewSensor(8, 3, false, false)
	require.Equal(t, ErrNotFound, s.UpdateSensor(sn))
	require.NoError(t, s.AddSensor(sn, true))
	sn.Value, sn.Synced = true, false
	require.NoError(t, s.SaveAll())
	require.True(t, sn.Synced)
	require.Equal(t, byte(8|0x40), s.region.Mem.At(sn.Offset))

	tn := NewTurnout(3, 4, 10, 20)
	require.NoError(t, s.AddTurnout(tn, true))
	tn.Offset = -1
	tn.ThrownPos = 99
	require.NoError(t, s.UpdateTurnout(tn))
	require.Equal(t, byte(99), s.region.Mem.At(tn.Offset+3))
	require.Equal(t, byte(3), s.region.Mem.At(tn.Offset))
	require.Equal(t, ErrNotFound, s.UpdateTurnout(NewTurnout(4, 4, 10, 20)))
}

func TestChangedCount(t *testing.T) {
	s := newTestStore(t, 64, false)
	a, b := NewSensor(1, 1, true, false), NewSensor(2, 2, true, false)
	require.NoError(t, s.AddSensor(a, false))
	require.NoError(t, s.AddSensor(b, false))
	s.MarkChanged(a)
	s.MarkChanged(a)
	s.MarkChanged(b)
	require.Equal(t, 2, s.ChangedCount())
	s.RetireChanged(a)
	s.RetireChanged(a)
	require.Equal(t, 1, s.ChangedCount())
	require.True(t, s.DeleteSensor(2))
	require.Zero(t, s.ChangedCount())
}

func TestClear(t *testing.T) {
	mem := eeprom.NewImage(64)
	s, err := New(mem, false)
	require.NoError(t, err)
	require.NoError(t, s.AddTurnout(NewTurnout(3, 4, 10, 20), true))
	s.Clear()
	require.False(t, s.FindTurnout(3).Synced)
	require.NoError(t, s.Load(time.Now()))
	require.Empty(t, s.Turnouts())
}

func TestCombinations(t *testing.T) {
	s := newTestStore(t, 128, true)
	c := &Combination{Subaddresses: [4]byte{4, 5, 6}, Forbidden: [2]byte{0x30, 0x07}}
	require.Equal(t, []byte{0, 3, 7}, c.Patterns())
	require.Equal(t, 3, c.Count())
	require.NoError(t, s.Combinations().Add(c, false))
	require.Equal(t, ErrDuplicate, s.Combinations().Add(&Combination{Subaddresses: [4]byte{4, 5, 6}}, false))
	require.Equal(t, ErrInvalid, s.Combinations().Add(&Combination{Subaddresses: [4]byte{4}}, false))

	thrown := map[byte]bool{}
	at := func(sub byte) bool { return thrown[sub] }
	require.True(t, s.Combinations().Forbidden(4, at))
	thrown[6] = true
	require.False(t, s.Combinations().Forbidden(4, at))
	thrown[4], thrown[5] = true, true
	require.True(t, s.Combinations().Forbidden(5, at))
	require.False(t, s.Combinations().Forbidden(9, at))

	require.NoError(t, s.SaveAll())
	require.True(t, c.Synced)
	require.True(t, s.Combinations().Delete([4]byte{4, 5, 6}))
	require.Equal(t, eeprom.TurnoutBegin, s.region.TurnEnd)

	none := newTestStore(t, 64, false).Combinations()
	require.False(t, none.Enabled())
	require.Equal(t, ErrUnsupported, none.Add(c, false))
	require.False(t, none.Forbidden(4, at))
}
