package answers

import (
	"io"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/store"
)

// Sender writes queued answers and async events of a node.
type Sender struct {
	W       io.Writer
	Strobe  comm.DirectionStrobe
	Store   *store.Store
	Address byte

	Answers Queue
	Async   Async
}

// SendAnswers writes up to limit queued answers, 0 means all. The last
// answer carries pending and async bits when events are waiting.
func (s *Sender) SendAnswers(limit int) error {
	return s.transmit(func() error {
		for n := 0; limit <= 0 || n < limit; n++ {
			f, last := s.Answers.pop()
			if f == nil {
				break
			}
			if last && (s.Async.Len() > 0 || s.Store.ChangedCount() > 0) {
				f[0] |= comm.BitPending | comm.BitAsync
			}
			if _, err := f.WriteTo(s.W); err != nil {
				return err
			}
		}
		return nil
	})
}

// SendAsync writes up to limit frames of turnout events then sensor
// changes, 0 means all. A single frame without events is written when
// nothing is waiting.
func (s *Sender) SendAsync(limit int) error {
	return s.transmit(func() error {
		sent := 0
		for ; limit <= 0 || sent < limit; sent++ {
			f, last := s.Async.pop()
			if f == nil {
				break
			}
			if last && s.Store.ChangedCount() > 0 {
				f[0] |= comm.BitPending | comm.BitAsync
			}
			if _, err := f.WriteTo(s.W); err != nil {
				return err
			}
		}
		if limit > 0 && sent >= limit {
			return nil
		}
		remains := 0
		if limit > 0 {
			remains = limit - sent
		}
		for _, f := range s.DrainSensorChanges(remains, sent == 0) {
			if _, err := f.WriteTo(s.W); err != nil {
				return err
			}
		}
		return nil
	})
}

// DrainSensorChanges builds up to limit frames of changed sensors, 0 means
// no limit. Each reported sensor has its changed flag retired. When empty
// is set and no sensor changed, a single frame without events is returned.
func (s *Sender) DrainSensorChanges(limit int, empty bool) []comm.Frame {
	var frames []comm.Frame
	open := s.sensorFrame()
	flush := func() {
		if s.Store.ChangedCount() > 0 {
			open[0] |= comm.BitPending
		}
		frames = append(frames, append(open, comm.Terminator))
		open = s.sensorFrame()
	}
	for _, sn := range s.Store.Sensors() {
		if s.Store.ChangedCount() == 0 || limit > 0 && len(frames) >= limit {
			break
		}
		if !sn.Changed {
			continue
		}
		if !sn.Input {
			// outputs are never reported
			s.Store.RetireChanged(sn)
			continue
		}
		open = append(open, comm.Item{Sub: sn.Subaddress, Value: sn.Value}.Byte())
		s.Store.RetireChanged(sn)
		if len(open) >= comm.MaxFrameLen-2 || s.Store.ChangedCount() == 0 {
			flush()
		}
	}
	if len(open) > 2 || len(frames) == 0 && empty {
		flush()
	}
	return frames
}

func (s *Sender) sensorFrame() comm.Frame {
	f := make(comm.Frame, 0, comm.MaxFrameLen)
	cmd := comm.Command{Async: true}
	return append(f, cmd.Byte(), comm.Address{Node: s.Address, List: true}.Byte())
}

func (s *Sender) transmit(fn func() error) error {
	if s.Strobe == nil {
		return fn()
	}
	if err := s.Strobe.SetDirection(true); err != nil {
		return err
	}
	defer s.Strobe.SetDirection(false)
	return fn()
}
