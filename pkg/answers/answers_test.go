package answers

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/eeprom"
	"github.com/robotalks/rrbus/pkg/store"
)

func newSender(t *testing.T, sensors int) (*Sender, *bytes.Buffer) {
	s, err := store.New(eeprom.NewImage(512), false)
	require.NoError(t, err)
	for sub := 1; sub <= sensors; sub++ {
		require.NoError(t, s.AddSensor(store.NewSensor(byte(sub), byte(sub), true, false), false))
	}
	var buf bytes.Buffer
	return &Sender{W: &buf, Store: s, Address: 3}, &buf
}

func readFrames(t *testing.T, data []byte) []comm.Frame {
	var (
		parser comm.AnswerParser
		frames []comm.Frame
	)
	parser.Expect(comm.CmdAsyncRead, 3)
	for _, b := range data {
		pr := parser.Parse(b)
		require.NoError(t, pr.Err)
		if pr.Answer != nil {
			frames = append(frames, pr.Answer)
			parser.Expect(comm.CmdAsyncRead, 3)
		}
	}
	require.Equal(t, comm.StateIdle, parser.State())
	return frames
}

func consistent(t *testing.T, s *store.Store) {
	flagged := 0
	for _, sn := range s.Sensors() {
		if sn.Changed {
			flagged++
		}
	}
	require.Equal(t, flagged, s.ChangedCount())
}

func TestEnqueueSetsPending(t *testing.T) {
	var q Queue
	q.Enqueue(comm.Frame{0x00, 0x03, 0x80})
	q.Enqueue(comm.Frame{0x00, 0x03, 0x80})
	q.Enqueue(comm.Frame{0x00, 0x03, 0x80})
	require.Equal(t, 3, q.Len())
	frames := q.Frames()
	require.Equal(t, comm.BitPending, frames[0][0])
	require.Equal(t, comm.BitPending, frames[1][0])
	require.Zero(t, frames[2][0])
}

func TestAsyncTurnouts(t *testing.T) {
	var a Async
	for n := 0; n < 70; n++ {
		a.EnqueueTurnout(3, byte(n%62+1), n%2 == 1)
	}
	require.Equal(t, 2, a.Len())
	frames := a.Frames()
	require.Len(t, frames[0], comm.MaxFrameLen-1)
	require.True(t, frames[0].Terminated())
	require.Equal(t, comm.BitAsync|comm.BitTurnout|comm.BitPending, frames[0][0])
	require.Equal(t, byte(0x43), frames[0][1])
	require.False(t, frames[1].Terminated())
	require.Len(t, frames[1], 2+70-(comm.MaxFrameLen-4))

	s, buf := newSender(t, 0)
	s.Async = a
	require.NoError(t, s.SendAsync(0))
	sent := readFrames(t, buf.Bytes())
	require.Len(t, sent, 2)
	require.Equal(t, comm.Item{Sub: 2, Value: true}.Byte(), sent[0][3])
	require.True(t, sent[1].Terminated())
	require.Zero(t, s.Async.Len())
}

func TestDrainSensorChanges(t *testing.T) {
	testCases := []struct {
		name    string
		sensors int
		changed []int
		limit   int
		frames  int
		remains int
	}{
		{"none", 10, nil, 0, 1, 0},
		{"some", 10, []int{2, 5, 9}, 0, 1, 0},
		{"unlimited", 62, seq(62), 0, 2, 0},
		{"limited", 62, seq(62), 1, 1, 62 - (comm.MaxFrameLen - 4)},
		{"limit fits", 10, seq(10), 1, 1, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newSender(t, tc.sensors)
			sensors := s.Store.Sensors()
			for _, n := range tc.changed {
				sensors[n-1].Value = true
				s.Store.MarkChanged(sensors[n-1])
			}
			consistent(t, s.Store)
			frames := s.DrainSensorChanges(tc.limit, true)
			require.Len(t, frames, tc.frames)
			require.Equal(t, tc.remains, s.Store.ChangedCount())
			consistent(t, s.Store)
			reported := 0
			for n, f := range frames {
				require.True(t, f.Terminated())
				require.True(t, len(f) <= comm.MaxFrameLen)
				require.Equal(t, n+1 < len(frames) || tc.remains > 0, f[0]&comm.BitPending != 0)
				for _, b := range f.Body() {
					item := comm.ParseItem(b)
					require.True(t, item.Value)
					reported++
				}
			}
			require.Equal(t, len(tc.changed)-tc.remains, reported)
		})
	}
}

func TestDrainRetiresFlaggedOutputs(t *testing.T) {
	s, _ := newSender(t, 3)
	sensors := s.Store.Sensors()
	s.Store.MarkChanged(sensors[0])
	s.Store.MarkChanged(sensors[2])
	sensors[0].Input = false
	sensors[2].Value = true

	frames := s.DrainSensorChanges(0, true)
	require.Zero(t, s.Store.ChangedCount())
	consistent(t, s.Store)
	require.Equal(t, []comm.Frame{{comm.BitAsync, 0x43, 0x43, 0x80}}, frames)

	s.Store.MarkChanged(sensors[0])
	frames = s.DrainSensorChanges(0, true)
	require.Zero(t, s.Store.ChangedCount())
	require.Equal(t, []comm.Frame{{comm.BitAsync, 0x43, 0x80}}, frames)
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i + 1
	}
	return s
}

func TestNoEventsFrame(t *testing.T) {
	s, buf := newSender(t, 2)
	require.NoError(t, s.SendAsync(0))
	require.Equal(t, []byte{0xff, comm.BitAsync, 0x43, 0x80}, buf.Bytes())
	require.Empty(t, s.DrainSensorChanges(0, false))
}

func TestSendAnswersFlagsEvents(t *testing.T) {
	s, buf := newSender(t, 2)
	s.Answers.Enqueue(comm.Frame{0x00, 0x03, 0x01, 0x80})
	s.Answers.Enqueue(comm.Frame{0x00, 0x03, 0x02, 0x80})
	sn := s.Store.FindSensor(2)
	sn.Value, sn.LastTransition = true, time.Now()
	s.Store.MarkChanged(sn)

	require.NoError(t, s.SendAnswers(1))
	require.Equal(t, []byte{0xff, 0x02, 0x03, 0x01, 0x80}, buf.Bytes())
	buf.Reset()
	require.NoError(t, s.SendAnswers(0))
	require.Equal(t, []byte{0xff, 0x06, 0x03, 0x02, 0x80}, buf.Bytes())
	require.Zero(t, s.Answers.Len())

	buf.Reset()
	require.NoError(t, s.SendAsync(0))
	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 1)
	require.Equal(t, comm.Frame{comm.BitAsync, 0x43, 0x42, 0x80}, frames[0])
	require.Zero(t, s.Store.ChangedCount())
}

func TestSendAsyncLimit(t *testing.T) {
	s, buf := newSender(t, 3)
	s.Async.EnqueueTurnout(3, 7, true)
	for _, sn := range s.Store.Sensors() {
		s.Store.MarkChanged(sn)
	}
	require.NoError(t, s.SendAsync(1))
	frames := readFrames(t, buf.Bytes())
	require.Len(t, frames, 1)
	require.Equal(t, comm.BitAsync|comm.BitTurnout|comm.BitPending|comm.BitAsync, frames[0][0])
	require.Equal(t, 3, s.Store.ChangedCount())

	buf.Reset()
	require.NoError(t, s.SendAsync(1))
	frames = readFrames(t, buf.Bytes())
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Body(), 3)
	require.Zero(t, s.Store.ChangedCount())
}
