package comm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type parserTestSequence struct {
	in    []byte
	state ParseState
	final ParseResult
}

type parserTestSequenceBuilder struct {
	seq []parserTestSequence
}

func parserTestSequences() *parserTestSequenceBuilder {
	return &parserTestSequenceBuilder{}
}

func (b *parserTestSequenceBuilder) on(state ParseState, in ...byte) *parserTestSequenceBuilder {
	b.seq = append(b.seq, parserTestSequence{in: in, state: state})
	return b
}

func (b *parserTestSequenceBuilder) start() *parserTestSequenceBuilder {
	return b.on(StateAwaitingFirst, Start)
}

func (b *parserTestSequenceBuilder) answer(in ...byte) *parserTestSequenceBuilder {
	b.seq[len(b.seq)-1].final = ParseResult{Answer: Frame(in)}
	return b
}

func (b *parserTestSequenceBuilder) fails(err error) *parserTestSequenceBuilder {
	b.seq[len(b.seq)-1].final.Err = err
	return b
}

func (b *parserTestSequenceBuilder) build() []parserTestSequence {
	return b.seq
}

func TestAnswerParser(t *testing.T) {
	testCases := []struct {
		name string
		cmd  byte
		addr byte
		seq  []parserTestSequence
	}{
		{
			name: "version",
			cmd:  CmdVersion, addr: 3,
			seq: parserTestSequences().
				on(StateIdle, 0x01, 0x7f).
				start().
				on(StateAwaitingSecond, 0x88).
				on(StateAccumulatingBody, 0x03, 0x05, 0x80).answer(0x88, 0x03, 0x05, 0x80).
				build(),
		},
		{
			name: "pending answers",
			cmd:  CmdShowSensors, addr: 3,
			seq: parserTestSequences().
				start().
				on(StateAwaitingSecond, 0xca).
				on(StateAccumulatingBody, 0x03, 0x01, 0x02, 0x80).answer(0xca, 0x03, 0x01, 0x02, 0x80).
				start().
				on(StateAwaitingSecond, 0xc8).
				on(StateAccumulatingBody, 0x03, 0x80).answer(0xc8, 0x03, 0x80).
				build(),
		},
		{
			name: "not an answer",
			cmd:  CmdVersion, addr: 3,
			seq: parserTestSequences().
				start().
				on(StateIdle, 0x89).fails(ErrNotAnAnswer).
				build(),
		},
		{
			name: "command mismatch",
			cmd:  CmdVersion, addr: 3,
			seq: parserTestSequences().
				start().
				on(StateIdle, 0x98).fails(ErrCommandMismatch).
				start().
				on(StateAwaitingSecond, 0x88).
				on(StateAccumulatingBody, 0x03, 0x01, 0x80).answer(0x88, 0x03, 0x01, 0x80).
				build(),
		},
		{
			name: "async read accepts any class",
			cmd:  CmdAsyncRead, addr: 7,
			seq: parserTestSequences().
				start().
				on(StateAwaitingSecond, 0x14).
				on(StateAccumulatingBody, 0x47, 0x05, 0x46, 0x80).answer(0x14, 0x47, 0x05, 0x46, 0x80).
				build(),
		},
		{
			name: "device error",
			cmd:  CmdStoreEEPROM, addr: 3,
			seq: parserTestSequences().
				start().
				on(StateAwaitingSecond, 0xa8).
				on(StateAccumulatingBody, 0x03, 0x81).answer(0xa8, 0x03, 0x81).fails(&DeviceError{Code: CodeEEPROMFull}).
				build(),
		},
		{
			name: "too long",
			cmd:  0x41, addr: 3,
			seq: parserTestSequences().
				start().
				on(StateAwaitingSecond, 0x40).
				on(StateAccumulatingBody, append([]byte{0x03}, bytes.Repeat([]byte{0x01}, MaxFrameLen-2)...)...).
				on(StateIdle, 0x01).fails(ErrFrameTooLong).
				build(),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var parser AnswerParser
			parser.Expect(tc.cmd, tc.addr)
			for n, s := range tc.seq {
				var pr ParseResult
				for i, b := range s.in {
					pr = parser.Parse(b)
					if i+1 < len(s.in) {
						require.Equalf(t, ParseResult{}, pr, "seq[%d][%d] unexpected result", n, i)
						require.Equalf(t, s.state, parser.State(), "seq[%d][%d] state mismatch", n, i)
					}
				}
				require.Equalf(t, s.final, pr, "seq[%d] final mismatch", n)
				if pr.Answer != nil || pr.Err != nil {
					require.Equalf(t, StateIdle, parser.State(), "seq[%d] final state", n)
				} else {
					require.Equalf(t, s.state, parser.State(), "seq[%d] final state", n)
				}
			}
		})
	}
}

func TestAnswerParserAddressMismatch(t *testing.T) {
	var parser AnswerParser
	for addr := byte(1); addr <= MaxAddress; addr++ {
		for other := byte(0); other <= AddrMask; other++ {
			if other == addr {
				continue
			}
			parser.Expect(CmdVersion, addr)
			parser.Parse(Start)
			parser.Parse(CmdVersion &^ BitRequest)
			pr := parser.Parse(other | AddrList)
			require.ErrorIs(t, pr.Err, ErrAddressMismatch)
			require.Nil(t, pr.Answer)
			require.Equal(t, StateIdle, parser.State())
		}
	}
}

func TestCommandParser(t *testing.T) {
	testCases := []struct {
		name   string
		in     []byte
		frames []Frame
		err    error
	}{
		{
			name:   "version",
			in:     []byte{0xff, 0x89, 0x03},
			frames: []Frame{{0x89, 0x03}},
		},
		{
			name:   "read single",
			in:     []byte{0xff, 0x01, 0x03, 0x05},
			frames: []Frame{{0x01, 0x03, 0x05}},
		},
		{
			name:   "read list",
			in:     []byte{0xff, 0x01, 0x43, 0x05, 0x06, 0x87},
			frames: []Frame{{0x01, 0x43, 0x05, 0x06, 0x87}},
		},
		{
			name:   "write single",
			in:     []byte{0xff, 0x31, 0x03, 0x45},
			frames: []Frame{{0x31, 0x03, 0x45}},
		},
		{
			name:   "read all",
			in:     []byte{0xff, 0x41, 0x03},
			frames: []Frame{{0x41, 0x03}},
		},
		{
			name:   "async read",
			in:     []byte{0xff, 0x05, 0x03},
			frames: []Frame{{0x05, 0x03}},
		},
		{
			name:   "config sensor",
			in:     []byte{0xff, 0x81, 0x03, 0x05, 0x8a},
			frames: []Frame{{0x81, 0x03, 0x05, 0x8a}},
		},
		{
			name:   "config sensor list",
			in:     []byte{0xff, 0x81, 0x43, 0x05, 0x0a, 0x86, 0x8b},
			frames: []Frame{{0x81, 0x43, 0x05, 0x0a, 0x86, 0x8b}},
		},
		{
			name:   "config turnout",
			in:     []byte{0xff, 0x91, 0x03, 0x05, 0x0a, 0x10, 0x50},
			frames: []Frame{{0x91, 0x03, 0x05, 0x0a, 0x10, 0x50}},
		},
		{
			name:   "config turnout with relays",
			in:     []byte{0xff, 0x91, 0x03, 0x45, 0x0a, 0x10, 0x50, 0x0b, 0x8c},
			frames: []Frame{{0x91, 0x03, 0x45, 0x0a, 0x10, 0x50, 0x0b, 0x8c}},
		},
		{
			name: "config turnout list",
			in: []byte{0xff, 0x91, 0x43,
				0x45, 0x0a, 0x10, 0x50, 0x0b, 0x0c,
				0x86, 0x0d, 0x10, 0x50},
			frames: []Frame{{0x91, 0x43,
				0x45, 0x0a, 0x10, 0x50, 0x0b, 0x0c,
				0x86, 0x0d, 0x10, 0x50}},
		},
		{
			name:   "delete",
			in:     []byte{0xff, 0xb1, 0x03, 0x05},
			frames: []Frame{{0xb1, 0x03, 0x05}},
		},
		{
			name:   "fine tune",
			in:     []byte{0xff, 0xe9, 0x03, 0x05, 0x20},
			frames: []Frame{{0xe9, 0x03, 0x05, 0x20}},
		},
		{
			name:   "skip answers",
			in:     []byte{0xff, 0x88, 0x03, 0x05, 0x80, 0xff, 0x89, 0x04},
			frames: []Frame{{0x89, 0x04}},
		},
		{
			name:   "restart on start byte",
			in:     []byte{0xff, 0x01, 0x43, 0x05, 0xff, 0x89, 0x03},
			frames: []Frame{{0x89, 0x03}},
		},
		{
			name: "ignore noise",
			in:   []byte{0x01, 0x02, 0x80},
		},
		{
			name: "write all",
			in:   []byte{0xff, 0x61, 0x03},
			err:  ErrBadCommand,
		},
		{
			name: "too long",
			in:   append([]byte{0xff, 0x01, 0x43}, bytes.Repeat([]byte{0x01}, MaxFrameLen-1)...),
			err:  ErrFrameTooLong,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var (
				parser CommandParser
				frames []Frame
				err    error
			)
			for _, b := range tc.in {
				f, e := parser.Parse(b)
				if f != nil {
					frames = append(frames, f)
				}
				if e != nil {
					err = e
				}
			}
			require.Equal(t, tc.frames, frames)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPack7(t *testing.T) {
	data := []byte{0x80, 0x01, 0xff, 0x7f, 0x00, 0x81, 0x40, 0xc0, 0x02}
	packed := Pack7(data)
	require.Len(t, packed, len(data)+2)
	for _, b := range packed {
		require.Zero(t, b&0x80)
	}
	require.Equal(t, data, Unpack7(packed))
}

func TestCommandByte(t *testing.T) {
	require.Equal(t, byte(0x89), CmdVersion)
	require.Equal(t, byte(0xa9), CmdStoreEEPROM)
	require.Equal(t, byte(0xb9), CmdLoadEEPROM)
	require.Equal(t, byte(0xc9), CmdShowSensors)
	require.Equal(t, byte(0xd9), CmdShowTurnouts)
	require.Equal(t, byte(0xf9), CmdClearEEPROM)
	require.Equal(t, byte(0x05), CmdAsyncRead)
	for b := 0; b < 256; b++ {
		require.Equal(t, byte(b), ParseCommand(byte(b)).Byte())
	}
	require.True(t, ParseCommand(0xa1).Delete())
	require.False(t, ParseCommand(0x21).Delete())
}

func TestAddressByte(t *testing.T) {
	for b := 0; b < 256; b++ {
		require.Equal(t, byte(b), ParseAddress(byte(b)).Byte())
	}
	require.False(t, ValidAddress(0))
	require.True(t, ValidAddress(62))
	require.False(t, ValidAddress(63))
}

func TestBitmap(t *testing.T) {
	var m Bitmap
	for _, sub := range []byte{0, 6, 7, 62} {
		m.Set(sub)
	}
	require.Equal(t, 4, m.Count())
	require.Equal(t, []byte{0, 6, 7, 62}, m.Subaddresses())
	require.Equal(t, byte(0x41), m[0])
	require.Equal(t, byte(0x01), m[1])
	require.Equal(t, byte(0x40), m[8])
	values := []bool{true, false, true, true, false, false, false, true}
	require.Equal(t, []byte{0x0d, 0x01}, PackBits(values))
	require.Equal(t, values, UnpackBits(PackBits(values), len(values)))
}

func TestFrame(t *testing.T) {
	f := NewFrame(Command{Request: true}, Address{Node: 3, List: true}, Items(Item{Sub: 5}, Item{Sub: 6})...)
	require.Equal(t, Frame{0x01, 0x43, 0x05, 0x86}, f)
	require.Equal(t, []byte{0xff, 0x01, 0x43, 0x05, 0x86}, f.Bytes())
	require.True(t, f.Terminated())
	require.Equal(t, "01 43 05 86", f.String())
	parsed, err := ParseFrame("ff 01 43 05 86")
	require.NoError(t, err)
	require.Equal(t, f, parsed)

	answer := Frame{0xa8, 0x03, 0x82}
	require.Equal(t, CodeMemoryFull, answer.ErrorCode())
	require.Empty(t, answer.Body())
}
