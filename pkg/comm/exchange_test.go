package comm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testPort struct {
	lock      sync.Mutex
	in        []byte
	out       bytes.Buffer
	replies   map[string][]byte
	err       error
	timeout   bool
	direction []bool
}

func newTestPort() *testPort {
	return &testPort{replies: make(map[string][]byte)}
}

func (p *testPort) reply(cmd Frame, answer ...byte) {
	p.replies[string(cmd.Bytes())] = answer
}

func (p *testPort) Read(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	if len(p.in) == 0 {
		if p.timeout {
			return 0, os.ErrDeadlineExceeded
		}
		return 0, nil
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *testPort) Write(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.out.Write(b)
	p.in = append(p.in, p.replies[string(b)]...)
	return len(b), nil
}

func (p *testPort) SetDirection(transmit bool) error {
	p.direction = append(p.direction, transmit)
	return nil
}

func TestExchange(t *testing.T) {
	port := newTestPort()
	cmd := NewFrame(ParseCommand(CmdVersion), Address{Node: 3})
	port.reply(cmd, 0xff, 0x88, 0x03, 0x05, 0x80)
	x := NewExchanger(port)
	idles := 0
	answer, err := x.Exchange(context.Background(), cmd, func() { idles++ })
	require.NoError(t, err)
	require.Equal(t, Frame{0x88, 0x03, 0x05, 0x80}, answer)
	require.Equal(t, []byte{0xff, 0x89, 0x03}, port.out.Bytes())
	require.Equal(t, []bool{true, false}, port.direction)
	require.True(t, idles >= 5)
}

func TestExchangeTimeout(t *testing.T) {
	for _, timeout := range []bool{false, true} {
		port := newTestPort()
		port.timeout = timeout
		cmd := NewFrame(ParseCommand(CmdVersion), Address{Node: 3})
		// partial answer never terminated
		port.reply(cmd, 0xff, 0x88, 0x03, 0x05)
		x := NewExchanger(port)
		x.Timeout = 10 * time.Millisecond
		start := time.Now()
		_, err := x.Exchange(context.Background(), cmd, nil)
		require.Equal(t, ErrTimeout, err)
		require.True(t, time.Since(start) >= x.Timeout)
		require.Equal(t, StateIdle, x.parser.State())
	}
}

func TestExchangeFramingError(t *testing.T) {
	port := newTestPort()
	cmd := NewFrame(ParseCommand(CmdVersion), Address{Node: 3})
	port.reply(cmd, 0xff, 0x88, 0x04, 0x05, 0x80)
	_, err := NewExchanger(port).Exchange(context.Background(), cmd, nil)
	require.ErrorIs(t, err, ErrAddressMismatch)
	require.True(t, IsFraming(err))
}

func TestExchangeReadError(t *testing.T) {
	port := newTestPort()
	port.err = errors.New("broken")
	cmd := NewFrame(ParseCommand(CmdVersion), Address{Node: 3})
	_, err := NewExchanger(port).Exchange(context.Background(), cmd, nil)
	require.Equal(t, port.err, err)
}

func TestExchangeCanceled(t *testing.T) {
	port := newTestPort()
	cmd := NewFrame(ParseCommand(CmdVersion), Address{Node: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExchanger(port).Exchange(ctx, cmd, nil)
	require.Equal(t, context.Canceled, err)
}

func TestExchangeAll(t *testing.T) {
	port := newTestPort()
	cmd := NewFrame(ParseCommand(CmdShowSensors), Address{Node: 3})
	port.reply(cmd,
		0xff, 0xca, 0x03, 0x00, 0x05, 0x0a, 0x80,
		0xff, 0xca, 0x03, 0x00, 0x06, 0x0b, 0x80,
		0xff, 0xc8, 0x03, 0x00, 0x07, 0x0c, 0x80,
	)
	x := NewExchanger(port)
	answers, err := x.ExchangeAll(context.Background(), cmd, nil)
	require.NoError(t, err)
	require.Len(t, answers, 3)
	require.Equal(t, Frame{0xc8, 0x03, 0x00, 0x07, 0x0c, 0x80}, answers[2])

	// the chain is cut short
	port.reply(cmd, 0xff, 0xca, 0x03, 0x00, 0x05, 0x0a, 0x80)
	x.Timeout = 10 * time.Millisecond
	answers, err = x.ExchangeAll(context.Background(), cmd, nil)
	require.NoError(t, err)
	require.Len(t, answers, 1)

	port.reply(cmd)
	answers, err = x.ExchangeAll(context.Background(), cmd, nil)
	require.Equal(t, ErrTimeout, err)
	require.Empty(t, answers)
}

func TestExchangeAllAsyncPending(t *testing.T) {
	port := newTestPort()
	cmd := NewFrame(Command{Request: true}, Address{Node: 3}, 0x05)
	port.reply(cmd, 0xff, 0x06, 0x03, 0x45, 0x80)
	answers, err := NewExchanger(port).ExchangeAll(context.Background(), cmd, nil)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.True(t, AsyncPending(cmd, answers[0]))
}
