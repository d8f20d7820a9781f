package comm

import (
	"context"
	"io"
	"os"
	"sync"
	"time"
)

// DefaultTimeout is the default answer timeout.
const DefaultTimeout = 100 * time.Millisecond

// DirectionStrobe switches a half-duplex transceiver between transmitting
// and receiving.
type DirectionStrobe interface {
	SetDirection(transmit bool) error
}

// IdleFunc is called once per poll iteration while waiting for an answer.
type IdleFunc func()

// Exchanger sends commands and awaits answers on the bus.
// The Port must return from Read within a short poll interval, either with
// a timeout error or with no bytes. Timeout and the idle hook are checked
// between reads, so a port polling every 100ms, like a serial line, can
// overshoot Timeout by that much and calls idle at that rate.
type Exchanger struct {
	Port    io.ReadWriter
	Strobe  DirectionStrobe
	Timeout time.Duration

	lock   sync.Mutex
	parser AnswerParser
	buf    [1]byte
}

// NewExchanger creates an Exchanger.
func NewExchanger(port io.ReadWriter) *Exchanger {
	x := &Exchanger{Port: port, Timeout: DefaultTimeout}
	if strobe, ok := port.(DirectionStrobe); ok {
		x.Strobe = strobe
	}
	return x
}

// Send writes a frame.
func (x *Exchanger) Send(f Frame) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.send(f)
}

// Exchange sends cmd and awaits its answer.
func (x *Exchanger) Exchange(ctx context.Context, cmd Frame, idle IdleFunc) (Frame, error) {
	x.lock.Lock()
	defer x.lock.Unlock()
	if err := x.send(cmd); err != nil {
		return nil, err
	}
	return x.await(ctx, cmd, idle)
}

// ExchangeAll sends cmd and collects the answer chain: answers are awaited
// while the last one carries the pending bit. A timeout after at least one
// answer ends the chain without error.
// An answer to a regular command with both pending and async bits only
// signals async events waiting on the node and ends the chain.
func (x *Exchanger) ExchangeAll(ctx context.Context, cmd Frame, idle IdleFunc) ([]Frame, error) {
	x.lock.Lock()
	defer x.lock.Unlock()
	if err := x.send(cmd); err != nil {
		return nil, err
	}
	var answers []Frame
	for {
		answer, err := x.await(ctx, cmd, idle)
		if err == ErrTimeout && len(answers) > 0 {
			return answers, nil
		}
		if answer != nil {
			answers = append(answers, answer)
		}
		if err != nil {
			return answers, err
		}
		if answer[0]&BitPending == 0 || AsyncPending(cmd, answer) {
			return answers, nil
		}
	}
}

// Await waits for the answer of cmd without sending it.
func (x *Exchanger) Await(ctx context.Context, cmd Frame, idle IdleFunc) (Frame, error) {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.await(ctx, cmd, idle)
}

func (x *Exchanger) send(f Frame) error {
	if x.Strobe != nil {
		if err := x.Strobe.SetDirection(true); err != nil {
			return err
		}
		defer x.Strobe.SetDirection(false)
	}
	_, err := f.WriteTo(x.Port)
	return err
}

func (x *Exchanger) await(ctx context.Context, cmd Frame, idle IdleFunc) (Frame, error) {
	if len(cmd) < 2 {
		return nil, ErrBadCommand
	}
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	x.parser.Expect(cmd[0], cmd[1])
	for {
		if err := ctx.Err(); err != nil {
			x.parser.Reset()
			return nil, err
		}
		if idle != nil {
			idle()
		}
		b, ok, err := x.readByte()
		if err != nil {
			x.parser.Reset()
			return nil, err
		}
		if ok {
			pr := x.parser.Parse(b)
			if pr.Answer != nil || pr.Err != nil {
				return pr.Answer, pr.Err
			}
		}
		if time.Now().After(deadline) {
			x.parser.Reset()
			return nil, ErrTimeout
		}
	}
}

func (x *Exchanger) readByte() (byte, bool, error) {
	n, err := x.Port.Read(x.buf[:])
	if err != nil {
		if os.IsTimeout(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return x.buf[0], true, nil
}

// AsyncPending tells the answer to a regular command signals async events
// waiting on the node.
func AsyncPending(cmd, answer Frame) bool {
	return len(cmd) > 0 && len(answer) > 0 && cmd[0]&BitAsync == 0 &&
		answer[0]&(BitPending|BitAsync) == BitPending|BitAsync
}
