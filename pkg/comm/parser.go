package comm

// ParseState is the state of the answer parser.
type ParseState int

// Answer parser states.
const (
	StateIdle             ParseState = iota // waiting for the start byte
	StateAwaitingFirst                      // waiting for the answer byte
	StateAwaitingSecond                     // waiting for the address byte
	StateAccumulatingBody                   // waiting for the terminator
)

// ParseResult is the result of one parsing step.
// Answer is set when a frame completed, Err when the frame was aborted or
// the node reported an error in the terminator (Answer is also set then).
type ParseResult struct {
	Answer Frame
	Err    error
}

// AnswerParser parses answers to the command just sent.
type AnswerParser struct {
	command byte
	address byte
	state   ParseState
	buf     Frame
}

// Expect resets the parser to wait for the answer of cmd sent to addr.
func (p *AnswerParser) Expect(cmd, addr byte) {
	p.command, p.address = cmd, addr
	p.Reset()
}

// Reset discards any partial answer.
func (p *AnswerParser) Reset() {
	p.state, p.buf = StateIdle, nil
}

// State gets the current state.
func (p *AnswerParser) State() ParseState {
	return p.state
}

// Parse consumes one byte.
func (p *AnswerParser) Parse(b byte) (pr ParseResult) {
	switch p.state {
	case StateIdle:
		if b == Start {
			p.state, p.buf = StateAwaitingFirst, make(Frame, 0, MaxFrameLen)
		}
		return
	case StateAwaitingFirst:
		if b&BitRequest != 0 {
			return p.abort(ErrNotAnAnswer)
		}
		if p.command&BitAsync == 0 && p.command&classMask != b&classMask {
			return p.abort(ErrCommandMismatch)
		}
		p.state = StateAwaitingSecond
	case StateAwaitingSecond:
		if b&AddrMask != p.address&AddrMask {
			return p.abort(ErrAddressMismatch)
		}
		p.state = StateAccumulatingBody
	case StateAccumulatingBody:
		if len(p.buf) >= MaxFrameLen {
			return p.abort(ErrFrameTooLong)
		}
	}
	p.buf = append(p.buf, b)
	if len(p.buf) > 2 && b&Terminator != 0 {
		pr.Answer = p.buf
		if code := b & 0x0F; code != CodeOK {
			pr.Err = &DeviceError{Code: code}
		}
		p.Reset()
	}
	return
}

func (p *AnswerParser) abort(err error) ParseResult {
	p.Reset()
	return ParseResult{Err: err}
}

// CommandParser recognizes complete commands received by a node.
// Answers sent by other nodes are skipped.
type CommandParser struct {
	receiving bool
	buf       Frame
}

// Reset discards any partial command.
func (p *CommandParser) Reset() {
	p.receiving, p.buf = false, nil
}

// Parse consumes one byte and returns a complete command.
func (p *CommandParser) Parse(b byte) (Frame, error) {
	if b == Start {
		p.receiving, p.buf = true, make(Frame, 0, MaxFrameLen)
		return nil, nil
	}
	if !p.receiving {
		return nil, nil
	}
	if len(p.buf) >= MaxFrameLen {
		p.Reset()
		return nil, ErrFrameTooLong
	}
	p.buf = append(p.buf, b)
	if p.buf[0]&BitRequest == 0 {
		p.Reset()
		return nil, nil
	}
	complete, err := commandComplete(p.buf)
	if err != nil {
		p.Reset()
		return nil, err
	}
	if !complete {
		return nil, nil
	}
	cmd := p.buf
	p.Reset()
	return cmd, nil
}

// Config record sizes as sent in config commands.
const (
	SensorConfigLen       = 2
	TurnoutConfigLen      = 4
	TurnoutRelayConfigLen = 6
)

// TurnoutConfigSize returns the size of the turnout config record starting
// with the subaddress byte sub.
func TurnoutConfigSize(sub byte) int {
	if sub&SubValue != 0 {
		return TurnoutRelayConfigLen
	}
	return TurnoutConfigLen
}

func commandComplete(f Frame) (bool, error) {
	if len(f) < 2 {
		return false, nil
	}
	cmd, addr := f.Command(), f.Address()
	body := f[2:]
	switch {
	case cmd.Config && cmd.Special:
		if cmd.Code == SpecialFineTune {
			return len(body) == 2, nil
		}
		return true, nil
	case cmd.Async && !cmd.Config:
		return true, nil
	case cmd.All && !cmd.Config && !cmd.Write:
		return true, nil
	case cmd.All && !cmd.Config:
		return false, ErrBadCommand
	case cmd.Config && !cmd.Write:
		return configComplete(body, cmd.Turnout, addr.List)
	}
	if len(body) == 0 {
		return false, nil
	}
	if addr.List {
		return body[len(body)-1]&SubLast != 0, nil
	}
	return len(body) == 1, nil
}

// configComplete walks config records, the subaddress byte of the last
// record of a list carries SubLast.
func configComplete(body []byte, turnout, list bool) (bool, error) {
	for pos := 0; pos < len(body); {
		size := SensorConfigLen
		if turnout {
			size = TurnoutConfigSize(body[pos])
		}
		last := !list || body[pos]&SubLast != 0
		if pos += size; pos > len(body) {
			return false, nil
		}
		if last {
			return pos == len(body), nil
		}
	}
	return false, nil
}
