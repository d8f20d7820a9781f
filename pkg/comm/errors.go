package comm

import (
	"errors"
	"fmt"
)

// Error codes carried by a terminator.
const (
	CodeOK            byte = 0
	CodeEEPROMFull    byte = 1
	CodeMemoryFull    byte = 2
	CodeUnknownDevice byte = 3
	CodeInvalidDevice byte = 4
)

// FramingKind classifies framing errors.
type FramingKind int

// Framing error kinds.
const (
	NotAnAnswer FramingKind = iota + 1
	AddressMismatch
	CommandMismatch
	FrameTooLong
	BadCommand
)

var framingNames = map[FramingKind]string{
	NotAnAnswer:     "not an answer",
	AddressMismatch: "address mismatch",
	CommandMismatch: "command mismatch",
	FrameTooLong:    "frame too long",
	BadCommand:      "bad command",
}

// FramingError aborts the frame being received.
type FramingError struct {
	Kind FramingKind
}

// Error implements error.
func (e *FramingError) Error() string {
	return framingNames[e.Kind]
}

// Is matches framing errors by kind.
func (e *FramingError) Is(target error) bool {
	t, ok := target.(*FramingError)
	return ok && t.Kind == e.Kind
}

var (
	// ErrNotAnAnswer indicates a command was received while waiting for an answer.
	ErrNotAnAnswer = &FramingError{Kind: NotAnAnswer}
	// ErrAddressMismatch indicates the answer came from another node.
	ErrAddressMismatch = &FramingError{Kind: AddressMismatch}
	// ErrCommandMismatch indicates the answer is for another command.
	ErrCommandMismatch = &FramingError{Kind: CommandMismatch}
	// ErrFrameTooLong indicates no terminator within MaxFrameLen bytes.
	ErrFrameTooLong = &FramingError{Kind: FrameTooLong}
	// ErrBadCommand indicates a command that can't be decoded.
	ErrBadCommand = &FramingError{Kind: BadCommand}

	// ErrTimeout indicates no complete answer within the answer timeout.
	ErrTimeout = errors.New("answer timeout")
)

// DeviceError is an error reported by a node in the terminator.
type DeviceError struct {
	Code byte
}

// Error implements error.
func (e *DeviceError) Error() string {
	switch e.Code {
	case CodeEEPROMFull:
		return "device error: eeprom full"
	case CodeMemoryFull:
		return "device error: memory full"
	case CodeUnknownDevice:
		return "device error: unknown device"
	case CodeInvalidDevice:
		return "device error: invalid device"
	}
	return fmt.Sprintf("device error %d", e.Code)
}

// IsFraming tells the error aborted a frame.
func IsFraming(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}
