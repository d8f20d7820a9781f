package msgs

import (
	"errors"

	"github.com/golang/protobuf/proto"
)

// NodeState reports a node lifecycle change.
type NodeState struct {
	Address uint32 `protobuf:"varint,1,opt,name=address,proto3" json:"address,omitempty"`
	State   string `protobuf:"bytes,2,opt,name=state,proto3" json:"state,omitempty"`
	Old     string `protobuf:"bytes,3,opt,name=old,proto3" json:"old,omitempty"`
	Version uint32 `protobuf:"varint,4,opt,name=version,proto3" json:"version,omitempty"`
}

func (m *NodeState) Reset()         { *m = NodeState{} }
func (m *NodeState) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*NodeState) ProtoMessage() {}

// TypeID implements Message.
func (*NodeState) TypeID() uint32 { return NodeStateTypeID }

// DeviceValue reports the value of a sensor or the position of a turnout.
type DeviceValue struct {
	Address    uint32 `protobuf:"varint,1,opt,name=address,proto3" json:"address,omitempty"`
	Subaddress uint32 `protobuf:"varint,2,opt,name=subaddress,proto3" json:"subaddress,omitempty"`
	Turnout    bool   `protobuf:"varint,3,opt,name=turnout,proto3" json:"turnout,omitempty"`
	// Value is the sensor level or true for a thrown turnout.
	Value bool `protobuf:"varint,4,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *DeviceValue) Reset()         { *m = DeviceValue{} }
func (m *DeviceValue) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*DeviceValue) ProtoMessage() {}

// TypeID implements Message.
func (*DeviceValue) TypeID() uint32 { return DeviceValueTypeID }

// WriteDevice sets an output sensor or moves a turnout.
type WriteDevice struct {
	Subaddress uint32 `protobuf:"varint,1,opt,name=subaddress,proto3" json:"subaddress,omitempty"`
	Turnout    bool   `protobuf:"varint,2,opt,name=turnout,proto3" json:"turnout,omitempty"`
	Value      bool   `protobuf:"varint,3,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *WriteDevice) Reset()         { *m = WriteDevice{} }
func (m *WriteDevice) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*WriteDevice) ProtoMessage() {}

// TypeID implements Message.
func (*WriteDevice) TypeID() uint32 { return WriteDeviceTypeID }

// ConfirmNode confirms a node waiting for confirmation.
type ConfirmNode struct{}

func (m *ConfirmNode) Reset()         { *m = ConfirmNode{} }
func (m *ConfirmNode) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*ConfirmNode) ProtoMessage() {}

// TypeID implements Message.
func (*ConfirmNode) TypeID() uint32 { return ConfirmNodeTypeID }

// CommandOK is the generic reply indicating success for commands.
type CommandOK struct {
	// Values are the devices as applied by the node.
	Values []*DeviceValue `protobuf:"bytes,1,rep,name=values,proto3" json:"values,omitempty"`
}

func (m *CommandOK) Reset()         { *m = CommandOK{} }
func (m *CommandOK) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*CommandOK) ProtoMessage() {}

// TypeID implements Message.
func (*CommandOK) TypeID() uint32 { return CommandOKTypeID }

// CommandErr is the generic message representing command error.
type CommandErr struct {
	Message string `protobuf:"bytes,1,opt,name=message,proto3" json:"message,omitempty"`
	// Code is the error code reported by the node, 0 for other errors.
	Code uint32 `protobuf:"varint,2,opt,name=code,proto3" json:"code,omitempty"`
}

// NewCommandErr creates a CommandErr from an error.
func NewCommandErr(err error) *CommandErr {
	return &CommandErr{Message: err.Error()}
}

func (m *CommandErr) Reset()         { *m = CommandErr{} }
func (m *CommandErr) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*CommandErr) ProtoMessage() {}

// TypeID implements Message.
func (*CommandErr) TypeID() uint32 { return CommandErrTypeID }

// Error implements error.
func (m *CommandErr) Error() string { return m.Message }

// TypeID Groups
const (
	GroupCommand uint32 = 0x00000000
	GroupNode    uint32 = 0x00010000
	GroupDevice  uint32 = 0x00020000
)

// TypeIDs
const (
	CommandOKTypeID   uint32 = GroupCommand | TypeIDMaskReply | 0x0000
	CommandErrTypeID  uint32 = GroupCommand | TypeIDMaskReply | 0x0001
	NodeStateTypeID   uint32 = TypeIDKindEvent | GroupNode | 0x0000
	ConfirmNodeTypeID uint32 = GroupNode | 0x0001
	DeviceValueTypeID uint32 = TypeIDKindEvent | GroupDevice | 0x0000
	WriteDeviceTypeID uint32 = GroupDevice | 0x0001
)

var (
	// ErrUnknownCommand indicates the command is unknown.
	ErrUnknownCommand = errors.New("unknown command")
)
