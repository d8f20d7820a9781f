// Package mqttbridge publishes the state of a bus to MQTT and forwards
// commands received over MQTT to the poll cycle.
//
// Topics are relative to the queue prefix:
//
//	bus/<name>/node/<addr>/state    NodeState, retained
//	bus/<name>/node/<addr>/sensor   DeviceValue
//	bus/<name>/node/<addr>/turnout  DeviceValue
//	bus/<name>/node/<addr>/cmd      WriteDevice or ConfirmNode
//	bus/<name>/node/<addr>/reply    CommandOK or CommandErr
package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/master"
	"github.com/robotalks/rrbus/pkg/msgs"
)

// Topic leaves.
const (
	LeafState   = "state"
	LeafSensor  = "sensor"
	LeafTurnout = "turnout"
	LeafCmd     = "cmd"
	LeafReply   = "reply"
)

// DefaultCommandTimeout bounds the wait for a command result.
const DefaultCommandTimeout = 2 * time.Second

// Broker publishes and subscribes topics.
type Broker interface {
	Publish(topic string, payload []byte, retain bool) paho.Token
	Subscribe(topic string, handler Handler) paho.Token
}

// Requester queues commands for the poll cycle.
type Requester interface {
	Do(f comm.Frame) <-chan master.Result
	Confirm(addr byte) <-chan master.Result
}

// Bridge implements master.Listener by publishing events and serves
// commands sent to nodes.
type Bridge struct {
	Broker         Broker
	Requester      Requester
	Name           string
	CommandTimeout time.Duration
}

// NewBridge creates a Bridge for the bus called name.
func NewBridge(broker Broker, requester Requester, name string) *Bridge {
	return &Bridge{
		Broker:         broker,
		Requester:      requester,
		Name:           name,
		CommandTimeout: DefaultCommandTimeout,
	}
}

// Topic returns the topic of a node.
func (b *Bridge) Topic(addr byte, leaf string) string {
	return fmt.Sprintf("bus/%s/node/%d/%s", b.Name, addr, leaf)
}

// Run subscribes the command topic of all nodes until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	token := b.Broker.Subscribe(fmt.Sprintf("bus/%s/node/+/%s", b.Name, LeafCmd), b.handleCommand)
	if token.Wait(); token.Error() != nil {
		// resubscribed once connected
		glog.Warningf("subscribe commands: %v", token.Error())
	}
	<-ctx.Done()
	return ctx.Err()
}

// NodeChanged implements master.Listener.
func (b *Bridge) NodeChanged(n *master.NodeInfo, old master.State) {
	b.publish(b.Topic(n.Address, LeafState), &msgs.NodeState{
		Address: uint32(n.Address),
		State:   n.State.String(),
		Old:     old.String(),
		Version: uint32(n.Version),
	}, true)
}

// SensorChanged implements master.Listener.
func (b *Bridge) SensorChanged(addr, sub byte, value bool) {
	b.publish(b.Topic(addr, LeafSensor), &msgs.DeviceValue{
		Address:    uint32(addr),
		Subaddress: uint32(sub),
		Value:      value,
	}, false)
}

// TurnoutChanged implements master.Listener.
func (b *Bridge) TurnoutChanged(addr, sub byte, thrown bool) {
	b.publish(b.Topic(addr, LeafTurnout), &msgs.DeviceValue{
		Address:    uint32(addr),
		Subaddress: uint32(sub),
		Turnout:    true,
		Value:      thrown,
	}, false)
}

func (b *Bridge) publish(topic string, msg msgs.Message, retain bool) {
	data, err := msgs.Encode(msg)
	if err != nil {
		glog.Errorf("encode %s: %v", topic, err)
		return
	}
	b.Broker.Publish(topic, data, retain)
}

// nodeOf extracts the node address from bus/<name>/node/<addr>/<leaf>.
func nodeOf(topic string) (byte, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return 0, fmt.Errorf("topic %q: not a node topic", topic)
	}
	addr, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil || !comm.ValidAddress(byte(addr)) {
		return 0, fmt.Errorf("topic %q: invalid node address", topic)
	}
	return byte(addr), nil
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	addr, err := nodeOf(topic)
	if err != nil {
		glog.Warning(err)
		return
	}
	msg, err := msgs.DecodeMessage(payload)
	if err != nil {
		b.publish(b.Topic(addr, LeafReply), msgs.NewCommandErr(err), false)
		return
	}
	var result <-chan master.Result
	turnout := false
	switch cmd := msg.(type) {
	case *msgs.WriteDevice:
		if cmd.Subaddress > uint32(comm.MaxAddress) || !comm.ValidAddress(byte(cmd.Subaddress)) {
			b.publish(b.Topic(addr, LeafReply), msgs.NewCommandErr(fmt.Errorf("invalid subaddress %d", cmd.Subaddress)), false)
			return
		}
		item := comm.Item{Sub: byte(cmd.Subaddress), Value: cmd.Value}
		turnout = cmd.Turnout
		frame := comm.NewFrame(comm.Command{Write: true, Turnout: turnout, Request: true}, comm.Address{Node: addr}, item.Byte())
		result = b.Requester.Do(frame)
	case *msgs.ConfirmNode:
		result = b.Requester.Confirm(addr)
	default:
		b.publish(b.Topic(addr, LeafReply), msgs.NewCommandErr(msgs.ErrUnknownCommand), false)
		return
	}
	// the MQTT router must not block on the poll cycle
	go b.reply(addr, turnout, result)
}

func (b *Bridge) reply(addr byte, turnout bool, result <-chan master.Result) {
	timeout := b.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	topic := b.Topic(addr, LeafReply)
	select {
	case res := <-result:
		if res.Err != nil {
			reply := msgs.NewCommandErr(res.Err)
			var devErr *comm.DeviceError
			if errors.As(res.Err, &devErr) {
				reply.Code = uint32(devErr.Code)
			}
			b.publish(topic, reply, false)
			return
		}
		ok := &msgs.CommandOK{}
		for _, answer := range res.Answers {
			for _, v := range answer.Body() {
				item := comm.ParseItem(v)
				ok.Values = append(ok.Values, &msgs.DeviceValue{
					Address:    uint32(addr),
					Subaddress: uint32(item.Sub),
					Turnout:    turnout,
					Value:      item.Value,
				})
			}
		}
		b.publish(topic, ok, false)
	case <-time.After(timeout):
		b.publish(topic, msgs.NewCommandErr(errors.New("command timeout")), false)
	}
}
