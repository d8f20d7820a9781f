package master

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/rrbus/pkg/comm"
	"github.com/robotalks/rrbus/pkg/framework"
	"github.com/robotalks/rrbus/pkg/hal"
)

// Poll timing defaults.
const (
	DefaultPingTimeout    = 500 * time.Millisecond
	DefaultDeadNodePeriod = 3 * time.Second
	DefaultIdleInterval   = time.Millisecond
)

// ErrNodeOffline is returned for requests to nodes which aren't online.
var ErrNodeOffline = errors.New("node offline")

// Listener is notified of node and device changes.
type Listener interface {
	NodeChanged(n *NodeInfo, old State)
	SensorChanged(addr, sub byte, value bool)
	TurnoutChanged(addr, sub byte, thrown bool)
}

// Result is the outcome of a request.
type Result struct {
	Answers []comm.Frame
	Err     error
}

type request struct {
	frame comm.Frame
	// confirm is the node to confirm when frame is nil.
	confirm byte
	result  chan Result
}

// Poller runs the poll cycle of the master, one exchange per Step.
type Poller struct {
	Bus       *Bus
	Registry  Registry
	Listeners []Listener
	Clock     hal.Clock

	PingTimeout    time.Duration
	DeadNodePeriod time.Duration
	// Discover enables the discovery sweep.
	Discover bool
	// StoreOnDiscover makes discovered nodes persist their configuration.
	StoreOnDiscover bool
	// AutoConfirm confirms nodes as soon as listeners were told they're
	// online, otherwise Confirm must be called.
	AutoConfirm bool

	cursor       byte
	lastSweep    time.Time
	lastDiscover time.Time
	lastDeadPing time.Time
	pending      map[byte]bool

	lock     sync.Mutex
	requests []*request
}

// NewPoller creates a Poller.
func NewPoller(bus *Bus, registry Registry) *Poller {
	p := &Poller{
		Bus:            bus,
		Registry:       registry,
		Clock:          hal.SystemClock{},
		PingTimeout:    DefaultPingTimeout,
		DeadNodePeriod: DefaultDeadNodePeriod,
		Discover:       true,
		AutoConfirm:    true,
		pending:        make(map[byte]bool),
	}
	bus.EventsPending = func(addr byte) { p.pending[addr] = true }
	return p
}

// Do queues a command for an online node. The result is delivered once
// the command was exchanged in a Step.
func (p *Poller) Do(f comm.Frame) <-chan Result {
	return p.enqueue(&request{frame: f, result: make(chan Result, 1)})
}

// Confirm marks an online node as known to its consumers. The result
// carries ErrNodeOffline if the node isn't waiting for confirmation.
func (p *Poller) Confirm(addr byte) <-chan Result {
	return p.enqueue(&request{confirm: addr, result: make(chan Result, 1)})
}

func (p *Poller) enqueue(req *request) <-chan Result {
	p.lock.Lock()
	p.requests = append(p.requests, req)
	p.lock.Unlock()
	return req.result
}

// Step runs at most one exchange: a queued request, reading the values
// of a newly configured node, probing the next address, pinging the node
// waiting the longest or waking up an unreachable node. It returns false
// when there was nothing to do.
func (p *Poller) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := p.Clock.Now()
	busy := p.serveRequest(ctx, now) ||
		p.bringOnline(ctx, now) ||
		p.discover(ctx, now) ||
		p.ping(ctx, now) ||
		p.wakeUp(ctx, now)
	return busy, ctx.Err()
}

// Run steps until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for {
		busy, err := p.Step(ctx)
		if err != nil {
			return err
		}
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(DefaultIdleInterval):
		}
	}
}

// Control implements framework.Controller.
func (p *Poller) Control(cc framework.ControlContext) error {
	busy, err := p.Step(cc.Context())
	if busy {
		cc.TriggerNext()
	}
	return err
}

func (p *Poller) serveRequest(ctx context.Context, now time.Time) bool {
	p.lock.Lock()
	if len(p.requests) == 0 {
		p.lock.Unlock()
		return false
	}
	req := p.requests[0]
	p.requests = p.requests[1:]
	p.lock.Unlock()

	if req.frame == nil {
		n := p.Registry.Node(req.confirm)
		if n == nil || n.State != StateOnlineNotConfirmed {
			req.result <- Result{Err: ErrNodeOffline}
			return false
		}
		p.setState(n, StateConfirmedOnline)
		req.result <- Result{}
		return false
	}
	n := p.Registry.Node(req.frame.Address().Node)
	if n == nil || !n.State.Online() {
		req.result <- Result{Err: ErrNodeOffline}
		return false
	}
	answers, err := p.Bus.exchangeAll(ctx, req.frame)
	req.result <- Result{Answers: answers, Err: err}
	if err != nil && linkFailure(err) {
		p.unreachable(n, now, err)
		return true
	}
	cmd := req.frame.Command()
	if !cmd.Config && !cmd.Async && !cmd.All {
		for _, answer := range answers {
			for _, v := range answer.Body() {
				p.fold(n, cmd.Turnout, comm.ParseItem(v))
			}
		}
		p.Registry.Put(n)
	}
	return true
}

// linkFailure tells the node didn't answer properly, unlike a device
// error which is reported by a working node.
func linkFailure(err error) bool {
	var devErr *comm.DeviceError
	return !errors.As(err, &devErr) && !errors.Is(err, context.Canceled)
}

func (p *Poller) bringOnline(ctx context.Context, now time.Time) bool {
	var n *NodeInfo
	for _, node := range p.Registry.Nodes() {
		if node.State == StateNewlyConfigured {
			n = node
			break
		}
	}
	if n == nil {
		return false
	}
	subs := n.Tables.Sensors()
	values, err := p.Bus.ReadAll(ctx, n.Address, false, len(subs))
	if err != nil {
		p.unreachable(n, now, err)
		return true
	}
	applyValues(n.Sensors, subs, values)
	subs = n.Tables.Turnouts.Subaddresses()
	if values, err = p.Bus.ReadAll(ctx, n.Address, true, len(subs)); err != nil {
		p.unreachable(n, now, err)
		return true
	}
	applyValues(n.Turnouts, subs, values)
	n.LastPing = now
	p.setState(n, StateOnlineNotConfirmed)
	glog.Infof("node %d online: %d sensors, %d turnouts", n.Address, len(n.Sensors), len(n.Turnouts))
	if p.AutoConfirm {
		p.setState(n, StateConfirmedOnline)
	}
	return true
}

// discoverThrottled spaces probes by the answer timeout for every online
// node, leaving bus time to them.
func (p *Poller) discoverThrottled(now time.Time) bool {
	online := 0
	for _, n := range p.Registry.Nodes() {
		if n.State.Online() {
			online++
		}
	}
	timeout := p.Bus.X.Timeout
	if timeout <= 0 {
		timeout = comm.DefaultTimeout
	}
	return now.Sub(p.lastDiscover) < time.Duration(online)*timeout*12/10
}

// nextAddress advances the discovery cursor over 1..62, skipping known
// nodes. A new sweep starts at most every DeadNodePeriod.
func (p *Poller) nextAddress(now time.Time) (byte, bool) {
	for tries := byte(0); tries < comm.MaxAddress; tries++ {
		if p.cursor >= comm.MaxAddress {
			if now.Sub(p.lastSweep) < p.DeadNodePeriod {
				return 0, false
			}
			p.cursor, p.lastSweep = 0, now
		}
		p.cursor++
		if p.Registry.Node(p.cursor) == nil {
			return p.cursor, true
		}
	}
	return 0, false
}

func (p *Poller) discover(ctx context.Context, now time.Time) bool {
	if !p.Discover || p.discoverThrottled(now) {
		return false
	}
	addr, ok := p.nextAddress(now)
	if !ok {
		return false
	}
	p.lastDiscover = now
	version, err := p.Bus.AskVersion(ctx, addr)
	if err != nil {
		glog.V(4).Infof("discover %d: %v", addr, err)
		return true
	}
	n := NewNodeInfo(addr)
	n.Version = version
	if p.StoreOnDiscover {
		if err := p.Bus.StoreEEPROM(ctx, addr); err != nil {
			glog.Warningf("node %d: store configuration: %v", addr, err)
		}
	}
	tables, err := p.Bus.ShowTables(ctx, addr)
	if err != nil {
		glog.Warningf("node %d: show tables: %v", addr, err)
		return true
	}
	n.Tables = *tables
	glog.Infof("node %d discovered, version %d", addr, version)
	p.setState(n, StateNewlyConfigured)
	return true
}

// pingCandidate returns the online node flagged with pending events or
// else the one pinged the longest ago, if past the ping timeout.
func (p *Poller) pingCandidate(now time.Time) *NodeInfo {
	var oldest *NodeInfo
	for _, n := range p.Registry.Nodes() {
		if !n.State.Online() {
			continue
		}
		if p.pending[n.Address] {
			return n
		}
		if now.Sub(n.LastPing) >= p.PingTimeout && (oldest == nil || n.LastPing.Before(oldest.LastPing)) {
			oldest = n
		}
	}
	return oldest
}

func (p *Poller) ping(ctx context.Context, now time.Time) bool {
	n := p.pingCandidate(now)
	if n == nil {
		return false
	}
	delete(p.pending, n.Address)
	events, err := p.Bus.AsyncRead(ctx, n.Address)
	if err != nil {
		p.unreachable(n, now, err)
		return true
	}
	n.LastPing = now
	for _, item := range events.Sensors {
		p.fold(n, false, item)
	}
	for _, item := range events.Turnouts {
		p.fold(n, true, item)
	}
	p.Registry.Put(n)
	return true
}

func (p *Poller) wakeUp(ctx context.Context, now time.Time) bool {
	if now.Sub(p.lastDeadPing) < p.DeadNodePeriod {
		return false
	}
	p.lastDeadPing = now
	var dead *NodeInfo
	for _, n := range p.Registry.Nodes() {
		if n.State == StateUnreachable && (dead == nil || n.LastPing.Before(dead.LastPing)) {
			dead = n
		}
	}
	if dead == nil {
		return false
	}
	dead.LastPing = now
	if _, err := p.Bus.AsyncRead(ctx, dead.Address); err != nil {
		glog.V(2).Infof("node %d still unreachable: %v", dead.Address, err)
		p.Registry.Put(dead)
		return true
	}
	glog.Infof("node %d woke up", dead.Address)
	p.setState(dead, StateNewlyConfigured)
	return true
}

func (p *Poller) unreachable(n *NodeInfo, now time.Time, err error) {
	glog.Warningf("node %d unreachable: %v", n.Address, err)
	delete(p.pending, n.Address)
	n.LastPing = now
	p.setState(n, StateUnreachable)
}

func (p *Poller) setState(n *NodeInfo, state State) {
	old := n.State
	n.State = state
	p.Registry.Put(n)
	for _, l := range p.Listeners {
		l.NodeChanged(n, old)
	}
}

// fold records a device value and notifies its change.
func (p *Poller) fold(n *NodeInfo, turnout bool, item comm.Item) {
	values := n.Sensors
	if turnout {
		values = n.Turnouts
	}
	if v, ok := values[item.Sub]; ok && v == item.Value {
		return
	}
	values[item.Sub] = item.Value
	for _, l := range p.Listeners {
		if turnout {
			l.TurnoutChanged(n.Address, item.Sub, item.Value)
		} else {
			l.SensorChanged(n.Address, item.Sub, item.Value)
		}
	}
}
