package master

import (
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a node.
type State int

// Node lifecycle.
const (
	// StateToDiscover is an address being probed.
	StateToDiscover State = iota + 1
	// StateNewlyConfigured is a node whose tables are known, its values
	// must be read before it's online.
	StateNewlyConfigured
	// StateOnlineNotConfirmed is an operational node not yet announced.
	StateOnlineNotConfirmed
	// StateConfirmedOnline is the normal operational state.
	StateConfirmedOnline
	// StateUnreachable is a node which failed its last exchange.
	StateUnreachable
)

var stateNames = map[State]string{
	StateToDiscover:         "to-discover",
	StateNewlyConfigured:    "newly-configured",
	StateOnlineNotConfirmed: "online-not-confirmed",
	StateConfirmedOnline:    "online",
	StateUnreachable:        "unreachable",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Online tells the node is operational.
func (s State) Online() bool {
	return s == StateOnlineNotConfirmed || s == StateConfirmedOnline
}

// NodeInfo is what the master knows about a node.
type NodeInfo struct {
	Address  byte
	Version  byte
	State    State
	LastPing time.Time
	Tables
	// Sensors and Turnouts are the live values by subaddress.
	Sensors  map[byte]bool
	Turnouts map[byte]bool
}

// NewNodeInfo creates an empty NodeInfo.
func NewNodeInfo(addr byte) *NodeInfo {
	return &NodeInfo{
		Address:  addr,
		State:    StateToDiscover,
		Sensors:  make(map[byte]bool),
		Turnouts: make(map[byte]bool),
	}
}

// Clone copies the node so it can be read outside the poll loop.
func (n *NodeInfo) Clone() *NodeInfo {
	c := *n
	c.Sensors = make(map[byte]bool, len(n.Sensors))
	for k, v := range n.Sensors {
		c.Sensors[k] = v
	}
	c.Turnouts = make(map[byte]bool, len(n.Turnouts))
	for k, v := range n.Turnouts {
		c.Turnouts[k] = v
	}
	return &c
}

// Registry keeps the known nodes.
type Registry interface {
	// Node returns a copy of the node at addr, nil if unknown.
	Node(addr byte) *NodeInfo
	// Nodes returns copies of all nodes in ascending address order.
	Nodes() []*NodeInfo
	// Put adds or replaces a node.
	Put(*NodeInfo)
	// Remove forgets a node.
	Remove(addr byte) bool
}

// MemoryRegistry is a Registry in memory, safe for concurrent use.
type MemoryRegistry struct {
	lock  sync.RWMutex
	nodes map[byte]*NodeInfo
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{nodes: make(map[byte]*NodeInfo)}
}

// Node implements Registry.
func (r *MemoryRegistry) Node(addr byte) *NodeInfo {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if n := r.nodes[addr]; n != nil {
		return n.Clone()
	}
	return nil
}

// Nodes implements Registry.
func (r *MemoryRegistry) Nodes() []*NodeInfo {
	r.lock.RLock()
	nodes := make([]*NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n.Clone())
	}
	r.lock.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes
}

// Put implements Registry.
func (r *MemoryRegistry) Put(n *NodeInfo) {
	r.lock.Lock()
	r.nodes[n.Address] = n.Clone()
	r.lock.Unlock()
}

// Remove implements Registry.
func (r *MemoryRegistry) Remove(addr byte) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.nodes[addr]
	delete(r.nodes, addr)
	return ok
}

// applyValues maps values read in subaddress order onto the bitmap.
func applyValues(values map[byte]bool, subs []byte, read []bool) {
	for n, sub := range subs {
		if n < len(read) {
			values[sub] = read[n]
		}
	}
}

