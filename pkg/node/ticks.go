package node

import "sync/atomic"

// TickCounter counts servo timer ticks. Inc is called from the timer,
// Take from the main loop.
type TickCounter struct {
	n atomic.Uint32
}

// Inc counts one tick.
func (c *TickCounter) Inc() {
	c.n.Add(1)
}

// Take returns the ticks counted since the last call.
func (c *TickCounter) Take() int {
	return int(c.n.Swap(0))
}
