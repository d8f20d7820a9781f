// Package answers queues the frames a node sends back to the master.
package answers

import (
	"github.com/robotalks/rrbus/pkg/comm"
)

type entry struct {
	frame comm.Frame
	next  *entry
}

// Queue is a FIFO of frames. Every frame followed by another one carries
// the pending bit.
type Queue struct {
	head *entry
	tail *entry
	size int
}

// Enqueue appends a frame and flags its predecessor pending.
func (q *Queue) Enqueue(f comm.Frame) {
	e := &entry{frame: f}
	if q.tail == nil {
		q.head = e
	} else {
		q.tail.frame[0] |= comm.BitPending
		q.tail.next = e
	}
	q.tail = e
	q.size++
}

// Len is the number of queued frames.
func (q *Queue) Len() int {
	return q.size
}

// Frames lists the queued frames.
func (q *Queue) Frames() []comm.Frame {
	frames := make([]comm.Frame, 0, q.size)
	for e := q.head; e != nil; e = e.next {
		frames = append(frames, e.frame)
	}
	return frames
}

// Reset drops all frames.
func (q *Queue) Reset() {
	q.head, q.tail, q.size = nil, nil, 0
}

func (q *Queue) pop() (comm.Frame, bool) {
	e := q.head
	if e == nil {
		return nil, false
	}
	q.head = e.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--
	return e.frame, q.head == nil
}

// Async queues turnout position events. Events are merged into frames,
// the last frame stays open until sent.
type Async struct {
	Queue
}

// EnqueueTurnout adds the position of a turnout.
func (a *Async) EnqueueTurnout(addr, sub byte, thrown bool) {
	if last := a.tail; last == nil || len(last.frame) >= comm.MaxFrameLen-2 {
		if last != nil {
			last.frame = append(last.frame, comm.Terminator)
		}
		cmd := comm.Command{Async: true, Turnout: true}
		a.Enqueue(comm.NewFrame(cmd, comm.Address{Node: addr, List: true}))
	}
	a.tail.frame = append(a.tail.frame, comm.Item{Sub: sub, Value: thrown}.Byte())
}

func (a *Async) pop() (comm.Frame, bool) {
	f, last := a.Queue.pop()
	if last && f != nil && !f.Terminated() {
		f = append(f, comm.Terminator)
	}
	return f, last
}
