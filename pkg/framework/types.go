// Package framework runs the long-lived parts of a bus program: a loop
// stepping controllers by priority and a runner supervising goroutines.
package framework

import (
	"context"
	"time"
)

// Named is an abstraction for things with a name.
type Named interface {
	Name() string
}

// Runnable defines a generic interface for background runners.
type Runnable interface {
	Run(context.Context) error
}

// RunFunc is the func form of Runnable.
type RunFunc func(context.Context) error

// Run implements Runnable.
func (f RunFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Controller is stepped once per loop iteration.
type Controller interface {
	Control(ControlContext) error
}

// ControlFunc defines the func form of Controller.
type ControlFunc func(ControlContext) error

// Control implements Controller.
func (f ControlFunc) Control(ctx ControlContext) error {
	return f(ctx)
}

// TimeSource provides the time of the current iteration.
type TimeSource interface {
	Time() time.Time
}

// ControlContext is the context of the current iteration.
type ControlContext interface {
	TimeSource
	// Context retrieves context.Context.
	Context() context.Context
	// PriorityLevel gets the current priority level.
	PriorityLevel() int
	// PostRun injects one-shot hooks run after the controllers of the
	// current priority level.
	PostRun(hooks ...Controller)

	LoopControl
}

// LoopControl exposes access to the loop.
type LoopControl interface {
	// PreRunAt injects one-shot hooks run before the controllers at a
	// priority level in the next iteration.
	PreRunAt(priorityLevel int, hooks ...Controller)
	// PostRunAt injects one-shot hooks run after the controllers at a
	// priority level.
	PostRunAt(priorityLevel int, hooks ...Controller)
	// TriggerNext runs the next iteration right after the current one.
	TriggerNext()
}

// PriorityLevels is the total levels of priorities.
const PriorityLevels int = 16

// Predefined priority levels, lower runs first.
const (
	PrLvTop    int = 0
	PrLvHigh   int = 4
	PrLvNormal int = 8
	PrLvLow    int = 12
	PrLvIdle   int = PriorityLevels - 1

	// PrLvBus is where the bus is polled.
	PrLvBus = PrLvHigh
	// PrLvControl is for logic reacting on bus changes.
	PrLvControl = PrLvNormal
	// PrLvPostProc is for flushing what an iteration produced.
	PrLvPostProc = PrLvIdle - 1
)
