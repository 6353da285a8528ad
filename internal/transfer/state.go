package transfer

import "sync/atomic"

// State is the lifecycle position of a transfer.
type State int32

const (
	StateNone State = iota
	StateQueued
	StateRunning
	StatePaused
	StateCompleted
	StateCanceled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive reports whether the state occupies a group's single admission slot.
func (s State) IsActive() bool {
	return s == StateQueued || s == StateRunning
}

// IsFinal reports whether no further transition is possible.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateCanceled
}

// CanQueue reports whether a transfer in state s may be (re)introduced to its group.
func (s State) CanQueue() bool {
	return s == StateNone || s == StatePaused || s == StateStopped
}

// CanStart reports whether Start may move a transfer in state s to running.
func (s State) CanStart() bool {
	return s == StateNone || s == StateQueued || s == StatePaused || s == StateStopped
}

// AtomicState holds a State shared between a worker goroutine and its controller.
type AtomicState struct {
	v atomic.Int32
}

func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

func (a *AtomicState) CompareAndSwap(old, next State) bool {
	return a.v.CompareAndSwap(int32(old), int32(next))
}
