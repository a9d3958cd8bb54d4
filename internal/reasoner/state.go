package reasoner

import "sync/atomic"

// State is the reasoner's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StatePaused
	StateExhausted
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the reasoner has finished.
func (s State) Terminal() bool {
	return s == StateExhausted || s == StateStopped || s == StateFailed
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) store(s State) { b.v.Store(int32(s)) }

func (b *stateBox) advance(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}
