package registry

import "sync/atomic"

// State is the scanner's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateHashing
	StatePaused
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateHashing:
		return "hashing"
	case StatePaused:
		return "paused"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the scanner has finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) store(s State) { b.v.Store(int32(s)) }

// advance moves from one state to another only if the current state matches.
func (b *stateBox) advance(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}
