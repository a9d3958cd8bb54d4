package stage

import (
	"context"
	"sync"
)

// Gate coordinates pause, resume and stop for a long-running stage. Workers
// call Wait between units of work; operators call Pause, Resume, Toggle or
// Stop from any goroutine.
type Gate struct {
	mu      sync.Mutex
	paused  bool
	running bool
	changed chan struct{}
}

// NewGate returns a running, unpaused gate.
func NewGate() *Gate {
	return &Gate{running: true, changed: make(chan struct{})}
}

// Pause blocks subsequent Wait calls until Resume or Stop.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.paused {
		return
	}
	g.paused = true
	g.notifyLocked()
}

// Resume releases every goroutine blocked in Wait.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	g.notifyLocked()
}

// Toggle flips the pause state and reports whether the gate is now paused.
func (g *Gate) Toggle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return false
	}
	g.paused = !g.paused
	g.notifyLocked()
	return g.paused
}

// Stop marks the gate stopped. Paused waiters wake and observe the stop.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	g.paused = false
	g.notifyLocked()
}

// Paused reports the current pause state.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Running reports whether Stop has not yet been called.
func (g *Gate) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Wait blocks while the gate is paused. It returns false once the gate is
// stopped or ctx is done, true when the caller may continue.
func (g *Gate) Wait(ctx context.Context) bool {
	for {
		g.mu.Lock()
		if !g.running {
			g.mu.Unlock()
			return false
		}
		if ctx.Err() != nil {
			g.mu.Unlock()
			return false
		}
		if !g.paused {
			g.mu.Unlock()
			return true
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}

func (g *Gate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
