package stage

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGateWaitPassesWhenRunning(t *testing.T) {
	g := NewGate()
	if !g.Wait(context.Background()) {
		t.Fatal("expected Wait to pass on a fresh gate")
	}
	if g.Paused() || !g.Running() {
		t.Fatal("unexpected initial state")
	}
}

func TestGatePauseBlocksUntilResume(t *testing.T) {
	g := NewGate()
	g.Pause()

	released := make(chan bool, 1)
	go func() { released <- g.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(30 * time.Millisecond):
	}

	g.Resume()
	select {
	case ok := <-released:
		if !ok {
			t.Fatal("expected Wait to report continue after resume")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Resume")
	}
}

func TestGateStopReleasesPausedWaiters(t *testing.T) {
	g := NewGate()
	g.Pause()

	released := make(chan bool, 1)
	go func() { released <- g.Wait(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	g.Stop()

	select {
	case ok := <-released:
		if ok {
			t.Fatal("expected Wait to report stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Stop")
	}
	if g.Running() || g.Paused() {
		t.Fatal("expected stopped, unpaused gate")
	}
	if g.Toggle() {
		t.Fatal("Toggle must not pause a stopped gate")
	}
}

func TestGateWaitHonorsContext(t *testing.T) {
	g := NewGate()
	g.Pause()
	ctx, cancel := context.WithCancel(context.Background())

	released := make(chan bool, 1)
	go func() { released <- g.Wait(ctx) }()
	cancel()

	select {
	case ok := <-released:
		if ok {
			t.Fatal("expected false after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait ignored context cancellation")
	}
}

func TestGateToggle(t *testing.T) {
	g := NewGate()
	if !g.Toggle() {
		t.Fatal("first toggle should pause")
	}
	if g.Toggle() {
		t.Fatal("second toggle should resume")
	}
}
