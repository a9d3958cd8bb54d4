package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHubFetchReturnsEventsAfterSequence(t *testing.T) {
	hub := NewHub(8, nil)
	hub.Emit(Status("scan", "starting"))
	hub.Emit(Progress("scan", 1, 10))
	hub.Emit(Progress("scan", 2, 10))

	events, next, err := hub.Fetch(context.Background(), 1, 0, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Sequence != 2 || events[1].Sequence != 3 {
		t.Fatalf("unexpected sequences %d, %d", events[0].Sequence, events[1].Sequence)
	}
	if next != 3 {
		t.Fatalf("expected next cursor 3, got %d", next)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}
}

func TestHubRingDropsOldest(t *testing.T) {
	hub := NewHub(3, nil)
	for i := 0; i < 5; i++ {
		hub.Emit(Progress("scan", int64(i), 5))
	}
	events, last := hub.Tail(0)
	if len(events) != 3 {
		t.Fatalf("expected ring to hold 3 events, got %d", len(events))
	}
	if events[0].Sequence != 3 || last != 5 {
		t.Fatalf("unexpected ring contents: first seq %d last %d", events[0].Sequence, last)
	}
}

func TestHubFetchWaitWakesOnEmit(t *testing.T) {
	hub := NewHub(8, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan []Event, 1)
	go func() {
		events, _, _ := hub.Fetch(ctx, 0, 10, true)
		done <- events
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Emit(Done("reason", "exhausted", 4, 4))

	select {
	case events := <-done:
		if len(events) != 1 || events[0].Kind != KindDone {
			t.Fatalf("unexpected events: %+v", events)
		}
	case <-time.After(time.Second):
		t.Fatal("Fetch did not wake after Emit")
	}
}

func TestHubFetchWaitHonorsCancel(t *testing.T) {
	hub := NewHub(8, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := hub.Fetch(ctx, 0, 10, true)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Fetch did not return after cancel")
	}
}

func TestHubSinkPanicDoesNotEscape(t *testing.T) {
	hub := NewHub(4, nil)
	var seen int
	hub.AddSink(SinkFunc(func(Event) { panic("boom") }))
	hub.AddSink(SinkFunc(func(Event) { seen++ }))

	hub.Emit(Status("scan", "hello"))

	if seen != 1 {
		t.Fatalf("expected later sink to still receive event, got %d", seen)
	}
}

func TestHubSubscribeIsLossyAndClosesOnCancel(t *testing.T) {
	hub := NewHub(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx, 1)

	hub.Emit(Status("scan", "one"))
	hub.Emit(Status("scan", "two"))

	evt := <-ch
	if evt.Message != "one" {
		t.Fatalf("expected first event, got %q", evt.Message)
	}
	cancel()
	for range ch {
	}
}

func TestNilHubIsSafe(t *testing.T) {
	var hub *Hub
	hub.Emit(Status("scan", "ignored"))
	if events, _ := hub.Tail(5); events != nil {
		t.Fatalf("expected nil events from nil hub")
	}
}

func TestEventPercent(t *testing.T) {
	if got := Progress("scan", 5, 0).Percent(); got != -1 {
		t.Fatalf("expected -1 for unknown total, got %v", got)
	}
	if got := Progress("scan", 1, 4).Percent(); got != 25 {
		t.Fatalf("expected 25, got %v", got)
	}
	if got := Error("reason", nil).Message; got == "" {
		t.Fatal("expected placeholder message for nil error")
	}
}
