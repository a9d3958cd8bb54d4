package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stein_intelligence.checkpoint.json")
	ledger := New(path)

	if _, ok, err := ledger.Load(); err != nil || ok {
		t.Fatalf("expected no ledger yet, got ok=%v err=%v", ok, err)
	}

	want := State{
		Processed:       12,
		LastFingerprint: "abc",
		TotalFacts:      30,
		Timestamp:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		RunID:           "run-1",
	}
	if err := ledger.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := New(path).Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestLedgerTimestampsAreMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ledger := New(path)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	var previous time.Time
	for i := 0; i < 5; i++ {
		if err := ledger.Save(State{Processed: int64(i)}); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
		state, _, err := ledger.Load()
		if err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
		if !state.Timestamp.After(previous) {
			t.Fatalf("timestamp went backwards at %d: %v <= %v", i, state.Timestamp, previous)
		}
		previous = state.Timestamp
	}

	if err := ledger.Save(State{Timestamp: fixed.Add(-time.Hour)}); err != nil {
		t.Fatalf("Save stale: %v", err)
	}
	state, _, _ := ledger.Load()
	if !state.Timestamp.After(previous) {
		t.Fatalf("stale timestamp was written: %v", state.Timestamp)
	}
}

func TestLedgerClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ledger := New(path)
	if err := ledger.Save(State{Processed: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := ledger.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected ledger removed, stat err=%v", err)
	}
	if err := ledger.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestLedgerCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := New(path).Load(); err == nil {
		t.Fatal("expected decode error")
	}
}
