package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"steinline/internal/fileutil"
)

// State is the advisory progress snapshot written after every committed
// sub-batch. The intelligence store remains authoritative for what has been
// processed; the ledger exists for operators and restart diagnostics.
type State struct {
	Processed       int64     `json:"processed"`
	LastFingerprint string    `json:"last_fingerprint"`
	TotalFacts      int64     `json:"total_facts"`
	Timestamp       time.Time `json:"timestamp"`
	RunID           string    `json:"run_id,omitempty"`
}

// Ledger persists State to a single JSON document.
type Ledger struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	last time.Time
}

// New returns a ledger writing to path.
func New(path string) *Ledger {
	return &Ledger{path: path, now: time.Now}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Save overwrites the ledger atomically. Timestamps never move backwards:
// a zero or stale timestamp is replaced with one just past the last write.
func (l *Ledger) Save(state State) error {
	if l == nil || l.path == "" {
		return errors.New("checkpoint: ledger path not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if state.Timestamp.IsZero() {
		state.Timestamp = l.now()
	}
	state.Timestamp = state.Timestamp.UTC()
	if !state.Timestamp.After(l.last) {
		state.Timestamp = l.last.Add(time.Microsecond)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := fileutil.WriteFileAtomic(l.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", l.path, err)
	}
	l.last = state.Timestamp
	return nil
}

// Load reads the ledger. The boolean is false when no ledger exists yet.
func (l *Ledger) Load() (State, bool, error) {
	if l == nil || l.path == "" {
		return State{}, false, nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("checkpoint: read %s: %w", l.path, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("checkpoint: decode %s: %w", l.path, err)
	}

	l.mu.Lock()
	if state.Timestamp.After(l.last) {
		l.last = state.Timestamp
	}
	l.mu.Unlock()
	return state, true, nil
}

// Clear removes the ledger file. Missing files are not an error.
func (l *Ledger) Clear() error {
	if l == nil || l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: remove %s: %w", l.path, err)
	}
	l.mu.Lock()
	l.last = time.Time{}
	l.mu.Unlock()
	return nil
}
