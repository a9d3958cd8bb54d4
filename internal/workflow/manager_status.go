package workflow

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/gofrs/flock"

	"steinline/internal/checkpoint"
	"steinline/internal/deps"
	"steinline/internal/logging"
	"steinline/internal/preflight"
	"steinline/internal/services/extraction"
	"steinline/internal/store"
	"steinline/internal/telemetry"
)

const recentFactLimit = 10

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running       bool
	Mode          string
	RunID         string
	Paused        bool
	ScannerState  string
	ReasonerState string
	ChunkSize     int
	LastError     string
	LockHeld      bool
	Stats         store.Stats
	JournalModes  map[string]string
	Backlog       int64
	RecentFacts   []store.FactRecord
	Checkpoint    *checkpoint.State
	Dependencies  []deps.Status
	Progress      map[string]telemetry.Event
	Last          *Summary
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:   m.running,
		Mode:      m.mode,
		RunID:     m.runID,
		LastError: m.lastErr,
		Progress:  maps.Clone(m.progress),
	}
	scanGate := m.scanGate
	sc := m.scanner
	rs := m.reasoner
	if m.last != nil {
		last := *m.last
		summary.Last = &last
	}
	running := m.running
	m.mu.RUnlock()

	if running {
		summary.Paused = scanGate != nil && scanGate.Paused()
		if sc != nil {
			summary.ScannerState = sc.State().String()
		}
		if rs != nil {
			summary.ReasonerState = rs.State().String()
			summary.ChunkSize = rs.ChunkSize()
		}
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read store stats", logging.Error(err))
	}
	summary.Stats = stats
	summary.JournalModes = m.store.JournalModes()

	backlog, err := m.store.CountUnprocessed(ctx, store.DiffQuery{
		Extensions:            extraction.SupportedExtensions(),
		MinExtensionlessBytes: m.cfg.Reasoner.MinExtensionlessBytes,
	})
	if err != nil {
		m.logger.Warn("failed to count backlog", logging.Error(err))
	}
	summary.Backlog = backlog

	recent, err := m.store.RecentFacts(ctx, recentFactLimit)
	if err != nil {
		m.logger.Warn("failed to read recent facts", logging.Error(err))
	}
	summary.RecentFacts = recent

	state, ok, err := checkpoint.New(m.cfg.CheckpointPath()).Load()
	if err != nil {
		m.logger.Warn("failed to read checkpoint", logging.Error(err))
	} else if ok {
		summary.Checkpoint = &state
	}

	summary.Dependencies = preflight.CheckSystemDeps(m.cfg)
	summary.LockHeld = running || m.lockHeldElsewhere()
	return summary
}

// ContentDetail is everything the store knows about one fingerprint.
type ContentDetail struct {
	Fingerprint string
	Entries     []store.RegistryEntry
	Facts       []store.FactRecord
}

// Inspect returns the registered paths and intelligence rows for
// fingerprint. An unregistered fingerprint is an error.
func (m *Manager) Inspect(ctx context.Context, fingerprint string) (ContentDetail, error) {
	fingerprint = strings.ToLower(strings.TrimSpace(fingerprint))
	detail := ContentDetail{Fingerprint: fingerprint}
	entries, err := m.store.EntriesForFingerprint(ctx, fingerprint)
	if err != nil {
		return detail, err
	}
	if len(entries) == 0 {
		return detail, fmt.Errorf("fingerprint %s is not registered", fingerprint)
	}
	detail.Entries = entries
	facts, err := m.store.FactsForFingerprint(ctx, fingerprint)
	if err != nil {
		return detail, err
	}
	detail.Facts = facts
	return detail, nil
}

// lockHeldElsewhere probes the run lock with a separate handle so a lock
// held by another process is detected.
func (m *Manager) lockHeldElsewhere() bool {
	probe := flock.New(m.lock.Path())
	ok, err := probe.TryLock()
	if err != nil {
		m.logger.Debug("run lock probe failed", logging.Error(err))
		return false
	}
	if ok {
		_ = probe.Unlock()
		return false
	}
	return true
}
