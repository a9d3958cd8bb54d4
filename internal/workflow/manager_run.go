package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"steinline/internal/logging"
	"steinline/internal/reasoner"
	"steinline/internal/registry"
)

// Scan fingerprints the source tree once.
func (m *Manager) Scan(ctx context.Context) (Summary, error) {
	ctx, runID, err := m.begin(ctx, ModeScan)
	if err != nil {
		return Summary{Mode: ModeScan}, err
	}
	start := time.Now()
	res, err := m.runScanner(ctx)
	sum := Summary{RunID: runID, Mode: ModeScan, Scan: &res, Duration: time.Since(start)}
	m.end(sum, err)
	return sum, err
}

// Reason drains the unprocessed backlog.
func (m *Manager) Reason(ctx context.Context) (Summary, error) {
	ctx, runID, err := m.begin(ctx, ModeReason)
	if err != nil {
		return Summary{Mode: ModeReason}, err
	}
	start := time.Now()
	done := make(chan struct{})
	close(done)
	res, err := m.runReasoner(ctx, runID, done)
	sum := Summary{RunID: runID, Mode: ModeReason, Reason: &res, Duration: time.Since(start)}
	m.end(sum, err)
	return sum, err
}

// Run scans and reasons concurrently. The reasoner keeps picking up newly
// registered files until the scan has finished and the backlog is drained.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	ctx, runID, err := m.begin(ctx, ModeRun)
	if err != nil {
		return Summary{Mode: ModeRun}, err
	}
	start := time.Now()

	var (
		wg        sync.WaitGroup
		scanRes   registry.Result
		scanErr   error
		reasonRes reasoner.Result
		reasonErr error
	)
	scanDone := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(scanDone)
		scanRes, scanErr = m.runScanner(ctx)
	}()
	go func() {
		defer wg.Done()
		reasonRes, reasonErr = m.runReasoner(ctx, runID, scanDone)
	}()
	wg.Wait()

	err = errors.Join(scanErr, reasonErr)
	sum := Summary{RunID: runID, Mode: ModeRun, Scan: &scanRes, Reason: &reasonRes, Duration: time.Since(start)}
	m.end(sum, err)
	return sum, err
}

func (m *Manager) runScanner(ctx context.Context) (registry.Result, error) {
	m.mu.RLock()
	gate := m.scanGate
	m.mu.RUnlock()

	opts := registry.OptionsFromConfig(m.cfg)
	opts.Memory = m.memory
	opts.Gate = gate
	opts.Events = m.hub
	opts.Metrics = m.metrics
	opts.Logger = m.base

	sc := registry.New(m.store, opts)
	m.mu.Lock()
	m.scanner = sc
	m.mu.Unlock()
	return sc.Run(ctx)
}

// runReasoner starts a fresh reasoner each time the previous one drains the
// backlog while scanDone is still open. The last pass begins only after the
// scan has finished, so nothing it registered is left behind.
func (m *Manager) runReasoner(ctx context.Context, runID string, scanDone <-chan struct{}) (reasoner.Result, error) {
	m.mu.RLock()
	gate := m.reasonGate
	m.mu.RUnlock()
	logger := logging.WithContext(ctx, m.logger)

	var total reasoner.Result
	for {
		final := closed(scanDone)

		opts := reasoner.OptionsFromConfig(m.cfg)
		opts.RunID = runID
		opts.Gate = gate
		opts.Events = m.hub
		opts.Metrics = m.metrics
		opts.Logger = m.base

		r := reasoner.New(m.store, m.extractor, m.factory, opts)
		m.mu.Lock()
		m.reasoner = r
		m.mu.Unlock()

		res, err := r.Run(ctx)
		total = mergeReasoner(total, res)
		if err != nil || res.State != reasoner.StateExhausted || final {
			return total, err
		}

		logger.Info("backlog drained while scan is running; waiting for new registrations",
			logging.Duration("requeue_interval", m.requeueInterval))
		select {
		case <-ctx.Done():
			total.State = reasoner.StateStopped
			return total, ctx.Err()
		case <-scanDone:
		case <-time.After(m.requeueInterval):
		}
		if !gate.Running() {
			total.State = reasoner.StateStopped
			return total, nil
		}
	}
}

func mergeReasoner(acc, next reasoner.Result) reasoner.Result {
	acc.Cycles += next.Cycles
	acc.Processed += next.Processed
	acc.Facts += next.Facts
	acc.Placeholders += next.Placeholders
	acc.Dropped += next.Dropped
	acc.Abandoned += next.Abandoned
	acc.Duration += next.Duration
	acc.ChunkSize = next.ChunkSize
	acc.State = next.State
	return acc
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
