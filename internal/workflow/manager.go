package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"steinline/internal/config"
	"steinline/internal/deps"
	"steinline/internal/hostprobe"
	"steinline/internal/logging"
	"steinline/internal/observability"
	"steinline/internal/preflight"
	"steinline/internal/reasoner"
	"steinline/internal/registry"
	"steinline/internal/services"
	"steinline/internal/services/extraction"
	"steinline/internal/services/inference"
	"steinline/internal/stage"
	"steinline/internal/store"
	"steinline/internal/telemetry"
)

// ErrLocked reports that another process holds the run lock.
var ErrLocked = errors.New("run lock held by another process")

const (
	ModeScan   = "scan"
	ModeReason = "reason"
	ModeRun    = "run"

	defaultRequeueInterval = 5 * time.Second
	defaultEventCapacity   = 1024
)

// Dependencies bundles the collaborators a Manager drives. Events, Metrics
// and Memory are optional.
type Dependencies struct {
	Store     *store.Store
	Extractor extraction.Extractor
	Factory   inference.Factory
	Events    *telemetry.Hub
	Metrics   *observability.Metrics
	Memory    hostprobe.MemoryProbe
}

// Manager coordinates the scanner and reasoner for one process.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	extractor extraction.Extractor
	factory   inference.Factory
	hub       *telemetry.Hub
	metrics   *observability.Metrics
	memory    hostprobe.MemoryProbe
	base      *slog.Logger
	logger    *slog.Logger
	lock      *flock.Flock

	requeueInterval time.Duration

	mu         sync.RWMutex
	running    bool
	mode       string
	runID      string
	scanGate   *stage.Gate
	reasonGate *stage.Gate
	scanner    *registry.Scanner
	reasoner   *reasoner.Reasoner
	lastErr    string
	progress   map[string]telemetry.Event
	last       *Summary
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	requeueInterval time.Duration
}

// WithRequeueInterval sets how long a drained reasoner waits for the
// concurrent scan before looking at the backlog again.
func WithRequeueInterval(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.requeueInterval = d
	}
}

// Summary reports the outcome of one Scan, Reason or Run call.
type Summary struct {
	RunID    string
	Mode     string
	Scan     *registry.Result
	Reason   *reasoner.Result
	Duration time.Duration
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, d Dependencies, logger *slog.Logger, opts ...ManagerOption) *Manager {
	options := &managerOptions{requeueInterval: defaultRequeueInterval}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	hub := d.Events
	if hub == nil {
		hub = telemetry.NewHub(defaultEventCapacity, logger)
	}
	memory := d.Memory
	if memory == nil {
		memory = hostprobe.SystemMemory()
	}
	m := &Manager{
		cfg:             cfg,
		store:           d.Store,
		extractor:       d.Extractor,
		factory:         d.Factory,
		hub:             hub,
		metrics:         d.Metrics,
		memory:          memory,
		base:            logger,
		logger:          logging.NewComponentLogger(logger, "workflow"),
		lock:            flock.New(cfg.LockPath()),
		requeueInterval: options.requeueInterval,
		progress:        make(map[string]telemetry.Event),
	}
	hub.AddSink(telemetry.SinkFunc(m.observe))
	return m
}

// Events returns the hub every stage publishes to.
func (m *Manager) Events() *telemetry.Hub { return m.hub }

// Pause suspends both stages at their next checkpoint. It reports whether a
// run was active.
func (m *Manager) Pause() bool {
	gates := m.gates()
	for _, g := range gates {
		g.Pause()
	}
	return len(gates) > 0
}

// Resume releases paused stages.
func (m *Manager) Resume() bool {
	gates := m.gates()
	for _, g := range gates {
		g.Resume()
	}
	return len(gates) > 0
}

// Toggle flips the pause state of the active run and reports whether it is
// now paused. The scanner gate decides; the reasoner gate follows.
func (m *Manager) Toggle() bool {
	gates := m.gates()
	if len(gates) == 0 {
		return false
	}
	paused := gates[0].Toggle()
	for _, g := range gates[1:] {
		if paused {
			g.Pause()
		} else {
			g.Resume()
		}
	}
	return paused
}

// Stop asks both stages to finish their current unit of work and return.
func (m *Manager) Stop() {
	for _, g := range m.gates() {
		g.Stop()
	}
}

// Running reports whether a run is in progress in this process.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) gates() []*stage.Gate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return nil
	}
	return []*stage.Gate{m.scanGate, m.reasonGate}
}

// begin takes the run lock, runs preflight checks and resets per-run state.
func (m *Manager) begin(ctx context.Context, mode string) (context.Context, string, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ctx, "", errors.New("workflow: a run is already in progress")
	}
	m.running = true
	m.mode = mode
	m.scanGate = stage.NewGate()
	m.reasonGate = stage.NewGate()
	m.mu.Unlock()

	abort := func(err error) (context.Context, string, error) {
		m.mu.Lock()
		m.running = false
		m.lastErr = err.Error()
		m.mu.Unlock()
		return ctx, "", err
	}

	locked, err := m.lock.TryLock()
	if err != nil {
		return abort(services.Wrap(services.ErrStore, "workflow", "lock", "Acquire run lock", err))
	}
	if !locked {
		return abort(fmt.Errorf("%w: %s", ErrLocked, m.lock.Path()))
	}

	if failed := preflight.Failed(preflight.RunAll(ctx, m.cfg, false)); len(failed) > 0 {
		m.unlock()
		first := failed[0]
		return abort(services.Wrap(services.ErrConfiguration, "workflow", "preflight",
			fmt.Sprintf("%s: %s", first.Name, first.Detail), nil))
	}
	if mode != ModeScan {
		statuses := preflight.CheckSystemDeps(m.cfg)
		if missing := deps.MissingRequired(statuses); len(missing) > 0 {
			logging.Warn(m.logger, "required extraction tools missing", "deps_missing",
				"files needing these tools are dropped",
				logging.Any("missing", missing))
		}
	}

	runID := uuid.NewString()
	m.mu.Lock()
	m.runID = runID
	m.lastErr = ""
	m.progress = make(map[string]telemetry.Event)
	m.mu.Unlock()

	m.logger.Info("run starting", logging.String("mode", mode), logging.String("run_id", runID))
	return services.WithRunID(ctx, runID), runID, nil
}

func (m *Manager) end(sum Summary, err error) {
	m.mu.Lock()
	m.running = false
	m.scanner = nil
	m.reasoner = nil
	if err != nil {
		m.lastErr = err.Error()
	}
	last := sum
	m.last = &last
	m.mu.Unlock()
	m.unlock()

	attrs := []logging.Attr{
		logging.String("mode", sum.Mode),
		logging.String("run_id", sum.RunID),
		logging.Duration("duration", sum.Duration),
	}
	if err != nil {
		attrs = append(attrs, logging.Error(err))
		m.logger.Error("run finished with error", logging.Args(attrs...)...)
		return
	}
	m.logger.Info("run finished", logging.Args(attrs...)...)
}

func (m *Manager) unlock() {
	if err := m.lock.Unlock(); err != nil {
		logging.Warn(m.logger, "failed to release run lock", "lock_release_failed",
			"next run may report the lock as held",
			logging.String("path", m.lock.Path()), logging.Error(err))
	}
}

// observe records the latest progress and error per stage from the hub.
func (m *Manager) observe(evt telemetry.Event) {
	switch evt.Kind {
	case telemetry.KindProgress, telemetry.KindDone:
		m.mu.Lock()
		m.progress[evt.Stage] = evt
		m.mu.Unlock()
	case telemetry.KindError:
		m.mu.Lock()
		m.lastErr = evt.Message
		m.mu.Unlock()
	}
}
