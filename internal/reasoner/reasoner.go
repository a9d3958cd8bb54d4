package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"steinline/internal/checkpoint"
	"steinline/internal/config"
	"steinline/internal/logging"
	"steinline/internal/observability"
	"steinline/internal/services"
	"steinline/internal/services/extraction"
	"steinline/internal/services/inference"
	"steinline/internal/stage"
	"steinline/internal/store"
	"steinline/internal/telemetry"
)

// StageName identifies the reasoner in logs and telemetry.
const StageName = "reasoner"

const (
	defaultBatchSize       = 24
	defaultChunkSize       = 8
	defaultWindowChars     = 20000
	defaultReducedWindow   = 8192
	minReducedVRAMFraction = 0.5
	defaultFetchRetryDelay = 2 * time.Second
	maxFetchFailures       = 3
	maxBackendFailures     = 5
	factSampleLimit        = 25
)

// Store is the subset of the content store the reasoner reads and writes.
type Store interface {
	DiffUnprocessed(ctx context.Context, q store.DiffQuery) ([]store.Pending, error)
	CountUnprocessed(ctx context.Context, q store.DiffQuery) (int64, error)
	UpsertFacts(ctx context.Context, records []store.FactRecord) error
}

// Options configures a Reasoner.
type Options struct {
	BatchSize        int
	MaxFilesPerCycle int
	// ChunkSize is the initial number of segments per inference call. It
	// only ever shrinks during a run.
	ChunkSize     int
	Workers       int
	WindowChars   int
	WindowOverlap int
	// Extensions restricts the backlog to files the extractor can handle.
	Extensions            []string
	MinExtensionlessBytes int64
	// RetryPasses is how many times the backlog is re-read from the start
	// to retry files dropped earlier in the run.
	RetryPasses int

	Footprint            inference.Footprint
	ReducedContextWindow int
	Sampling             inference.Sampling

	Ledger          *checkpoint.Ledger
	RunID           string
	FetchRetryDelay time.Duration

	Gate    *stage.Gate
	Events  telemetry.Emitter
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// OptionsFromConfig maps the reasoner and inference sections of cfg onto
// Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:             cfg.Reasoner.BatchSize,
		MaxFilesPerCycle:      cfg.Reasoner.MaxFilesPerCycle,
		ChunkSize:             cfg.Reasoner.LLMChunkSize,
		Workers:               cfg.Scanner.CPUWorkers,
		WindowChars:           cfg.Reasoner.WindowChars,
		WindowOverlap:         cfg.Reasoner.WindowOverlap,
		Extensions:            extraction.SupportedExtensions(),
		MinExtensionlessBytes: cfg.Reasoner.MinExtensionlessBytes,
		RetryPasses:           cfg.Reasoner.RetryPasses,
		Footprint: inference.Footprint{
			VRAMFraction:  cfg.Inference.VRAMAllocation,
			ContextWindow: cfg.Inference.ContextWindow,
		},
		ReducedContextWindow: cfg.Inference.ReducedContextWindow,
		Sampling: inference.Sampling{
			Temperature:       cfg.Inference.Temperature,
			MaxTokens:         cfg.Inference.MaxTokens,
			RepetitionPenalty: cfg.Inference.RepetitionPenalty,
		},
		Ledger: checkpoint.New(cfg.CheckpointPath()),
	}
}

// Result summarizes one reasoner run.
type Result struct {
	Cycles int
	// Processed counts files that gained intelligence rows this run,
	// placeholders included.
	Processed    int64
	Facts        int64
	Placeholders int64
	// Dropped counts extraction failures and empty extractions.
	Dropped   int64
	Abandoned int64
	ChunkSize int
	Duration  time.Duration
	State     State
}

// Reasoner drains the unprocessed backlog through extraction and inference
// and persists the parsed facts.
type Reasoner struct {
	store     Store
	extractor extraction.Extractor
	factory   inference.Factory
	opts      Options
	gate      *stage.Gate
	events    telemetry.Emitter
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time

	state stateBox
	chunk atomic.Int64
}

// New constructs a reasoner. Zero-valued options take their defaults.
func New(st Store, extractor extraction.Extractor, factory inference.Factory, opts Options) *Reasoner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.WindowChars <= 0 {
		opts.WindowChars = defaultWindowChars
	}
	if opts.WindowOverlap < 0 || opts.WindowOverlap >= opts.WindowChars {
		opts.WindowOverlap = 0
	}
	if opts.ReducedContextWindow <= 0 {
		opts.ReducedContextWindow = defaultReducedWindow
	}
	if opts.FetchRetryDelay <= 0 {
		opts.FetchRetryDelay = defaultFetchRetryDelay
	}
	gate := opts.Gate
	if gate == nil {
		gate = stage.NewGate()
	}
	events := opts.Events
	if events == nil {
		events = telemetry.Discard
	}
	r := &Reasoner{
		store:     st,
		extractor: extractor,
		factory:   factory,
		opts:      opts,
		gate:      gate,
		events:    events,
		metrics:   opts.Metrics,
		logger:    logging.NewComponentLogger(opts.Logger, "reasoner"),
		now:       time.Now,
	}
	r.chunk.Store(int64(opts.ChunkSize))
	return r
}

// State returns the current lifecycle state.
func (r *Reasoner) State() State { return r.state.load() }

// Gate returns the pause/stop gate driving this reasoner.
func (r *Reasoner) Gate() *stage.Gate { return r.gate }

// ChunkSize returns the current inference sub-batch size.
func (r *Reasoner) ChunkSize() int { return int(r.chunk.Load()) }

// run carries the mutable state of one Run call.
type run struct {
	logger  *slog.Logger
	backend inference.Backend
	res     Result
	base    checkpoint.State
	last    string
	total   int64
	retry   bool
	sampler *logging.ProgressSampler
	// backendFailures counts consecutive non-capacity inference failures.
	backendFailures int
}

// Run processes the backlog until it is exhausted, the gate is stopped or
// ctx ends. A reasoner runs at most once.
func (r *Reasoner) Run(ctx context.Context) (Result, error) {
	if !r.state.advance(StateIdle, StateInitializing) {
		return Result{State: r.State()}, errors.New("reasoner: already started")
	}
	start := time.Now()
	ctx = services.WithStage(ctx, StageName)
	ctx = services.WithRunID(ctx, r.opts.RunID)
	rn := &run{
		logger:  logging.WithContext(ctx, r.logger),
		sampler: logging.NewProgressSampler(10),
	}
	rn.base = r.resumeCounters(rn.logger)
	r.metrics.SetChunkSize(r.ChunkSize())

	finish := func(state State, err error) (Result, error) {
		r.state.store(state)
		rn.res.State = state
		rn.res.ChunkSize = r.ChunkSize()
		rn.res.Duration = time.Since(start)
		return rn.res, err
	}

	backend, err := r.initBackend(ctx, rn.logger)
	if err != nil {
		if ctx.Err() != nil {
			r.emitStopped(rn)
			return finish(StateStopped, ctx.Err())
		}
		return finish(StateFailed, r.fail(rn, err))
	}
	rn.backend = backend
	r.state.store(StateRunning)

	query := store.DiffQuery{
		Limit:                 r.batchLimit(),
		Extensions:            r.opts.Extensions,
		MinExtensionlessBytes: r.opts.MinExtensionlessBytes,
	}
	if total, err := r.store.CountUnprocessed(ctx, query); err != nil {
		rn.logger.Debug("backlog count unavailable", logging.Error(err))
	} else {
		rn.total = total
	}
	r.status(fmt.Sprintf("Backlog: %s files awaiting analysis", humanize.Comma(rn.total)))
	rn.logger.Info("reasoner starting",
		logging.Int64("backlog", rn.total),
		logging.Int("batch_size", query.Limit),
		logging.Int("chunk_size", r.ChunkSize()),
		logging.Int("workers", r.opts.Workers),
	)

	var (
		cursor        int64
		passes        int
		fetchFailures int
	)
	for {
		if !r.waitGate(ctx, rn.logger) {
			r.emitStopped(rn)
			return finish(StateStopped, ctx.Err())
		}

		query.AfterRowID = cursor
		batch, err := r.store.DiffUnprocessed(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				r.emitStopped(rn)
				return finish(StateStopped, ctx.Err())
			}
			fetchFailures++
			logging.Warn(rn.logger, "backlog fetch failed", "fetch_failed", "cycle retried after delay",
				logging.Int("attempt", fetchFailures), logging.Error(err))
			if fetchFailures >= maxFetchFailures {
				err = services.Wrap(services.ErrStore, StageName, "fetch batch", "Backlog query keeps failing", err)
				return finish(StateFailed, r.fail(rn, err))
			}
			if sleepErr := sleep(ctx, time.Duration(fetchFailures)*r.opts.FetchRetryDelay); sleepErr != nil {
				r.emitStopped(rn)
				return finish(StateStopped, sleepErr)
			}
			continue
		}
		fetchFailures = 0

		if len(batch) == 0 {
			if rn.retry && passes < r.opts.RetryPasses {
				passes++
				cursor = 0
				rn.retry = false
				r.status(fmt.Sprintf("Retrying skipped files (pass %d of %d)", passes, r.opts.RetryPasses))
				rn.logger.Info("retry pass starting", logging.Int("pass", passes))
				continue
			}
			break
		}
		cursor = batch[len(batch)-1].RowID
		rn.res.Cycles++

		if err := r.cycle(ctx, rn, batch); err != nil {
			if ctx.Err() != nil {
				r.emitStopped(rn)
				return finish(StateStopped, ctx.Err())
			}
			return finish(StateFailed, r.fail(rn, err))
		}
	}

	r.status("Queue exhausted: no more files to process")
	res, _ := finish(StateExhausted, nil)
	r.events.Emit(telemetry.Done(StageName,
		fmt.Sprintf("Reasoning complete: %s files, %s facts in %s",
			humanize.Comma(res.Processed), humanize.Comma(res.Facts), res.Duration.Round(100*time.Millisecond)),
		res.Processed, rn.total))
	rn.logger.Info("reasoner exhausted", resultAttrs(res)...)
	return res, nil
}

func (r *Reasoner) batchLimit() int {
	limit := r.opts.BatchSize
	if r.opts.MaxFilesPerCycle > 0 && r.opts.MaxFilesPerCycle < limit {
		limit = r.opts.MaxFilesPerCycle
	}
	return limit
}

// resumeCounters seeds cumulative checkpoint counters from the previous run.
func (r *Reasoner) resumeCounters(logger *slog.Logger) checkpoint.State {
	if r.opts.Ledger == nil {
		return checkpoint.State{}
	}
	state, ok, err := r.opts.Ledger.Load()
	if err != nil {
		logging.Warn(logger, "checkpoint unreadable", "checkpoint_load_failed", "counters restart from zero",
			logging.String("path", r.opts.Ledger.Path()), logging.Error(err))
		return checkpoint.State{}
	}
	if ok {
		logger.Info("resuming from checkpoint",
			logging.Int64("processed", state.Processed),
			logging.Int64("total_facts", state.TotalFacts),
			logging.String("last_fingerprint", state.LastFingerprint),
		)
	}
	return state
}

// initBackend initializes the inference backend, retrying once with a
// reduced footprint. A second failure is fatal.
func (r *Reasoner) initBackend(ctx context.Context, logger *slog.Logger) (inference.Backend, error) {
	r.status("Initializing inference backend")
	footprint := r.opts.Footprint
	backend, err := r.factory.Init(ctx, footprint)
	if err == nil {
		return backend, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	reduced := reducedFootprint(footprint, r.opts.ReducedContextWindow)
	logging.Warn(logger, "inference backend init failed", "backend_init_failed", "retrying with reduced context window",
		logging.Int("context_window", footprint.ContextWindow),
		logging.Int("reduced_context_window", reduced.ContextWindow),
		logging.Float64("vram_fraction", reduced.VRAMFraction),
		logging.Error(err),
	)
	r.status(fmt.Sprintf("Backend init failed: %v. Retrying with reduced context window %d", err, reduced.ContextWindow))

	backend, err = r.factory.Init(ctx, reduced)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, services.Wrap(services.ErrFatal, StageName, "init backend",
			"Inference backend failed at reduced footprint", err)
	}
	return backend, nil
}

func reducedFootprint(fp inference.Footprint, reducedWindow int) inference.Footprint {
	out := fp
	if out.ContextWindow <= 0 || out.ContextWindow > reducedWindow {
		out.ContextWindow = reducedWindow
	}
	if out.VRAMFraction < minReducedVRAMFraction {
		out.VRAMFraction = minReducedVRAMFraction
	}
	return out
}

// waitGate blocks while paused and reports whether the run should continue.
func (r *Reasoner) waitGate(ctx context.Context, logger *slog.Logger) bool {
	if !r.gate.Paused() {
		return r.gate.Running() && ctx.Err() == nil
	}
	r.state.store(StatePaused)
	r.status("Reasoner paused")
	logger.Info("reasoner paused")
	ok := r.gate.Wait(ctx)
	r.state.advance(StatePaused, StateRunning)
	if ok {
		r.status("Reasoner resumed")
		logger.Info("reasoner resumed")
	}
	return ok
}

func (r *Reasoner) fail(rn *run, err error) error {
	rn.logger.Error("reasoner failed",
		logging.Error(err),
		logging.String("error_class", string(services.Classify(err))),
	)
	r.events.Emit(telemetry.Error(StageName, err))
	return err
}

func (r *Reasoner) emitStopped(rn *run) {
	r.events.Emit(telemetry.Done(StageName,
		fmt.Sprintf("Reasoner stopped after %s files", humanize.Comma(rn.res.Processed)),
		rn.res.Processed, rn.total))
	rn.logger.Info("reasoner stopped", resultAttrs(rn.res)...)
}

func (r *Reasoner) status(msg string) {
	r.events.Emit(telemetry.Status(StageName, msg))
}

func resultAttrs(res Result) []any {
	return logging.Args(
		logging.Int("cycles", res.Cycles),
		logging.Int64("processed", res.Processed),
		logging.Int64("facts", res.Facts),
		logging.Int64("placeholders", res.Placeholders),
		logging.Int64("dropped", res.Dropped),
		logging.Int64("abandoned", res.Abandoned),
		logging.Int("chunk_size", res.ChunkSize),
		logging.Duration("duration", res.Duration),
	)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func filenameOf(path string) string {
	return filepath.Base(strings.TrimRight(path, string(filepath.Separator)))
}
