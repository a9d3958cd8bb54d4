package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"steinline/internal/config"
	"steinline/internal/fileutil"
	"steinline/internal/hostprobe"
	"steinline/internal/logging"
	"steinline/internal/observability"
	"steinline/internal/services"
	"steinline/internal/stage"
	"steinline/internal/store"
	"steinline/internal/telemetry"
)

// StageName identifies the scanner in logs and telemetry.
const StageName = "registry"

const (
	defaultInFlightFactor = 4
	defaultCommitBlock    = 500
	defaultProgressEvery  = 50
	defaultAdmissionPoll  = 250 * time.Millisecond
)

// Store is the subset of the content store the scanner writes to.
type Store interface {
	KnownPaths(ctx context.Context, fn func(path string) error) error
	InsertFingerprints(ctx context.Context, entries []store.RegistryEntry) (int, error)
}

// Options configures a Scanner.
type Options struct {
	Root           string
	Workers        int
	InFlightFactor int
	CommitBlock    int
	ProgressEvery  int
	// RAMLimitBytes is the resident memory ceiling checked before each
	// retirement. Zero disables admission control.
	RAMLimitBytes uint64
	AdmissionPoll time.Duration
	Memory        hostprobe.MemoryProbe
	// Exclude skips matching paths during discovery.
	Exclude func(path string) bool

	Gate    *stage.Gate
	Events  telemetry.Emitter
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// OptionsFromConfig maps the scanner section of cfg onto Options. The store
// files are excluded so a source root containing them does not fingerprint
// its own database.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Root:           cfg.Paths.SourceRoot,
		Workers:        cfg.Scanner.CPUWorkers,
		InFlightFactor: cfg.Scanner.InFlightFactor,
		CommitBlock:    cfg.Scanner.CommitBlock,
		ProgressEvery:  cfg.Scanner.ProgressEvery,
		RAMLimitBytes:  cfg.RAMLimitBytes(),
		AdmissionPoll:  cfg.AdmissionPoll(),
		Exclude: ExcludeStoreFiles(
			cfg.Paths.RegistryDB,
			cfg.Paths.IntelligenceDB,
			cfg.CheckpointPath(),
			cfg.LockPath(),
		),
	}
}

// Result summarizes one scan.
type Result struct {
	// Discovered counts files not yet registered by path.
	Discovered int64
	// Skipped counts files whose path was already registered.
	Skipped    int64
	Processed  int64
	Registered int64
	Failed     int64
	Duration   time.Duration
	State      State
}

// Scanner fingerprints every unregistered file under a root and commits the
// results to the registry in blocks.
type Scanner struct {
	store   Store
	opts    Options
	gate    *stage.Gate
	events  telemetry.Emitter
	metrics *observability.Metrics
	logger  *slog.Logger

	state         stateBox
	discovered    atomic.Int64
	skipped       atomic.Int64
	submitted     atomic.Int64
	processed     atomic.Int64
	discoveryDone atomic.Bool
	walkErr       error
}

type hashResult struct {
	path        string
	fingerprint string
	size        int64
	err         error
}

// New constructs a scanner. Zero-valued options take their defaults.
func New(st Store, opts Options) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.InFlightFactor <= 0 {
		opts.InFlightFactor = defaultInFlightFactor
	}
	if opts.CommitBlock <= 0 {
		opts.CommitBlock = defaultCommitBlock
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	if opts.AdmissionPoll <= 0 {
		opts.AdmissionPoll = defaultAdmissionPoll
	}
	gate := opts.Gate
	if gate == nil {
		gate = stage.NewGate()
	}
	events := opts.Events
	if events == nil {
		events = telemetry.Discard
	}
	return &Scanner{
		store:   st,
		opts:    opts,
		gate:    gate,
		events:  events,
		metrics: opts.Metrics,
		logger:  logging.NewComponentLogger(opts.Logger, "scanner"),
	}
}

// State returns the current lifecycle state.
func (s *Scanner) State() State { return s.state.load() }

// Gate returns the pause/stop gate driving this scanner.
func (s *Scanner) Gate() *stage.Gate { return s.gate }

// Processed returns the number of retired hash results so far.
func (s *Scanner) Processed() int64 { return s.processed.Load() }

// Run performs one scan. A scanner runs at most once.
func (s *Scanner) Run(ctx context.Context) (Result, error) {
	if !s.state.advance(StateIdle, StateDiscovering) {
		return Result{State: s.State()}, errors.New("registry: scanner already started")
	}
	start := time.Now()
	ctx = services.WithStage(ctx, StageName)
	logger := logging.WithContext(ctx, s.logger)
	s.status("Initializing registry scan")

	known := make(map[string]struct{})
	err := s.store.KnownPaths(ctx, func(path string) error {
		known[path] = struct{}{}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			s.state.store(StateCancelled)
			return Result{State: StateCancelled, Duration: time.Since(start)}, ctx.Err()
		}
		logging.Warn(logger, "known path cache unavailable", "known_paths_failed",
			"every file under the root is rehashed", logging.Error(err))
		known = make(map[string]struct{})
	}
	s.status(fmt.Sprintf("Known-path cache loaded: %s files known", humanize.Comma(int64(len(known)))))
	logger.Info("scan starting",
		logging.String("root", s.opts.Root),
		logging.Int("known_paths", len(known)),
		logging.Int("workers", s.opts.Workers),
		logging.Int("in_flight", s.inFlightCap()),
	)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	inFlight := s.inFlightCap()
	candidates := make(chan string)
	jobs := make(chan string)
	results := make(chan hashResult, inFlight)
	sem := semaphore.NewWeighted(int64(inFlight))

	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		s.discover(runCtx, known, candidates)
	}()
	go func() {
		defer producers.Done()
		s.submit(runCtx, sem, candidates, jobs)
	}()

	var workers sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for path := range jobs {
				results <- hashFile(path)
			}
		}()
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	var (
		res       = Result{}
		buffer    = make([]store.RegistryEntry, 0, s.opts.CommitBlock)
		sampler   = logging.NewProgressSampler(10)
		cancelled bool
	)
	for {
		if !cancelled && !s.waitGate(runCtx, logger) {
			cancelled = true
			cancelRun()
		}
		hr, ok := <-results
		if !ok {
			break
		}
		if cancelled {
			sem.Release(1)
			continue
		}
		if !s.admit(runCtx, logger) {
			cancelled = true
			cancelRun()
			sem.Release(1)
			continue
		}
		sem.Release(1)

		s.retire(logger, hr, &res, &buffer)
		if len(buffer) >= s.opts.CommitBlock {
			s.flush(ctx, logger, &buffer, &res)
		}

		processed := s.processed.Load()
		if processed%int64(s.opts.ProgressEvery) == 0 {
			total := s.discovered.Load()
			s.events.Emit(telemetry.Progress(StageName, processed, total))
			if s.discoveryDone.Load() && sampler.ShouldLog(int(processed), int(total)) {
				logger.Info("scan progress",
					logging.Int64("processed", processed),
					logging.Int64("total", total),
				)
			}
		}
	}
	cancelRun()
	producers.Wait()

	s.flush(context.WithoutCancel(ctx), logger, &buffer, &res)

	res.Discovered = s.discovered.Load()
	res.Skipped = s.skipped.Load()
	res.Processed = s.processed.Load()
	res.Duration = time.Since(start)

	if s.walkErr != nil {
		s.state.store(StateCancelled)
		res.State = StateCancelled
		err := services.Wrap(services.ErrConfiguration, StageName, "walk", "Source root unreadable", s.walkErr)
		s.events.Emit(telemetry.Error(StageName, err))
		return res, err
	}
	if cancelled || ctx.Err() != nil || !s.gate.Running() {
		s.state.store(StateCancelled)
		res.State = StateCancelled
		s.events.Emit(telemetry.Done(StageName,
			fmt.Sprintf("Registry scan cancelled after %s", res.Duration.Round(100*time.Millisecond)),
			res.Processed, res.Discovered))
		logger.Info("scan cancelled", scanAttrs(res)...)
		return res, ctx.Err()
	}

	s.state.store(StateDone)
	res.State = StateDone
	msg := fmt.Sprintf("Registry scan complete in %s", res.Duration.Round(100*time.Millisecond))
	if res.Discovered == 0 {
		msg = "Registry up to date; no new files found"
	}
	s.events.Emit(telemetry.Done(StageName, msg, res.Processed, res.Discovered))
	logger.Info("scan complete", scanAttrs(res)...)
	return res, nil
}

func (s *Scanner) inFlightCap() int {
	return s.opts.Workers * s.opts.InFlightFactor
}

// discover walks the root and streams unregistered regular files.
func (s *Scanner) discover(ctx context.Context, known map[string]struct{}, out chan<- string) {
	defer close(out)
	s.status(fmt.Sprintf("Walking directory: %s", s.opts.Root))

	err := filepath.WalkDir(s.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil || !s.gate.Running() {
			return fs.SkipAll
		}
		if err != nil {
			if d == nil || path == s.opts.Root {
				return err
			}
			logging.Warn(s.logger, "walk error", "walk_failed", "entry skipped until next scan",
				logging.String("path", path), logging.Error(err))
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.opts.Exclude != nil && s.opts.Exclude(path) {
			return nil
		}
		if _, ok := known[path]; ok {
			s.skipped.Add(1)
			return nil
		}
		s.discovered.Add(1)
		select {
		case out <- path:
			return nil
		case <-ctx.Done():
			return fs.SkipAll
		}
	})
	if err != nil {
		s.walkErr = err
		return
	}
	if ctx.Err() != nil || !s.gate.Running() {
		return
	}
	s.discoveryDone.Store(true)
	s.status(fmt.Sprintf("Discovery complete: %s new files (%s already registered)",
		humanize.Comma(s.discovered.Load()), humanize.Comma(s.skipped.Load())))
	s.events.Emit(telemetry.Progress(StageName, s.processed.Load(), s.discovered.Load()))
}

// submit forwards candidates to the worker pool, holding one semaphore slot
// per submitted-but-unretired file.
func (s *Scanner) submit(ctx context.Context, sem *semaphore.Weighted, in <-chan string, jobs chan<- string) {
	defer close(jobs)
	for path := range in {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if !s.gate.Running() {
			sem.Release(1)
			return
		}
		select {
		case jobs <- path:
			if s.submitted.Add(1) == 1 {
				s.state.advance(StateDiscovering, StateHashing)
			}
		case <-ctx.Done():
			sem.Release(1)
			return
		}
	}
}

// waitGate blocks while paused and reports whether the scan should continue.
func (s *Scanner) waitGate(ctx context.Context, logger *slog.Logger) bool {
	if !s.gate.Paused() {
		return s.gate.Running() && ctx.Err() == nil
	}
	prev := s.state.load()
	s.state.store(StatePaused)
	s.status("Scan paused")
	logger.Info("scan paused", logging.Int64("processed", s.processed.Load()))

	ok := s.gate.Wait(ctx)
	if prev == StateDiscovering && s.submitted.Load() > 0 {
		prev = StateHashing
	}
	s.state.advance(StatePaused, prev)
	if ok {
		s.status("Scan resumed")
		logger.Info("scan resumed", logging.Int64("processed", s.processed.Load()))
	}
	return ok
}

// admit blocks while resident memory exceeds the ceiling. It reports false
// if the scan was stopped while waiting.
func (s *Scanner) admit(ctx context.Context, logger *slog.Logger) bool {
	if s.opts.RAMLimitBytes == 0 || s.opts.Memory == nil {
		return true
	}
	throttled := false
	for {
		used, err := s.opts.Memory.UsedBytes()
		if err != nil {
			logger.Debug("memory probe failed", logging.Error(err))
			return true
		}
		if used <= s.opts.RAMLimitBytes {
			if throttled {
				logger.Info("memory back under ceiling", logging.String("used", humanize.IBytes(used)))
			}
			return true
		}
		if !throttled {
			throttled = true
			s.metrics.AdmissionThrottled()
			msg := fmt.Sprintf("Memory ceiling reached (%s used, limit %s); throttling",
				humanize.IBytes(used), humanize.IBytes(s.opts.RAMLimitBytes))
			s.status(msg)
			logging.Warn(logger, "memory ceiling reached", "admission_throttle", "hashing retirement paused",
				logging.String("used", humanize.IBytes(used)),
				logging.String("limit", humanize.IBytes(s.opts.RAMLimitBytes)),
			)
		}
		timer := time.NewTimer(s.opts.AdmissionPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if !s.gate.Running() {
			return false
		}
	}
}

func (s *Scanner) retire(logger *slog.Logger, hr hashResult, res *Result, buffer *[]store.RegistryEntry) {
	s.processed.Add(1)
	if hr.err != nil {
		res.Failed++
		s.metrics.HashFailed()
		logging.Warn(logger, "hash failed", "hash_failed", "file skipped until next scan",
			logging.String("path", hr.path), logging.Error(hr.err))
		return
	}
	s.metrics.FileHashed()
	*buffer = append(*buffer, store.RegistryEntry{
		Fingerprint: hr.fingerprint,
		Path:        hr.path,
		SizeBytes:   hr.size,
		Ext:         store.NormalizeExt(hr.path),
	})
}

func (s *Scanner) flush(ctx context.Context, logger *slog.Logger, buffer *[]store.RegistryEntry, res *Result) {
	if len(*buffer) == 0 {
		return
	}
	n, err := s.store.InsertFingerprints(ctx, *buffer)
	if err != nil {
		logging.Warn(logger, "registry commit failed", "commit_failed", "entries rehashed on next scan",
			logging.Int("entries", len(*buffer)), logging.Error(err))
		s.status(fmt.Sprintf("DB write error: %v", err))
	} else {
		res.Registered += int64(n)
		s.metrics.Registered(n)
		logger.Debug("registry block committed",
			logging.Int("entries", len(*buffer)),
			logging.Int("inserted", n),
		)
	}
	*buffer = (*buffer)[:0]
}

func (s *Scanner) status(msg string) {
	s.events.Emit(telemetry.Status(StageName, msg))
}

func hashFile(path string) hashResult {
	info, err := os.Stat(path)
	if err != nil {
		return hashResult{path: path, err: err}
	}
	fp, err := fileutil.HashFile(path)
	return hashResult{path: path, fingerprint: fp, size: info.Size(), err: err}
}

func scanAttrs(res Result) []any {
	return logging.Args(
		logging.Int64("discovered", res.Discovered),
		logging.Int64("skipped", res.Skipped),
		logging.Int64("processed", res.Processed),
		logging.Int64("registered", res.Registered),
		logging.Int64("failed", res.Failed),
		logging.Duration("duration", res.Duration),
	)
}

// ExcludeStoreFiles returns a discovery filter skipping the given store files
// and their SQLite journal siblings.
func ExcludeStoreFiles(paths ...string) func(string) bool {
	skip := make(map[string]struct{}, len(paths)*4)
	for _, p := range paths {
		if p == "" {
			continue
		}
		clean := filepath.Clean(p)
		for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
			skip[clean+suffix] = struct{}{}
		}
	}
	return func(path string) bool {
		_, ok := skip[filepath.Clean(path)]
		return ok
	}
}
