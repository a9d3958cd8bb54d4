package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"steinline/internal/config"
	"steinline/internal/hostprobe"
	"steinline/internal/services"
	"steinline/internal/stage"
	"steinline/internal/store"
	"steinline/internal/telemetry"
	"steinline/internal/testsupport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newScanner(t *testing.T, cfg *config.Config, st Store, mutate func(*Options)) *Scanner {
	t.Helper()
	opts := OptionsFromConfig(cfg)
	if mutate != nil {
		mutate(&opts)
	}
	return New(st, opts)
}

func TestScanRegistersDuplicatesUnderOneFingerprint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, map[string]string{
		"a.txt":       "alpha contents",
		"b.pdf":       "beta contents",
		"nested/c.md": "alpha contents",
	})

	res, err := newScanner(t, cfg, st, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone || res.Registered != 3 || res.Processed != 3 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RegistryRows != 3 || stats.UniqueFingerprints != 2 || stats.DuplicatePaths != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestScanIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, map[string]string{
		"one.txt": "1",
		"two.txt": "2",
		"dup.txt": "1",
	})

	if _, err := newScanner(t, cfg, st, nil).Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	res, err := newScanner(t, cfg, st, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Registered != 0 || res.Discovered != 0 || res.Skipped != 3 {
		t.Fatalf("expected no new work on second scan, got %+v", res)
	}
}

func TestScanSkipsStoreFilesInsideRoot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.RegistryDB = filepath.Join(cfg.Paths.SourceRoot, "working_node.db")
	cfg.Paths.IntelligenceDB = filepath.Join(cfg.Paths.SourceRoot, "stein_intelligence.db")
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, map[string]string{"doc.txt": "words"})

	res, err := newScanner(t, cfg, st, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Registered != 1 {
		t.Fatalf("expected only the document registered, got %+v", res)
	}
}

type countingStore struct {
	mu      sync.Mutex
	blocks  []int
	entries []store.RegistryEntry
	fail    bool
}

func (c *countingStore) KnownPaths(context.Context, func(string) error) error { return nil }

func (c *countingStore) InsertFingerprints(_ context.Context, entries []store.RegistryEntry) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, services.Wrap(services.ErrStore, "store", "insert", "disk full", nil)
	}
	c.blocks = append(c.blocks, len(entries))
	c.entries = append(c.entries, entries...)
	return len(entries), nil
}

func TestScanCommitsInBlocksWithFinalFlush(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	files := map[string]string{}
	for i := 0; i < 5; i++ {
		files[fmt.Sprintf("f%d.txt", i)] = fmt.Sprintf("content %d", i)
	}
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, files)

	st := &countingStore{}
	res, err := newScanner(t, cfg, st, func(o *Options) { o.CommitBlock = 2 }).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Registered != 5 {
		t.Fatalf("expected 5 registered, got %+v", res)
	}
	if got := fmt.Sprint(st.blocks); got != "[2 2 1]" {
		t.Fatalf("unexpected commit blocks %s", got)
	}
	for _, e := range st.entries {
		if e.Ext != ".txt" || e.SizeBytes == 0 || len(e.Fingerprint) != 64 {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
}

func TestScanCommitFailureIsNotFatal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, map[string]string{"a.txt": "a"})

	res, err := newScanner(t, cfg, &countingStore{fail: true}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone || res.Registered != 0 || res.Processed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestScanPauseHaltsProgressUntilResume(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	files := map[string]string{}
	for i := 0; i < 120; i++ {
		files[fmt.Sprintf("dir%d/file%03d.txt", i%4, i)] = fmt.Sprintf("unique payload %d", i)
	}
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, files)
	st := testsupport.MustOpenStore(t, cfg)

	gate := stage.NewGate()
	hub := telemetry.NewHub(512, nil)
	paused := make(chan struct{})
	var once sync.Once
	hub.AddSink(telemetry.SinkFunc(func(evt telemetry.Event) {
		if evt.Kind == telemetry.KindProgress && evt.Processed > 0 {
			once.Do(func() {
				gate.Pause()
				close(paused)
			})
		}
	}))

	scanner := newScanner(t, cfg, st, func(o *Options) {
		o.Gate = gate
		o.Events = hub
		o.ProgressEvery = 10
		o.CommitBlock = 7
	})

	done := make(chan Result, 1)
	go func() {
		res, err := scanner.Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- res
	}()

	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("scan never reported progress")
	}
	time.Sleep(50 * time.Millisecond)
	before := scanner.Processed()
	time.Sleep(100 * time.Millisecond)
	if after := scanner.Processed(); after != before {
		t.Fatalf("progress advanced while paused: %d -> %d", before, after)
	}
	if scanner.State() != StatePaused {
		t.Fatalf("expected paused state, got %s", scanner.State())
	}

	gate.Resume()
	var res Result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scan did not finish after resume")
	}
	if res.State != StateDone || res.Registered != 120 || res.Processed != 120 {
		t.Fatalf("unexpected result after resume %+v", res)
	}
	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RegistryRows != 120 {
		t.Fatalf("expected 120 rows without duplicates, got %d", stats.RegistryRows)
	}

	events, _ := hub.Tail(0)
	var sawPaused, sawDone bool
	for _, evt := range events {
		if evt.Kind == telemetry.KindStatus && evt.Message == "Scan paused" {
			sawPaused = true
		}
		if evt.Kind == telemetry.KindDone {
			sawDone = true
		}
	}
	if !sawPaused || !sawDone {
		t.Fatalf("missing lifecycle events: paused=%v done=%v", sawPaused, sawDone)
	}
}

func TestScanStopWhilePausedCancels(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	files := map[string]string{}
	for i := 0; i < 40; i++ {
		files[fmt.Sprintf("f%02d.txt", i)] = fmt.Sprintf("payload %d", i)
	}
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, files)
	st := testsupport.MustOpenStore(t, cfg)

	gate := stage.NewGate()
	gate.Pause()
	scanner := newScanner(t, cfg, st, func(o *Options) { o.Gate = gate })

	done := make(chan Result, 1)
	go func() {
		res, _ := scanner.Run(context.Background())
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)
	if scanner.Processed() != 0 {
		t.Fatalf("expected no retirement while paused, got %d", scanner.Processed())
	}
	gate.Stop()

	select {
	case res := <-done:
		if res.State != StateCancelled || res.Registered != 0 {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop")
	}
}

func TestScanContextCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, map[string]string{"a.txt": "a", "b.txt": "b"})
	st := testsupport.MustOpenStore(t, cfg)

	gate := stage.NewGate()
	gate.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	scanner := newScanner(t, cfg, st, func(o *Options) { o.Gate = gate })

	done := make(chan error, 1)
	go func() {
		_, err := scanner.Run(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scan ignored cancellation")
	}
	if scanner.State() != StateCancelled {
		t.Fatalf("expected cancelled state, got %s", scanner.State())
	}
}

func TestScanAdmissionControlThrottles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})
	st := testsupport.MustOpenStore(t, cfg)

	var probes atomic.Int32
	memory := hostprobe.MemoryFunc(func() (uint64, error) {
		if probes.Add(1) <= 3 {
			return 2 << 30, nil
		}
		return 512 << 20, nil
	})
	hub := telemetry.NewHub(64, nil)
	scanner := newScanner(t, cfg, st, func(o *Options) {
		o.RAMLimitBytes = 1 << 30
		o.AdmissionPoll = time.Millisecond
		o.Memory = memory
		o.Events = hub
	})

	res, err := scanner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Registered != 3 {
		t.Fatalf("expected all files registered after throttling, got %+v", res)
	}
	if probes.Load() < 4 {
		t.Fatalf("expected repeated memory probes, got %d", probes.Load())
	}
	events, _ := hub.Tail(0)
	throttles := 0
	for _, evt := range events {
		if strings.HasPrefix(evt.Message, "Memory ceiling reached") {
			throttles++
		}
	}
	if throttles != 1 {
		t.Fatalf("expected one throttle status per episode, got %d", throttles)
	}
}

func TestScanMissingRootIsConfigurationError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.SourceRoot = filepath.Join(testsupport.BaseDir(cfg), "does-not-exist")
	st := testsupport.MustOpenStore(t, cfg)

	_, err := newScanner(t, cfg, st, nil).Run(context.Background())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestScannerRunsOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	scanner := newScanner(t, cfg, &countingStore{}, nil)
	if _, err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := scanner.Run(context.Background()); err == nil {
		t.Fatal("expected second Run to fail")
	}
}

func TestHashFileTombstone(t *testing.T) {
	res := hashFile(filepath.Join(t.TempDir(), "vanished.bin"))
	if res.err == nil || res.fingerprint != "" {
		t.Fatalf("expected tombstone, got %+v", res)
	}
}

func TestExcludeStoreFiles(t *testing.T) {
	exclude := ExcludeStoreFiles("/data/working_node.db", "")
	for _, path := range []string{"/data/working_node.db", "/data/working_node.db-wal", "/data/./working_node.db-shm"} {
		if !exclude(path) {
			t.Fatalf("expected %s excluded", path)
		}
	}
	if exclude("/data/other.db") {
		t.Fatal("unexpected exclusion")
	}
}

func TestScanInFlightBoundedWhilePaused(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	files := map[string]string{}
	for i := 0; i < 200; i++ {
		files[fmt.Sprintf("d%d/f%03d.txt", i%5, i)] = fmt.Sprintf("bounded payload %d", i)
	}
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, files)
	st := testsupport.MustOpenStore(t, cfg)

	gate := stage.NewGate()
	gate.Pause()
	scanner := newScanner(t, cfg, st, func(o *Options) {
		o.Gate = gate
		o.Workers = 2
		o.InFlightFactor = 2
	})

	done := make(chan Result, 1)
	go func() {
		res, err := scanner.Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- res
	}()

	time.Sleep(200 * time.Millisecond)
	if got := scanner.submitted.Load(); got > 4 {
		t.Fatalf("submitted %d files while paused, cap is 4", got)
	}
	if got := scanner.Processed(); got != 0 {
		t.Fatalf("retired %d files while paused", got)
	}

	gate.Resume()
	var res Result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scan did not finish after resume")
	}
	if res.State != StateDone || res.Registered != 200 || res.Processed != 200 {
		t.Fatalf("unexpected result after resume %+v", res)
	}
}

func TestScanAdmissionWithSystemMemoryProbe(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})
	st := testsupport.MustOpenStore(t, cfg)

	memory := hostprobe.SystemMemory()
	used, err := memory.UsedBytes()
	if err != nil {
		t.Skipf("memory probe unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	scanner := newScanner(t, cfg, st, func(o *Options) {
		o.RAMLimitBytes = used + 512<<20
		o.AdmissionPoll = 10 * time.Millisecond
		o.Memory = memory
	})

	res, err := scanner.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone || res.Registered != 3 {
		t.Fatalf("scan throttled despite headroom: %+v", res)
	}
}
