package workflow

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/goleak"

	"steinline/internal/config"
	"steinline/internal/hostprobe"
	"steinline/internal/reasoner"
	"steinline/internal/registry"
	"steinline/internal/services"
	"steinline/internal/services/extraction"
	"steinline/internal/services/inference"
	"steinline/internal/store"
	"steinline/internal/telemetry"
	"steinline/internal/testsupport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// keywordBackend reports one finding for every prompt mentioning keyword.
type keywordBackend struct {
	keyword string
	mu      sync.Mutex
	calls   int
	onCall  func()
}

func (b *keywordBackend) Generate(_ context.Context, prompts []string, _ inference.Sampling) ([]inference.Response, error) {
	b.mu.Lock()
	b.calls++
	hook := b.onCall
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	out := make([]inference.Response, len(prompts))
	for i, p := range prompts {
		if strings.Contains(p, b.keyword) {
			out[i] = inference.Response{Text: `{"source": "p1", "summary": "mentions ` + b.keyword + `", "severity": 6}]}`}
			continue
		}
		out[i] = inference.Response{Text: `]}`}
	}
	return out, nil
}

func (b *keywordBackend) factory() inference.Factory {
	return inference.FactoryFunc(func(context.Context, inference.Footprint) (inference.Backend, error) {
		return b, nil
	})
}

type fixture struct {
	cfg     *config.Config
	st      *store.Store
	backend *keywordBackend
	hub     *telemetry.Hub
	mgr     *Manager
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, files)

	f := &fixture{
		cfg:     cfg,
		st:      st,
		backend: &keywordBackend{keyword: "alpha"},
		hub:     telemetry.NewHub(256, nil),
	}
	f.mgr = NewManager(cfg, Dependencies{
		Store:     st,
		Extractor: extraction.NewRouter(cfg.Extraction, nil),
		Factory:   f.backend.factory(),
		Events:    f.hub,
		Memory:    hostprobe.MemoryFunc(func() (uint64, error) { return 0, nil }),
	}, nil, WithRequeueInterval(10*time.Millisecond))
	return f
}

var sampleTree = map[string]string{
	"reports/alpha.txt":      "alpha wire transfer ledger",
	"reports/alpha-copy.txt": "alpha wire transfer ledger",
	"notes/beta.txt":         "beta meeting notes",
}

func TestRunScansAndReasons(t *testing.T) {
	f := newFixture(t, sampleTree)

	sum, err := f.mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Mode != ModeRun || sum.RunID == "" {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Scan == nil || sum.Scan.Registered != 3 || sum.Scan.State != registry.StateDone {
		t.Fatalf("unexpected scan result %+v", sum.Scan)
	}
	if sum.Reason == nil || sum.Reason.State != reasoner.StateExhausted {
		t.Fatalf("unexpected reason result %+v", sum.Reason)
	}

	status := f.mgr.Status(context.Background())
	if status.Running || status.LockHeld {
		t.Fatalf("run should be finished and unlocked: %+v", status)
	}
	if status.Stats.UniqueFingerprints != 2 || status.Stats.DuplicatePaths != 1 {
		t.Fatalf("unexpected registry stats %+v", status.Stats)
	}
	if status.Stats.ProcessedFiles != 2 || status.Stats.FactRows != 1 || status.Stats.Placeholders != 1 {
		t.Fatalf("unexpected intelligence stats %+v", status.Stats)
	}
	if status.Backlog != 0 {
		t.Fatalf("backlog = %d, want 0", status.Backlog)
	}
	if status.Checkpoint == nil || status.Checkpoint.RunID != sum.RunID {
		t.Fatalf("checkpoint should carry run id %q: %+v", sum.RunID, status.Checkpoint)
	}
	if status.Last == nil || status.Last.RunID != sum.RunID {
		t.Fatalf("last summary not recorded: %+v", status.Last)
	}
	if _, ok := status.Progress[reasoner.StageName]; !ok {
		t.Fatalf("expected reasoner progress in %+v", status.Progress)
	}
	if len(status.RecentFacts) != 1 || status.RecentFacts[0].FactSummary != "mentions alpha" {
		t.Fatalf("unexpected recent facts %+v", status.RecentFacts)
	}
}

func TestInspectContent(t *testing.T) {
	f := newFixture(t, sampleTree)
	ctx := context.Background()
	if _, err := f.mgr.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recent := f.mgr.Status(ctx).RecentFacts
	if len(recent) != 1 {
		t.Fatalf("expected one recent fact, got %+v", recent)
	}
	detail, err := f.mgr.Inspect(ctx, strings.ToUpper(recent[0].Fingerprint))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(detail.Entries) != 2 || !detail.Entries[0].IsPrimary || detail.Entries[1].IsPrimary {
		t.Fatalf("expected primary and duplicate paths, got %+v", detail.Entries)
	}
	if len(detail.Facts) != 1 || detail.Facts[0].SeverityScore != 6 {
		t.Fatalf("unexpected facts %+v", detail.Facts)
	}

	if _, err := f.mgr.Inspect(ctx, strings.Repeat("0", 64)); err == nil {
		t.Fatal("expected error for unregistered fingerprint")
	}
}

func TestScanThenReason(t *testing.T) {
	f := newFixture(t, sampleTree)
	ctx := context.Background()

	scan, err := f.mgr.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scan.Reason != nil || scan.Scan.Registered != 3 {
		t.Fatalf("unexpected scan summary %+v", scan)
	}
	if got := f.mgr.Status(ctx).Backlog; got != 2 {
		t.Fatalf("backlog after scan = %d, want 2", got)
	}

	reason, err := f.mgr.Reason(ctx)
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if reason.Reason.Processed != 2 || reason.Reason.Facts != 1 || reason.Reason.Placeholders != 1 {
		t.Fatalf("unexpected reason result %+v", reason.Reason)
	}
	if reason.RunID == scan.RunID {
		t.Fatal("each run should get a fresh run id")
	}

	again, err := f.mgr.Reason(ctx)
	if err != nil {
		t.Fatalf("second Reason: %v", err)
	}
	if again.Reason.Processed != 0 {
		t.Fatalf("second pass processed %d files, want 0", again.Reason.Processed)
	}
}

func TestRunRefusesWhenLocked(t *testing.T) {
	f := newFixture(t, sampleTree)
	other := flock.New(f.cfg.LockPath())
	ok, err := other.TryLock()
	if err != nil || !ok {
		t.Fatalf("take lock: ok=%v err=%v", ok, err)
	}
	defer other.Unlock()

	if _, err := f.mgr.Scan(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	status := f.mgr.Status(context.Background())
	if !status.LockHeld || status.Running {
		t.Fatalf("status should report a foreign lock: %+v", status)
	}
	if status.LastError == "" {
		t.Fatal("lock failure should be recorded")
	}
}

func TestPreflightFailureReleasesLock(t *testing.T) {
	f := newFixture(t, nil)
	if err := os.RemoveAll(f.cfg.Paths.SourceRoot); err != nil {
		t.Fatalf("remove source root: %v", err)
	}

	_, err := f.mgr.Scan(context.Background())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	probe := flock.New(f.cfg.LockPath())
	ok, err := probe.TryLock()
	if err != nil || !ok {
		t.Fatalf("lock should be free after preflight failure: ok=%v err=%v", ok, err)
	}
	_ = probe.Unlock()
}

func TestStopDuringReason(t *testing.T) {
	f := newFixture(t, sampleTree)
	ctx := context.Background()
	if _, err := f.mgr.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	f.cfg.Reasoner.BatchSize = 1
	f.cfg.Reasoner.MaxFilesPerCycle = 1
	f.backend.onCall = func() { f.mgr.Stop() }

	sum, err := f.mgr.Reason(ctx)
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if sum.Reason.State != reasoner.StateStopped {
		t.Fatalf("state = %s, want stopped", sum.Reason.State)
	}
	if sum.Reason.Processed != 1 {
		t.Fatalf("processed = %d, want the in-flight batch only", sum.Reason.Processed)
	}
	if got := f.mgr.Status(ctx).Backlog; got != 1 {
		t.Fatalf("backlog = %d, want 1", got)
	}
}

func TestPauseResumeWithoutRun(t *testing.T) {
	f := newFixture(t, nil)
	if f.mgr.Pause() || f.mgr.Resume() || f.mgr.Toggle() {
		t.Fatal("controls should report no active run")
	}
	f.mgr.Stop()
	if f.mgr.Running() {
		t.Fatal("manager should be idle")
	}
}

func TestTogglePausesBothStages(t *testing.T) {
	f := newFixture(t, sampleTree)
	ctx := context.Background()

	var once sync.Once
	paused := make(chan StatusSummary, 1)
	f.backend.onCall = func() {
		once.Do(func() {
			if !f.mgr.Toggle() {
				t.Error("toggle should pause the active run")
			}
			status := StatusSummary{Paused: f.mgr.gates()[1].Paused(), Running: f.mgr.Running()}
			paused <- status
			f.mgr.Toggle()
		})
	}

	if _, err := f.mgr.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case status := <-paused:
		if !status.Running || !status.Paused {
			t.Fatalf("reasoner gate should follow the toggle: %+v", status)
		}
	default:
		t.Fatal("backend was never called")
	}
}
