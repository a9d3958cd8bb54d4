package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"steinline/internal/fileutil"
	"steinline/internal/store"
	"steinline/internal/testsupport"
)

type cliTestEnv struct {
	configPath string
	sourceRoot string
	dataDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	env := &cliTestEnv{
		configPath: filepath.Join(base, "steinline.toml"),
		sourceRoot: filepath.Join(base, "source"),
		dataDir:    filepath.Join(base, "data"),
	}
	testsupport.WriteTree(t, env.sourceRoot, map[string]string{
		"a/memo.txt":      "quarterly memo",
		"a/memo-copy.txt": "quarterly memo",
		"b/ledger.csv":    "date,amount\n2001-01-01,100\n",
	})

	contents := fmt.Sprintf(`[paths]
source_root = %q
registry_db = %q
intelligence_db = %q
log_dir = %q

[scanner]
cpu_workers = 2

[logging]
level = "error"
`, env.sourceRoot,
		filepath.Join(env.dataDir, "working_node.db"),
		filepath.Join(env.dataDir, "stein_intelligence.db"),
		filepath.Join(base, "logs"))
	if err := os.WriteFile(env.configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	env := setupCLITestEnv(t)

	target := filepath.Join(t.TempDir(), "config.toml")
	out, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("config init should refuse to overwrite without --overwrite")
	}

	out, err = runCLI(t, "--config", env.configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "# loaded from "+env.configPath)
	requireContains(t, out, env.sourceRoot)
}

func TestConfigShowRedactsAPIKey(t *testing.T) {
	env := setupCLITestEnv(t)
	extra := "\n[inference]\napi_key = \"sk-secret\"\n"
	f, err := os.OpenFile(env.configPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open config: %v", err)
	}
	if _, err := f.WriteString(extra); err != nil {
		t.Fatalf("append config: %v", err)
	}
	f.Close()

	out, err := runCLI(t, "--config", env.configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "sk-secret") {
		t.Fatal("api key leaked into config show output")
	}
}

func TestScanThenStatus(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, "--config", env.configPath, "scan")
	if err != nil {
		t.Fatalf("scan: %v\n%s", err, out)
	}
	requireContains(t, out, "3 registered")

	out, err = runCLI(t, "--config", env.configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Unique fingerprints")
	requireContains(t, out, "Run lock")

	out, err = runCLI(t, "--config", env.configPath, "status", "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var report struct {
		Stats struct {
			RegistryRows       int64
			UniqueFingerprints int64
		}
		Backlog int64
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode status json: %v\n%s", err, out)
	}
	if report.Stats.RegistryRows != 3 || report.Stats.UniqueFingerprints != 2 || report.Backlog != 2 {
		t.Fatalf("unexpected status report %+v", report)
	}

	out, err = runCLI(t, "--config", env.configPath, "scan")
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	requireContains(t, out, "0 new")

	fingerprint := recordFact(t, env, "a/memo.txt", "Board approved the offshore transfer")

	out, err = runCLI(t, "--config", env.configPath, "status")
	if err != nil {
		t.Fatalf("status after facts: %v", err)
	}
	requireContains(t, out, "Recent facts")
	requireContains(t, out, "Board approved the offshore transfer")

	out, err = runCLI(t, "--config", env.configPath, "status", "--json", "--fingerprint", fingerprint)
	if err != nil {
		t.Fatalf("status --fingerprint: %v", err)
	}
	var detail struct {
		RecentFacts []struct{ FactSummary string }
		Content     struct {
			Entries []struct{ Path string }
			Facts   []struct{ SeverityScore int }
		}
	}
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("decode status json: %v\n%s", err, out)
	}
	if len(detail.RecentFacts) != 1 || len(detail.Content.Entries) != 2 || len(detail.Content.Facts) != 1 {
		t.Fatalf("unexpected content detail %+v", detail)
	}
	if detail.Content.Facts[0].SeverityScore != 7 {
		t.Fatalf("unexpected severity %+v", detail.Content.Facts)
	}

	if _, err := runCLI(t, "--config", env.configPath, "status", "--fingerprint", strings.Repeat("f", 64)); err == nil {
		t.Fatal("expected error for unregistered fingerprint")
	}
}

// recordFact writes one intelligence row for the file at rel under the
// source root and returns its fingerprint.
func recordFact(t *testing.T, env *cliTestEnv, rel, summary string) string {
	t.Helper()
	path := filepath.Join(env.sourceRoot, filepath.FromSlash(rel))
	fingerprint, err := fileutil.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	st, err := store.Open(context.Background(), store.Options{
		RegistryPath:     filepath.Join(env.dataDir, "working_node.db"),
		IntelligencePath: filepath.Join(env.dataDir, "stein_intelligence.db"),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	err = st.UpsertFacts(context.Background(), []store.FactRecord{{
		Fingerprint:     fingerprint,
		Filename:        filepath.Base(path),
		EvidenceQuote:   "minutes p.2",
		AssociatedDate:  "2001-01-01",
		FactSummary:     summary,
		Category:        "Finance",
		IdentifiedCrime: "None",
		SeverityScore:   7,
		Timestamp:       time.Now(),
	}})
	if err != nil {
		t.Fatalf("UpsertFacts: %v", err)
	}
	return fingerprint
}

func TestCheckpointShowAndClear(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, "--config", env.configPath, "checkpoint", "show")
	if err != nil {
		t.Fatalf("checkpoint show: %v", err)
	}
	requireContains(t, out, "No checkpoint")

	ledger := filepath.Join(env.dataDir, "stein_intelligence.checkpoint.json")
	doc := `{"processed": 12, "last_fingerprint": "abc", "total_facts": 40, "timestamp": "2026-01-02T03:04:05Z", "run_id": "r1"}`
	if err := os.WriteFile(ledger, []byte(doc), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	out, err = runCLI(t, "--config", env.configPath, "checkpoint", "show")
	if err != nil {
		t.Fatalf("checkpoint show: %v", err)
	}
	requireContains(t, out, "abc")
	requireContains(t, out, "40")

	out, err = runCLI(t, "--config", env.configPath, "checkpoint", "clear")
	if err != nil {
		t.Fatalf("checkpoint clear: %v", err)
	}
	requireContains(t, out, "Cleared checkpoint")
	if _, err := os.Stat(ledger); !os.IsNotExist(err) {
		t.Fatalf("ledger should be removed, stat err = %v", err)
	}
}
