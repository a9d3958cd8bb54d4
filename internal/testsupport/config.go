package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"steinline/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The source tree, both databases and the log directory live under one
// temp root; options adjust the result.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.SourceRoot = filepath.Join(base, "source")
	cfgVal.Paths.RegistryDB = filepath.Join(base, "data", "working_node.db")
	cfgVal.Paths.IntelligenceDB = filepath.Join(base, "data", "stein_intelligence.db")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Scanner.CPUWorkers = 2
	cfgVal.Scanner.AdmissionPollMS = 5
	cfgVal.Extraction.MaxFileBytes = 2 << 30

	if err := os.MkdirAll(cfgVal.Paths.SourceRoot, 0o755); err != nil {
		t.Fatalf("mkdir source root: %v", err)
	}

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithSharedDatabase points both registry and intelligence at one file.
func WithSharedDatabase() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.IntelligenceDB = b.cfg.Paths.RegistryDB
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.SourceRoot)
}
