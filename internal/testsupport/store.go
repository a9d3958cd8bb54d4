package testsupport

import (
	"context"
	"testing"

	"steinline/internal/config"
	"steinline/internal/hostprobe"
	"steinline/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup. Storage
// medium detection is pinned to local so temp directories get WAL.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(), store.Options{
		RegistryPath:     cfg.Paths.RegistryDB,
		IntelligencePath: cfg.Paths.IntelligenceDB,
		MediumDetector:   func(string) hostprobe.Medium { return hostprobe.MediumLocal },
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// Register inserts registry entries for tests.
func Register(t testing.TB, st *store.Store, entries ...store.RegistryEntry) {
	t.Helper()

	if _, err := st.InsertFingerprints(context.Background(), entries); err != nil {
		t.Fatalf("InsertFingerprints: %v", err)
	}
}
