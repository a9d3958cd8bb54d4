package hostprobe

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestDetectMediumPathHeuristics(t *testing.T) {
	cases := []struct {
		path string
		want Medium
	}{
		{`\\server\share\intel.db`, MediumNetwork},
		{"//server/share/intel.db", MediumNetwork},
		{"/mnt/evidence/working_node.db", MediumNetwork},
		{"/srv/data/mnt/working_node.db", MediumNetwork},
	}
	for _, tc := range cases {
		if got := DetectMedium(tc.path); got != tc.want {
			t.Errorf("DetectMedium(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestDetectMediumTempDirIsLocalOrKnown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "nested", "store.db")
	got := DetectMedium(path)
	if got != MediumLocal && got != MediumNetwork {
		t.Fatalf("unexpected medium %q", got)
	}
}

func TestNearestExistingWalksUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c.db")
	if got := nearestExisting(path); got != dir {
		t.Fatalf("nearestExisting = %q, want %q", got, dir)
	}
}

func TestMemoryFunc(t *testing.T) {
	probe := MemoryFunc(func() (uint64, error) { return 42, nil })
	got, err := probe.UsedBytes()
	if err != nil || got != 42 {
		t.Fatalf("UsedBytes = %d, %v", got, err)
	}

	failing := MemoryFunc(func() (uint64, error) { return 0, errors.New("boom") })
	if _, err := failing.UsedBytes(); err == nil {
		t.Fatal("expected error")
	}
}

func TestSystemMemoryReportsUsage(t *testing.T) {
	used, err := SystemMemory().UsedBytes()
	if err != nil {
		t.Fatalf("SystemMemory: %v", err)
	}
	if used == 0 {
		t.Fatal("expected non-zero memory usage")
	}
}

func TestParseMeminfoExcludesPageCache(t *testing.T) {
	// 8 GiB total, 6 GiB of it page cache after streaming a large tree.
	const meminfo = `MemTotal:        8388608 kB
MemFree:          524288 kB
MemAvailable:    7340032 kB
Buffers:          131072 kB
Cached:          6291456 kB
SwapCached:            0 kB
SReclaimable:     262144 kB
`
	used, err := parseMeminfo(strings.NewReader(meminfo))
	if err != nil {
		t.Fatalf("parseMeminfo: %v", err)
	}
	if want := uint64(1 << 30); used != want {
		t.Fatalf("used = %d, want %d", used, want)
	}
}

func TestParseMeminfoWithoutMemAvailable(t *testing.T) {
	const meminfo = `MemTotal:        4194304 kB
MemFree:         1048576 kB
Buffers:          524288 kB
Cached:          1048576 kB
SReclaimable:     524288 kB
`
	used, err := parseMeminfo(strings.NewReader(meminfo))
	if err != nil {
		t.Fatalf("parseMeminfo: %v", err)
	}
	if want := uint64(1 << 30); used != want {
		t.Fatalf("used = %d, want %d", used, want)
	}
}

func TestParseMeminfoRequiresTotal(t *testing.T) {
	if _, err := parseMeminfo(strings.NewReader("MemFree: 10 kB\n")); err == nil {
		t.Fatal("expected error without MemTotal")
	}
}
