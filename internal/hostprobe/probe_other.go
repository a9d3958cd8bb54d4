//go:build !linux

package hostprobe

import (
	"os"
	"runtime"
)

// SystemMemory falls back to the Go runtime's view of process memory on
// platforms without sysinfo(2).
func SystemMemory() MemoryProbe {
	return MemoryFunc(func() (uint64, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.Sys, nil
	})
}

func filesystemType(string) (int64, bool) {
	return 0, false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
