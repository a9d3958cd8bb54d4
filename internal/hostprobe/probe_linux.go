//go:build linux

package hostprobe

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const meminfoPath = "/proc/meminfo"

// SystemMemory returns a probe reading system-wide in-use RAM. Reclaimable
// page cache is excluded, so hashing a large tree does not look like memory
// pressure. sysinfo(2) is the fallback when /proc is not mounted.
func SystemMemory() MemoryProbe {
	return MemoryFunc(func() (uint64, error) {
		f, err := os.Open(meminfoPath)
		if err == nil {
			defer f.Close()
			if used, perr := parseMeminfo(f); perr == nil {
				return used, nil
			}
		}
		return sysinfoUsed()
	})
}

func sysinfoUsed() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if free > total {
		return 0, nil
	}
	return total - free, nil
}

func filesystemType(path string) (int64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return int64(uint32(st.Type)), true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
