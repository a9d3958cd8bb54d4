package hostprobe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// parseMeminfo computes in-use memory from /proc/meminfo content as
// MemTotal - MemAvailable. Page cache and reclaimable slab are available to
// other processes, so they never count as used. Kernels without
// MemAvailable get the classic free + buffers + cached + reclaimable sum.
func parseMeminfo(r io.Reader) (uint64, error) {
	fields := make(map[string]uint64, 8)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		v, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		if len(parts) > 1 && strings.EqualFold(parts[1], "kB") {
			v *= 1024
		}
		fields[name] = v
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}

	total, ok := fields["MemTotal"]
	if !ok || total == 0 {
		return 0, fmt.Errorf("meminfo: MemTotal missing")
	}
	available, ok := fields["MemAvailable"]
	if !ok {
		available = fields["MemFree"] + fields["Buffers"] + fields["Cached"] + fields["SReclaimable"]
	}
	if available >= total {
		return 0, nil
	}
	return total - available, nil
}
