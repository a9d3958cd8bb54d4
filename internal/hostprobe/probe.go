package hostprobe

import (
	"path/filepath"
	"strings"
)

// MemoryProbe reports current resident memory usage in bytes.
type MemoryProbe interface {
	UsedBytes() (uint64, error)
}

// MemoryFunc adapts a function to MemoryProbe.
type MemoryFunc func() (uint64, error)

// UsedBytes implements MemoryProbe.
func (f MemoryFunc) UsedBytes() (uint64, error) { return f() }

// Medium classifies the storage backing a database file.
type Medium string

const (
	MediumLocal   Medium = "local"
	MediumNetwork Medium = "network"
)

// Filesystem magic numbers reported by statfs for network shares.
const (
	magicCIFS  = 0xFF534D42
	magicSMB2  = 0xFE534D42
	magicSMB   = 0x517B
	magicNFS   = 0x6969
	magicFUSE  = 0x65735546
	magicCeph  = 0x00C36400
	magic9P    = 0x01021997
	magicAFS   = 0x5346414F
	magicCoda  = 0x73757245
	magicLustr = 0x0BD00BD0
)

var networkMagic = map[int64]struct{}{
	magicCIFS: {}, magicSMB2: {}, magicSMB: {}, magicNFS: {},
	magicCeph: {}, magic9P: {}, magicAFS: {}, magicCoda: {}, magicLustr: {},
}

// DetectMedium decides whether path lives on a network share. Paths under
// /mnt/ and UNC paths are treated as network shares regardless of what the
// filesystem reports; otherwise the filesystem type of the nearest existing
// ancestor is consulted.
func DetectMedium(path string) Medium {
	if looksLikeNetworkPath(path) {
		return MediumNetwork
	}
	fsType, ok := filesystemType(nearestExisting(path))
	if !ok {
		return MediumLocal
	}
	if _, network := networkMagic[fsType]; network {
		return MediumNetwork
	}
	return MediumLocal
}

func looksLikeNetworkPath(path string) bool {
	if strings.HasPrefix(path, `\\`) || strings.HasPrefix(path, "//") {
		return true
	}
	slashed := filepath.ToSlash(path)
	return strings.HasPrefix(slashed, "/mnt/") || strings.Contains(slashed, "/mnt/")
}

func nearestExisting(path string) string {
	current := filepath.Clean(path)
	for {
		if exists(current) {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return current
		}
		current = parent
	}
}
