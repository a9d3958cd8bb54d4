package store

import (
	"errors"
	"strings"
	"time"
)

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

// storeArtifactPatterns match the SQLite side files and lock files that can
// end up inside a scanned tree.
var storeArtifactPatterns = []string{
	"%-journal",
	"%-wal",
	"%-shm",
	"%.lock",
	"%.checkpoint.json",
}
