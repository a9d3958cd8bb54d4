package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"
)

// InsertFingerprints registers entries in a single transaction. Existing
// (fingerprint, path) pairs are ignored, so re-registering is a no-op. The
// primary flag is derived in SQL: an entry is primary only if no earlier row
// carries the same fingerprint. Returns the number of new rows.
func (s *Store) InsertFingerprints(ctx context.Context, entries []RegistryEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO main.registry
			(fingerprint, path, is_primary, size_bytes, ext, registered_at)
			VALUES (?, ?, NOT EXISTS (SELECT 1 FROM main.registry WHERE fingerprint = ?), ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, entry := range entries {
			if entry.Fingerprint == "" || entry.Path == "" {
				continue
			}
			registered := entry.RegisteredAt
			if registered.IsZero() {
				registered = now
			}
			ext := entry.Ext
			if ext == "" {
				ext = NormalizeExt(entry.Path)
			}
			res, err := stmt.ExecContext(ctx,
				entry.Fingerprint, entry.Path, entry.Fingerprint,
				entry.SizeBytes, ext, registered.Format(time.RFC3339Nano))
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeError("insert fingerprints", err)
	}
	return inserted, nil
}

// KnownPaths streams every registered path to fn. fn must not call back into
// the store: the single connection is busy until iteration finishes.
func (s *Store) KnownPaths(ctx context.Context, fn func(path string) error) error {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM main.registry")
	if err != nil {
		return storeError("known paths", err)
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return storeError("known paths", err)
		}
		if err := fn(path); err != nil {
			return err
		}
	}
	return storeError("known paths", rows.Err())
}

// EntriesForFingerprint returns every registered path for fingerprint,
// primary first.
func (s *Store) EntriesForFingerprint(ctx context.Context, fingerprint string) ([]RegistryEntry, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, path, is_primary, size_bytes, ext, registered_at
		FROM main.registry WHERE fingerprint = ? ORDER BY is_primary DESC, rowid`, fingerprint)
	if err != nil {
		return nil, storeError("entries for fingerprint", err)
	}
	defer rows.Close()

	var out []RegistryEntry
	for rows.Next() {
		var (
			entry      RegistryEntry
			primary    int
			registered string
		)
		if err := rows.Scan(&entry.Fingerprint, &entry.Path, &primary, &entry.SizeBytes, &entry.Ext, &registered); err != nil {
			return nil, storeError("entries for fingerprint", err)
		}
		entry.IsPrimary = primary != 0
		if ts, err := parseTimeString(registered); err == nil {
			entry.RegisteredAt = ts
		}
		out = append(out, entry)
	}
	return out, storeError("entries for fingerprint", rows.Err())
}

// NormalizeExt returns the lowercase extension of path including the dot,
// or "" when there is none.
func NormalizeExt(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
