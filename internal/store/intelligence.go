package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// diffFilter builds the shared WHERE clause of the unprocessed-set queries.
// Each unanalyzed fingerprint yields exactly one row: the lowest-rowid path
// that passes the eligibility filter. That is the primary path unless the
// primary is ineligible (for example an unsupported extension) and a
// duplicate path is not.
func (s *Store) diffFilter(q DiffQuery) (string, []any) {
	self, selfArgs := s.eligibility("r", q)
	earlier, earlierArgs := s.eligibility("d", q)
	where := fmt.Sprintf(`i.fingerprint IS NULL AND %s AND NOT EXISTS (
			SELECT 1 FROM main.registry d
			WHERE d.fingerprint = r.fingerprint AND d.rowid < r.rowid AND %s)`, self, earlier)
	args := make([]any, 0, len(selfArgs)+len(earlierArgs))
	args = append(args, selfArgs...)
	args = append(args, earlierArgs...)
	return where, args
}

// eligibility is the per-path filter of the diff applied to table alias t.
func (s *Store) eligibility(t string, q DiffQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(q.Extensions) > 0 {
		exts := make([]any, 0, len(q.Extensions))
		for _, ext := range q.Extensions {
			exts = append(exts, strings.ToLower(ext))
		}
		extClause := fmt.Sprintf("%s.ext IN (%s)", t, makePlaceholders(len(exts)))
		args = append(args, exts...)
		if q.MinExtensionlessBytes >= 0 {
			extClause = fmt.Sprintf("(%s OR (%[2]s.ext = '' AND %[2]s.size_bytes >= ?))", extClause, t)
			args = append(args, q.MinExtensionlessBytes)
		}
		clauses = append(clauses, extClause)
	} else if q.MinExtensionlessBytes > 0 {
		clauses = append(clauses, fmt.Sprintf("(%[1]s.ext <> '' OR %[1]s.size_bytes >= ?)", t))
		args = append(args, q.MinExtensionlessBytes)
	}

	for _, pattern := range storeArtifactPatterns {
		clauses = append(clauses, t+".path NOT LIKE ?")
		args = append(args, pattern)
	}
	clauses = append(clauses, t+".path NOT IN (?, ?)")
	args = append(args, s.registryPath, s.intelPath)

	return strings.Join(clauses, " AND "), args
}

// DiffUnprocessed returns one eligible registry entry per fingerprint that
// has no rows in the intelligence table, ordered by registry rowid and starting after
// q.AfterRowID. The set difference is computed by the database; nothing is
// materialized in memory beyond the returned page.
func (s *Store) DiffUnprocessed(ctx context.Context, q DiffQuery) ([]Pending, error) {
	ctx = ensureContext(ctx)
	if q.Limit <= 0 {
		return nil, nil
	}
	where, args := s.diffFilter(q)
	query := fmt.Sprintf(`SELECT r.rowid, r.fingerprint, r.path, r.size_bytes, r.ext
		FROM main.registry r
		LEFT JOIN %s.intelligence i ON i.fingerprint = r.fingerprint
		WHERE r.rowid > ? AND %s
		ORDER BY r.rowid
		LIMIT ?`, s.intel, where)
	allArgs := make([]any, 0, len(args)+2)
	allArgs = append(allArgs, q.AfterRowID)
	allArgs = append(allArgs, args...)
	allArgs = append(allArgs, q.Limit)

	var out []Pending
	err := retryOnBusy(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, allArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Pending
			if err := rows.Scan(&p.RowID, &p.Fingerprint, &p.Path, &p.SizeBytes, &p.Ext); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeError("diff unprocessed", err)
	}
	return out, nil
}

// CountUnprocessed counts the files DiffUnprocessed would eventually return.
func (s *Store) CountUnprocessed(ctx context.Context, q DiffQuery) (int64, error) {
	ctx = ensureContext(ctx)
	where, args := s.diffFilter(q)
	query := fmt.Sprintf(`SELECT COUNT(1)
		FROM main.registry r
		LEFT JOIN %s.intelligence i ON i.fingerprint = r.fingerprint
		WHERE %s`, s.intel, where)
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, storeError("count unprocessed", err)
	}
	return count, nil
}

// UpsertFacts writes records in a single transaction. The live column set of
// the intelligence table is read first and only the columns present on both
// sides are written, so databases created by older or newer schemas keep
// working: unknown live columns take their defaults and record fields with no
// live column are dropped.
func (s *Store) UpsertFacts(ctx context.Context, records []FactRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		live, err := s.liveColumns(ctx, tx)
		if err != nil {
			return err
		}
		columns := make([]string, 0, len(factColumns))
		for _, col := range factColumns {
			if _, ok := live[col.name]; ok {
				columns = append(columns, col.name)
			}
		}
		if len(columns) == 0 {
			return fmt.Errorf("intelligence table has no recognised columns")
		}

		query := fmt.Sprintf("INSERT OR REPLACE INTO %s.intelligence (%s) VALUES (%s)",
			s.intel, strings.Join(columns, ", "), makePlaceholders(len(columns)))
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		values := make([]any, 0, len(columns))
		for _, record := range records {
			if record.Timestamp.IsZero() {
				record.Timestamp = now
			}
			values = values[:0]
			for _, col := range factColumns {
				if _, ok := live[col.name]; ok {
					values = append(values, col.value(record))
				}
			}
			if _, err := stmt.ExecContext(ctx, values...); err != nil {
				return err
			}
		}
		return nil
	})
	return storeError("upsert facts", err)
}

type factColumn struct {
	name  string
	value func(FactRecord) any
}

var factColumns = []factColumn{
	{"fingerprint", func(f FactRecord) any { return f.Fingerprint }},
	{"filename", func(f FactRecord) any { return f.Filename }},
	{"evidence_quote", func(f FactRecord) any { return f.EvidenceQuote }},
	{"associated_date", func(f FactRecord) any { return f.AssociatedDate }},
	{"fact_summary", func(f FactRecord) any { return f.FactSummary }},
	{"category", func(f FactRecord) any { return f.Category }},
	{"identified_crime", func(f FactRecord) any { return f.IdentifiedCrime }},
	{"severity_score", func(f FactRecord) any { return f.SeverityScore }},
	{"timestamp", func(f FactRecord) any { return f.Timestamp.UTC().Format(time.RFC3339Nano) }},
}

func (s *Store) liveColumns(ctx context.Context, tx *sql.Tx) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA %s.table_info(intelligence)", s.intel))
	if err != nil {
		return nil, fmt.Errorf("introspect intelligence columns: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    sql.NullString
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("scan intelligence column: %w", err)
		}
		cols[strings.ToLower(name)] = struct{}{}
	}
	return cols, rows.Err()
}

// RecentFacts returns up to limit of the most recently written non-placeholder facts.
func (s *Store) RecentFacts(ctx context.Context, limit int) ([]FactRecord, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT fingerprint, filename, evidence_quote, associated_date, fact_summary,
			category, identified_crime, severity_score, timestamp
		FROM %s.intelligence
		WHERE category <> ?
		ORDER BY rowid DESC
		LIMIT ?`, s.intel)
	rows, err := s.db.QueryContext(ctx, query, PlaceholderCategory, limit)
	if err != nil {
		return nil, storeError("recent facts", err)
	}
	defer rows.Close()

	var out []FactRecord
	for rows.Next() {
		var (
			f  FactRecord
			ts sql.NullString
		)
		if err := rows.Scan(&f.Fingerprint, &f.Filename, &f.EvidenceQuote, &f.AssociatedDate, &f.FactSummary,
			&f.Category, &f.IdentifiedCrime, &f.SeverityScore, &ts); err != nil {
			return nil, storeError("recent facts", err)
		}
		if parsed, err := parseTimeString(ts.String); err == nil {
			f.Timestamp = parsed
		}
		out = append(out, f)
	}
	return out, storeError("recent facts", rows.Err())
}

// FactsForFingerprint returns every intelligence row for fingerprint.
func (s *Store) FactsForFingerprint(ctx context.Context, fingerprint string) ([]FactRecord, error) {
	ctx = ensureContext(ctx)
	query := fmt.Sprintf(`SELECT fingerprint, filename, evidence_quote, associated_date, fact_summary,
			category, identified_crime, severity_score
		FROM %s.intelligence WHERE fingerprint = ? ORDER BY rowid`, s.intel)
	rows, err := s.db.QueryContext(ctx, query, fingerprint)
	if err != nil {
		return nil, storeError("facts for fingerprint", err)
	}
	defer rows.Close()

	var out []FactRecord
	for rows.Next() {
		var f FactRecord
		if err := rows.Scan(&f.Fingerprint, &f.Filename, &f.EvidenceQuote, &f.AssociatedDate, &f.FactSummary,
			&f.Category, &f.IdentifiedCrime, &f.SeverityScore); err != nil {
			return nil, storeError("facts for fingerprint", err)
		}
		out = append(out, f)
	}
	return out, storeError("facts for fingerprint", rows.Err())
}

// Stats summarizes registry and intelligence contents.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx = ensureContext(ctx)
	var st Stats
	query := fmt.Sprintf(`SELECT
			(SELECT COUNT(1) FROM main.registry),
			(SELECT COUNT(1) FROM main.registry WHERE is_primary = 1),
			(SELECT COUNT(1) FROM main.registry WHERE is_primary = 0),
			(SELECT COUNT(1) FROM %[1]s.intelligence WHERE category <> ?),
			(SELECT COUNT(1) FROM %[1]s.intelligence WHERE category = ?),
			(SELECT COUNT(DISTINCT fingerprint) FROM %[1]s.intelligence)`, s.intel)
	err := s.db.QueryRowContext(ctx, query, PlaceholderCategory, PlaceholderCategory).Scan(
		&st.RegistryRows, &st.UniqueFingerprints, &st.DuplicatePaths,
		&st.FactRows, &st.Placeholders, &st.ProcessedFiles,
	)
	if err != nil {
		return Stats{}, storeError("stats", err)
	}
	return st, nil
}
