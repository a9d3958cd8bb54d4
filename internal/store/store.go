package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"steinline/internal/hostprobe"
	"steinline/internal/logging"
	"steinline/internal/services"
)

// Store persists the content registry and the extracted facts. The registry
// lives in the main database; the intelligence table lives in a second file
// attached as schema "intel", or in the main file when both paths match.
type Store struct {
	db           *sql.DB
	registryPath string
	intelPath    string
	intel        string
	journalModes map[string]string
	logger       *slog.Logger
}

// Options configures Open.
type Options struct {
	RegistryPath     string
	IntelligencePath string
	Logger           *slog.Logger
	// MediumDetector overrides storage medium detection (tests).
	MediumDetector func(path string) hostprobe.Medium
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	busyTimeoutMillis       = 60000
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// withTx runs fn inside a single transaction, retrying the whole transaction
// when SQLite reports the database as busy.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Open connects to the registry database, attaches the intelligence database
// and applies storage-appropriate pragmas to each.
func Open(ctx context.Context, opts Options) (*Store, error) {
	ctx = ensureContext(ctx)
	registryPath := strings.TrimSpace(opts.RegistryPath)
	intelPath := strings.TrimSpace(opts.IntelligencePath)
	if registryPath == "" || intelPath == "" {
		return nil, services.Wrap(services.ErrConfiguration, "store", "open", "registry and intelligence paths are required", nil)
	}
	detect := opts.MediumDetector
	if detect == nil {
		detect = hostprobe.DetectMedium
	}
	logger := logging.NewComponentLogger(opts.Logger, "store")

	for _, path := range []string{registryPath, intelPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", registryPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// ATTACH is per-connection; keep exactly one connection alive for the
	// lifetime of the store so the intel schema stays visible.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{
		db:           db,
		registryPath: registryPath,
		intelPath:    intelPath,
		intel:        "main",
		journalModes: make(map[string]string, 2),
		logger:       logger,
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply busy_timeout: %w", err)
	}
	if !samePath(registryPath, intelPath) {
		if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS intel", intelPath); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("attach intelligence db: %w", err)
		}
		s.intel = "intel"
	}

	schemas := map[string]string{"main": registryPath}
	if s.intel != "main" {
		schemas[s.intel] = intelPath
	}
	for schema, path := range schemas {
		if err := s.applyPragmas(ctx, schema, detect(path)); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("content store opened",
		logging.String("registry_db", registryPath),
		logging.String("intelligence_db", intelPath),
		logging.String("registry_journal", s.journalModes["main"]),
		logging.String("intelligence_journal", s.journalModes[s.intel]),
	)
	return s, nil
}

func (s *Store) applyPragmas(ctx context.Context, schema string, medium hostprobe.Medium) error {
	journal := "WAL"
	if medium == hostprobe.MediumNetwork {
		journal = "DELETE"
	}
	var applied string
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA %s.journal_mode=%s", schema, journal)).Scan(&applied); err != nil {
		return fmt.Errorf("apply %s journal_mode: %w", schema, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s.synchronous=NORMAL", schema)); err != nil {
		return fmt.Errorf("apply %s synchronous: %w", schema, err)
	}
	s.journalModes[schema] = strings.ToLower(applied)
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// JournalModes reports the journal mode applied to each database file, keyed
// by "registry" and "intelligence".
func (s *Store) JournalModes() map[string]string {
	return map[string]string{
		"registry":     s.journalModes["main"],
		"intelligence": s.journalModes[s.intel],
	}
}

// Paths returns the registry and intelligence database paths.
func (s *Store) Paths() (registry, intelligence string) {
	return s.registryPath, s.intelPath
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return services.Wrap(services.ErrStore, "store", op, "", err)
}
