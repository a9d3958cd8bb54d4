package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
)

//go:embed schema_registry.sql
var registrySchemaSQL string

//go:embed schema_intelligence.sql
var intelligenceSchemaSQL string

// Schema versions per component. Bump when the matching .sql file changes;
// users clear the affected database to adopt the new schema.
const (
	registrySchemaVersion     = 1
	intelligenceSchemaVersion = 1
)

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

type schemaComponent struct {
	name    string
	schema  string
	sql     string
	version int
}

func (s *Store) initSchema(ctx context.Context) error {
	components := []schemaComponent{
		{name: "registry", schema: "main", sql: registrySchemaSQL, version: registrySchemaVersion},
		{name: "intelligence", schema: s.intel, sql: intelligenceSchemaSQL, version: intelligenceSchemaVersion},
	}
	for _, component := range components {
		if err := s.initComponent(ctx, component); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) initComponent(ctx context.Context, c schemaComponent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createVersion := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.schema_version (component TEXT PRIMARY KEY, version INTEGER NOT NULL)", c.schema)
	if _, err := tx.ExecContext(ctx, createVersion); err != nil {
		return fmt.Errorf("ensure %s schema_version: %w", c.schema, err)
	}

	var version int
	query := fmt.Sprintf("SELECT version FROM %s.schema_version WHERE component = ?", c.schema)
	err = tx.QueryRowContext(ctx, query, c.name).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ddl := strings.ReplaceAll(c.sql, "{{schema}}", c.schema)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s schema: %w", c.name, err)
		}
		insert := fmt.Sprintf("INSERT INTO %s.schema_version (component, version) VALUES (?, ?)", c.schema)
		if _, err := tx.ExecContext(ctx, insert, c.name, c.version); err != nil {
			return fmt.Errorf("record %s schema version: %w", c.name, err)
		}
	case err != nil:
		return fmt.Errorf("read %s schema version: %w", c.name, err)
	case version != c.version:
		return fmt.Errorf("%w: %s database has version %d, expected %d (delete the database to rebuild it)",
			ErrSchemaMismatch, c.name, version, c.version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s schema: %w", c.name, err)
	}
	return nil
}
