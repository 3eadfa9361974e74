package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	clovesql "github.com/cloveworks/clove/sql"
)

// Migrator applies the clove schema. It is idempotent and safe to run on
// every startup; all DDL uses IF NOT EXISTS.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a migrator over an open pool.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// ApplyDDL applies the embedded schema files in dependency order.
func (m *Migrator) ApplyDDL(ctx context.Context) error {
	for _, file := range clovesql.DDLFiles {
		if _, err := m.db.ExecContext(ctx, file.Contents); err != nil {
			return fmt.Errorf("applying %s: %w", file.Path, err)
		}
	}
	return nil
}

// Status reports the migration and data state of the store.
type Status struct {
	// Tables maps each expected table to whether it exists.
	Tables map[string]bool

	// TupleCount and ModelCount are row counts, zero when the tables are
	// missing.
	TupleCount int64
	ModelCount int64

	// ActiveModelVersion is the version id of the active model, empty
	// when none is active or the table is missing.
	ActiveModelVersion string

	// CurrentToken is the newest committed consistency token.
	CurrentToken uint64
}

// Migrated reports whether every expected table exists.
func (s *Status) Migrated() bool {
	for _, table := range clovesql.Tables {
		if !s.Tables[table] {
			return false
		}
	}
	return true
}

// GetStatus inspects the store. Useful for health checks and the status
// CLI command; missing tables are reported, not errors.
func (m *Migrator) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{Tables: make(map[string]bool, len(clovesql.Tables))}

	for _, table := range clovesql.Tables {
		var exists bool
		err := m.db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM pg_class c
				JOIN pg_namespace n ON n.oid = c.relnamespace
				WHERE c.relname = $1
				AND n.nspname = current_schema()
				AND c.relkind = 'r'
			)
		`, table).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", table, err)
		}
		status.Tables[table] = exists
	}
	if !status.Migrated() {
		return status, nil
	}

	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clove_tuple").Scan(&status.TupleCount); err != nil {
		return nil, fmt.Errorf("counting tuples: %w", err)
	}
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clove_model").Scan(&status.ModelCount); err != nil {
		return nil, fmt.Errorf("counting models: %w", err)
	}
	err := m.db.QueryRowContext(ctx, "SELECT version_id FROM clove_model WHERE is_active").
		Scan(&status.ActiveModelVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading active model: %w", err)
	}
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM clove_transaction").Scan(&status.CurrentToken); err != nil {
		return nil, fmt.Errorf("reading current token: %w", err)
	}
	return status, nil
}
