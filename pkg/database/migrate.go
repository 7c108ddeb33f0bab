package database

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// MigrationStatus describes one migration known to goose.
type MigrationStatus struct {
	Version int64
	Path    string
	Applied bool
}

func (db *DB) provider(migrations fs.FS) (*goose.Provider, error) {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	p, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return p, nil
}

// Migrate applies all pending migrations from the given filesystem and
// returns the versions it applied.
func (db *DB) Migrate(ctx context.Context, migrations fs.FS) ([]int64, error) {
	p, err := db.provider(migrations)
	if err != nil {
		return nil, err
	}

	results, err := p.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}

// MigrationStatuses lists every known migration and whether it is applied.
func (db *DB) MigrationStatuses(ctx context.Context, migrations fs.FS) ([]MigrationStatus, error) {
	p, err := db.provider(migrations)
	if err != nil {
		return nil, err
	}

	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration status: %w", err)
	}

	out := make([]MigrationStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationStatus{
			Version: s.Source.Version,
			Path:    s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
