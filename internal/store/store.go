// Package store opens the SQL database backing the idempotency ledger and tool
// snapshots, and applies its migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
)

// Supported values of database.driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedMigrations embed.FS

// Open connects to the configured database. The returned handle rebinds `?`
// placeholders for the underlying driver.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	var (
		driverName string
		dsn        = cfg.DSN
	)
	switch cfg.Driver {
	case DriverPostgres:
		driverName = "pgx"
	case DriverSQLite:
		driverName = "sqlite"
		// Write timestamps in a sortable format so range queries compare correctly.
		if !strings.Contains(dsn, "_time_format") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_time_format=sqlite"
		}
	default:
		return nil, fmt.Errorf("Open: unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite serializes writers; one connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: ping: %w", err)
	}
	return sqlx.NewDb(db, driverName), nil
}

// Migrate applies all pending migrations for the given driver and returns how many ran.
func Migrate(ctx context.Context, db *sql.DB, driver string) (int, error) {
	var (
		dialect database.Dialect
		dir     string
	)
	switch driver {
	case DriverPostgres:
		dialect, dir = database.DialectPostgres, "migrations/postgres"
	case DriverSQLite:
		dialect, dir = database.DialectSQLite3, "migrations/sqlite"
	default:
		return 0, fmt.Errorf("Migrate: unsupported driver %q", driver)
	}

	migrationFS, err := fs.Sub(embedMigrations, dir)
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, migrationFS)
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}
	return len(results), nil
}

// OpenMigrated opens the database and, when auto_migrate is set, applies migrations.
func OpenMigrated(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if _, err := Migrate(ctx, db.DB, cfg.Driver); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
