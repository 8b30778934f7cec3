package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JakeFAU/media-harvester/internal/store/migrations"
)

// Migrate applies pending schema migrations for the configured driver and
// returns the resulting schema version. Open migrates too; this exists for
// operators who want to upgrade a database without starting a run.
func Migrate(ctx context.Context, cfg Config) (uint, error) {
	var (
		driverName string
		dsn        string
		dialect    migrations.Dialect
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		if cfg.SQLitePath == "" {
			return 0, errors.New("database.sqlite.path is required")
		}
		driverName, dsn, dialect = "sqlite3", cfg.SQLitePath, migrations.SQLite
	case DriverPostgres:
		if cfg.PostgresDSN == "" {
			return 0, errors.New("database.postgres.dsn is required")
		}
		driverName, dsn, dialect = "pgx", cfg.PostgresDSN, migrations.Postgres
	case DriverMemory:
		return 0, errors.New("the memory driver has no schema")
	default:
		return 0, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", driverName, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("ping %s: %w", driverName, err)
	}
	if err := migrations.Up(db, dialect); err != nil {
		return 0, err
	}
	version, _, err := migrations.Status(db, dialect)
	if err != nil {
		return 0, err
	}
	return version, nil
}
