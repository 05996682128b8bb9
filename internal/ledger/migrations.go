package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate brings the schema to the newest embedded version and returns it.
// Opening an up-to-date ledger applies nothing and logs nothing.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) (int64, error) {
	schema, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("ledger: reading embedded schema: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, schema)
	if err != nil {
		return 0, fmt.Errorf("ledger: loading schema migrations: %w", err)
	}

	applied, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: upgrading schema: %w", err)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: reading schema version: %w", err)
	}

	if len(applied) > 0 {
		logger.Info("ledger schema upgraded",
			slog.Int("applied", len(applied)),
			slog.Int64("version", version),
		)
	}

	return version, nil
}
