package migrations

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrations are registered by the dated files of this package; bun derives
// each migration's name from its file name.
var Migrations = migrate.NewMigrations()

// RunMigrations runs all pending migrations and returns the applied group,
// which is empty when the schema was already current.
func RunMigrations(ctx context.Context, db *bun.DB) (*migrate.MigrationGroup, error) {
	migrator := migrate.NewMigrator(db, Migrations)

	if err := migrator.Init(ctx); err != nil {
		return nil, err
	}

	return migrator.Migrate(ctx)
}
