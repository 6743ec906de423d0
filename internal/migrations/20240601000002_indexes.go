package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at DESC)",
			"CREATE INDEX IF NOT EXISTS idx_sync_runs_source_started ON sync_runs(source, started_at DESC)",
			"CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status)",
			"CREATE INDEX IF NOT EXISTS idx_kev_catalog_date_added ON kev_catalog(date_added DESC)",
			"CREATE INDEX IF NOT EXISTS idx_cves_published_at ON cves(published_at DESC)",
			"CREATE INDEX IF NOT EXISTS idx_cves_base_severity ON cves(base_severity)",
		}

		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"DROP INDEX IF EXISTS idx_sync_runs_started_at",
			"DROP INDEX IF EXISTS idx_sync_runs_source_started",
			"DROP INDEX IF EXISTS idx_sync_runs_status",
			"DROP INDEX IF EXISTS idx_kev_catalog_date_added",
			"DROP INDEX IF EXISTS idx_cves_published_at",
			"DROP INDEX IF EXISTS idx_cves_base_severity",
		}

		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}

		return nil
	})
}

