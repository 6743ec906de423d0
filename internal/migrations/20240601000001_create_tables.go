package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/vulnsync/internal/models"
)

// Record tables carry the column widths of the legacy store as CHECK
// constraints, so an oversized value is rejected by the database itself.
var recordTables = []string{
	`CREATE TABLE IF NOT EXISTS kev_catalog (
		id              VARCHAR(20)  PRIMARY KEY CHECK (length(id) <= 20),
		vendor          VARCHAR(255) NOT NULL DEFAULT '' CHECK (length(vendor) <= 255),
		product         VARCHAR(255) NOT NULL DEFAULT '' CHECK (length(product) <= 255),
		name            VARCHAR(255) NOT NULL DEFAULT '' CHECK (length(name) <= 255),
		date_added      TIMESTAMP    NOT NULL,
		description     TEXT         NOT NULL DEFAULT '' CHECK (length(description) <= 3000),
		required_action TEXT         NOT NULL DEFAULT '' CHECK (length(required_action) <= 1000),
		due_date        TIMESTAMP,
		ransomware_use  VARCHAR(20)  NOT NULL DEFAULT '' CHECK (length(ransomware_use) <= 20),
		cwe             VARCHAR(50)  NOT NULL DEFAULT '' CHECK (length(cwe) <= 50),
		notes           TEXT         NOT NULL DEFAULT '' CHECK (length(notes) <= 3000),
		created_at      TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS cves (
		id               VARCHAR(20)  PRIMARY KEY CHECK (length(id) <= 20),
		published_at     TIMESTAMP    NOT NULL,
		last_modified_at TIMESTAMP,
		description      TEXT         NOT NULL DEFAULT '' CHECK (length(description) <= 3000),
		base_score       REAL         CHECK (base_score IS NULL OR (base_score >= 0 AND base_score <= 10)),
		base_severity    VARCHAR(20)  NOT NULL DEFAULT '' CHECK (length(base_severity) <= 20),
		vector_string    VARCHAR(255) NOT NULL DEFAULT '' CHECK (length(vector_string) <= 255),
		vendor           VARCHAR(255) NOT NULL DEFAULT '' CHECK (length(vendor) <= 255),
		product          VARCHAR(255) NOT NULL DEFAULT '' CHECK (length(product) <= 255),
		cwe              VARCHAR(50)  NOT NULL DEFAULT '' CHECK (length(cwe) <= 50),
		reference_urls   TEXT         NOT NULL DEFAULT '' CHECK (length(reference_urls) <= 3000),
		created_at       TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		for _, ddl := range recordTables {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				return err
			}
		}
		_, err := db.NewCreateTable().Model((*models.SyncRun)(nil)).IfNotExists().Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		if _, err := db.NewDropTable().Model((*models.SyncRun)(nil)).IfExists().Exec(ctx); err != nil {
			return err
		}
		for _, table := range []string{"cves", "kev_catalog"} {
			if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return err
			}
		}
		return nil
	})
}
