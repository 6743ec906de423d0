package repositories

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/vulnsync/internal/models"
)

// existingIDs returns the subset of ids already stored in model's table.
func existingIDs(ctx context.Context, db bun.IDB, model interface{}, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	var stored []string
	if err := db.NewSelect().
		Model(model).
		Column("id").
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx, &stored); err != nil {
		return nil, err
	}
	for _, id := range stored {
		found[id] = struct{}{}
	}
	return found, nil
}

// CatalogRepository stores known-exploited catalog entries.
type CatalogRepository struct{}

// Table returns the destination table name.
func (CatalogRepository) Table() string { return "kev_catalog" }

// Existing returns which ids are already in the catalog.
func (CatalogRepository) Existing(ctx context.Context, db bun.IDB, ids []string) (map[string]struct{}, error) {
	return existingIDs(ctx, db, (*models.CatalogEntry)(nil), ids)
}

// Upsert inserts entries keyed by id, replacing every non-key field of
// existing rows and bumping updated_at.
func (CatalogRepository) Upsert(ctx context.Context, db bun.IDB, recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	entries := make([]*models.CatalogEntry, 0, len(recs))
	for _, r := range recs {
		e := models.NewCatalogEntry(r)
		e.CreatedAt = now
		e.UpdatedAt = now
		entries = append(entries, e)
	}

	_, err := db.NewInsert().
		Model(&entries).
		On("CONFLICT (id) DO UPDATE").
		Set("vendor = EXCLUDED.vendor").
		Set("product = EXCLUDED.product").
		Set("name = EXCLUDED.name").
		Set("date_added = EXCLUDED.date_added").
		Set("description = EXCLUDED.description").
		Set("required_action = EXCLUDED.required_action").
		Set("due_date = EXCLUDED.due_date").
		Set("ransomware_use = EXCLUDED.ransomware_use").
		Set("cwe = EXCLUDED.cwe").
		Set("notes = EXCLUDED.notes").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)

	return err
}

// GetCatalogEntry fetches one catalog entry by id.
func GetCatalogEntry(ctx context.Context, db bun.IDB, id string) (*models.CatalogEntry, error) {
	entry := new(models.CatalogEntry)
	err := db.NewSelect().Model(entry).Where("id = ?", id).Scan(ctx)
	return entry, err
}

// CVERepository stores vulnerability database rows.
type CVERepository struct{}

// Table returns the destination table name.
func (CVERepository) Table() string { return "cves" }

// Existing returns which ids are already stored.
func (CVERepository) Existing(ctx context.Context, db bun.IDB, ids []string) (map[string]struct{}, error) {
	return existingIDs(ctx, db, (*models.CVE)(nil), ids)
}

// Upsert inserts CVEs keyed by id, replacing every non-key field of
// existing rows and bumping updated_at.
func (CVERepository) Upsert(ctx context.Context, db bun.IDB, recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	cves := make([]*models.CVE, 0, len(recs))
	for _, r := range recs {
		c := models.NewCVE(r)
		c.CreatedAt = now
		c.UpdatedAt = now
		cves = append(cves, c)
	}

	_, err := db.NewInsert().
		Model(&cves).
		On("CONFLICT (id) DO UPDATE").
		Set("published_at = EXCLUDED.published_at").
		Set("last_modified_at = EXCLUDED.last_modified_at").
		Set("description = EXCLUDED.description").
		Set("base_score = EXCLUDED.base_score").
		Set("base_severity = EXCLUDED.base_severity").
		Set("vector_string = EXCLUDED.vector_string").
		Set("vendor = EXCLUDED.vendor").
		Set("product = EXCLUDED.product").
		Set("cwe = EXCLUDED.cwe").
		Set("reference_urls = EXCLUDED.reference_urls").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)

	return err
}

// GetCVE fetches one CVE by id.
func GetCVE(ctx context.Context, db bun.IDB, id string) (*models.CVE, error) {
	cve := new(models.CVE)
	err := db.NewSelect().Model(cve).Where("id = ?", id).Scan(ctx)
	return cve, err
}

// CountCVEs returns the number of stored CVEs.
func CountCVEs(ctx context.Context, db bun.IDB) (int, error) {
	return db.NewSelect().Model((*models.CVE)(nil)).Count(ctx)
}

// CountCatalogEntries returns the number of stored catalog entries.
func CountCatalogEntries(ctx context.Context, db bun.IDB) (int, error) {
	return db.NewSelect().Model((*models.CatalogEntry)(nil)).Count(ctx)
}
