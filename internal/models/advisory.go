package models

import (
	"time"

	"github.com/uptrace/bun"
)

// CatalogEntry is a row of the known-exploited-vulnerabilities catalog.
type CatalogEntry struct {
	bun.BaseModel `bun:"table:kev_catalog,alias:k"`

	ID             string     `bun:"id,pk" json:"id"`
	Vendor         string     `bun:"vendor" json:"vendor"`
	Product        string     `bun:"product" json:"product"`
	Name           string     `bun:"name" json:"name"`
	DateAdded      time.Time  `bun:"date_added,notnull" json:"date_added"`
	Description    string     `bun:"description" json:"description"`
	RequiredAction string     `bun:"required_action" json:"required_action"`
	DueDate        *time.Time `bun:"due_date" json:"due_date,omitempty"`
	RansomwareUse  string     `bun:"ransomware_use" json:"ransomware_use"`
	CWE            string     `bun:"cwe" json:"cwe"`
	Notes          string     `bun:"notes" json:"notes"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// NewCatalogEntry copies the catalog attributes of r.
func NewCatalogEntry(r *Record) *CatalogEntry {
	return &CatalogEntry{
		ID:             r.ID,
		Vendor:         r.Vendor,
		Product:        r.Product,
		Name:           r.Name,
		DateAdded:      r.PublishedAt,
		Description:    r.Description,
		RequiredAction: r.RequiredAction,
		DueDate:        r.DueDate,
		RansomwareUse:  r.RansomwareUse,
		CWE:            r.CWE,
		Notes:          r.References,
	}
}

// CVE is a row of the vulnerability database.
type CVE struct {
	bun.BaseModel `bun:"table:cves,alias:c"`

	ID             string     `bun:"id,pk" json:"id"`
	PublishedAt    time.Time  `bun:"published_at,notnull" json:"published_at"`
	LastModifiedAt *time.Time `bun:"last_modified_at" json:"last_modified_at,omitempty"`
	Description    string     `bun:"description" json:"description"`
	BaseScore      *float64   `bun:"base_score" json:"base_score,omitempty"`
	BaseSeverity   string     `bun:"base_severity" json:"base_severity"`
	VectorString   string     `bun:"vector_string" json:"vector_string"`
	Vendor         string     `bun:"vendor" json:"vendor"`
	Product        string     `bun:"product" json:"product"`
	CWE            string     `bun:"cwe" json:"cwe"`
	ReferenceURLs  string     `bun:"reference_urls" json:"reference_urls"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// NewCVE copies the vulnerability attributes of r.
func NewCVE(r *Record) *CVE {
	return &CVE{
		ID:             r.ID,
		PublishedAt:    r.PublishedAt,
		LastModifiedAt: r.LastModifiedAt,
		Description:    r.Description,
		BaseScore:      r.SeverityScore,
		BaseSeverity:   string(r.SeverityLabel),
		VectorString:   r.VectorString,
		Vendor:         r.Vendor,
		Product:        r.Product,
		CWE:            r.CWE,
		ReferenceURLs:  r.References,
	}
}
