package models

import (
	"errors"
	"time"
)

// Record is the canonical form every source row is mapped into before storage.
type Record struct {
	ID             string
	PublishedAt    time.Time
	LastModifiedAt *time.Time
	Description    string
	SeverityScore  *float64
	SeverityLabel  Severity

	Vendor       string
	Product      string
	VectorString string
	CWE          string
	References   string

	// Catalog attributes.
	Name           string
	RequiredAction string
	DueDate        *time.Time
	RansomwareUse  string
}

// Validate checks the fields every destination table requires.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("id is required")
	}
	if r.PublishedAt.IsZero() {
		return errors.New("published date is required")
	}
	if r.SeverityScore != nil && (*r.SeverityScore < 0 || *r.SeverityScore > 10) {
		return errors.New("severity score must be within 0-10")
	}
	if r.SeverityLabel != "" {
		if _, ok := ParseSeverity(string(r.SeverityLabel)); !ok {
			return errors.New("unknown severity label")
		}
	}
	return nil
}
