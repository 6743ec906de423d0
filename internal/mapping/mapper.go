// Package mapping turns raw source rows into canonical records.
//
// Each source declares a versioned Schema: a static table of header aliases
// per canonical field, plus a positional layout for headerless files. A
// header is resolved once per snapshot into a ColumnMap, and every row is
// then mapped through that map.
package mapping

import (
	"fmt"
	"strings"

	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/sanitize"
)

// Mapper maps rows into records, sanitizing every text field.
type Mapper struct {
	sanitizer *sanitize.Sanitizer
	limits    map[Field]int
}

// NewMapper creates a mapper. A nil sanitizer uses sanitize.Default.
func NewMapper(s *sanitize.Sanitizer) *Mapper {
	if s == nil {
		s = sanitize.Default()
	}
	return &Mapper{sanitizer: s, limits: DefaultLimits}
}

// Map converts one row. Rows with fewer columns than the schema minimum
// fail with ErrParse; malformed identifiers fail with ErrInvalidIdentifier.
// Missing trailing columns read as empty.
func (m *Mapper) Map(row []string, cols ColumnMap) (*models.Record, error) {
	schema := cols.schema
	if schema == nil {
		return nil, &MappingError{Kind: KindParse, Schema: "unknown", Detail: "column map was not resolved"}
	}
	if len(row) < schema.MinColumns {
		return nil, &MappingError{Kind: KindParse, Schema: schema.String(),
			Detail: fmt.Sprintf("expected at least %d columns, got %d", schema.MinColumns, len(row))}
	}

	get := func(f Field) string {
		i, ok := cols.index[f]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	idx, _ := cols.Index(FieldID)
	if idx >= len(row) {
		return nil, &MappingError{Kind: KindParse, Schema: schema.String(), Field: FieldID, Detail: "row ends before identifier column"}
	}

	rawID := get(FieldID)
	id := NormalizeIdentifier(strings.TrimPrefix(rawID, "\ufeff"))
	if len(id) > MaxIdentifierLen || !identifierPattern.MatchString(id) {
		return nil, &MappingError{Kind: KindInvalidIdentifier, Schema: schema.String(), Field: FieldID, Value: truncateValue(rawID)}
	}

	text := func(f Field) string {
		return m.sanitizer.Sanitize(get(f), m.limits[f])
	}

	rec := &models.Record{
		ID:             id,
		PublishedAt:    dateOrUnknown(get(FieldPublished)),
		LastModifiedAt: optionalDate(get(FieldLastModified)),
		Description:    text(FieldDescription),
		SeverityScore:  ParseScore(get(FieldScore)),
		Vendor:         text(FieldVendor),
		Product:        text(FieldProduct),
		VectorString:   text(FieldVector),
		CWE:            text(FieldCWE),
		References:     text(FieldReferences),
		Name:           text(FieldName),
		RequiredAction: text(FieldRequiredAction),
		DueDate:        optionalDate(get(FieldDueDate)),
		RansomwareUse:  text(FieldRansomware),
	}

	if label, ok := models.ParseSeverity(get(FieldSeverity)); ok {
		rec.SeverityLabel = label
	} else if rec.SeverityScore != nil {
		rec.SeverityLabel = models.SeverityForScore(*rec.SeverityScore)
	}

	return rec, nil
}

func truncateValue(v string) string {
	const max = 64
	if len(v) <= max {
		return v
	}
	return strings.ToValidUTF8(v[:max], "") + "..."
}
