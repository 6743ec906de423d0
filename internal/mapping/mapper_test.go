package mapping

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mkoziy/vulnsync/internal/models"
)

var kevHeader = []string{
	"cveID", "vendorProject", "product", "vulnerabilityName", "dateAdded",
	"shortDescription", "requiredAction", "dueDate", "knownRansomwareCampaignUse", "notes", "cwes",
}

func TestResolveAliases(t *testing.T) {
	legacy := []string{"CVE ID", "Vendor/Project", "Product", "Vulnerability Name", "Date Added",
		"Short Description", "Required Action", "Due Date"}

	for _, header := range [][]string{kevHeader, legacy} {
		cols, err := KEVv1.Resolve(header)
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", header, err)
		}
		for i, f := range []Field{FieldID, FieldVendor, FieldProduct, FieldName, FieldPublished, FieldDescription, FieldRequiredAction, FieldDueDate} {
			if got, ok := cols.Index(f); !ok || got != i {
				t.Fatalf("field %s: expected column %d, got %d (%v)", f, i, got, ok)
			}
		}
	}
}

func TestResolveMissingIdentifier(t *testing.T) {
	_, err := KEVv1.Resolve([]string{"vendor", "product"})
	if !errors.Is(err, ErrUnresolvedColumn) {
		t.Fatalf("expected ErrUnresolvedColumn, got %v", err)
	}
	var merr *MappingError
	if !errors.As(err, &merr) || merr.Kind != KindUnresolvedColumn || merr.Field != FieldID {
		t.Fatalf("expected typed mapping error, got %#v", err)
	}
}

func TestMapCatalogRow(t *testing.T) {
	cols, err := KEVv1.Resolve(kevHeader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := NewMapper(nil)

	row := []string{"cve-2021-44228 ", "Apache", "Log4j2", "Apache Log4j2 RCE", "2021-12-10",
		"Log4j2 JNDI features do not protect…", "Apply updates", "12/24/2021", "Known", "", "CWE-502"}
	rec, err := m.Map(row, cols)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	due := time.Date(2021, 12, 24, 0, 0, 0, 0, time.UTC)
	want := &models.Record{
		ID:             "CVE-2021-44228",
		PublishedAt:    time.Date(2021, 12, 10, 0, 0, 0, 0, time.UTC),
		Description:    "Log4j2 JNDI features do not protect...",
		Vendor:         "Apache",
		Product:        "Log4j2",
		CWE:            "CWE-502",
		Name:           "Apache Log4j2 RCE",
		RequiredAction: "Apply updates",
		DueDate:        &due,
		RansomwareUse:  "Known",
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestMapInvalidIdentifier(t *testing.T) {
	cols, _ := KEVv1.Resolve(kevHeader)
	m := NewMapper(nil)

	for _, id := range []string{"XYZ-bad", "", "CVE-21-1", "CVE-2021-123456789012345"} {
		_, err := m.Map([]string{id, "vendor"}, cols)
		if !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("%q: expected ErrInvalidIdentifier, got %v", id, err)
		}
	}
}

func TestMapExportVariableColumns(t *testing.T) {
	cols := NVDExportV1.Positions()
	m := NewMapper(nil)

	short := []string{"CVE-2024-0001", "2024-01-02T10:00:00.000", "2024-01-03", "desc"}
	rec, err := m.Map(short, cols)
	if err != nil {
		t.Fatalf("unexpected error for 4 columns: %v", err)
	}
	if rec.SeverityScore != nil || rec.SeverityLabel != "" || rec.Vendor != "" {
		t.Fatalf("expected absent trailing fields, got %+v", rec)
	}
	if !rec.PublishedAt.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected published date %v", rec.PublishedAt)
	}

	full := []string{"CVE-2024-0002", "2024-01-02", "", "desc", "9.8", "", "CVSS:3.1/AV:N", "acme", "widget", "CWE-79", "https://a https://b"}
	rec, err = m.Map(full, cols)
	if err != nil {
		t.Fatalf("unexpected error for 11 columns: %v", err)
	}
	if rec.SeverityScore == nil || *rec.SeverityScore != 9.8 || rec.SeverityLabel != models.SeverityCritical {
		t.Fatalf("expected derived critical severity, got %+v", rec)
	}
	if rec.LastModifiedAt != nil {
		t.Fatalf("expected nil last modified for empty column")
	}

	_, err = m.Map([]string{"CVE-2024-0003", "2024-01-02"}, cols)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse for 2 columns, got %v", err)
	}
}

func TestMapScoresAndDates(t *testing.T) {
	cols := NVDExportV1.Positions()
	m := NewMapper(nil)

	rec, err := m.Map([]string{"CVE-2024-0004", "not a date", "31/31/2024", "d", "N/A", "HIGH"}, cols)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.SeverityScore != nil {
		t.Fatalf("expected N/A score to be absent, got %v", *rec.SeverityScore)
	}
	if rec.SeverityLabel != models.SeverityHigh {
		t.Fatalf("expected supplied label to win, got %s", rec.SeverityLabel)
	}
	if !rec.PublishedAt.Equal(UnknownDate) || rec.LastModifiedAt == nil || !rec.LastModifiedAt.Equal(UnknownDate) {
		t.Fatalf("expected unknown date sentinel, got %v %v", rec.PublishedAt, rec.LastModifiedAt)
	}

	for raw, want := range map[string]time.Time{
		"2024-03-05T01:02:03Z":    time.Date(2024, 3, 5, 1, 2, 3, 0, time.UTC),
		"2024-03-05T01:02:03.250": time.Date(2024, 3, 5, 1, 2, 3, 250_000_000, time.UTC),
		"2024-03-05":              time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		"3/5/2024":                time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		"05-Mar-24":               time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		"05-Mar-2024":             time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	} {
		got, ok := ParseDate(raw)
		if !ok || !got.Equal(want) {
			t.Fatalf("ParseDate(%q): expected %v, got %v (%v)", raw, want, got, ok)
		}
	}

	for _, raw := range []string{"", "n/a", "-", "abc", "11", "NaN"} {
		if s := ParseScore(raw); s != nil {
			t.Fatalf("ParseScore(%q): expected absent, got %v", raw, *s)
		}
	}
	if s := ParseScore("0"); s == nil || *s != 0 {
		t.Fatalf("expected zero score to be present")
	}
}
