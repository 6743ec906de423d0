package mapping

import (
	"strings"
	"unicode"
)

// Field is a canonical record attribute a source column can map to.
type Field string

const (
	FieldID             Field = "id"
	FieldPublished      Field = "published"
	FieldLastModified   Field = "last_modified"
	FieldDescription    Field = "description"
	FieldScore          Field = "score"
	FieldSeverity       Field = "severity"
	FieldVector         Field = "vector"
	FieldVendor         Field = "vendor"
	FieldProduct        Field = "product"
	FieldCWE            Field = "cwe"
	FieldReferences     Field = "references"
	FieldName           Field = "name"
	FieldRequiredAction Field = "required_action"
	FieldDueDate        Field = "due_date"
	FieldRansomware     Field = "ransomware"
)

// DefaultLimits are the character bounds applied to text fields.
var DefaultLimits = map[Field]int{
	FieldDescription:    3000,
	FieldVendor:         255,
	FieldProduct:        255,
	FieldName:           255,
	FieldRequiredAction: 1000,
	FieldVector:         255,
	FieldSeverity:       20,
	FieldCWE:            50,
	FieldReferences:     3000,
	FieldRansomware:     20,
}

// Schema is one versioned layout of a source's rows.
type Schema struct {
	Name       string
	Version    string
	Positional []Field
	MinColumns int

	aliases map[Field][]string
	lookup  map[string]Field
}

// NewSchema builds a schema from its alias table. Aliases are matched
// case-insensitively and ignoring punctuation and spaces.
func NewSchema(name, version string, aliases map[Field][]string, positional []Field, minColumns int) *Schema {
	s := &Schema{
		Name:       name,
		Version:    version,
		Positional: positional,
		MinColumns: minColumns,
		aliases:    aliases,
		lookup:     make(map[string]Field),
	}
	for field, names := range aliases {
		for _, n := range names {
			s.lookup[normalizeHeader(n)] = field
		}
	}
	return s
}

// String returns "name/version".
func (s *Schema) String() string {
	return s.Name + "/" + s.Version
}

// Aliases returns the declared header names for f.
func (s *Schema) Aliases(f Field) []string {
	return s.aliases[f]
}

// ColumnMap binds canonical fields to column positions of one snapshot.
type ColumnMap struct {
	schema *Schema
	index  map[Field]int
}

// Schema returns the schema the columns were resolved against.
func (c ColumnMap) Schema() *Schema {
	return c.schema
}

// Index returns the column position of f.
func (c ColumnMap) Index(f Field) (int, bool) {
	i, ok := c.index[f]
	return i, ok
}

// Resolve binds a header row to canonical fields. The first column
// matching a field wins. It fails when the identifier column is missing.
func (s *Schema) Resolve(header []string) (ColumnMap, error) {
	cols := ColumnMap{schema: s, index: make(map[Field]int)}
	for i, h := range header {
		field, ok := s.lookup[normalizeHeader(h)]
		if !ok {
			continue
		}
		if _, seen := cols.index[field]; !seen {
			cols.index[field] = i
		}
	}
	if _, ok := cols.index[FieldID]; !ok {
		return ColumnMap{}, &MappingError{Kind: KindUnresolvedColumn, Schema: s.String(), Field: FieldID,
			Detail: "no header matches " + strings.Join(s.aliases[FieldID], ", ")}
	}
	return cols, nil
}

// Positions returns the column map for headerless files.
func (s *Schema) Positions() ColumnMap {
	cols := ColumnMap{schema: s, index: make(map[Field]int, len(s.Positional))}
	for i, f := range s.Positional {
		cols.index[f] = i
	}
	return cols
}

// KeyIndex returns the identifier column of header, if any.
func (s *Schema) KeyIndex(header []string) (int, bool) {
	cols, err := s.Resolve(header)
	if err != nil {
		return 0, false
	}
	return cols.Index(FieldID)
}

func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range h {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// KEVv1 is the layout of the known-exploited-vulnerabilities catalog CSV.
var KEVv1 = NewSchema("kev", "v1", map[Field][]string{
	FieldID:             {"cveID", "CVE ID", "CVE", "cve_id"},
	FieldVendor:         {"vendorProject", "Vendor/Project", "vendor", "vendor_project"},
	FieldProduct:        {"product", "Product"},
	FieldName:           {"vulnerabilityName", "Vulnerability Name", "name"},
	FieldPublished:      {"dateAdded", "Date Added", "date_added"},
	FieldDescription:    {"shortDescription", "Short Description", "description"},
	FieldRequiredAction: {"requiredAction", "Required Action"},
	FieldDueDate:        {"dueDate", "Due Date"},
	FieldRansomware:     {"knownRansomwareCampaignUse", "Known Ransomware Campaign Use"},
	FieldReferences:     {"notes", "Notes"},
	FieldCWE:            {"cwes", "CWEs", "cwe"},
}, []Field{
	FieldID, FieldVendor, FieldProduct, FieldName, FieldPublished, FieldDescription,
	FieldRequiredAction, FieldDueDate, FieldRansomware, FieldReferences, FieldCWE,
}, 1)

// NVDExportV1 is the tab-separated CVE export layout, also produced by the API source.
var NVDExportV1 = NewSchema("nvd-export", "v1", map[Field][]string{
	FieldID:           {"CVE ID", "cve_id", "id"},
	FieldPublished:    {"Published Date", "published_date", "published"},
	FieldLastModified: {"Last Modified Date", "last_modified_date", "lastModified"},
	FieldDescription:  {"Description"},
	FieldScore:        {"Base Score", "base_score", "score"},
	FieldSeverity:     {"Base Severity", "base_severity", "severity"},
	FieldVector:       {"Vector String", "vector_string", "vector"},
	FieldVendor:       {"Vendor"},
	FieldProduct:      {"Product"},
	FieldCWE:          {"CWE", "cwe_id"},
	FieldReferences:   {"References"},
}, []Field{
	FieldID, FieldPublished, FieldLastModified, FieldDescription, FieldScore,
	FieldSeverity, FieldVector, FieldVendor, FieldProduct, FieldCWE, FieldReferences,
}, 4)

// ExportHeader is the header row written for NVDExportV1 files.
var ExportHeader = []string{
	"CVE ID", "Published Date", "Last Modified Date", "Description", "Base Score",
	"Base Severity", "Vector String", "Vendor", "Product", "CWE", "References",
}
