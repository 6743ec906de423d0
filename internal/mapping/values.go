package mapping

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxIdentifierLen is the width of the identifier column.
const MaxIdentifierLen = 20

var identifierPattern = regexp.MustCompile(`^[A-Z]+-\d{4}-\d+$`)

// UnknownDate stands in for dates no accepted format can parse.
var UnknownDate = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// dateLayouts are tried in order. Fractional seconds are accepted by the
// layouts that carry seconds.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006",
	"02-Jan-06",
	"02-Jan-2006",
}

// NormalizeIdentifier trims and upper-cases an identifier.
func NormalizeIdentifier(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// IsIdentifier reports whether raw is a well-formed identifier after normalizing.
func IsIdentifier(raw string) bool {
	id := NormalizeIdentifier(raw)
	return len(id) <= MaxIdentifierLen && identifierPattern.MatchString(id)
}

// ParseDate parses raw under the accepted layouts, in UTC.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// dateOrUnknown never fails: empty and unparsable values become UnknownDate.
func dateOrUnknown(raw string) time.Time {
	if t, ok := ParseDate(raw); ok {
		return t
	}
	return UnknownDate
}

// optionalDate is nil for empty input and UnknownDate for unparsable input.
func optionalDate(raw string) *time.Time {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	t := dateOrUnknown(raw)
	return &t
}

// ParseScore returns nil for absent markers, non-numbers and values outside 0-10.
func ParseScore(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	switch strings.ToUpper(raw) {
	case "", "N/A", "NA", "-", "NONE", "NULL":
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || v < 0 || v > 10 {
		return nil
	}
	return &v
}
