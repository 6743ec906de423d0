// Package diff computes which rows of a snapshot are new relative to the
// previous capture of the same source.
package diff

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mkoziy/vulnsync/internal/mapping"
	"github.com/mkoziy/vulnsync/internal/snapshot"
)

// Mode records which comparison produced a ChangeSet.
type Mode string

const (
	ModeInitial     Mode = "initial"
	ModeKey         Mode = "key"
	ModeFingerprint Mode = "fingerprint"
	ModeFull        Mode = "full"
)

// ChangeSet is the ordered subset of the current rows to ingest.
type ChangeSet struct {
	Mode Mode
	Rows [][]string
	// Superseded counts earlier rows dropped because a later row had the same key.
	Superseded int
}

// Diff returns the rows of cur whose key is absent from prev. Only presence
// is compared: a row whose key exists in prev is not returned even if other
// fields changed. When the identifier column cannot be located in both
// headers, whole rows are compared instead. A nil prev yields every row.
func Diff(prev, cur *snapshot.Snapshot, schema *mapping.Schema) ChangeSet {
	if cur == nil {
		return ChangeSet{Mode: ModeInitial}
	}

	curKey, curOK := schema.KeyIndex(cur.Header)
	keyOf := fingerprint
	mode := ModeFingerprint
	if curOK {
		keyOf = column(curKey)
		mode = ModeKey
	}

	if prev == nil {
		rows, superseded := latestByKey(cur.Rows, keyOf)
		return ChangeSet{Mode: ModeInitial, Rows: rows, Superseded: superseded}
	}

	prevKeyOf := fingerprint
	if prevKey, ok := schema.KeyIndex(prev.Header); ok && curOK {
		prevKeyOf = column(prevKey)
	} else {
		keyOf = fingerprint
		mode = ModeFingerprint
	}

	seen := make(map[string]struct{}, len(prev.Rows))
	for _, row := range prev.Rows {
		seen[prevKeyOf(row)] = struct{}{}
	}

	rows, superseded := latestByKey(cur.Rows, keyOf)
	out := rows[:0]
	for _, row := range rows {
		key := keyOf(row)
		if _, ok := seen[key]; !ok || key == "" {
			out = append(out, row)
		}
	}
	return ChangeSet{Mode: mode, Rows: out, Superseded: superseded}
}

// All returns every row of cur, deduplicated by key, bypassing the
// comparison with any previous capture.
func All(cur *snapshot.Snapshot, schema *mapping.Schema) ChangeSet {
	if cur == nil {
		return ChangeSet{Mode: ModeFull}
	}
	keyOf := fingerprint
	if idx, ok := schema.KeyIndex(cur.Header); ok {
		keyOf = column(idx)
	}
	rows, superseded := latestByKey(cur.Rows, keyOf)
	return ChangeSet{Mode: ModeFull, Rows: rows, Superseded: superseded}
}

// latestByKey keeps the last occurrence of each key, at its own position.
// Rows without a key are all kept.
func latestByKey(rows [][]string, keyOf func([]string) string) ([][]string, int) {
	last := make(map[string]int, len(rows))
	for i, row := range rows {
		last[keyOf(row)] = i
	}
	out := make([][]string, 0, len(last))
	for i, row := range rows {
		if key := keyOf(row); key == "" || last[key] == i {
			out = append(out, row)
		}
	}
	return out, len(rows) - len(out)
}

func column(idx int) func([]string) string {
	return func(row []string) string {
		if idx >= len(row) {
			return ""
		}
		return mapping.NormalizeIdentifier(row[idx])
	}
}

// fingerprint hashes a whole row; cells are joined with the ASCII unit separator.
func fingerprint(row []string) string {
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(row, "\x1f")), 16)
}
