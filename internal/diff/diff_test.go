package diff

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mkoziy/vulnsync/internal/mapping"
	"github.com/mkoziy/vulnsync/internal/snapshot"
)

var header = []string{"cveID", "vendorProject", "product"}

func snap(rows ...[]string) *snapshot.Snapshot {
	return snapshot.New("kev", time.Now(), snapshot.FormatCSV, header, rows)
}

func ids(rows [][]string) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r[0])
	}
	return out
}

func TestDiffFirstRun(t *testing.T) {
	cur := snap([]string{"V-1", "a", "b"}, []string{"V-2", "a", "b"})
	cs := Diff(nil, cur, mapping.KEVv1)
	if cs.Mode != ModeInitial || len(cs.Rows) != 2 {
		t.Fatalf("expected every row on first run, got %+v", cs)
	}
}

func TestDiffNewCatalogEntry(t *testing.T) {
	prev := snap([]string{"CVE-2024-0001", "a", "b"}, []string{"CVE-2024-0002", "a", "b"})
	cur := snap([]string{"CVE-2024-0001", "a", "b"}, []string{"CVE-2024-0002", "a", "b"}, []string{"CVE-2024-0003", "c", "d"})

	cs := Diff(prev, cur, mapping.KEVv1)
	if cs.Mode != ModeKey {
		t.Fatalf("expected key mode, got %s", cs.Mode)
	}
	if diff := cmp.Diff([]string{"CVE-2024-0003"}, ids(cs.Rows)); diff != "" {
		t.Fatalf("change set mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffIgnoresModifiedRows(t *testing.T) {
	prev := snap([]string{"CVE-2024-0001", "old", "b"})
	cur := snap([]string{"cve-2024-0001 ", "new", "b"})

	if cs := Diff(prev, cur, mapping.KEVv1); len(cs.Rows) != 0 {
		t.Fatalf("expected presence-only comparison, got %v", cs.Rows)
	}
}

func TestDiffIsSetDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := make([]string, 200)
	for i := range pool {
		pool[i] = "CVE-2024-" + string(rune('A'+i%26)) + string(rune('a'+i/26))
	}

	for iter := 0; iter < 50; iter++ {
		var prevRows, curRows [][]string
		prevIDs := map[string]bool{}
		curIDs := map[string]bool{}
		for _, id := range pool {
			if rng.Intn(2) == 0 {
				prevRows = append(prevRows, []string{id, "v", "p"})
				prevIDs[id] = true
			}
			if rng.Intn(2) == 0 {
				curRows = append(curRows, []string{id, "v", "p"})
				curIDs[id] = true
			}
		}

		var want []string
		for id := range curIDs {
			if !prevIDs[id] {
				want = append(want, id)
			}
		}
		got := ids(Diff(snap(prevRows...), snap(curRows...), mapping.KEVv1).Rows)
		sort.Strings(want)
		sort.Strings(got)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("iteration %d mismatch (-want +got):\n%s", iter, diff)
		}
	}
}

func TestDiffLaterDuplicateWins(t *testing.T) {
	cur := snap(
		[]string{"CVE-2024-0001", "first", "x"},
		[]string{"CVE-2024-0002", "a", "b"},
		[]string{"CVE-2024-0001", "second", "x"},
	)
	cs := Diff(nil, cur, mapping.KEVv1)
	want := [][]string{{"CVE-2024-0002", "a", "b"}, {"CVE-2024-0001", "second", "x"}}
	if diff := cmp.Diff(want, cs.Rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if cs.Superseded != 1 {
		t.Fatalf("expected one superseded row, got %d", cs.Superseded)
	}
}

func TestDiffFingerprintFallback(t *testing.T) {
	noKey := []string{"vendor", "product"}
	prev := snapshot.New("kev", time.Now(), snapshot.FormatCSV, noKey, [][]string{{"a", "b"}, {"c", "d"}})
	cur := snapshot.New("kev", time.Now(), snapshot.FormatCSV, noKey, [][]string{{"a", "b"}, {"c", "changed"}, {"e", "f"}})

	cs := Diff(prev, cur, mapping.KEVv1)
	if cs.Mode != ModeFingerprint {
		t.Fatalf("expected fingerprint mode, got %s", cs.Mode)
	}
	want := [][]string{{"c", "changed"}, {"e", "f"}}
	if diff := cmp.Diff(want, cs.Rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestAllBypassesPrevious(t *testing.T) {
	cur := snap([]string{"CVE-2024-0001", "a", "b"}, []string{"CVE-2024-0001", "a", "c"})
	cs := All(cur, mapping.KEVv1)
	if cs.Mode != ModeFull || len(cs.Rows) != 1 || cs.Rows[0][2] != "c" {
		t.Fatalf("unexpected change set %+v", cs)
	}
}
