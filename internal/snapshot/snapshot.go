// Package snapshot keeps dated captures of each source on disk so the next
// run can be diffed against the last one that was ingested successfully.
package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Format is the on-disk delimiter layout.
type Format string

const (
	FormatCSV Format = "csv"
	FormatTSV Format = "tsv"
)

func (f Format) comma() rune {
	if f == FormatTSV {
		return '\t'
	}
	return ','
}

// Snapshot is an immutable capture of a source's full record set.
type Snapshot struct {
	Source     string
	CapturedAt time.Time
	Format     Format
	Header     []string
	Rows       [][]string
}

// New builds a snapshot captured on the UTC date of at.
func New(source string, at time.Time, format Format, header []string, rows [][]string) *Snapshot {
	y, m, d := at.UTC().Date()
	return &Snapshot{
		Source:     source,
		CapturedAt: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Format:     format,
		Header:     header,
		Rows:       rows,
	}
}

// Len returns the number of data rows.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

// FileName is "<source>-YYYYMMDD.<format>".
func (s *Snapshot) FileName() string {
	return fmt.Sprintf("%s-%s.%s", s.Source, s.CapturedAt.Format("20060102"), s.Format)
}

// Parse reads a delimited file whose first record is the header. Quoting
// follows encoding/csv with lazy quotes and a variable field count.
func Parse(r io.Reader, format Format) (header []string, rows [][]string, err error) {
	cr := csv.NewReader(r)
	cr.Comma = format.comma()
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err = cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("empty snapshot: missing header row")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", len(rows)+1, err)
		}
		if blank(rec) {
			continue
		}
		rows = append(rows, rec)
	}
	return header, rows, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Write encodes snap with its header.
func Write(w io.Writer, snap *Snapshot) error {
	cw := csv.NewWriter(w)
	cw.Comma = snap.Format.comma()
	if err := cw.Write(snap.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(snap.Rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

var fileNamePattern = regexp.MustCompile(`^([a-z0-9_]+)-(\d{8})\.(csv|tsv)$`)

// Store persists committed snapshots under one directory.
type Store struct {
	dir    string
	retain int
}

// NewStore creates dir if needed. retain is the number of snapshots kept
// per source and is raised to 2 so a previous capture always survives.
func NewStore(dir string, retain int) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot dir cannot be empty")
	}
	if retain < 2 {
		retain = 2
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir, retain: retain}, nil
}

// Entry is a committed snapshot file.
type Entry struct {
	Source     string
	CapturedAt time.Time
	Format     Format
	Path       string
}

// List returns the committed snapshots of source, newest first.
func (s *Store) List(source string) ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(f.Name())
		if m == nil || m[1] != source {
			continue
		}
		at, err := time.Parse("20060102", m[2])
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Source: source, CapturedAt: at, Format: Format(m[3]), Path: filepath.Join(s.dir, f.Name())})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CapturedAt.After(entries[j].CapturedAt)
	})
	return entries, nil
}

// Latest loads the newest committed snapshot of source, or nil when none exists.
func (s *Store) Latest(source string) (*Snapshot, error) {
	entries, err := s.List(source)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return s.Load(entries[0])
}

// Load reads a committed snapshot.
func (s *Store) Load(e Entry) (*Snapshot, error) {
	f, err := os.Open(e.Path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	header, rows, err := Parse(f, e.Format)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(e.Path), err)
	}
	return &Snapshot{Source: e.Source, CapturedAt: e.CapturedAt, Format: e.Format, Header: header, Rows: rows}, nil
}

// Commit writes snap as the new baseline for its source and prunes old
// captures. A capture from the same day replaces the earlier one.
func (s *Store) Commit(snap *Snapshot) (string, error) {
	final := filepath.Join(s.dir, snap.FileName())

	tmp, err := os.CreateTemp(s.dir, "."+snap.Source+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	if err := Write(tmp, snap); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit snapshot: %w", err)
	}

	if err := s.prune(snap.Source); err != nil {
		return final, err
	}
	return final, nil
}

func (s *Store) prune(source string) error {
	entries, err := s.List(source)
	if err != nil {
		return err
	}
	for i := s.retain; i < len(entries); i++ {
		if err := os.Remove(entries[i].Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune snapshot: %w", err)
		}
	}
	return nil
}
