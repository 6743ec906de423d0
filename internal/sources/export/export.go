// Package export reads tab-separated CVE exports dropped on disk.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/mapping"
	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
	"github.com/mkoziy/vulnsync/internal/snapshot"
	"github.com/mkoziy/vulnsync/internal/sources"
)

// Ext is the extension of export files.
const Ext = ".tsv"

// Config locates the drop directory.
type Config struct {
	Dir string `yaml:"dir" json:"dir"`
}

// Source implements pipeline.Source for export files.
type Source struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, logger: logger, now: time.Now}
}

func (s *Source) Name() string { return models.SourceExport }

func (s *Source) Schema() *mapping.Schema { return mapping.NVDExportV1 }

// Dir is the drop directory.
func (s *Source) Dir() string { return s.cfg.Dir }

// FetchSnapshot reads params.File, or the newest export in the directory
// when no file is given.
func (s *Source) FetchSnapshot(ctx context.Context, params pipeline.Params) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &sources.FetchError{Source: s.Name(), Op: "read export", Err: err}
	}

	path := params.File
	if path == "" {
		latest, err := s.latest()
		if err != nil {
			return nil, &sources.FetchError{Source: s.Name(), Op: "locate export", Err: err}
		}
		path = latest
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.Dir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &sources.FetchError{Source: s.Name(), Op: "open export", Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	header, rows, err := Parse(f)
	if err != nil {
		return nil, &sources.FetchError{Source: s.Name(), Op: "parse " + filepath.Base(path), Err: err}
	}
	s.logger.Info("export read", zap.String("file", path), zap.Int("rows", len(rows)))

	return snapshot.New(s.Name(), s.now(), snapshot.FormatTSV, header, rows), nil
}

// Parse splits lines on tabs. Quotes are literal. The first line is a
// header unless its first cell is an identifier, in which case the
// positional export header is returned.
func Parse(r io.Reader) ([]string, [][]string, error) {
	br := bufio.NewReader(r)

	var (
		header []string
		rows   [][]string
		first  = true
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("read line: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
		}

		if strings.TrimSpace(line) != "" {
			cells := strings.Split(line, "\t")
			switch {
			case first && mapping.IsIdentifier(cells[0]):
				header = append([]string(nil), mapping.ExportHeader...)
				rows = append(rows, cells)
			case first:
				header = cells
			default:
				rows = append(rows, cells)
			}
			first = false
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	if header == nil {
		return nil, nil, errors.New("empty export")
	}
	return header, rows, nil
}

// latest returns the most recently modified export in the directory.
func (s *Source) latest() (string, error) {
	if s.cfg.Dir == "" {
		return "", errors.New("no file given and no export directory configured")
	}
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return "", err
	}

	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), Ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best, bestMod = filepath.Join(s.cfg.Dir, e.Name()), info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no %s files in %s", Ext, s.cfg.Dir)
	}
	return best, nil
}
