// Package kev fetches the known-exploited-vulnerabilities catalog CSV.
package kev

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/mkoziy/vulnsync/internal/mapping"
	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
	"github.com/mkoziy/vulnsync/internal/snapshot"
	"github.com/mkoziy/vulnsync/internal/sources"
)

const DefaultURL = "https://www.cisa.gov/sites/default/files/csv/known_exploited_vulnerabilities.csv"

// Config locates the catalog.
type Config struct {
	// URL is an http(s) URL, a file:// URL, or a filesystem path.
	URL string `yaml:"url" json:"url"`
	// CatalogPage, when set, is an HTML page linking to the current CSV.
	CatalogPage string `yaml:"catalog_page" json:"catalog_page"`
}

// Source implements pipeline.Source for the catalog.
type Source struct {
	cfg    Config
	client *sources.Client
	logger *zap.Logger
	now    func() time.Time
}

// New creates the catalog source.
func New(cfg Config, client *sources.Client, logger *zap.Logger) *Source {
	if cfg.URL == "" && cfg.CatalogPage == "" {
		cfg.URL = DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, client: client, logger: logger, now: time.Now}
}

func (s *Source) Name() string { return models.SourceKEV }

func (s *Source) Schema() *mapping.Schema { return mapping.KEVv1 }

// FetchSnapshot downloads the full catalog. params.File overrides the
// configured location.
func (s *Source) FetchSnapshot(ctx context.Context, params pipeline.Params) (*snapshot.Snapshot, error) {
	location := s.cfg.URL
	if params.File != "" {
		location = params.File
	} else if s.cfg.CatalogPage != "" {
		link, err := s.discover(ctx)
		if err != nil {
			return nil, err
		}
		location = link
	}

	data, err := s.read(ctx, location)
	if err != nil {
		return nil, err
	}

	header, rows, err := snapshot.Parse(bytes.NewReader(data), snapshot.FormatCSV)
	if err != nil {
		return nil, &sources.FetchError{Source: s.Name(), Op: "parse catalog", Err: err}
	}
	s.logger.Info("catalog fetched", zap.String("location", location), zap.Int("rows", len(rows)))

	return snapshot.New(s.Name(), s.now(), snapshot.FormatCSV, header, rows), nil
}

func (s *Source) read(ctx context.Context, location string) ([]byte, error) {
	if path, ok := localPath(location); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &sources.FetchError{Source: s.Name(), Op: "read catalog", Err: err}
		}
		return data, nil
	}
	if s.client == nil {
		return nil, &sources.FetchError{Source: s.Name(), Op: "get " + location, Err: fmt.Errorf("no http client configured")}
	}
	return s.client.Get(ctx, location, nil)
}

// discover returns the first .csv link on the catalog page.
func (s *Source) discover(ctx context.Context) (string, error) {
	page, err := s.read(ctx, s.cfg.CatalogPage)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(s.cfg.CatalogPage)
	if err != nil {
		return "", &sources.FetchError{Source: s.Name(), Op: "parse catalog page url", Err: err}
	}

	link, err := FindCSVLink(page, base)
	if err != nil {
		return "", &sources.FetchError{Source: s.Name(), Op: "discover catalog link", Err: err}
	}
	s.logger.Debug("catalog link discovered", zap.String("link", link))
	return link, nil
}

// FindCSVLink returns the first anchor whose href ends in .csv, resolved
// against base.
func FindCSVLink(page []byte, base *url.URL) (string, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var href string
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				u, err := url.Parse(strings.TrimSpace(attr.Val))
				if err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".csv") {
					href = base.ResolveReference(u).String()
					return true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}

	if !walk(doc) {
		return "", fmt.Errorf("no csv link found")
	}
	return href, nil
}

// localPath reports whether location names a file rather than a URL.
func localPath(location string) (string, bool) {
	if strings.HasPrefix(location, "file://") {
		u, err := url.Parse(location)
		if err != nil {
			return strings.TrimPrefix(location, "file://"), true
		}
		return u.Path, true
	}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return "", false
	}
	return location, true
}
