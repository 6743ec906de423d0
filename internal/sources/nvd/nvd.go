// Package nvd pages the CVE API 2.0 over a publication-date window.
package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/mapping"
	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
	"github.com/mkoziy/vulnsync/internal/snapshot"
	"github.com/mkoziy/vulnsync/internal/sources"
)

const (
	DefaultBaseURL        = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	DefaultResultsPerPage = 2000
	// MaxWindow is the widest publication range the API accepts.
	MaxWindow = 120 * 24 * time.Hour

	dateLayout = "2006-01-02T15:04:05.000Z"
)

// Config configures the API source.
type Config struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	APIKey         string        `yaml:"api_key" json:"-"`
	ResultsPerPage int           `yaml:"results_per_page" json:"results_per_page"`
	AutoWindow     time.Duration `yaml:"auto_window" json:"auto_window"`
	ManualWindow   time.Duration `yaml:"manual_window" json:"manual_window"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ResultsPerPage <= 0 || c.ResultsPerPage > DefaultResultsPerPage {
		c.ResultsPerPage = DefaultResultsPerPage
	}
	if c.AutoWindow <= 0 {
		c.AutoWindow = 24 * time.Hour
	}
	if c.ManualWindow <= 0 {
		c.ManualWindow = 7 * 24 * time.Hour
	}
	return c
}

// Source implements pipeline.Source for the CVE API.
type Source struct {
	cfg    Config
	client *sources.Client
	logger *zap.Logger
	now    func() time.Time
}

// New creates the API source. The client carries pacing and retries.
func New(cfg Config, client *sources.Client, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg.withDefaults(), client: client, logger: logger, now: time.Now}
}

func (s *Source) Name() string { return models.SourceNVD }

func (s *Source) Schema() *mapping.Schema { return mapping.NVDExportV1 }

// Window returns the publication range for a run.
func (s *Source) Window(params pipeline.Params) (time.Time, time.Time, error) {
	end := params.End
	if end.IsZero() {
		end = s.now()
	}
	start := params.Start
	if start.IsZero() {
		width := s.cfg.ManualWindow
		if params.Trigger == models.TriggerAuto {
			width = s.cfg.AutoWindow
		}
		start = end.Add(-width)
	}
	start, end = start.UTC(), end.UTC()

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is not after start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	if end.Sub(start) > MaxWindow {
		s.logger.Warn("publication window capped",
			zap.Time("requested_start", start), zap.Duration("max", MaxWindow))
		start = end.Add(-MaxWindow)
	}
	return start, end, nil
}

// FetchSnapshot pages through every CVE published inside the run window.
func (s *Source) FetchSnapshot(ctx context.Context, params pipeline.Params) (*snapshot.Snapshot, error) {
	start, end, err := s.Window(params)
	if err != nil {
		return nil, &sources.FetchError{Source: s.Name(), Op: "window", Err: err}
	}

	var header http.Header
	if s.cfg.APIKey != "" {
		header = http.Header{"apiKey": []string{s.cfg.APIKey}}
	}

	rows := make([][]string, 0)
	for index, total := 0, -1; total < 0 || index < total; {
		page, err := s.page(ctx, start, end, index, header)
		if err != nil {
			return nil, err
		}
		total = page.TotalResults
		for _, v := range page.Vulnerabilities {
			rows = append(rows, Row(v.CVE))
		}
		if len(page.Vulnerabilities) == 0 {
			break
		}
		index += len(page.Vulnerabilities)

		s.logger.Debug("page fetched", zap.Int("fetched", index), zap.Int("total", total))
	}

	s.logger.Info("cve window fetched",
		zap.Time("start", start), zap.Time("end", end), zap.Int("rows", len(rows)))
	return snapshot.New(s.Name(), end, snapshot.FormatTSV, Header(), rows), nil
}

func (s *Source) page(ctx context.Context, start, end time.Time, index int, header http.Header) (*Response, error) {
	q := url.Values{}
	q.Set("pubStartDate", start.Format(dateLayout))
	q.Set("pubEndDate", end.Format(dateLayout))
	q.Set("resultsPerPage", strconv.Itoa(s.cfg.ResultsPerPage))
	q.Set("startIndex", strconv.Itoa(index))

	body, err := s.client.Get(ctx, s.cfg.BaseURL+"?"+q.Encode(), header)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &sources.FetchError{Source: s.Name(), Op: "decode page", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &resp, nil
}
