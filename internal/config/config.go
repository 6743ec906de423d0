// Package config loads the vulnsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkoziy/vulnsync/internal/ingest"
	"github.com/mkoziy/vulnsync/internal/logging"
	"github.com/mkoziy/vulnsync/internal/ratelimit"
	"github.com/mkoziy/vulnsync/internal/runlog"
	"github.com/mkoziy/vulnsync/internal/sanitize"
	"github.com/mkoziy/vulnsync/internal/scheduler"
	"github.com/mkoziy/vulnsync/internal/sources/export"
	"github.com/mkoziy/vulnsync/internal/sources/kev"
	"github.com/mkoziy/vulnsync/internal/sources/nvd"
)

// Environment overrides.
const (
	EnvDSN      = "VULNSYNC_DSN"
	EnvNVDKey   = "VULNSYNC_NVD_API_KEY"
	EnvHTTPAddr = "VULNSYNC_HTTP_ADDR"
)

type Database struct {
	DSN   string `yaml:"dsn"`
	Debug bool   `yaml:"debug"`
}

type HTTP struct {
	Addr        string        `yaml:"addr"`
	BodyLimit   int           `yaml:"body_limit"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type Ingest struct {
	BatchSize int `yaml:"batch_size"`
}

type RunLog struct {
	Retain int `yaml:"retain"`
}

type Snapshots struct {
	Dir    string `yaml:"dir"`
	Retain int    `yaml:"retain"`
}

type KEV struct {
	kev.Config `yaml:",inline"`
	Interval   time.Duration `yaml:"interval"`
}

type NVD struct {
	nvd.Config `yaml:",inline"`
	Interval   time.Duration `yaml:"interval"`
}

type Export struct {
	export.Config `yaml:",inline"`
	Watch         bool          `yaml:"watch"`
	Debounce      time.Duration `yaml:"debounce"`
}

type Sources struct {
	KEV    KEV    `yaml:"kev"`
	NVD    NVD    `yaml:"nvd"`
	Export Export `yaml:"export"`
}

type Scheduler struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
}

// Config is the whole file.
type Config struct {
	Database  Database         `yaml:"database"`
	Logging   logging.Config   `yaml:"logging"`
	HTTP      HTTP             `yaml:"http"`
	Sanitize  sanitize.Options `yaml:"sanitize"`
	Ingest    Ingest           `yaml:"ingest"`
	RunLog    RunLog           `yaml:"runlog"`
	Snapshots Snapshots        `yaml:"snapshots"`
	Sources   Sources          `yaml:"sources"`
	Scheduler Scheduler        `yaml:"scheduler"`

	// Decoded separately by ratelimit.LoadSourceConfigs.
	ratelimit.SourceConfigs `yaml:"-"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path, fills defaults, applies environment overrides and
// validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		limits, err := ratelimit.LoadSourceConfigs(b)
		if err != nil {
			return nil, err
		}
		c.SourceConfigs = limits
	}

	c.applyDefaults()
	c.Database.DSN = GetEnvDefault(EnvDSN, c.Database.DSN)
	c.Sources.NVD.APIKey = GetEnvDefault(EnvNVDKey, c.Sources.NVD.APIKey)
	c.HTTP.Addr = GetEnvDefault(EnvHTTPAddr, c.HTTP.Addr)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetEnvDefault returns the environment value of key, or defVal when unset.
func GetEnvDefault(key, defVal string) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defVal
	}
	return val
}

func (c *Config) applyDefaults() {
	if c.Database.DSN == "" {
		c.Database.DSN = "vulnsync.db"
	}

	def := logging.DefaultConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = def.Level
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = def.MaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = def.MaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = def.MaxAgeDays
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.BodyLimit == 0 {
		c.HTTP.BodyLimit = 1 << 20
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 30 * time.Second
	}

	sd := sanitize.DefaultOptions()
	if c.Sanitize.Policy == "" {
		c.Sanitize.Policy = sd.Policy
	}
	if c.Sanitize.Charset == "" {
		c.Sanitize.Charset = sd.Charset
	}
	if c.Sanitize.TruncationMarker == "" {
		c.Sanitize.TruncationMarker = sd.TruncationMarker
	}

	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = ingest.DefaultBatchSize
	}
	if c.RunLog.Retain == 0 {
		c.RunLog.Retain = runlog.DefaultRetain
	}
	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = "data/snapshots"
	}
	if c.Snapshots.Retain == 0 {
		c.Snapshots.Retain = 7
	}

	if c.Sources.KEV.URL == "" && c.Sources.KEV.CatalogPage == "" {
		c.Sources.KEV.URL = kev.DefaultURL
	}
	if c.Sources.KEV.Interval == 0 {
		c.Sources.KEV.Interval = 6 * time.Hour
	}
	if c.Sources.NVD.BaseURL == "" {
		c.Sources.NVD.BaseURL = nvd.DefaultBaseURL
	}
	if c.Sources.NVD.Interval == 0 {
		c.Sources.NVD.Interval = 24 * time.Hour
	}
	if c.Sources.Export.Dir == "" {
		c.Sources.Export.Dir = "data/exports"
	}
	if c.Sources.Export.Debounce == 0 {
		c.Sources.Export.Debounce = 2 * time.Second
	}

	if c.Scheduler.InitialDelay == 0 {
		c.Scheduler.InitialDelay = scheduler.DefaultInitialDelay
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := sanitize.New(c.Sanitize); err != nil {
		return fmt.Errorf("sanitize: %w", err)
	}
	if c.Ingest.BatchSize <= 0 {
		return errors.New("ingest.batch_size must be positive")
	}
	if c.RunLog.Retain <= 0 {
		return errors.New("runlog.retain must be positive")
	}
	if c.Snapshots.Retain < 2 {
		return errors.New("snapshots.retain must be at least 2")
	}
	if c.Sources.KEV.Interval < 0 || c.Sources.NVD.Interval < 0 {
		return errors.New("source intervals must be positive")
	}
	if sameDir(c.Snapshots.Dir, c.Sources.Export.Dir) {
		return errors.New("snapshots.dir must differ from sources.export.dir")
	}
	if c.Sources.Export.Debounce < 0 {
		return errors.New("sources.export.debounce must be positive")
	}
	if c.Scheduler.InitialDelay < 0 {
		return errors.New("scheduler.initial_delay must be positive")
	}
	if c.HTTP.BodyLimit < 0 {
		return errors.New("http.body_limit must be positive")
	}
	if err := c.SourceConfigs.Validate(); err != nil {
		return err
	}
	return nil
}

// sameDir reports whether two directory settings name the same path.
func sameDir(a, b string) bool {
	if x, err := filepath.Abs(a); err == nil {
		a = x
	}
	if y, err := filepath.Abs(b); err == nil {
		b = y
	}
	return filepath.Clean(a) == filepath.Clean(b)
}
