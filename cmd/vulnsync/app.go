package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/config"
	"github.com/mkoziy/vulnsync/internal/database"
	"github.com/mkoziy/vulnsync/internal/ingest"
	"github.com/mkoziy/vulnsync/internal/mapping"
	"github.com/mkoziy/vulnsync/internal/metrics"
	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
	"github.com/mkoziy/vulnsync/internal/ratelimit"
	"github.com/mkoziy/vulnsync/internal/repositories"
	"github.com/mkoziy/vulnsync/internal/runlog"
	"github.com/mkoziy/vulnsync/internal/sanitize"
	"github.com/mkoziy/vulnsync/internal/scheduler"
	"github.com/mkoziy/vulnsync/internal/snapshot"
	"github.com/mkoziy/vulnsync/internal/sources"
	"github.com/mkoziy/vulnsync/internal/sources/export"
	"github.com/mkoziy/vulnsync/internal/sources/kev"
	"github.com/mkoziy/vulnsync/internal/sources/nvd"
)

// app is the wired process.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *bun.DB
	runs      *runlog.Log
	metrics   *metrics.Metrics
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	export    *export.Source
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := database.Open(ctx, cfg.Database.DSN, cfg.Database.Debug)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, logger, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, logger *zap.Logger, db *bun.DB) (*app, error) {
	san, err := sanitize.New(cfg.Sanitize)
	if err != nil {
		return nil, err
	}
	store, err := snapshot.NewStore(cfg.Snapshots.Dir, cfg.Snapshots.Retain)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Sources.Export.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		runs:    runlog.New(db, cfg.RunLog.Retain),
		metrics: metrics.New(),
		export:  export.New(cfg.Sources.Export.Config, logger.Named(models.SourceExport)),
	}

	a.pipeline = pipeline.New(pipeline.Deps{
		Mapper:    mapping.NewMapper(san),
		Ingestor:  ingest.New(db, cfg.Ingest.BatchSize, logger.Named("ingest")),
		Runs:      a.runs,
		Snapshots: store,
		Recorder:  a.metrics,
		Logger:    logger.Named("pipeline"),
	})

	targets := []pipeline.Target{
		{
			Source: kev.New(cfg.Sources.KEV.Config, a.client(models.SourceKEV, ratelimit.DefaultConfig()), logger.Named(models.SourceKEV)),
			Writer: repositories.CatalogRepository{},
			Diff:   true,
		},
		{
			Source: nvd.New(cfg.Sources.NVD.Config, a.client(models.SourceNVD, nvdPacing(cfg.Sources.NVD.APIKey != "")), logger.Named(models.SourceNVD)),
			Writer: repositories.CVERepository{},
		},
		{
			Source: a.export,
			Writer: repositories.CVERepository{},
		},
	}
	for _, t := range targets {
		if err := a.pipeline.Register(t); err != nil {
			return nil, err
		}
	}

	a.scheduler, err = scheduler.New(a.pipeline, []scheduler.Job{
		{Source: models.SourceKEV, Interval: cfg.Sources.KEV.Interval, InitialDelay: cfg.Scheduler.InitialDelay},
		{Source: models.SourceNVD, Interval: cfg.Sources.NVD.Interval, InitialDelay: cfg.Scheduler.InitialDelay},
		{Source: models.SourceExport},
	}, logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) client(source string, fallback ratelimit.Config) *sources.Client {
	rl := a.cfg.For(source, fallback)
	return sources.NewClient(source, rl, ratelimit.NewLimiter(rl), a.logger.Named(source))
}

// nvdPacing follows the published API limits: 50 requests per rolling 30s
// with a key, one request every 6s without.
func nvdPacing(withKey bool) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if withKey {
		cfg.Strategy = ratelimit.StrategyFixedWindow
		cfg.RequestsPerWindow = 50
		cfg.Window = 30 * time.Second
		return cfg
	}
	cfg.Strategy = ratelimit.StrategyFixedDelay
	cfg.FixedDelay = 6 * time.Second
	return cfg
}

func (a *app) Close() {
	a.scheduler.Stop()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
