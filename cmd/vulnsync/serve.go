package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/api"
	"github.com/mkoziy/vulnsync/internal/sources/export"
	"github.com/mkoziy/vulnsync/internal/watch"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, drop-directory watcher and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if n, err := a.runs.RecoverInterrupted(ctx); err != nil {
			return err
		} else if n > 0 {
			logger.Warn("finalized interrupted runs", zap.Int("count", n))
		}

		a.scheduler.Start()

		if cfg.Sources.Export.Watch {
			w := watch.New(cfg.Sources.Export.Dir, export.Ext, cfg.Sources.Export.Debounce, a.scheduler, logger.Named("watch"))
			go func() {
				if err := w.Run(ctx); err != nil {
					logger.Error("watcher stopped", zap.Error(err))
				}
			}()
		}

		srv := api.New(api.Config{
			BodyLimit:   cfg.HTTP.BodyLimit,
			ReadTimeout: cfg.HTTP.ReadTimeout,
			AccessLog:   true,
		}, api.Deps{
			Scheduler: a.scheduler,
			Runs:      a.runs,
			Metrics:   a.metrics.Handler(),
			DB:        a.db,
			Logger:    logger,
		})

		errc := make(chan error, 1)
		go func() {
			logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
			errc <- srv.Listen(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case err := <-errc:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	},
}
