package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkoziy/vulnsync/internal/api"
	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
)

var syncFlags struct {
	start string
	end   string
	file  string
	full  bool
}

var syncCmd = &cobra.Command{
	Use:   "sync <source>",
	Short: "Run one sync and print the recorded run",
	Long: `Run one sync of kev, nvd or export in the foreground.

The command exits non-zero when the run fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := syncParams()
		if err != nil {
			return err
		}

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

		run, runErr := a.scheduler.Run(ctx, args[0], models.TriggerManual, params)
		if run != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return err
			}
		}
		if runErr != nil {
			return runErr
		}
		if run.Status != models.StatusSuccess {
			return fmt.Errorf("run %s finished with %s", run.RunID, run.Status)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncFlags.start, "start", "", "window start, YYYY-MM-DD (nvd)")
	syncCmd.Flags().StringVar(&syncFlags.end, "end", "", "window end, YYYY-MM-DD (nvd)")
	syncCmd.Flags().StringVar(&syncFlags.file, "file", "", "local file to import instead of downloading")
	syncCmd.Flags().BoolVar(&syncFlags.full, "full", false, "ingest the whole snapshot instead of the change set")
}

func syncParams() (pipeline.Params, error) {
	p := pipeline.Params{File: syncFlags.file, Full: syncFlags.full}
	var err error
	if syncFlags.start != "" {
		if p.Start, err = api.ParseDate(syncFlags.start, false); err != nil {
			return p, fmt.Errorf("--start: %w", err)
		}
	}
	if syncFlags.end != "" {
		if p.End, err = api.ParseDate(syncFlags.end, true); err != nil {
			return p, fmt.Errorf("--end: %w", err)
		}
	}
	return p, nil
}
