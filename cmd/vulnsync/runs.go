package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkoziy/vulnsync/internal/database"
	"github.com/mkoziy/vulnsync/internal/runlog"
)

var runsFlags struct {
	source string
	limit  int
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := database.Open(cmd.Context(), cfg.Database.DSN, cfg.Database.Debug)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		runs, err := runlog.New(db, cfg.RunLog.Retain).Recent(cmd.Context(), runsFlags.source, runsFlags.limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tSOURCE\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tTOTAL\tINS\tUPD\tSKIP\tERR\tMESSAGE")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				r.RunID, r.Source, r.Trigger, r.Status,
				r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Second),
				r.Total, r.Inserted, r.Updated, r.SkippedNonMatching, r.SkippedError, r.Message)
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsFlags.source, "source", "", "only runs of this source")
	runsCmd.Flags().IntVar(&runsFlags.limit, "limit", runlog.DefaultLimit, "number of runs to show")
}
