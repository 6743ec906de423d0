// Command vulnsync keeps a local store of vulnerability feeds current.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/config"
	"github.com/mkoziy/vulnsync/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vulnsync",
	Short: "Sync vulnerability feeds into a local database",
	Long: `vulnsync ingests the CISA known-exploited catalog, the NVD CVE API
and local TSV exports into one SQLite database.

Each run is recorded with its trigger, window and record counts.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetEnvDefault("VULNSYNC_CONFIG", ""), "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, syncCmd, runsCmd, migrateCmd)
}

// setup loads the config and builds the logger every command shares.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
