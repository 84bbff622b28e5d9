package main

import (
	"fmt"
	"os"

	apihttp "github.com/artpar/billcycle/adapters/http"
	"github.com/artpar/billcycle/bootstrap"
	"github.com/artpar/billcycle/config"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing scheduler",
	Long: `Run the billing engine.

The server will:
  - Load configuration from billcycle.yaml (or --config)
  - Or load configuration from BILLCYCLE_* environment variables
  - Open storage and the usage backend
  - Close due billing cycles and settle invoices on the configured schedules
  - Serve /metrics and /health when metrics are enabled

On reload, logging.level, billing.near_limit_threshold and billing.retry
are applied to the running engine; other changes need a restart.

Examples:
  billcycle serve
  billcycle serve --config /etc/billcycle/config.yaml
  billcycle serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "apply reloadable settings when the config file changes or on SIGHUP")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	logger := bootstrap.SetupLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	if !hasConfigFile {
		logger.Info().Str("path", cfgFile).Msg("no config file, using environment variables and defaults")
	}

	var holder *config.Holder
	if hasConfigFile && hotReload {
		holder, err = config.NewHolder(cfgFile, logger)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		defer holder.Stop()
		cfg = holder.Get()
	}

	app, err := bootstrap.NewWithOptions(cfg, logger, bootstrap.Options{
		Version: apihttp.VersionResponse{Version: version, Commit: commit},
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	if holder != nil {
		holder.OnChange(func(c config.Change) {
			if err := app.ApplyConfig(c); err != nil {
				logger.Error().Err(err).Strs("fields", c.Applied).Msg("config change not applied")
			}
		})
		if err := holder.Watch(); err != nil {
			logger.Warn().Err(err).Msg("config watch disabled")
		}
	}

	// Run (blocks until shutdown)
	return app.Run(cmd.Context())
}
