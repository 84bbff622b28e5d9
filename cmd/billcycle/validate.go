package main

import (
	"fmt"
	"os"

	"github.com/artpar/billcycle/adapters/sqlite"
	"github.com/artpar/billcycle/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the billcycle configuration file.

Checks:
  - YAML syntax is valid
  - The plan catalog is well formed (every plan bounds every resource,
    prices are not negative, yearly price does not exceed twelve months)
  - Billing, storage and usage settings are consistent
  - Database is writable and migrations apply (optional)

Examples:
  billcycle validate
  billcycle validate --config /etc/billcycle/config.yaml --check-database`,
	RunE: runValidate,
}

var (
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check that the database is writable and migrations apply")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	// Load and validate config, including the catalog
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	// Show config summary
	fmt.Fprintf(out, "  %s Plans: %d over resources %v\n", checkMark, len(cfg.Catalog.Plans), cfg.Catalog.Resources)
	fmt.Fprintf(out, "  %s Storage: %s (usage: %s)\n", checkMark, cfg.Storage.Driver, cfg.Usage.Backend)
	fmt.Fprintf(out, "  %s Payment provider: %s\n", checkMark, cfg.Payment.Provider)
	fmt.Fprintf(out, "  %s Retry: %d attempts, %s to %s\n", checkMark,
		cfg.Billing.Retry.MaxAttempts, cfg.Billing.Retry.BaseDelay, cfg.Billing.Retry.MaxDelay)

	if validateCheckDatabase && cfg.Storage.Driver == "sqlite" {
		if err := checkDatabaseWritable(cfg.Storage.DSN); err != nil {
			fmt.Fprintf(out, "  %s Database writable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Database writable\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func checkDatabaseWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate()
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
