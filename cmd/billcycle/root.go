package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "billcycle",
	Short: "Subscription usage and plan management engine",
	Long: `billcycle meters usage against plan quotas, closes billing cycles,
issues invoices and settles them against each account's default payment method.

Quick start:
  billcycle validate  # Check configuration and catalog
  billcycle plans     # Show the plan catalog with yearly savings
  billcycle serve     # Run the cycle and settlement scheduler`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "billcycle.yaml", "config file path")
}
