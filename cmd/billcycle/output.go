package main

import (
	"github.com/artpar/billcycle/core/formatter"
	"github.com/spf13/cobra"
)

var (
	outputFormat string
	noHeader     bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&noHeader, "no-header", false, "omit the header row of tables")
}

// render writes a listing in the format chosen by --output.
func render(cmd *cobra.Command, l formatter.Listing) error {
	f, err := formatter.Lookup(outputFormat)
	if err != nil {
		return err
	}
	return f.FormatList(cmd.OutOrStdout(), l, formatter.FormatOptions{NoHeader: noHeader})
}

// renderRecord writes one record in the format chosen by --output.
func renderRecord(cmd *cobra.Command, kind string, columns []formatter.Column, record map[string]any) error {
	f, err := formatter.Lookup(outputFormat)
	if err != nil {
		return err
	}
	return f.FormatRecord(cmd.OutOrStdout(), kind, columns, record, formatter.FormatOptions{})
}
