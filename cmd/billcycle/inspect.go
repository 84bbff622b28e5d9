package main

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/billcycle/bootstrap"
	"github.com/artpar/billcycle/config"
	"github.com/artpar/billcycle/core/formatter"
	"github.com/artpar/billcycle/domain/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account <account-id>",
	Short: "Show an account's subscription and current usage",
	Long: `Show an account's subscription and the usage of its current cycle
against the plan limits. Reads the configured storage and usage backend.

Examples:
  billcycle account acct_123
  billcycle account acct_123 --output yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runAccount,
}

var invoicesCmd = &cobra.Command{
	Use:   "invoices <account-id>",
	Short: "List an account's invoices, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvoices,
}

func init() {
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(invoicesCmd)
}

var subscriptionColumns = []formatter.Column{
	{Name: "account_id"},
	{Name: "status"},
	{Name: "plan_id"},
	{Name: "period"},
	{Name: "state"},
	{Name: "cycle_start", Display: timeText},
	{Name: "cycle_end", Display: timeText},
	{Name: "pending_plan"},
	{Name: "default_method"},
}

var usageColumns = []formatter.Column{
	{Name: "resource"},
	{Name: "used"},
	{Name: "limit"},
	{Name: "fraction", Display: func(v any) string { return fmt.Sprintf("%.1f%%", v.(float64)*100) }},
	{Name: "level"},
}

var invoiceColumns = []formatter.Column{
	{Name: "id"},
	{Name: "reason"},
	{Name: "plan_id"},
	{Name: "period_start", Display: timeText},
	{Name: "amount", Display: money},
	{Name: "status"},
	{Name: "created_at", Display: timeText},
}

// openApp bootstraps the engine quietly for a one-shot read.
func openApp() (*bootstrap.App, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	cfg.Metrics.Enabled = false
	return bootstrap.New(cfg, zerolog.Nop())
}

func runAccount(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	ctx := commandContext(cmd)
	acct, err := a.Engine.Cycles.Account(ctx, args[0])
	if err != nil {
		return err
	}
	snap, err := a.Engine.Usage.Snapshot(ctx, acct.ID)
	if err != nil {
		return err
	}

	sub := acct.Subscription
	rec := map[string]any{
		"account_id":  acct.ID,
		"status":      string(acct.Status),
		"plan_id":     sub.PlanID,
		"period":      string(sub.Period),
		"state":       string(sub.State),
		"cycle_start": sub.CycleStart,
		"cycle_end":   sub.CycleEnd,
	}
	if sub.Pending != nil {
		rec["pending_plan"] = sub.Pending.PlanID
	}
	if m, err := acct.PaymentMethods.Default(); err == nil {
		rec["default_method"] = fmt.Sprintf("%s ****%s", m.Brand, m.Last4)
	}
	if err := renderRecord(cmd, "subscription", subscriptionColumns, rec); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout())
	return render(cmd, formatter.Listing{Kind: "usage", Columns: usageColumns, Records: usageRecords(snap)})
}

func usageRecords(snap usage.Snapshot) []map[string]any {
	records := make([]map[string]any, len(snap.Counters))
	for i, c := range snap.Counters {
		records[i] = map[string]any{
			"resource": string(c.Resource),
			"used":     c.Used,
			"limit":    c.Limit.String(),
			"fraction": c.Fraction.Value,
			"level":    c.Level.String(),
		}
	}
	return records
}

func runInvoices(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	invoices, err := a.Engine.Ledger.List(commandContext(cmd), args[0])
	if err != nil {
		return err
	}

	records := make([]map[string]any, len(invoices))
	for i, inv := range invoices {
		records[i] = map[string]any{
			"id":           inv.ID,
			"reason":       string(inv.Reason),
			"plan_id":      inv.PlanID,
			"period_start": inv.PeriodStart,
			"amount":       inv.Amount,
			"currency":     inv.Currency,
			"status":       string(inv.Status),
			"created_at":   inv.CreatedAt,
		}
	}
	return render(cmd, formatter.Listing{Kind: "invoices", Columns: invoiceColumns, Records: records})
}

func timeText(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
