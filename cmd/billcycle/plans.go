package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/billcycle/config"
	"github.com/artpar/billcycle/core/formatter"
	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/plan"
	"github.com/artpar/billcycle/domain/pricing"
	"github.com/spf13/cobra"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Show the plan catalog",
	Long: `Show the configured plan catalog.

For each plan the monthly and yearly prices are listed together with the
effective monthly cost when paying yearly and the yearly saving.
Amounts are in cents in json and yaml output.

Examples:
  billcycle plans
  billcycle plans --output json
  billcycle plans --config /etc/billcycle/config.yaml`,
	RunE: runPlans,
}

func init() {
	rootCmd.AddCommand(plansCmd)
}

var planColumns = []formatter.Column{
	{Name: "id"},
	{Name: "name"},
	{Name: "monthly", Display: money},
	{Name: "yearly", Display: money},
	{Name: "yearly_per_month", Display: money},
	{Name: "savings_percent", Display: func(v any) string { return fmt.Sprintf("%d%%", v) }},
	{Name: "limits", Display: limitsText},
}

func runPlans(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}

	records := make([]map[string]any, 0, len(catalog.List()))
	for _, p := range catalog.List() {
		records = append(records, planRecord(p, catalog.Resources()))
	}

	return render(cmd, formatter.Listing{Kind: "plans", Columns: planColumns, Records: records})
}

func planRecord(p plan.Plan, resources []plan.ResourceKind) map[string]any {
	limits := make(map[string]string, len(resources))
	for _, r := range resources {
		l, _ := p.Limit(r)
		limits[string(r)] = l.String()
	}

	rec := map[string]any{
		"id":               p.ID,
		"name":             p.Name,
		"monthly":          p.MonthlyPrice,
		"yearly":           p.YearlyPrice,
		"yearly_per_month": pricing.EffectiveMonthlyCost(p, plan.Yearly),
		"limits":           limits,
	}
	// Free plans have no saving; the column renders as "-".
	pct, err := pricing.SavingsPercent(p)
	if !errors.Is(err, fault.ErrNotApplicable) {
		rec["savings_percent"] = pct
	}
	return rec
}

func money(v any) string {
	if c, ok := v.(int64); ok {
		return billing.FormatAmount(c)
	}
	return fmt.Sprint(v)
}

func limitsText(v any) string {
	m, ok := v.(map[string]string)
	if !ok {
		return fmt.Sprint(v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, " ")
}
