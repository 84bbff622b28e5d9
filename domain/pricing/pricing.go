// Package pricing derives prices, savings and prorations from plans.
// All functions are pure. Amounts are int64 cents; intermediate math uses
// decimal and rounds half-up to the cent exactly once, at the end.
package pricing

import (
	"fmt"
	"sort"
	"time"

	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/plan"
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	twelve  = decimal.NewFromInt(12)
	hundred = decimal.NewFromInt(100)
)

// roundCents rounds half-up to a whole cent. All amounts handled here are
// non-negative, where decimal's half-away-from-zero equals half-up.
func roundCents(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// EffectiveMonthlyCost returns what a plan costs per month on a period.
// Yearly: round(YearlyPrice / 12), half-up.
func EffectiveMonthlyCost(p plan.Plan, period plan.Period) int64 {
	if period == plan.Yearly {
		return roundCents(decimal.NewFromInt(p.YearlyPrice).Div(twelve))
	}
	return p.MonthlyPrice
}

// CyclePrice returns the list price of one full cycle.
// It equals EffectiveMonthlyCost * months without the intermediate rounding.
func CyclePrice(p plan.Plan, period plan.Period) int64 {
	if period == plan.Yearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// SavingsPercent returns the whole-percent saving of paying yearly.
// Fails with fault.ErrNotApplicable for free plans.
func SavingsPercent(p plan.Plan) (int, error) {
	if p.MonthlyPrice == 0 {
		return 0, fault.Validation(fault.CodeNotApplicable,
			fmt.Sprintf("plan %q has no monthly price", p.ID))
	}
	yearOfMonths := decimal.NewFromInt(p.MonthlyPrice).Mul(twelve)
	saved := yearOfMonths.Sub(decimal.NewFromInt(p.YearlyPrice))
	pct := saved.Div(yearOfMonths).Mul(hundred)

	n := int(roundCents(pct))
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return n, nil
}

// AmountDue returns the charge for a cycle of plan p scaled by factor.
// factor must be within [0,1]; 1 is a full cycle.
func AmountDue(p plan.Plan, period plan.Period, factor decimal.Decimal) (int64, error) {
	if factor.IsNegative() || factor.GreaterThan(one) {
		return 0, fault.Validation(fault.CodeInvalidInput,
			fmt.Sprintf("proration factor %s outside [0,1]", factor))
	}
	return roundCents(decimal.NewFromInt(CyclePrice(p, period)).Mul(factor)), nil
}

// ProrationFactor returns the fraction of [start, end) still remaining at t,
// clamped to [0,1].
func ProrationFactor(start, end, t time.Time) decimal.Decimal {
	total := end.Sub(start)
	if total <= 0 || !t.Before(end) {
		return decimal.Zero
	}
	if !t.After(start) {
		return one
	}
	remaining := end.Sub(t)
	return decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total)))
}

// Adjustment is the result of a mid-cycle plan change.
type Adjustment struct {
	Factor decimal.Decimal
	Credit int64 // unused value of the old plan
	Charge int64 // remaining value of the new plan
	Net    int64 // amount to invoice, never negative
	// Uncredited is Credit-Charge when the change lowers the price.
	// It is reported, not refunded.
	Uncredited int64
}

// Clamped reports whether a negative net was clamped to zero.
func (a Adjustment) Clamped() bool {
	return a.Uncredited > 0
}

// Proration computes the net charge of switching from old to next with factor
// of the cycle remaining: Charge(next) - Credit(old), clamped at zero.
func Proration(old, next plan.Plan, period plan.Period, factor decimal.Decimal) (Adjustment, error) {
	credit, err := AmountDue(old, period, factor)
	if err != nil {
		return Adjustment{}, err
	}
	charge, err := AmountDue(next, period, factor)
	if err != nil {
		return Adjustment{}, err
	}

	adj := Adjustment{Factor: factor, Credit: credit, Charge: charge}
	if charge >= credit {
		adj.Net = charge - credit
	} else {
		adj.Uncredited = credit - charge
	}
	return adj, nil
}

// OverageLine is a per-resource overage charge.
type OverageLine struct {
	Resource  plan.ResourceKind
	Units     int64
	UnitPrice int64
	Amount    int64
}

// Overage returns charges for bounded resources used beyond their limit where
// the plan prices overage. Lines are sorted by resource for stable invoices.
func Overage(p plan.Plan, used map[plan.ResourceKind]int64) []OverageLine {
	var lines []OverageLine
	for kind, price := range p.OveragePrices {
		if price == 0 {
			continue
		}
		limit, ok := p.Limit(kind)
		if !ok {
			continue
		}
		max, bounded := limit.Value()
		if !bounded || used[kind] <= max {
			continue
		}
		units := used[kind] - max
		lines = append(lines, OverageLine{
			Resource:  kind,
			Units:     units,
			UnitPrice: price,
			Amount:    units * price,
		})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Resource < lines[j].Resource })
	return lines
}
