// Package plan provides plan value types, quota limits and the plan catalog.
package plan

import (
	"strconv"
	"time"
)

// ResourceKind names a metered resource (e.g. "submissions").
type ResourceKind string

// Limit is the quota for one resource under a plan.
// The zero value is a bounded limit of 0; use Unlimited for no limit.
type Limit struct {
	max       int64
	unlimited bool
}

// Unlimited is the limit with no upper bound.
var Unlimited = Limit{unlimited: true}

// Max returns a bounded limit of n units.
func Max(n int64) Limit {
	return Limit{max: n}
}

// IsUnlimited reports whether the limit has no upper bound.
func (l Limit) IsUnlimited() bool {
	return l.unlimited
}

// Value returns the bound and true, or 0 and false for Unlimited.
func (l Limit) Value() (int64, bool) {
	if l.unlimited {
		return 0, false
	}
	return l.max, true
}

func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(l.max, 10)
}

// Period is a billing period length.
type Period string

const (
	Monthly Period = "monthly"
	Yearly  Period = "yearly"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return p == Monthly || p == Yearly
}

// Months returns the number of months in one cycle of p.
func (p Period) Months() int {
	if p == Yearly {
		return 12
	}
	return 1
}

// CycleEnd returns the end of cycle n (0-based) for a subscription anchored at anchor.
// Computed from the anchor, not the previous end, so month-end anchors do not drift
// (Jan 31 -> Feb 28 -> Mar 31).
// This is a PURE function.
func (p Period) CycleEnd(anchor time.Time, n int) time.Time {
	months := p.Months() * (n + 1)
	return addMonthsClamped(anchor, months)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Plan represents a pricing tier (immutable value type).
type Plan struct {
	ID           string
	Name         string
	Description  string
	MonthlyPrice int64 // cents
	YearlyPrice  int64 // cents
	Limits       map[ResourceKind]Limit
	// OveragePrices is the price per unit above a bounded limit, in cents.
	// Resources without an entry are not billed for overage.
	OveragePrices map[ResourceKind]int64
}

// Limit returns the plan's limit for a resource.
func (p Plan) Limit(kind ResourceKind) (Limit, bool) {
	l, ok := p.Limits[kind]
	return l, ok
}

// FindPlan finds a plan by ID in a list.
// This is a PURE function.
func FindPlan(plans []Plan, id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
