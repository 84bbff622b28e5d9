// Package usage provides quota evaluation for per-cycle usage counters.
// All functions are pure - no side effects.
package usage

import (
	"fmt"
	"time"

	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/plan"
)

// DefaultNearThreshold is the fraction at which a resource counts as near its limit.
const DefaultNearThreshold = 0.8

// Fraction is used/limit for a bounded resource, or Unbounded.
type Fraction struct {
	Value     float64 // in [0,1]; 0 when Unbounded
	Unbounded bool
}

// FractionOf returns used/limit clamped to [0,1].
// A zero limit counts as fully used as soon as anything is used.
// This is a PURE function.
func FractionOf(used int64, limit plan.Limit) Fraction {
	max, bounded := limit.Value()
	if !bounded {
		return Fraction{Unbounded: true}
	}
	if max == 0 {
		if used > 0 {
			return Fraction{Value: 1}
		}
		return Fraction{}
	}
	f := float64(used) / float64(max)
	if f > 1 {
		f = 1
	}
	if f < 0 {
		f = 0
	}
	return Fraction{Value: f}
}

// IsOverLimit reports used > limit for a bounded resource. Always false when unlimited.
// This is a PURE function.
func IsOverLimit(used int64, limit plan.Limit) bool {
	max, bounded := limit.Value()
	return bounded && used > max
}

// IsNearLimit reports fraction >= threshold for a bounded resource.
// This is a PURE function.
func IsNearLimit(used int64, limit plan.Limit, threshold float64) bool {
	f := FractionOf(used, limit)
	return !f.Unbounded && f.Value >= threshold
}

// ValidateThreshold checks a near-limit threshold is within (0,1].
func ValidateThreshold(threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fault.Validation(fault.CodeInvalidInput,
			fmt.Sprintf("threshold %v outside (0,1]", threshold))
	}
	return nil
}

// Level indicates how close to or over its limit a resource is.
type Level int

const (
	LevelNone     Level = iota // below the near threshold, or unlimited
	LevelNear                  // >= threshold
	LevelExceeded              // > limit
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelNear:
		return "near"
	case LevelExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// LevelOf classifies usage against a limit.
// This is a PURE function.
func LevelOf(used int64, limit plan.Limit, threshold float64) Level {
	switch {
	case IsOverLimit(used, limit):
		return LevelExceeded
	case IsNearLimit(used, limit, threshold):
		return LevelNear
	default:
		return LevelNone
	}
}

// Crossed returns the level reached by moving from before to after, or
// LevelNone if the move stayed within the same level.
// This is a PURE function.
func Crossed(before, after int64, limit plan.Limit, threshold float64) Level {
	from := LevelOf(before, limit, threshold)
	to := LevelOf(after, limit, threshold)
	if to > from {
		return to
	}
	return LevelNone
}

// Counter is one resource line of a snapshot.
type Counter struct {
	Resource plan.ResourceKind
	Used     int64
	Limit    plan.Limit
	Fraction Fraction
	Level    Level
}

// Snapshot is a read-only view of an account's usage in its current cycle.
type Snapshot struct {
	AccountID  string
	PlanID     string
	CycleStart time.Time
	CycleEnd   time.Time
	Counters   []Counter
}

// Counter returns the line for a resource.
func (s Snapshot) Counter(kind plan.ResourceKind) (Counter, bool) {
	for _, c := range s.Counters {
		if c.Resource == kind {
			return c, true
		}
	}
	return Counter{}, false
}

// BuildSnapshot evaluates used against p for every resource, in resource order.
// Resources missing from used count as zero.
// This is a PURE function.
func BuildSnapshot(accountID string, p plan.Plan, resources []plan.ResourceKind,
	used map[plan.ResourceKind]int64, cycleStart, cycleEnd time.Time, threshold float64) Snapshot {

	s := Snapshot{
		AccountID:  accountID,
		PlanID:     p.ID,
		CycleStart: cycleStart,
		CycleEnd:   cycleEnd,
		Counters:   make([]Counter, 0, len(resources)),
	}
	for _, kind := range resources {
		limit, _ := p.Limit(kind)
		n := used[kind]
		s.Counters = append(s.Counters, Counter{
			Resource: kind,
			Used:     n,
			Limit:    limit,
			Fraction: FractionOf(n, limit),
			Level:    LevelOf(n, limit, threshold),
		})
	}
	return s
}

// Correction records an explicit adjustment of a counter.
type Correction struct {
	AccountID  string
	Resource   plan.ResourceKind
	CycleStart time.Time
	Delta      int64
	Before     int64
	After      int64
	Reason     string
	At         time.Time
}

// ApplyCorrection returns before+delta, refusing to go below zero or to apply
// an empty correction.
// This is a PURE function.
func ApplyCorrection(before, delta int64, reason string) (int64, error) {
	if delta == 0 {
		return before, fault.Validation(fault.CodeInvalidQuantity, "correction delta must not be zero")
	}
	if reason == "" {
		return before, fault.Validation(fault.CodeInvalidInput, "correction reason is required")
	}
	after := before + delta
	if after < 0 {
		return before, fault.Validation(fault.CodeInvalidQuantity,
			fmt.Sprintf("correction of %d would leave counter at %d", delta, after))
	}
	return after, nil
}
