package billing

import (
	"fmt"
	"time"

	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/plan"
)

// SubscriptionState represents subscription state.
type SubscriptionState string

const (
	StateActive            SubscriptionState = "active"
	StatePendingPlanChange SubscriptionState = "pending_plan_change"
	StateCanceled          SubscriptionState = "canceled"
)

// Effective tells when a plan change takes effect.
type Effective string

const (
	EffectiveImmediate Effective = "immediate"
	EffectiveNextCycle Effective = "next_cycle"
)

// Valid reports whether e is a known timing.
func (e Effective) Valid() bool {
	return e == EffectiveImmediate || e == EffectiveNextCycle
}

// PlanChange is a plan change queued for the next cycle boundary.
type PlanChange struct {
	PlanID      string
	Period      plan.Period
	RequestedAt time.Time
}

// Subscription is an account's current plan and billing cycle (value type).
//
// Cycle n spans [Period.CycleEnd(Anchor, n-1), Period.CycleEnd(Anchor, n)),
// with cycle 0 starting at Anchor.
//
// CyclePlanID is the plan the current cycle opened on. Closing the cycle
// bills that plan in full; immediate changes within the cycle are settled by
// their own proration invoices for the difference.
type Subscription struct {
	PlanID      string
	CyclePlanID string
	Period     plan.Period
	Anchor     time.Time
	Cycle      int
	CycleStart time.Time
	CycleEnd   time.Time
	State      SubscriptionState
	Pending    *PlanChange
	CanceledAt *time.Time
}

// NewSubscription opens cycle 0 at anchor.
// This is a PURE function.
func NewSubscription(planID string, period plan.Period, anchor time.Time) Subscription {
	return Subscription{
		PlanID:      planID,
		CyclePlanID: planID,
		Period:      period,
		Anchor:      anchor,
		CycleStart:  anchor,
		CycleEnd:    period.CycleEnd(anchor, 0),
		State:       StateActive,
	}
}

// BilledPlanID returns the plan the current cycle is billed at on close.
func (s Subscription) BilledPlanID() string {
	if s.CyclePlanID == "" {
		return s.PlanID
	}
	return s.CyclePlanID
}

// IsCanceled returns true once the subscription has been canceled.
func (s Subscription) IsCanceled() bool {
	return s.State == StateCanceled
}

// CanClose checks that the current cycle may be closed at now.
// This is a PURE function.
func CanClose(s Subscription, now time.Time) error {
	if s.IsCanceled() {
		return fault.Validation(fault.CodeInvalidState, "subscription is canceled")
	}
	if now.Before(s.CycleEnd) {
		return fault.Validation(fault.CodeCycleNotEnded,
			fmt.Sprintf("cycle ends at %s, now is %s", s.CycleEnd.Format(time.RFC3339), now.Format(time.RFC3339)))
	}
	return nil
}

// Advance moves to the next cycle and applies any queued plan change.
// A queued period change re-anchors the subscription at the boundary.
// This is a PURE function - returns a new Subscription.
func Advance(s Subscription) Subscription {
	boundary := s.CycleEnd

	if s.Pending != nil {
		change := *s.Pending
		s.PlanID = change.PlanID
		if change.Period != "" && change.Period != s.Period {
			s.Period = change.Period
			s.Anchor = boundary
			s.Cycle = -1
		}
		s.Pending = nil
	}

	s.CyclePlanID = s.PlanID
	s.Cycle++
	s.CycleStart = boundary
	s.CycleEnd = s.Period.CycleEnd(s.Anchor, s.Cycle)
	s.State = StateActive
	return s
}

// QueueChange records a plan change to apply at the next cycle boundary,
// replacing any change already queued.
// This is a PURE function.
func QueueChange(s Subscription, change PlanChange) (Subscription, error) {
	if s.IsCanceled() {
		return s, fault.Validation(fault.CodeInvalidState, "subscription is canceled")
	}
	if change.Period == "" {
		change.Period = s.Period
	}
	if !change.Period.Valid() {
		return s, fault.Validation(fault.CodeInvalidInput, fmt.Sprintf("unknown period %q", change.Period))
	}
	if change.PlanID == s.PlanID && change.Period == s.Period {
		return s, fault.Validation(fault.CodeInvalidInput,
			fmt.Sprintf("already on plan %s (%s)", s.PlanID, s.Period))
	}
	s.Pending = &change
	s.State = StatePendingPlanChange
	return s, nil
}

// SwitchNow changes the plan within the current cycle and drops any queued
// change. The cycle is still billed at CyclePlanID on close.
// This is a PURE function.
func SwitchNow(s Subscription, planID string) (Subscription, error) {
	if s.IsCanceled() {
		return s, fault.Validation(fault.CodeInvalidState, "subscription is canceled")
	}
	if planID == s.PlanID {
		return s, fault.Validation(fault.CodeInvalidInput, fmt.Sprintf("already on plan %s", planID))
	}
	s.PlanID = planID
	s.Pending = nil
	s.State = StateActive
	return s, nil
}

// DropPendingChange removes a queued plan change.
// This is a PURE function.
func DropPendingChange(s Subscription) (Subscription, error) {
	if s.Pending == nil {
		return s, fault.Validation(fault.CodeInvalidState, "no plan change is queued")
	}
	s.Pending = nil
	s.State = StateActive
	return s, nil
}

// Cancel moves the subscription to its terminal state.
// This is a PURE function.
func Cancel(s Subscription, at time.Time) (Subscription, error) {
	if s.IsCanceled() {
		return s, fault.Validation(fault.CodeInvalidState, "subscription is already canceled")
	}
	s.State = StateCanceled
	s.Pending = nil
	s.CanceledAt = &at
	return s, nil
}
