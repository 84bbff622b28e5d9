package billing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/plan"
)

var anchor = time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)

func TestNewSubscription(t *testing.T) {
	s := billing.NewSubscription("pro", plan.Monthly, anchor)

	if !s.CycleStart.Equal(anchor) {
		t.Errorf("CycleStart = %v, want %v", s.CycleStart, anchor)
	}
	want := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	if !s.CycleEnd.Equal(want) {
		t.Errorf("CycleEnd = %v, want %v", s.CycleEnd, want)
	}
	if s.State != billing.StateActive {
		t.Errorf("State = %s, want active", s.State)
	}
}

func TestAdvance_DoesNotDriftOnMonthEnd(t *testing.T) {
	s := billing.NewSubscription("pro", plan.Monthly, anchor)

	wantEnds := []time.Time{
		time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 30, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 31, 9, 0, 0, 0, time.UTC),
	}
	for i, want := range wantEnds {
		prevEnd := s.CycleEnd
		s = billing.Advance(s)
		if !s.CycleStart.Equal(prevEnd) {
			t.Errorf("cycle %d start = %v, want previous end %v", s.Cycle, s.CycleStart, prevEnd)
		}
		if !s.CycleEnd.Equal(want) {
			t.Errorf("advance %d: CycleEnd = %v, want %v", i+1, s.CycleEnd, want)
		}
	}
}

func TestAdvance_Yearly(t *testing.T) {
	start := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	s := billing.NewSubscription("pro", plan.Yearly, start)
	if want := time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC); !s.CycleEnd.Equal(want) {
		t.Errorf("CycleEnd = %v, want %v", s.CycleEnd, want)
	}
	s = billing.Advance(s)
	if want := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC); !s.CycleEnd.Equal(want) {
		t.Errorf("second CycleEnd = %v, want %v", s.CycleEnd, want)
	}
}

func TestQueueChange_AppliedOnlyOnAdvance(t *testing.T) {
	s := billing.NewSubscription("pro", plan.Monthly, anchor)

	s, err := billing.QueueChange(s, billing.PlanChange{PlanID: "business"})
	if err != nil {
		t.Fatalf("QueueChange: %v", err)
	}
	if s.PlanID != "pro" {
		t.Errorf("PlanID before advance = %s, want pro", s.PlanID)
	}
	if s.State != billing.StatePendingPlanChange {
		t.Errorf("State = %s, want pending_plan_change", s.State)
	}

	s = billing.Advance(s)
	if s.PlanID != "business" {
		t.Errorf("PlanID after advance = %s, want business", s.PlanID)
	}
	if s.State != billing.StateActive || s.Pending != nil {
		t.Errorf("after advance: state %s, pending %v", s.State, s.Pending)
	}
}

func TestQueueChange_PeriodChangeReanchors(t *testing.T) {
	s := billing.NewSubscription("pro", plan.Monthly, anchor)
	s, err := billing.QueueChange(s, billing.PlanChange{PlanID: "pro", Period: plan.Yearly})
	if err != nil {
		t.Fatalf("QueueChange: %v", err)
	}

	boundary := s.CycleEnd
	s = billing.Advance(s)
	if s.Period != plan.Yearly || !s.Anchor.Equal(boundary) || s.Cycle != 0 {
		t.Errorf("period %s anchor %v cycle %d", s.Period, s.Anchor, s.Cycle)
	}
	if want := boundary.AddDate(1, 0, 0); !s.CycleEnd.Equal(want) {
		t.Errorf("CycleEnd = %v, want %v", s.CycleEnd, want)
	}
}

func TestQueueChange_Rejects(t *testing.T) {
	s := billing.NewSubscription("pro", plan.Monthly, anchor)

	if _, err := billing.QueueChange(s, billing.PlanChange{PlanID: "pro"}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Errorf("same plan err = %v", err)
	}
	if _, err := billing.QueueChange(s, billing.PlanChange{PlanID: "x", Period: "weekly"}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Errorf("bad period err = %v", err)
	}

	canceled, _ := billing.Cancel(s, anchor)
	if _, err := billing.QueueChange(canceled, billing.PlanChange{PlanID: "business"}); !errors.Is(err, fault.ErrInvalidState) {
		t.Errorf("canceled err = %v", err)
	}
}

func TestSwitchNow_ClearsPending(t *testing.T) {
	s := billing.NewSubscription("free", plan.Monthly, anchor)
	s, _ = billing.QueueChange(s, billing.PlanChange{PlanID: "business"})

	s, err := billing.SwitchNow(s, "pro")
	if err != nil {
		t.Fatalf("SwitchNow: %v", err)
	}
	if s.PlanID != "pro" || s.Pending != nil || s.State != billing.StateActive {
		t.Errorf("plan %s pending %v state %s", s.PlanID, s.Pending, s.State)
	}
	if _, err := billing.SwitchNow(s, "pro"); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("same plan err = %v", err)
	}
}

func TestBilledPlanID_FollowsCycleStart(t *testing.T) {
	s := billing.NewSubscription("pro", plan.Monthly, anchor)
	if got := s.BilledPlanID(); got != "pro" {
		t.Fatalf("BilledPlanID = %s, want pro", got)
	}

	s, _ = billing.SwitchNow(s, "business")
	if got := s.BilledPlanID(); got != "pro" {
		t.Errorf("after switch BilledPlanID = %s, want pro until the cycle closes", got)
	}

	s = billing.Advance(s)
	if got := s.BilledPlanID(); got != "business" {
		t.Errorf("after advance BilledPlanID = %s, want business", got)
	}

	legacy := billing.Subscription{PlanID: "free"}
	if got := legacy.BilledPlanID(); got != "free" {
		t.Errorf("unset CyclePlanID falls back to %s, want free", got)
	}
}

func TestDropPendingChange(t *testing.T) {
	s := billing.NewSubscription("pro", plan.Monthly, anchor)
	if _, err := billing.DropPendingChange(s); !errors.Is(err, fault.ErrInvalidState) {
		t.Errorf("nothing queued err = %v", err)
	}

	s, _ = billing.QueueChange(s, billing.PlanChange{PlanID: "business"})
	s, err := billing.DropPendingChange(s)
	if err != nil {
		t.Fatalf("DropPendingChange: %v", err)
	}
	s = billing.Advance(s)
	if s.PlanID != "pro" {
		t.Errorf("PlanID = %s, want pro", s.PlanID)
	}
}

func TestCanClose(t *testing.T) {
	s := billing.NewSubscription("pro", plan.Monthly, anchor)

	if err := billing.CanClose(s, s.CycleEnd.Add(-time.Second)); !errors.Is(err, fault.ErrCycleNotEnded) {
		t.Errorf("early close err = %v, want cycle not ended", err)
	}
	if err := billing.CanClose(s, s.CycleEnd); err != nil {
		t.Errorf("close at end err = %v", err)
	}

	canceled, err := billing.Cancel(s, anchor)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := billing.CanClose(canceled, canceled.CycleEnd); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("canceled close err = %v", err)
	}
	if _, err := billing.Cancel(canceled, anchor); !errors.Is(err, fault.ErrInvalidState) {
		t.Errorf("double cancel err = %v", err)
	}
}
