package app

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/billcycle/domain/billing"
)

func TestSweepOnce_ClosesDueCycles(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "acct_due", "pro")
	h.clock.Advance(10 * 24 * time.Hour)
	h.open(t, "acct_later", "pro")
	h.open(t, "acct_gone", "pro")
	h.Cycles.Cancel(h.ctx, "acct_gone")

	// acct_due's cycle has ended, acct_later's has not.
	h.clock.Set(t0.AddDate(0, 1, 1))
	res, err := h.Scheduler.SweepOnce(h.ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Accounts != 1 || res.Closed != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	h.Settlement.Wait()

	if list, _ := h.Ledger.List(h.ctx, "acct_due"); len(list) != 1 {
		t.Errorf("acct_due invoices = %d, want 1", len(list))
	}
	for _, id := range []string{"acct_later", "acct_gone"} {
		if list, _ := h.Ledger.List(h.ctx, id); len(list) != 0 {
			t.Errorf("%s invoices = %d, want 0", id, len(list))
		}
	}

	res, _ = h.Scheduler.SweepOnce(h.ctx)
	if res.Accounts != 0 {
		t.Errorf("second sweep found %d due accounts", res.Accounts)
	}
}

func TestSweepOnce_CatchesUpMissedCycles(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		cfg.Scheduler.MaxCatchUp = 2
	})
	h.open(t, "acct_1", "pro")

	h.clock.Set(t0.AddDate(0, 3, 0))
	res, err := h.Scheduler.SweepOnce(h.ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Closed != 2 {
		t.Errorf("closed = %d, want 2 (catch-up cap)", res.Closed)
	}

	res, _ = h.Scheduler.SweepOnce(h.ctx)
	if res.Closed != 1 {
		t.Errorf("second sweep closed = %d, want 1", res.Closed)
	}
	h.Settlement.Wait()

	list, _ := h.Ledger.List(h.ctx, "acct_1")
	if len(list) != 3 {
		t.Fatalf("invoices = %d, want 3", len(list))
	}
	// Newest first, contiguous periods.
	for i := 0; i < len(list)-1; i++ {
		if !list[i].PeriodStart.Equal(list[i+1].PeriodEnd) {
			t.Errorf("gap between %v and %v", list[i+1].PeriodEnd, list[i].PeriodStart)
		}
	}
	sub, _ := h.Cycles.Subscription(h.ctx, "acct_1")
	if sub.Cycle != 3 || sub.State != billing.StateActive {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestSweepOnce_ManyAccounts(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		cfg.Scheduler.Workers = 3
	})
	ids := []string{"acct_a", "acct_b", "acct_c", "acct_d", "acct_e", "acct_f", "acct_g"}
	for _, id := range ids {
		h.open(t, id, "free")
	}

	h.clock.Set(t0.AddDate(0, 1, 0))
	res, err := h.Scheduler.SweepOnce(h.ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Accounts != len(ids) || res.Closed != len(ids) {
		t.Errorf("result = %+v", res)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		cfg.Scheduler.CycleSpec = "not a spec"
	})
	if err := h.Scheduler.Start(h.ctx); err == nil {
		t.Fatal("Start accepted an invalid cron spec")
	}

	h = newHarness(t, nil)
	if err := h.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Start(h.ctx); err == nil {
		t.Error("second Start succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Scheduler.Stop(ctx)
	if err := h.Start(h.ctx); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
}
