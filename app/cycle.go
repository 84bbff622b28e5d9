package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/billcycle/core/events"
	"github.com/artpar/billcycle/domain/account"
	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/plan"
	"github.com/artpar/billcycle/domain/pricing"
	"github.com/artpar/billcycle/ports"
	"github.com/shopspring/decimal"
)

// OpenAccount is the input for opening an account.
type OpenAccount struct {
	ID     string
	Name   string
	Email  string
	PlanID string
	Period plan.Period
}

// PlanChangeResult describes an accepted plan change.
type PlanChangeResult struct {
	Subscription billing.Subscription
	// Invoice is set when an immediate change produced a prorated charge.
	Invoice *billing.Invoice
	// Adjustment is set for immediate changes.
	Adjustment *pricing.Adjustment
}

// CycleManager drives subscriptions through their cycles.
type CycleManager struct {
	*env
	ledger     *InvoiceLedger
	tracker    *UsageTracker
	settlement *Settlement
	invoiceIDs ports.IDGenerator
	currency   string
}

// Open creates an account on planID with its first cycle starting now.
func (m *CycleManager) Open(ctx context.Context, in OpenAccount) (account.Account, error) {
	if _, err := m.catalog.Get(in.PlanID); err != nil {
		return account.Account{}, err
	}
	if in.Period == "" {
		in.Period = plan.Monthly
	}
	a, err := account.New(in.ID, in.Name, in.Email, in.PlanID, in.Period, m.clock.Now())
	if err != nil {
		return account.Account{}, err
	}
	if err := m.accounts.Create(ctx, a); err != nil {
		return account.Account{}, err
	}

	m.logger.Info().
		Str("account_id", a.ID).
		Str("plan_id", a.Subscription.PlanID).
		Str("period", string(a.Subscription.Period)).
		Time("cycle_end", a.Subscription.CycleEnd).
		Msg("account opened")
	return a, nil
}

// Account returns the account aggregate.
func (m *CycleManager) Account(ctx context.Context, accountID string) (account.Account, error) {
	return m.accounts.Get(ctx, accountID)
}

// Subscription returns the account's subscription.
func (m *CycleManager) Subscription(ctx context.Context, accountID string) (billing.Subscription, error) {
	a, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return billing.Subscription{}, err
	}
	return a.Subscription, nil
}

// CloseCycle bills the cycle that ended at or before now and opens the next
// one. The usage of the closed cycle is reset and any queued plan change
// takes effect. Settlement of the invoice starts after the account is saved.
//
// The cycle fee is charged for the plan the cycle opened on. An immediate
// change during the cycle was already settled by its proration invoice, so
// only overage is priced on the current plan.
//
// A close that failed after its invoice was appended can be retried: the
// existing invoice is reused instead of billing twice.
func (m *CycleManager) CloseCycle(ctx context.Context, accountID string, now time.Time) (billing.Invoice, error) {
	inv, err := m.closeCycle(ctx, accountID, now)
	if err != nil {
		if !errors.Is(err, fault.ErrCycleNotEnded) && !errors.Is(err, fault.ErrNotFound) {
			m.metrics.CycleCloseErrors.Inc()
		}
		return billing.Invoice{}, err
	}
	if inv.Status == billing.InvoiceStatusPending {
		m.settlement.Dispatch(inv)
	}
	return inv, nil
}

func (m *CycleManager) closeCycle(ctx context.Context, accountID string, now time.Time) (billing.Invoice, error) {
	unlock := m.locks.lock(accountID)
	defer unlock()

	a, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return billing.Invoice{}, err
	}
	sub := a.Subscription
	if err := billing.CanClose(sub, now); err != nil {
		return billing.Invoice{}, err
	}

	current, err := m.planOf(a)
	if err != nil {
		return billing.Invoice{}, err
	}
	billed := current
	if id := sub.BilledPlanID(); id != current.ID {
		if billed, err = m.catalog.Get(id); err != nil {
			return billing.Invoice{}, m.invariant("catalog", fault.Invariant(
				fmt.Sprintf("cycle plan %s for account %s is not in the catalog", id, a.ID)))
		}
	}
	used, err := m.usage.Get(ctx, a.ID, sub.CycleStart)
	if err != nil {
		return billing.Invoice{}, fmt.Errorf("load usage: %w", err)
	}

	inv, err := m.cycleInvoice(a, billed, current, used, now)
	if err != nil {
		return billing.Invoice{}, err
	}
	if err := m.ledger.append(ctx, inv); err != nil {
		if !errors.Is(err, fault.ErrDuplicate) {
			return billing.Invoice{}, fmt.Errorf("append invoice: %w", err)
		}
		existing, ferr := m.findInvoice(ctx, a.ID, billing.ReasonCycle, sub.CycleStart)
		if ferr != nil {
			return billing.Invoice{}, fmt.Errorf("append invoice: %w", err)
		}
		m.logger.Warn().
			Str("account_id", a.ID).
			Str("invoice_id", existing.ID).
			Msg("cycle already invoiced, resuming close")
		inv = existing
	}

	next := billing.Advance(sub)
	if next.PlanID != sub.PlanID {
		if _, err := m.catalog.Get(next.PlanID); err != nil {
			return billing.Invoice{}, m.invariant("catalog", fault.Invariant(
				fmt.Sprintf("queued plan %s for account %s is not in the catalog", next.PlanID, a.ID)))
		}
	}
	a.Subscription = next
	a.UpdatedAt = now
	if err := m.accounts.Update(ctx, a); err != nil {
		return billing.Invoice{}, fmt.Errorf("save account: %w", err)
	}

	// The new cycle has its own counters; dropping the old ones is cleanup.
	if err := m.tracker.resetCycle(ctx, a.ID, sub.CycleStart); err != nil {
		m.logger.Warn().Err(err).Str("account_id", a.ID).Msg("failed to drop closed cycle counters")
	}

	m.metrics.CyclesClosed.WithLabelValues(string(sub.Period)).Inc()
	m.logger.Info().
		Str("account_id", a.ID).
		Str("invoice_id", inv.ID).
		Int64("amount", inv.Amount).
		Int("cycle", next.Cycle).
		Time("cycle_end", next.CycleEnd).
		Msg("cycle closed")
	m.publish(ctx, events.CycleClosed, a.ID, map[string]any{
		"invoice_id":  inv.ID,
		"cycle_start": next.CycleStart,
		"cycle_end":   next.CycleEnd,
	})
	if sub.Pending != nil {
		m.metrics.PlanChanges.WithLabelValues(string(billing.EffectiveNextCycle)).Inc()
		m.publish(ctx, events.PlanChanged, a.ID, map[string]any{
			"from_plan": sub.PlanID,
			"to_plan":   next.PlanID,
			"period":    string(next.Period),
			"effective": string(billing.EffectiveNextCycle),
		})
	}
	return inv, nil
}

// cycleInvoice bills the full cycle price of billed plus overage against the
// limits of current.
func (m *CycleManager) cycleInvoice(a account.Account, billed, current plan.Plan, used map[plan.ResourceKind]int64, now time.Time) (billing.Invoice, error) {
	sub := a.Subscription
	amount, err := pricing.AmountDue(billed, sub.Period, decimal.NewFromInt(1))
	if err != nil {
		return billing.Invoice{}, err
	}

	items := []billing.InvoiceItem{{
		Description: fmt.Sprintf("%s plan (%s)", billed.Name, sub.Period),
		Quantity:    1,
		UnitPrice:   amount,
		Amount:      amount,
	}}
	for _, line := range pricing.Overage(current, used) {
		items = append(items, billing.InvoiceItem{
			Description: fmt.Sprintf("%s overage", line.Resource),
			Quantity:    line.Units,
			UnitPrice:   line.UnitPrice,
			Amount:      line.Amount,
		})
	}

	desc := fmt.Sprintf("%s plan, %s to %s", billed.Name,
		sub.CycleStart.Format("2006-01-02"), sub.CycleEnd.Format("2006-01-02"))
	return billing.NewInvoice(m.invoiceIDs.New(), a.ID, billed.ID, billing.ReasonCycle,
		sub.CycleStart, sub.CycleEnd, items, m.currency, desc, now), nil
}

func (m *CycleManager) findInvoice(ctx context.Context, accountID string, reason billing.InvoiceReason, periodStart time.Time) (billing.Invoice, error) {
	invoices, err := m.invoices.ListByAccount(ctx, accountID, 0)
	if err != nil {
		return billing.Invoice{}, err
	}
	for _, inv := range invoices {
		if inv.Reason == reason && inv.PeriodStart.Equal(periodStart) {
			return inv, nil
		}
	}
	return billing.Invoice{}, fault.NotFound("invoice", accountID+"/"+string(reason))
}

// RequestPlanChange moves the account to newPlanID.
//
// An immediate change switches now and invoices the new plan's remaining
// value minus the old plan's unused value. The cycle invoice still charges
// the plan the cycle opened on, so the two together bill each plan for the
// time it was active. A negative difference is not refunded; it is logged
// and counted. A next-cycle change is queued and applied by the next
// CloseCycle.
func (m *CycleManager) RequestPlanChange(ctx context.Context, accountID, newPlanID string, effective billing.Effective) (PlanChangeResult, error) {
	if !effective.Valid() {
		return PlanChangeResult{}, fault.Validation(fault.CodeInvalidInput,
			fmt.Sprintf("unknown effective timing %q", effective))
	}
	next, err := m.catalog.Get(newPlanID)
	if err != nil {
		return PlanChangeResult{}, err
	}

	var res PlanChangeResult
	if effective == billing.EffectiveImmediate {
		res, err = m.switchNow(ctx, accountID, next)
	} else {
		res, err = m.queueChange(ctx, accountID, billing.PlanChange{PlanID: next.ID})
	}
	if err != nil {
		return PlanChangeResult{}, err
	}
	if res.Invoice != nil {
		m.settlement.Dispatch(*res.Invoice)
	}
	return res, nil
}

// RequestBillingPeriodChange queues a switch between monthly and yearly
// billing. It takes effect at the next cycle boundary, which becomes the new
// anchor. A plan change already queued is kept.
func (m *CycleManager) RequestBillingPeriodChange(ctx context.Context, accountID string, period plan.Period) (PlanChangeResult, error) {
	if !period.Valid() {
		return PlanChangeResult{}, fault.Validation(fault.CodeInvalidInput, fmt.Sprintf("unknown period %q", period))
	}
	return m.queueChange(ctx, accountID, billing.PlanChange{Period: period})
}

func (m *CycleManager) queueChange(ctx context.Context, accountID string, change billing.PlanChange) (PlanChangeResult, error) {
	unlock := m.locks.lock(accountID)
	defer unlock()

	a, err := m.activeAccount(ctx, accountID)
	if err != nil {
		return PlanChangeResult{}, err
	}
	sub := a.Subscription
	if change.PlanID == "" {
		change.PlanID = sub.PlanID
		if sub.Pending != nil {
			change.PlanID = sub.Pending.PlanID
		}
	} else if change.Period == "" && sub.Pending != nil {
		change.Period = sub.Pending.Period
	}
	change.RequestedAt = m.clock.Now()

	queued, err := billing.QueueChange(sub, change)
	if err != nil {
		return PlanChangeResult{}, err
	}
	a.Subscription = queued
	a.UpdatedAt = change.RequestedAt
	if err := m.accounts.Update(ctx, a); err != nil {
		return PlanChangeResult{}, fmt.Errorf("save account: %w", err)
	}

	m.logger.Info().
		Str("account_id", a.ID).
		Str("plan_id", sub.PlanID).
		Str("next_plan_id", queued.Pending.PlanID).
		Str("next_period", string(queued.Pending.Period)).
		Time("effective_at", sub.CycleEnd).
		Msg("plan change queued")
	m.publish(ctx, events.PlanChangeQueued, a.ID, map[string]any{
		"from_plan":    sub.PlanID,
		"to_plan":      queued.Pending.PlanID,
		"period":       string(queued.Pending.Period),
		"effective_at": sub.CycleEnd,
	})
	return PlanChangeResult{Subscription: queued}, nil
}

func (m *CycleManager) switchNow(ctx context.Context, accountID string, next plan.Plan) (PlanChangeResult, error) {
	unlock := m.locks.lock(accountID)
	defer unlock()

	a, err := m.activeAccount(ctx, accountID)
	if err != nil {
		return PlanChangeResult{}, err
	}
	now := m.clock.Now()
	sub := a.Subscription
	if !now.Before(sub.CycleEnd) {
		return PlanChangeResult{}, fault.Validation(fault.CodeInvalidState,
			"current cycle has ended and must be closed before an immediate plan change")
	}
	switched, err := billing.SwitchNow(sub, next.ID)
	if err != nil {
		return PlanChangeResult{}, err
	}
	old, err := m.planOf(a)
	if err != nil {
		return PlanChangeResult{}, err
	}

	factor := pricing.ProrationFactor(sub.CycleStart, sub.CycleEnd, now)
	adj, err := pricing.Proration(old, next, sub.Period, factor)
	if err != nil {
		return PlanChangeResult{}, err
	}
	if adj.Clamped() {
		m.metrics.ProrationClamps.Inc()
		m.logger.Warn().
			Str("account_id", a.ID).
			Str("from_plan", old.ID).
			Str("to_plan", next.ID).
			Int64("uncredited", adj.Uncredited).
			Msg("negative proration clamped to zero, difference not refunded")
	}

	// Save the switch first; a failed append restores the previous subscription.
	original := a
	a.Subscription = switched
	a.UpdatedAt = now
	if err := m.accounts.Update(ctx, a); err != nil {
		return PlanChangeResult{}, fmt.Errorf("save account: %w", err)
	}

	res := PlanChangeResult{Subscription: switched, Adjustment: &adj}
	if adj.Net > 0 {
		inv := m.prorationInvoice(original, old, next, adj, now)
		if err := m.ledger.append(ctx, inv); err != nil {
			if rerr := m.accounts.Update(ctx, original); rerr != nil {
				return PlanChangeResult{}, m.invariant("ledger", fault.Invariant(fmt.Sprintf(
					"account %s switched to %s without proration invoice: %v (revert: %v)",
					a.ID, next.ID, err, rerr)))
			}
			m.logger.Warn().Err(err).
				Str("account_id", a.ID).
				Str("to_plan", next.ID).
				Msg("proration invoice not stored, plan switch reverted")
			return PlanChangeResult{}, fmt.Errorf("append invoice: %w", err)
		}
		res.Invoice = &inv
	}

	m.metrics.PlanChanges.WithLabelValues(string(billing.EffectiveImmediate)).Inc()
	m.logger.Info().
		Str("account_id", a.ID).
		Str("from_plan", old.ID).
		Str("to_plan", next.ID).
		Str("factor", adj.Factor.StringFixed(4)).
		Int64("net", adj.Net).
		Msg("plan changed")
	m.publish(ctx, events.PlanChanged, a.ID, map[string]any{
		"from_plan": old.ID,
		"to_plan":   next.ID,
		"period":    string(sub.Period),
		"effective": string(billing.EffectiveImmediate),
		"net":       adj.Net,
	})
	return res, nil
}

func (m *CycleManager) prorationInvoice(a account.Account, old, next plan.Plan, adj pricing.Adjustment, now time.Time) billing.Invoice {
	sub := a.Subscription
	items := []billing.InvoiceItem{
		{
			Description: fmt.Sprintf("Unused time on %s plan", old.Name),
			Quantity:    1,
			UnitPrice:   -adj.Credit,
			Amount:      -adj.Credit,
		},
		{
			Description: fmt.Sprintf("Remaining time on %s plan", next.Name),
			Quantity:    1,
			UnitPrice:   adj.Charge,
			Amount:      adj.Charge,
		},
	}
	desc := fmt.Sprintf("Change from %s to %s", old.Name, next.Name)
	return billing.NewInvoice(m.invoiceIDs.New(), a.ID, next.ID, billing.ReasonProration,
		now, sub.CycleEnd, items, m.currency, desc, now)
}

// CancelPlanChange drops a queued plan or period change.
func (m *CycleManager) CancelPlanChange(ctx context.Context, accountID string) (billing.Subscription, error) {
	unlock := m.locks.lock(accountID)
	defer unlock()

	a, err := m.activeAccount(ctx, accountID)
	if err != nil {
		return billing.Subscription{}, err
	}
	dropped := a.Subscription.Pending
	sub, err := billing.DropPendingChange(a.Subscription)
	if err != nil {
		return billing.Subscription{}, err
	}
	a.Subscription = sub
	a.UpdatedAt = m.clock.Now()
	if err := m.accounts.Update(ctx, a); err != nil {
		return billing.Subscription{}, fmt.Errorf("save account: %w", err)
	}

	m.logger.Info().Str("account_id", a.ID).Str("dropped_plan", dropped.PlanID).Msg("queued plan change dropped")
	m.publish(ctx, events.PlanChangeDropped, a.ID, map[string]any{"plan_id": dropped.PlanID})
	return sub, nil
}

// Cancel ends the subscription. No further cycles close; invoices are kept.
func (m *CycleManager) Cancel(ctx context.Context, accountID string) (account.Account, error) {
	unlock := m.locks.lock(accountID)
	defer unlock()

	a, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return account.Account{}, err
	}
	canceled, err := account.Cancel(a, m.clock.Now())
	if err != nil {
		return account.Account{}, err
	}
	if err := m.accounts.Update(ctx, canceled); err != nil {
		return account.Account{}, fmt.Errorf("save account: %w", err)
	}

	m.logger.Info().Str("account_id", a.ID).Str("plan_id", a.Subscription.PlanID).Msg("subscription canceled")
	m.publish(ctx, events.SubscriptionCanceled, a.ID, map[string]any{"plan_id": a.Subscription.PlanID})
	return canceled, nil
}

func (m *CycleManager) activeAccount(ctx context.Context, accountID string) (account.Account, error) {
	a, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return account.Account{}, err
	}
	if !a.IsActive() {
		return account.Account{}, fault.Validation(fault.CodeInvalidState,
			fmt.Sprintf("account %s is canceled", accountID))
	}
	return a, nil
}
