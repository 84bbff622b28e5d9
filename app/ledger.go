package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/billcycle/core/events"
	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
)

// InvoiceLedger is the append-only record of invoices. Invoices are created
// by CycleManager only; callers may move them through their status machine.
type InvoiceLedger struct {
	*env
}

// append stores a new pending invoice.
func (l *InvoiceLedger) append(ctx context.Context, inv billing.Invoice) error {
	if inv.Status != billing.InvoiceStatusPending {
		return l.invariant("ledger", fault.Invariant(
			fmt.Sprintf("invoice %s appended with status %s", inv.ID, inv.Status)))
	}
	if err := l.invoices.Append(ctx, inv); err != nil {
		return err
	}

	reason := string(inv.Reason)
	l.metrics.InvoicesCreated.WithLabelValues(reason).Inc()
	l.metrics.InvoicedCents.WithLabelValues(reason).Add(float64(inv.Amount))
	l.logger.Info().
		Str("account_id", inv.AccountID).
		Str("invoice_id", inv.ID).
		Str("reason", reason).
		Int64("amount", inv.Amount).
		Msg("invoice created")
	l.publish(ctx, events.InvoiceCreated, inv.AccountID, invoiceData(inv))
	return nil
}

// MarkPaid moves a pending invoice to paid.
func (l *InvoiceLedger) MarkPaid(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	return l.apply(ctx, invoiceID, billing.ActionPay, events.InvoicePaid)
}

// MarkFailed moves a pending invoice to failed.
func (l *InvoiceLedger) MarkFailed(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	return l.apply(ctx, invoiceID, billing.ActionFail, events.InvoiceFailed)
}

// Refund moves a paid invoice to refunded.
func (l *InvoiceLedger) Refund(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	return l.apply(ctx, invoiceID, billing.ActionRefund, events.InvoiceRefunded)
}

func (l *InvoiceLedger) apply(ctx context.Context, invoiceID string, action billing.InvoiceAction, event string) (billing.Invoice, error) {
	inv, err := l.invoices.Apply(ctx, invoiceID, action, l.clock.Now())
	if err != nil {
		if errors.Is(err, fault.ErrInvalidTransition) {
			l.logger.Debug().Err(err).Str("invoice_id", invoiceID).Str("action", string(action)).Msg("invoice transition refused")
		}
		return billing.Invoice{}, err
	}

	l.metrics.InvoiceTransitions.WithLabelValues(string(inv.Status)).Inc()
	l.logger.Info().
		Str("account_id", inv.AccountID).
		Str("invoice_id", inv.ID).
		Str("status", string(inv.Status)).
		Int64("amount", inv.Amount).
		Msg("invoice status changed")
	l.publish(ctx, event, inv.AccountID, invoiceData(inv))
	return inv, nil
}

// Get returns one invoice.
func (l *InvoiceLedger) Get(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	return l.invoices.Get(ctx, invoiceID)
}

// List returns the account's invoices, most recent first.
func (l *InvoiceLedger) List(ctx context.Context, accountID string) ([]billing.Invoice, error) {
	if _, err := l.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return l.invoices.ListByAccount(ctx, accountID, 0)
}

func invoiceData(inv billing.Invoice) map[string]any {
	return map[string]any{
		"invoice_id":   inv.ID,
		"reason":       string(inv.Reason),
		"plan_id":      inv.PlanID,
		"amount":       inv.Amount,
		"currency":     inv.Currency,
		"status":       string(inv.Status),
		"period_start": inv.PeriodStart,
		"period_end":   inv.PeriodEnd,
	}
}
