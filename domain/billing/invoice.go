// Package billing provides invoice and subscription value types and their
// state machines. All functions are pure.
package billing

import (
	"fmt"
	"time"

	"github.com/artpar/billcycle/domain/fault"
)

// InvoiceStatus represents the state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusFailed   InvoiceStatus = "failed"
	InvoiceStatusRefunded InvoiceStatus = "refunded"
)

// Terminal reports whether no further transition is possible.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusFailed || s == InvoiceStatusRefunded
}

// InvoiceAction is a requested status transition.
type InvoiceAction string

const (
	ActionPay    InvoiceAction = "pay"
	ActionFail   InvoiceAction = "fail"
	ActionRefund InvoiceAction = "refund"
)

// transitions is the complete transition table; anything absent is invalid.
var transitions = map[InvoiceStatus]map[InvoiceAction]InvoiceStatus{
	InvoiceStatusPending: {
		ActionPay:  InvoiceStatusPaid,
		ActionFail: InvoiceStatusFailed,
	},
	InvoiceStatusPaid: {
		ActionRefund: InvoiceStatusRefunded,
	},
}

// Transition returns the status reached by applying action to from.
// This is a PURE function.
func Transition(from InvoiceStatus, action InvoiceAction) (InvoiceStatus, error) {
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return from, fault.Validation(fault.CodeInvalidTransition,
		fmt.Sprintf("cannot %s an invoice that is %s", action, from))
}

// InvoiceReason tells why an invoice was created.
type InvoiceReason string

const (
	ReasonCycle     InvoiceReason = "cycle"     // cycle close
	ReasonProration InvoiceReason = "proration" // immediate plan change
)

// Invoice is a ledger entry. Everything except the status fields is fixed at creation.
type Invoice struct {
	ID          string
	AccountID   string
	Reason      InvoiceReason
	PlanID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Items       []InvoiceItem
	Amount      int64 // cents
	Currency    string
	Status      InvoiceStatus
	Description string
	CreatedAt   time.Time
	PaidAt      *time.Time
	FailedAt    *time.Time
	RefundedAt  *time.Time
}

// InvoiceItem represents a line item on an invoice (value type).
type InvoiceItem struct {
	Description string
	Quantity    int64
	UnitPrice   int64 // cents
	Amount      int64 // cents
}

// NewInvoice builds a pending invoice whose amount is the sum of its items.
// This is a PURE function.
func NewInvoice(id, accountID, planID string, reason InvoiceReason, periodStart, periodEnd time.Time,
	items []InvoiceItem, currency, description string, now time.Time) Invoice {

	var total int64
	for _, it := range items {
		total += it.Amount
	}
	return Invoice{
		ID:          id,
		AccountID:   accountID,
		Reason:      reason,
		PlanID:      planID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Items:       append([]InvoiceItem(nil), items...),
		Amount:      total,
		Currency:    currency,
		Status:      InvoiceStatusPending,
		Description: description,
		CreatedAt:   now,
	}
}

// Apply transitions inv and stamps the matching timestamp.
// This is a PURE function - returns a new Invoice.
func Apply(inv Invoice, action InvoiceAction, at time.Time) (Invoice, error) {
	to, err := Transition(inv.Status, action)
	if err != nil {
		return inv, err
	}
	inv.Status = to
	switch to {
	case InvoiceStatusPaid:
		inv.PaidAt = &at
	case InvoiceStatusFailed:
		inv.FailedAt = &at
	case InvoiceStatusRefunded:
		inv.RefundedAt = &at
	}
	return inv, nil
}

// FormatAmount formats cents as a currency string, e.g. "$1,490.00".
// This is a PURE function.
func FormatAmount(cents int64) string {
	if cents < 0 {
		return "-" + FormatAmount(-cents)
	}
	return fmt.Sprintf("$%s.%02d", formatNumber(cents/100), cents%100)
}

// formatNumber adds comma separators.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return formatNumber(n/1000) + "," + fmt.Sprintf("%03d", n%1000)
}
