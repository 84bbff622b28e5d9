// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/billcycle/domain/account"
	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/payment"
	"github.com/artpar/billcycle/domain/plan"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// AccountStore persists accounts together with their subscription and
// payment methods. An Update replaces the whole aggregate.
type AccountStore interface {
	// Get retrieves an account by ID. Fails with fault.ErrNotFound.
	Get(ctx context.Context, id string) (account.Account, error)

	// Create stores a new account. Fails with fault.ErrDuplicate.
	Create(ctx context.Context, a account.Account) error

	// Update replaces an existing account. Fails with fault.ErrNotFound.
	Update(ctx context.Context, a account.Account) error

	// ListDue returns up to limit active accounts whose cycle ended at or before now,
	// oldest cycle end first. limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]account.Account, error)
}

// InvoiceStore persists the append-only invoice ledger.
type InvoiceStore interface {
	// Append stores a new invoice. Fails with fault.ErrDuplicate when the ID
	// exists or, for cycle invoices, the account already has one for the
	// period start.
	Append(ctx context.Context, inv billing.Invoice) error

	// Get retrieves an invoice by ID. Fails with fault.ErrNotFound.
	Get(ctx context.Context, id string) (billing.Invoice, error)

	// ListByAccount returns an account's invoices, most recent first.
	// limit <= 0 means no limit.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Invoice, error)

	// ListPending returns pending invoices of all accounts, oldest first.
	// limit <= 0 means no limit.
	ListPending(ctx context.Context, limit int) ([]billing.Invoice, error)

	// Apply transitions an invoice atomically: the action is validated against
	// the stored status and the write only happens if that status is unchanged.
	// Fails with fault.ErrInvalidTransition.
	Apply(ctx context.Context, id string, action billing.InvoiceAction, at time.Time) (billing.Invoice, error)
}

// UsageStore persists usage counters keyed by account and cycle start.
// Counters of a cycle that was never written read as zero.
type UsageStore interface {
	// Add increments a counter by delta and returns the new value.
	Add(ctx context.Context, accountID string, cycleStart time.Time, kind plan.ResourceKind, delta int64) (int64, error)

	// Get returns all counters of one cycle.
	Get(ctx context.Context, accountID string, cycleStart time.Time) (map[plan.ResourceKind]int64, error)

	// Reset drops all counters of one cycle.
	Reset(ctx context.Context, accountID string, cycleStart time.Time) error
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// ChargeOutcome is the processor's verdict on a charge.
type ChargeOutcome string

const (
	ChargeSucceeded ChargeOutcome = "succeeded"
	ChargeDeclined  ChargeOutcome = "declined"
)

// ChargeRequest asks the processor to collect an invoice amount.
type ChargeRequest struct {
	InvoiceID string
	AccountID string
	Amount    int64 // cents
	Currency  string
	Method    payment.Method
	// IdempotencyKey is stable across retries of the same invoice.
	IdempotencyKey string
}

// ChargeResult is the processor's response to a charge that completed.
type ChargeResult struct {
	Outcome   ChargeOutcome
	Reference string // processor transaction id
	Reason    string // decline reason
}

// PaymentProcessor charges payment methods.
// A returned error means the outcome is unknown (network, timeout, outage).
type PaymentProcessor interface {
	// Name returns the processor name (e.g., "dummy").
	Name() string

	// Charge collects req.Amount from req.Method.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}
