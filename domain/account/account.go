// Package account provides the account aggregate: identity, subscription and
// payment methods persisted as one unit.
package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/payment"
	"github.com/artpar/billcycle/domain/plan"
)

// Status represents account status.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Account is the root aggregate (value type).
type Account struct {
	ID             string
	Name           string
	Email          string
	Status         Status
	Subscription   billing.Subscription
	PaymentMethods payment.Registry
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CanceledAt     *time.Time
}

// New opens an account on planID with its first cycle starting at now.
// This is a PURE function.
func New(id, name, email, planID string, period plan.Period, now time.Time) (Account, error) {
	if strings.TrimSpace(id) == "" {
		return Account{}, fault.Validation(fault.CodeInvalidInput, "account id is required")
	}
	if email != "" && !strings.Contains(email, "@") {
		return Account{}, fault.Validation(fault.CodeInvalidInput, fmt.Sprintf("invalid email %q", email))
	}
	if !period.Valid() {
		return Account{}, fault.Validation(fault.CodeInvalidInput, fmt.Sprintf("unknown period %q", period))
	}
	return Account{
		ID:           id,
		Name:         name,
		Email:        email,
		Status:       StatusActive,
		Subscription: billing.NewSubscription(planID, period, now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsActive returns true if the account is not canceled.
func (a Account) IsActive() bool {
	return a.Status == StatusActive
}

// Due reports whether the current cycle has ended at now.
func (a Account) Due(now time.Time) bool {
	return a.IsActive() && !now.Before(a.Subscription.CycleEnd)
}

// Cancel soft-destroys the account. Invoices are kept.
// This is a PURE function - returns a new Account.
func Cancel(a Account, now time.Time) (Account, error) {
	sub, err := billing.Cancel(a.Subscription, now)
	if err != nil {
		return a, err
	}
	a.Subscription = sub
	a.Status = StatusCanceled
	a.CanceledAt = &now
	a.UpdatedAt = now
	return a, nil
}
