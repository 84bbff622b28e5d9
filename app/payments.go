package app

import (
	"context"
	"fmt"

	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/payment"
	"github.com/artpar/billcycle/ports"
)

// NewMethod describes a card to register.
type NewMethod struct {
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// PaymentMethods manages each account's payment method registry.
type PaymentMethods struct {
	*env
	ids ports.IDGenerator
}

// Add registers a method. The first method of an account becomes its default.
func (s *PaymentMethods) Add(ctx context.Context, accountID string, in NewMethod) (payment.Method, error) {
	now := s.clock.Now()
	m := payment.Method{
		ID:       s.ids.New(),
		Brand:    in.Brand,
		Last4:    in.Last4,
		ExpMonth: in.ExpMonth,
		ExpYear:  in.ExpYear,
		AddedAt:  now,
	}
	if err := payment.ValidateMethod(m); err != nil {
		return payment.Method{}, err
	}
	if m.Expired(now) {
		return payment.Method{}, fault.Validation(fault.CodeInvalidInput,
			fmt.Sprintf("card expired %02d/%d", m.ExpMonth, m.ExpYear))
	}

	reg, err := s.mutate(ctx, accountID, func(r payment.Registry) (payment.Registry, error) {
		return r.Add(m)
	})
	if err != nil {
		return payment.Method{}, err
	}
	added, err := reg.Get(m.ID)
	if err != nil {
		return payment.Method{}, s.invariant("payment_methods", fault.Invariant("added method missing from registry"))
	}
	s.logger.Info().
		Str("account_id", accountID).
		Str("method_id", added.ID).
		Bool("default", added.IsDefault).
		Msg("payment method added")
	return added, nil
}

// Remove deletes a method. The default may only be removed when it is the
// account's last method.
func (s *PaymentMethods) Remove(ctx context.Context, accountID, methodID string) error {
	_, err := s.mutate(ctx, accountID, func(r payment.Registry) (payment.Registry, error) {
		return r.Remove(methodID)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("account_id", accountID).Str("method_id", methodID).Msg("payment method removed")
	return nil
}

// SetDefault makes methodID the account's only default.
func (s *PaymentMethods) SetDefault(ctx context.Context, accountID, methodID string) (payment.Method, error) {
	reg, err := s.mutate(ctx, accountID, func(r payment.Registry) (payment.Registry, error) {
		return r.SetDefault(methodID)
	})
	if err != nil {
		return payment.Method{}, err
	}
	s.logger.Info().Str("account_id", accountID).Str("method_id", methodID).Msg("default payment method changed")
	return reg.Default()
}

// Default returns the account's default method.
func (s *PaymentMethods) Default(ctx context.Context, accountID string) (payment.Method, error) {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return payment.Method{}, err
	}
	return a.PaymentMethods.Default()
}

// List returns the account's methods in insertion order.
func (s *PaymentMethods) List(ctx context.Context, accountID string) ([]payment.Method, error) {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return a.PaymentMethods.Methods(), nil
}

// mutate applies op to the account's registry and persists the result with a
// single account write.
func (s *PaymentMethods) mutate(ctx context.Context, accountID string,
	op func(payment.Registry) (payment.Registry, error)) (payment.Registry, error) {

	unlock := s.locks.lock(accountID)
	defer unlock()

	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return payment.Registry{}, err
	}
	if !a.IsActive() {
		return payment.Registry{}, fault.Validation(fault.CodeInvalidState,
			fmt.Sprintf("account %s is canceled", accountID))
	}

	next, err := op(a.PaymentMethods)
	if err != nil {
		return payment.Registry{}, err
	}
	if err := next.Check(); err != nil {
		return payment.Registry{}, s.invariant("payment_methods", err)
	}

	a.PaymentMethods = next
	a.UpdatedAt = s.clock.Now()
	if err := s.accounts.Update(ctx, a); err != nil {
		return payment.Registry{}, fmt.Errorf("save payment methods: %w", err)
	}
	return next, nil
}
