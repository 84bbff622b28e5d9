// Package memory provides in-memory store implementations for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/billcycle/domain/account"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/ports"
)

// AccountStore is an in-memory implementation of ports.AccountStore.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]account.Account
}

// NewAccountStore creates a new in-memory account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[string]account.Account),
	}
}

// Get retrieves an account by ID.
func (s *AccountStore) Get(ctx context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return account.Account{}, fault.NotFound("account", id)
	}
	return a, nil
}

// Create stores a new account.
func (s *AccountStore) Create(ctx context.Context, a account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fault.Validation(fault.CodeDuplicate, "account "+a.ID+" already exists")
	}
	s.accounts[a.ID] = a
	return nil
}

// Update replaces an existing account.
func (s *AccountStore) Update(ctx context.Context, a account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; !ok {
		return fault.NotFound("account", a.ID)
	}
	s.accounts[a.ID] = a
	return nil
}

// ListDue returns active accounts whose cycle has ended, oldest cycle end first.
func (s *AccountStore) ListDue(ctx context.Context, now time.Time, limit int) ([]account.Account, error) {
	s.mu.RLock()
	var due []account.Account
	for _, a := range s.accounts {
		if a.Due(now) {
			due = append(due, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		ei, ej := due[i].Subscription.CycleEnd, due[j].Subscription.CycleEnd
		if ei.Equal(ej) {
			return due[i].ID < due[j].ID
		}
		return ei.Before(ej)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Len returns the number of accounts (for testing).
func (s *AccountStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Ensure interface compliance.
var _ ports.AccountStore = (*AccountStore)(nil)
