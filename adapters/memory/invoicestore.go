package memory

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/ports"
)

// InvoiceStore is an in-memory implementation of ports.InvoiceStore.
type InvoiceStore struct {
	mu        sync.RWMutex
	invoices  map[string]billing.Invoice
	order     []string            // invoice IDs in append order
	byAccount map[string][]string // account -> invoice IDs in append order
	cycles    map[string]string   // account/period start -> cycle invoice ID
}

// NewInvoiceStore creates a new in-memory invoice store.
func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{
		invoices:  make(map[string]billing.Invoice),
		byAccount: make(map[string][]string),
		cycles:    make(map[string]string),
	}
}

func cycleKey(inv billing.Invoice) string {
	return inv.AccountID + "/" + inv.PeriodStart.UTC().Format(time.RFC3339Nano)
}

// clone detaches the items slice from the stored invoice.
func clone(inv billing.Invoice) billing.Invoice {
	inv.Items = append([]billing.InvoiceItem(nil), inv.Items...)
	return inv
}

// Append stores a new invoice.
func (s *InvoiceStore) Append(ctx context.Context, inv billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID]; exists {
		return fault.Validation(fault.CodeDuplicate, "invoice "+inv.ID+" already exists")
	}
	if inv.Reason == billing.ReasonCycle {
		ck := cycleKey(inv)
		if id, exists := s.cycles[ck]; exists {
			return fault.Validation(fault.CodeDuplicate, "cycle invoice "+id+" already covers "+ck)
		}
		s.cycles[ck] = inv.ID
	}

	s.invoices[inv.ID] = clone(inv)
	s.order = append(s.order, inv.ID)
	s.byAccount[inv.AccountID] = append(s.byAccount[inv.AccountID], inv.ID)
	return nil
}

// Get retrieves an invoice by ID.
func (s *InvoiceStore) Get(ctx context.Context, id string) (billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return billing.Invoice{}, fault.NotFound("invoice", id)
	}
	return clone(inv), nil
}

// ListByAccount returns invoices for an account, most recent first.
func (s *InvoiceStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAccount[accountID]
	result := make([]billing.Invoice, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, clone(s.invoices[ids[i]]))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// ListPending returns pending invoices of all accounts, oldest first.
func (s *InvoiceStore) ListPending(ctx context.Context, limit int) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []billing.Invoice
	for _, id := range s.order {
		inv := s.invoices[id]
		if inv.Status != billing.InvoiceStatusPending {
			continue
		}
		result = append(result, clone(inv))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// Apply transitions an invoice under the store lock.
func (s *InvoiceStore) Apply(ctx context.Context, id string, action billing.InvoiceAction, at time.Time) (billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return billing.Invoice{}, fault.NotFound("invoice", id)
	}
	next, err := billing.Apply(inv, action, at)
	if err != nil {
		return inv, err
	}
	s.invoices[id] = next
	return clone(next), nil
}

// Ensure interface compliance.
var _ ports.InvoiceStore = (*InvoiceStore)(nil)
