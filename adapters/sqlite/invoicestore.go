package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/ports"
)

// InvoiceStore implements ports.InvoiceStore using SQLite.
type InvoiceStore struct {
	db *DB
}

// NewInvoiceStore creates a new SQLite invoice store.
func NewInvoiceStore(db *DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

const invoiceColumns = `
	id, account_id, reason, plan_id,
	period_start, period_end, items, amount, currency,
	status, description, created_at, paid_at, failed_at, refunded_at`

// Append stores a new invoice.
func (s *InvoiceStore) Append(ctx context.Context, inv billing.Invoice) error {
	itemsJSON, err := json.Marshal(inv.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.AccountID, string(inv.Reason), inv.PlanID,
		unixNano(inv.PeriodStart), unixNano(inv.PeriodEnd), string(itemsJSON), inv.Amount, inv.Currency,
		string(inv.Status), inv.Description, unixNano(inv.CreatedAt),
		nullTime(inv.PaidAt), nullTime(inv.FailedAt), nullTime(inv.RefundedAt),
	)
	if isUniqueConstraintError(err) {
		return duplicate("invoice", inv.ID)
	}
	return err
}

// Get retrieves an invoice by ID.
func (s *InvoiceStore) Get(ctx context.Context, id string) (billing.Invoice, error) {
	return s.get(ctx, s.db.DB, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *InvoiceStore) get(ctx context.Context, q querier, id string) (billing.Invoice, error) {
	row := q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Invoice{}, fault.NotFound("invoice", id)
	}
	return inv, err
}

// ListByAccount returns invoices for an account, most recent first.
func (s *InvoiceStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]billing.Invoice, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE account_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := []billing.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// ListPending returns pending invoices of all accounts, oldest first.
func (s *InvoiceStore) ListPending(ctx context.Context, limit int) ([]billing.Invoice, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = ?
		ORDER BY created_at, rowid
		LIMIT ?
	`, string(billing.InvoiceStatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, inv)
	}
	return pending, rows.Err()
}

// Apply transitions an invoice. The UPDATE is conditional on the status that
// was validated, so two racing transitions cannot both win.
func (s *InvoiceStore) Apply(ctx context.Context, id string, action billing.InvoiceAction, at time.Time) (billing.Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Invoice{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, id)
	if err != nil {
		return billing.Invoice{}, err
	}
	next, err := billing.Apply(current, action, at)
	if err != nil {
		return current, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE invoices
		SET status = ?, paid_at = ?, failed_at = ?, refunded_at = ?
		WHERE id = ? AND status = ?
	`, string(next.Status), nullTime(next.PaidAt), nullTime(next.FailedAt), nullTime(next.RefundedAt),
		id, string(current.Status))
	if err != nil {
		return current, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return current, err
	}
	if rows == 0 {
		return current, fault.Validation(fault.CodeInvalidTransition,
			fmt.Sprintf("invoice %s changed concurrently", id))
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func scanInvoice(row rowScanner) (billing.Invoice, error) {
	var inv billing.Invoice
	var reason, status, itemsJSON string
	var periodStart, periodEnd, createdAt int64
	var paidAt, failedAt, refundedAt sql.NullInt64

	err := row.Scan(
		&inv.ID, &inv.AccountID, &reason, &inv.PlanID,
		&periodStart, &periodEnd, &itemsJSON, &inv.Amount, &inv.Currency,
		&status, &inv.Description, &createdAt, &paidAt, &failedAt, &refundedAt,
	)
	if err != nil {
		return billing.Invoice{}, err
	}

	inv.Reason = billing.InvoiceReason(reason)
	inv.Status = billing.InvoiceStatus(status)
	inv.PeriodStart = fromUnixNano(periodStart)
	inv.PeriodEnd = fromUnixNano(periodEnd)
	inv.CreatedAt = fromUnixNano(createdAt)
	inv.PaidAt = timePtr(paidAt)
	inv.FailedAt = timePtr(failedAt)
	inv.RefundedAt = timePtr(refundedAt)

	if itemsJSON != "" {
		if err := json.Unmarshal([]byte(itemsJSON), &inv.Items); err != nil {
			return billing.Invoice{}, fmt.Errorf("invoice %s items: %w", inv.ID, err)
		}
	}
	return inv, nil
}

// Ensure interface compliance.
var _ ports.InvoiceStore = (*InvoiceStore)(nil)
