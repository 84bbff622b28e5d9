package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/billcycle/domain/account"
	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/payment"
	"github.com/artpar/billcycle/domain/plan"
	"github.com/artpar/billcycle/ports"
)

// AccountStore implements ports.AccountStore using SQLite.
// Subscription fields are columns; payment methods are a JSON array.
type AccountStore struct {
	db *DB
}

// NewAccountStore creates a new SQLite account store.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `
	id, name, email, status,
	plan_id, cycle_plan_id, period, anchor, cycle, cycle_start, cycle_end, sub_state,
	pending_plan_id, pending_period, pending_requested_at,
	payment_methods, created_at, updated_at, canceled_at`

// methodJSON is the stored form of a payment method.
type methodJSON struct {
	ID        string    `json:"id"`
	Brand     string    `json:"brand"`
	Last4     string    `json:"last4"`
	ExpMonth  int       `json:"exp_month"`
	ExpYear   int       `json:"exp_year"`
	IsDefault bool      `json:"is_default"`
	AddedAt   time.Time `json:"added_at"`
}

func encodeMethods(r payment.Registry) (string, error) {
	methods := r.Methods()
	rows := make([]methodJSON, len(methods))
	for i, m := range methods {
		rows[i] = methodJSON(m)
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode payment methods: %w", err)
	}
	return string(b), nil
}

func decodeMethods(s string) (payment.Registry, error) {
	var rows []methodJSON
	if err := json.Unmarshal([]byte(s), &rows); err != nil {
		return payment.Registry{}, fmt.Errorf("decode payment methods: %w", err)
	}
	methods := make([]payment.Method, len(rows))
	for i, r := range rows {
		methods[i] = payment.Method(r)
	}
	return payment.NewRegistry(methods)
}

func accountArgs(a account.Account) ([]any, error) {
	methods, err := encodeMethods(a.PaymentMethods)
	if err != nil {
		return nil, err
	}
	sub := a.Subscription
	var pendingPlan, pendingPeriod sql.NullString
	var pendingAt sql.NullInt64
	if sub.Pending != nil {
		pendingPlan = nullString(sub.Pending.PlanID)
		pendingPeriod = nullString(string(sub.Pending.Period))
		pendingAt = nullTime(&sub.Pending.RequestedAt)
	}
	return []any{
		a.ID, a.Name, a.Email, string(a.Status),
		sub.PlanID, sub.CyclePlanID, string(sub.Period), unixNano(sub.Anchor), sub.Cycle,
		unixNano(sub.CycleStart), unixNano(sub.CycleEnd), string(sub.State),
		pendingPlan, pendingPeriod, pendingAt,
		methods, unixNano(a.CreatedAt), unixNano(a.UpdatedAt), nullTime(a.CanceledAt),
	}, nil
}

// Get retrieves an account by ID.
func (s *AccountStore) Get(ctx context.Context, id string) (account.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fault.NotFound("account", id)
	}
	return a, err
}

// Create stores a new account.
func (s *AccountStore) Create(ctx context.Context, a account.Account) error {
	args, err := accountArgs(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if isUniqueConstraintError(err) {
		return duplicate("account", a.ID)
	}
	return err
}

// Update replaces an existing account.
func (s *AccountStore) Update(ctx context.Context, a account.Account) error {
	args, err := accountArgs(a)
	if err != nil {
		return err
	}
	// id goes last for the WHERE clause
	args = append(args[1:], a.ID)

	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			name = ?, email = ?, status = ?,
			plan_id = ?, cycle_plan_id = ?, period = ?, anchor = ?, cycle = ?, cycle_start = ?, cycle_end = ?, sub_state = ?,
			pending_plan_id = ?, pending_period = ?, pending_requested_at = ?,
			payment_methods = ?, created_at = ?, updated_at = ?, canceled_at = ?
		WHERE id = ?
	`, args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fault.NotFound("account", a.ID)
	}
	return nil
}

// ListDue returns active accounts whose cycle has ended, oldest cycle end first.
func (s *AccountStore) ListDue(ctx context.Context, now time.Time, limit int) ([]account.Account, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE status = ? AND cycle_end <= ?
		ORDER BY cycle_end, id
		LIMIT ?
	`, string(account.StatusActive), unixNano(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, a)
	}
	return due, rows.Err()
}

func scanAccount(row rowScanner) (account.Account, error) {
	var a account.Account
	var status, period, state, methods string
	var anchor, cycleStart, cycleEnd, createdAt, updatedAt int64
	var pendingPlan, pendingPeriod sql.NullString
	var pendingAt, canceledAt sql.NullInt64

	err := row.Scan(
		&a.ID, &a.Name, &a.Email, &status,
		&a.Subscription.PlanID, &a.Subscription.CyclePlanID, &period, &anchor, &a.Subscription.Cycle,
		&cycleStart, &cycleEnd, &state,
		&pendingPlan, &pendingPeriod, &pendingAt,
		&methods, &createdAt, &updatedAt, &canceledAt,
	)
	if err != nil {
		return account.Account{}, err
	}

	a.Status = account.Status(status)
	a.CreatedAt = fromUnixNano(createdAt)
	a.UpdatedAt = fromUnixNano(updatedAt)
	a.CanceledAt = timePtr(canceledAt)

	sub := &a.Subscription
	sub.Period = plan.Period(period)
	sub.Anchor = fromUnixNano(anchor)
	sub.CycleStart = fromUnixNano(cycleStart)
	sub.CycleEnd = fromUnixNano(cycleEnd)
	sub.State = billing.SubscriptionState(state)
	if pendingPlan.Valid {
		sub.Pending = &billing.PlanChange{
			PlanID: pendingPlan.String,
			Period: plan.Period(pendingPeriod.String),
		}
		if t := timePtr(pendingAt); t != nil {
			sub.Pending.RequestedAt = *t
		}
	}
	if a.Status == account.StatusCanceled {
		sub.CanceledAt = a.CanceledAt
	}

	a.PaymentMethods, err = decodeMethods(methods)
	if err != nil {
		return account.Account{}, fmt.Errorf("account %s: %w", a.ID, err)
	}
	return a, nil
}

// Ensure interface compliance.
var _ ports.AccountStore = (*AccountStore)(nil)
