package sqlite

import (
	"context"
	"time"

	"github.com/artpar/billcycle/domain/plan"
	"github.com/artpar/billcycle/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Add upserts a counter and returns the new value.
func (s *UsageStore) Add(ctx context.Context, accountID string, cycleStart time.Time, kind plan.ResourceKind, delta int64) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (account_id, cycle_start, resource, used)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, cycle_start, resource)
		DO UPDATE SET used = used + excluded.used
		RETURNING used
	`, accountID, unixNano(cycleStart), string(kind), delta).Scan(&used)
	return used, err
}

// Get returns all counters of one cycle.
func (s *UsageStore) Get(ctx context.Context, accountID string, cycleStart time.Time) (map[plan.ResourceKind]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, used FROM usage_counters
		WHERE account_id = ? AND cycle_start = ?
	`, accountID, unixNano(cycleStart))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counters := make(map[plan.ResourceKind]int64)
	for rows.Next() {
		var kind string
		var used int64
		if err := rows.Scan(&kind, &used); err != nil {
			return nil, err
		}
		counters[plan.ResourceKind(kind)] = used
	}
	return counters, rows.Err()
}

// Reset drops the counters of one cycle.
func (s *UsageStore) Reset(ctx context.Context, accountID string, cycleStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_counters WHERE account_id = ? AND cycle_start = ?
	`, accountID, unixNano(cycleStart))
	return err
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
