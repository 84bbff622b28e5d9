package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/billcycle/core/events"
	"github.com/artpar/billcycle/domain/account"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/plan"
	"github.com/artpar/billcycle/domain/usage"
)

// UsageTracker records consumption against the account's current cycle.
// Limits are advisory: a breach is reported, never refused.
type UsageTracker struct {
	*env

	mu        sync.RWMutex
	threshold float64
}

// Threshold returns the configured near-limit threshold.
func (t *UsageTracker) Threshold() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.threshold
}

func (t *UsageTracker) setThreshold(threshold float64) {
	t.mu.Lock()
	t.threshold = threshold
	t.mu.Unlock()
}

// RecordUsage adds qty units of kind to the account's current cycle and
// returns the updated counter.
func (t *UsageTracker) RecordUsage(ctx context.Context, accountID string, kind plan.ResourceKind, qty int64) (usage.Counter, error) {
	if qty <= 0 {
		return usage.Counter{}, fault.Validation(fault.CodeInvalidQuantity,
			fmt.Sprintf("quantity must be positive, got %d", qty))
	}
	if !t.catalog.HasResource(kind) {
		return usage.Counter{}, fault.Validation(fault.CodeInvalidInput,
			fmt.Sprintf("unknown resource %q", kind))
	}

	unlock := t.locks.lock(accountID)
	defer unlock()

	a, err := t.accounts.Get(ctx, accountID)
	if err != nil {
		return usage.Counter{}, err
	}
	if !a.IsActive() {
		return usage.Counter{}, fault.Validation(fault.CodeInvalidState,
			fmt.Sprintf("account %s is canceled", accountID))
	}
	p, err := t.planOf(a)
	if err != nil {
		return usage.Counter{}, err
	}

	after, err := t.usage.Add(ctx, accountID, a.Subscription.CycleStart, kind, qty)
	if err != nil {
		return usage.Counter{}, fmt.Errorf("record usage: %w", err)
	}
	t.metrics.UsageRecorded.WithLabelValues(string(kind)).Add(float64(qty))

	limit, _ := p.Limit(kind)
	threshold := t.Threshold()
	if lvl := usage.Crossed(after-qty, after, limit, threshold); lvl != usage.LevelNone {
		t.reportCrossing(ctx, a, kind, after, limit, lvl)
	}

	return usage.Counter{
		Resource: kind,
		Used:     after,
		Limit:    limit,
		Fraction: usage.FractionOf(after, limit),
		Level:    usage.LevelOf(after, limit, threshold),
	}, nil
}

func (t *UsageTracker) reportCrossing(ctx context.Context, a account.Account, kind plan.ResourceKind,
	used int64, limit plan.Limit, lvl usage.Level) {

	t.metrics.LimitBreaches.WithLabelValues(string(kind), lvl.String()).Inc()
	t.logger.Warn().
		Str("account_id", a.ID).
		Str("plan_id", a.Subscription.PlanID).
		Str("resource", string(kind)).
		Int64("used", used).
		Str("limit", limit.String()).
		Str("level", lvl.String()).
		Msg("usage limit threshold crossed")

	name := events.UsageLimitNear
	if lvl == usage.LevelExceeded {
		name = events.UsageLimitExceeded
	}
	t.publish(ctx, name, a.ID, map[string]any{
		"resource": string(kind),
		"used":     used,
		"limit":    limit.String(),
	})
}

// UsageFraction returns used/limit for the current cycle, or an unbounded
// fraction when the plan does not limit kind.
func (t *UsageTracker) UsageFraction(ctx context.Context, accountID string, kind plan.ResourceKind) (usage.Fraction, error) {
	c, err := t.counter(ctx, accountID, kind)
	if err != nil {
		return usage.Fraction{}, err
	}
	return c.Fraction, nil
}

// IsOverLimit reports whether usage of kind is strictly above its limit.
func (t *UsageTracker) IsOverLimit(ctx context.Context, accountID string, kind plan.ResourceKind) (bool, error) {
	c, err := t.counter(ctx, accountID, kind)
	if err != nil {
		return false, err
	}
	return usage.IsOverLimit(c.Used, c.Limit), nil
}

// IsNearLimit reports whether usage of kind reached threshold of its limit.
// A zero threshold uses the configured default.
func (t *UsageTracker) IsNearLimit(ctx context.Context, accountID string, kind plan.ResourceKind, threshold float64) (bool, error) {
	if threshold == 0 {
		threshold = t.Threshold()
	}
	if err := usage.ValidateThreshold(threshold); err != nil {
		return false, err
	}
	c, err := t.counter(ctx, accountID, kind)
	if err != nil {
		return false, err
	}
	return usage.IsNearLimit(c.Used, c.Limit, threshold), nil
}

// Snapshot returns every counter of the current cycle evaluated against the
// account's plan.
func (t *UsageTracker) Snapshot(ctx context.Context, accountID string) (usage.Snapshot, error) {
	a, err := t.accounts.Get(ctx, accountID)
	if err != nil {
		return usage.Snapshot{}, err
	}
	p, err := t.planOf(a)
	if err != nil {
		return usage.Snapshot{}, err
	}
	used, err := t.usage.Get(ctx, accountID, a.Subscription.CycleStart)
	if err != nil {
		return usage.Snapshot{}, fmt.Errorf("load usage: %w", err)
	}
	sub := a.Subscription
	return usage.BuildSnapshot(a.ID, p, t.catalog.Resources(), used, sub.CycleStart, sub.CycleEnd, t.Threshold()), nil
}

func (t *UsageTracker) counter(ctx context.Context, accountID string, kind plan.ResourceKind) (usage.Counter, error) {
	if !t.catalog.HasResource(kind) {
		return usage.Counter{}, fault.Validation(fault.CodeInvalidInput,
			fmt.Sprintf("unknown resource %q", kind))
	}
	s, err := t.Snapshot(ctx, accountID)
	if err != nil {
		return usage.Counter{}, err
	}
	c, _ := s.Counter(kind)
	return c, nil
}

// CorrectUsage adjusts a counter of the current cycle by delta, which may be
// negative. The counter never goes below zero. Every correction is logged.
func (t *UsageTracker) CorrectUsage(ctx context.Context, accountID string, kind plan.ResourceKind,
	delta int64, reason string) (usage.Correction, error) {

	if !t.catalog.HasResource(kind) {
		return usage.Correction{}, fault.Validation(fault.CodeInvalidInput,
			fmt.Sprintf("unknown resource %q", kind))
	}

	unlock := t.locks.lock(accountID)
	defer unlock()

	a, err := t.accounts.Get(ctx, accountID)
	if err != nil {
		return usage.Correction{}, err
	}
	cycleStart := a.Subscription.CycleStart
	used, err := t.usage.Get(ctx, accountID, cycleStart)
	if err != nil {
		return usage.Correction{}, fmt.Errorf("load usage: %w", err)
	}
	before := used[kind]
	if _, err := usage.ApplyCorrection(before, delta, reason); err != nil {
		return usage.Correction{}, err
	}

	after, err := t.usage.Add(ctx, accountID, cycleStart, kind, delta)
	if err != nil {
		return usage.Correction{}, fmt.Errorf("correct usage: %w", err)
	}

	c := usage.Correction{
		AccountID:  accountID,
		Resource:   kind,
		CycleStart: cycleStart,
		Delta:      delta,
		Before:     before,
		After:      after,
		Reason:     reason,
		At:         t.clock.Now(),
	}
	t.metrics.UsageCorrections.WithLabelValues(string(kind)).Inc()
	t.logger.Info().
		Str("account_id", accountID).
		Str("resource", string(kind)).
		Int64("delta", delta).
		Int64("before", before).
		Int64("after", after).
		Str("reason", reason).
		Msg("usage corrected")
	return c, nil
}

// resetCycle drops the counters of the cycle starting at cycleStart.
// Only CycleManager calls it, with the account lock held.
func (t *UsageTracker) resetCycle(ctx context.Context, accountID string, cycleStart time.Time) error {
	if err := t.usage.Reset(ctx, accountID, cycleStart); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	t.logger.Debug().
		Str("account_id", accountID).
		Time("cycle_start", cycleStart).
		Msg("usage counters reset")
	return nil
}
