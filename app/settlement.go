package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/payment"
	"github.com/artpar/billcycle/ports"
	"golang.org/x/sync/errgroup"
)

// AttemptOutcome is the result of one settlement attempt.
type AttemptOutcome string

const (
	AttemptPaid           AttemptOutcome = "paid"
	AttemptRetryScheduled AttemptOutcome = "retry_scheduled"
	AttemptFailed         AttemptOutcome = "failed"
	AttemptSkipped        AttemptOutcome = "skipped"
)

// AttemptResult describes a settlement attempt.
type AttemptResult struct {
	InvoiceID string
	Outcome   AttemptOutcome
	Attempt   int
	Reference string
	// NextAt is set when a retry was scheduled.
	NextAt time.Time
	// Cause is why the charge did not succeed.
	Cause error
}

// RetryState is a pending invoice waiting for its next charge attempt.
type RetryState struct {
	InvoiceID string
	AccountID string
	Attempt   int // failed attempts so far
	NextAt    time.Time
	LastError string
}

// Settlement charges pending invoices against the account's default payment
// method. A failed charge is retried with exponential backoff; once the retry
// policy is exhausted the invoice is marked failed. An invoice only ever moves
// from pending to paid or from pending to failed.
//
// Retry state lives in memory. Recover rebuilds the queue from the pending
// invoices in the store after a restart; their attempt count starts over.
type Settlement struct {
	*env
	ledger        *InvoiceLedger
	processor     ports.PaymentProcessor
	policy        billing.RetryPolicy
	chargeTimeout time.Duration
	workers       int

	mu          sync.Mutex
	retries     map[string]RetryState
	inflight    map[string]bool
	stopped     bool
	wg          sync.WaitGroup
	shutdownCtx context.Context    // cancels in-flight charges on Stop
	shutdownFn  context.CancelFunc // cancel function for shutdownCtx
}

func newSettlement(e *env, ledger *InvoiceLedger, processor ports.PaymentProcessor, cfg Config) *Settlement {
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	return &Settlement{
		env:           e,
		ledger:        ledger,
		processor:     processor,
		policy:        cfg.Retry,
		chargeTimeout: cfg.ChargeTimeout,
		workers:       cfg.SettlementWorkers,
		retries:       make(map[string]RetryState),
		inflight:      make(map[string]bool),
		shutdownCtx:   shutdownCtx,
		shutdownFn:    shutdownFn,
	}
}

// Dispatch starts settling inv in the background.
// After Stop the invoice is only queued.
func (s *Settlement) Dispatch(inv billing.Invoice) {
	s.mu.Lock()
	if s.stopped {
		s.retries[inv.ID] = RetryState{InvoiceID: inv.ID, AccountID: inv.AccountID, NextAt: s.clock.Now()}
		s.updateQueueGauge()
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res, err := s.Attempt(s.shutdownCtx, inv.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("settlement attempt failed")
			return
		}
		s.logger.Debug().Str("invoice_id", inv.ID).Str("outcome", string(res.Outcome)).Msg("settlement attempt done")
	}()
}

// Attempt makes one charge attempt for a pending invoice.
// The returned error reports store failures or cancellation of ctx; a declined
// or failed charge is reported through the result.
func (s *Settlement) Attempt(ctx context.Context, invoiceID string) (AttemptResult, error) {
	state, ok := s.claim(invoiceID)
	if !ok {
		return AttemptResult{InvoiceID: invoiceID, Outcome: AttemptSkipped}, nil
	}
	defer s.release(invoiceID)

	inv, err := s.ledger.Get(ctx, invoiceID)
	if err != nil {
		return AttemptResult{}, err
	}
	if inv.Status != billing.InvoiceStatusPending {
		s.forget(invoiceID)
		return AttemptResult{InvoiceID: invoiceID, Outcome: AttemptSkipped}, nil
	}
	attempt := state.Attempt + 1
	res := AttemptResult{InvoiceID: invoiceID, Attempt: attempt}

	if inv.Amount <= 0 {
		return s.settle(ctx, res, "")
	}

	method, cause := s.defaultMethod(ctx, inv.AccountID)
	if cause == nil {
		var ref string
		ref, cause = s.charge(ctx, inv, method)
		if ctx.Err() != nil {
			// The charge was abandoned, not refused: keep the attempt count.
			s.requeue(inv, state.Attempt, s.clock.Now(), ctx.Err().Error())
			return AttemptResult{InvoiceID: invoiceID, Outcome: AttemptSkipped}, ctx.Err()
		}
		if cause == nil {
			return s.settle(ctx, res, ref)
		}
	}
	res.Cause = cause

	now := s.clock.Now()
	policy := s.retryPolicy()
	if policy.Exhausted(attempt) {
		if _, err := s.ledger.MarkFailed(ctx, inv.ID); err != nil {
			return s.transitionError(res, err)
		}
		s.forget(inv.ID)
		s.logger.Error().Err(cause).
			Str("account_id", inv.AccountID).
			Str("invoice_id", inv.ID).
			Int("attempt", attempt).
			Msg("settlement failed permanently")
		res.Outcome = AttemptFailed
		return res, nil
	}

	res.Outcome = AttemptRetryScheduled
	res.NextAt = policy.NextRetry(attempt, now)
	s.requeue(inv, attempt, res.NextAt, cause.Error())
	s.metrics.RetriesScheduled.Inc()
	s.logger.Warn().Err(cause).
		Str("account_id", inv.AccountID).
		Str("invoice_id", inv.ID).
		Int("attempt", attempt).
		Time("next_at", res.NextAt).
		Msg("charge did not succeed, retry scheduled")
	return res, nil
}

func (s *Settlement) defaultMethod(ctx context.Context, accountID string) (payment.Method, error) {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return payment.Method{}, err
	}
	return a.PaymentMethods.Default()
}

// charge calls the processor with a bounded timeout and returns the
// processor reference on success.
func (s *Settlement) charge(ctx context.Context, inv billing.Invoice, method payment.Method) (string, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.processor.Charge(chargeCtx, ports.ChargeRequest{
		InvoiceID:      inv.ID,
		AccountID:      inv.AccountID,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Method:         method,
		IdempotencyKey: "settle_" + inv.ID,
	})
	s.metrics.ChargeDuration.Observe(time.Since(start).Seconds())

	switch {
	case ctx.Err() != nil:
		s.metrics.ChargeAttempts.WithLabelValues("canceled").Inc()
		return "", ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.ChargeAttempts.WithLabelValues("timeout").Inc()
		return "", fault.External(fault.CodeChargeFailed,
			fmt.Sprintf("%s charge timed out after %s", s.processor.Name(), s.chargeTimeout), err)
	case err != nil:
		s.metrics.ChargeAttempts.WithLabelValues("error").Inc()
		return "", fault.External(fault.CodeChargeFailed, s.processor.Name()+" charge failed", err)
	case result.Outcome != ports.ChargeSucceeded:
		s.metrics.ChargeAttempts.WithLabelValues("declined").Inc()
		return "", fault.External(fault.CodeChargeDeclined, "charge declined: "+result.Reason, nil)
	}
	s.metrics.ChargeAttempts.WithLabelValues("succeeded").Inc()
	return result.Reference, nil
}

func (s *Settlement) settle(ctx context.Context, res AttemptResult, reference string) (AttemptResult, error) {
	inv, err := s.ledger.MarkPaid(ctx, res.InvoiceID)
	if err != nil {
		return s.transitionError(res, err)
	}
	s.forget(inv.ID)
	s.logger.Info().
		Str("account_id", inv.AccountID).
		Str("invoice_id", inv.ID).
		Int64("amount", inv.Amount).
		Str("reference", reference).
		Int("attempt", res.Attempt).
		Msg("invoice settled")
	res.Outcome = AttemptPaid
	res.Reference = reference
	return res, nil
}

// transitionError handles an invoice that left pending while we were charging.
func (s *Settlement) transitionError(res AttemptResult, err error) (AttemptResult, error) {
	if errors.Is(err, fault.ErrInvalidTransition) {
		s.forget(res.InvoiceID)
		s.logger.Warn().Err(err).Str("invoice_id", res.InvoiceID).Msg("invoice settled elsewhere during attempt")
		res.Outcome = AttemptSkipped
		return res, nil
	}
	return AttemptResult{}, err
}

// ProcessDue attempts every queued invoice whose retry time has come and
// returns how many were attempted.
func (s *Settlement) ProcessDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var due []string
	s.mu.Lock()
	for id, st := range s.retries {
		if !st.NextAt.After(now) && !s.inflight[id] {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return 0, nil
	}
	sort.Strings(due)

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, id := range due {
		g.Go(func() error {
			if _, err := s.Attempt(ctx, id); err != nil {
				s.logger.Error().Err(err).Str("invoice_id", id).Msg("retry attempt failed")
			}
			return nil
		})
	}
	g.Wait()
	return len(due), ctx.Err()
}

// Recover queues every pending invoice in the store that is not already
// queued or being charged, due now. It returns how many were queued.
func (s *Settlement) Recover(ctx context.Context) (int, error) {
	pending, err := s.invoices.ListPending(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending invoices: %w", err)
	}
	now := s.clock.Now()

	s.mu.Lock()
	queued := 0
	for _, inv := range pending {
		if _, ok := s.retries[inv.ID]; ok || s.inflight[inv.ID] {
			continue
		}
		s.retries[inv.ID] = RetryState{InvoiceID: inv.ID, AccountID: inv.AccountID, NextAt: now}
		queued++
	}
	s.updateQueueGauge()
	s.mu.Unlock()

	if queued > 0 {
		s.logger.Info().Int("invoices", queued).Msg("pending invoices queued for settlement")
	}
	return queued, nil
}

// Pending returns the retry queue ordered by next attempt.
func (s *Settlement) Pending() []RetryState {
	s.mu.Lock()
	out := make([]RetryState, 0, len(s.retries))
	for _, st := range s.retries {
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAt.Equal(out[j].NextAt) {
			return out[i].InvoiceID < out[j].InvoiceID
		}
		return out[i].NextAt.Before(out[j].NextAt)
	})
	return out
}

// Wait blocks until every dispatched attempt has finished.
func (s *Settlement) Wait() {
	s.wg.Wait()
}

// Stop cancels in-flight charges and waits for their attempts to return.
// Their invoices stay pending and queued.
func (s *Settlement) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.shutdownFn()
	s.wg.Wait()
}

func (s *Settlement) retryPolicy() billing.RetryPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

func (s *Settlement) setRetryPolicy(p billing.RetryPolicy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

func (s *Settlement) claim(invoiceID string) (RetryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[invoiceID] {
		return RetryState{}, false
	}
	s.inflight[invoiceID] = true
	return s.retries[invoiceID], true
}

func (s *Settlement) release(invoiceID string) {
	s.mu.Lock()
	delete(s.inflight, invoiceID)
	s.mu.Unlock()
}

func (s *Settlement) requeue(inv billing.Invoice, attempt int, nextAt time.Time, lastErr string) {
	s.mu.Lock()
	s.retries[inv.ID] = RetryState{
		InvoiceID: inv.ID,
		AccountID: inv.AccountID,
		Attempt:   attempt,
		NextAt:    nextAt,
		LastError: lastErr,
	}
	s.updateQueueGauge()
	s.mu.Unlock()
}

func (s *Settlement) forget(invoiceID string) {
	s.mu.Lock()
	delete(s.retries, invoiceID)
	s.updateQueueGauge()
	s.mu.Unlock()
}

// updateQueueGauge must be called with mu held.
func (s *Settlement) updateQueueGauge() {
	s.metrics.RetryQueue.Set(float64(len(s.retries)))
}
