// Package app contains the stateful billing services.
//
// Every mutating operation follows the same shape: take the account's lock
// stripe, load the account, apply a pure domain transition, persist, release.
// Calls to the payment processor happen outside any account lock.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/billcycle/adapters/metrics"
	"github.com/artpar/billcycle/core/events"
	"github.com/artpar/billcycle/domain/account"
	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/plan"
	"github.com/artpar/billcycle/domain/usage"
	"github.com/artpar/billcycle/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds engine tunables.
type Config struct {
	Currency           string
	NearLimitThreshold float64
	ChargeTimeout      time.Duration
	Retry              billing.RetryPolicy
	SettlementWorkers  int
	LockStripes        int
	Scheduler          SchedulerConfig
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Currency:           "usd",
		NearLimitThreshold: usage.DefaultNearThreshold,
		ChargeTimeout:      30 * time.Second,
		Retry:              billing.DefaultRetryPolicy,
		SettlementWorkers:  4,
		LockStripes:        256,
		Scheduler:          DefaultSchedulerConfig(),
	}
}

// Deps are the collaborators the engine is built from.
type Deps struct {
	Catalog    *plan.Catalog
	Accounts   ports.AccountStore
	Invoices   ports.InvoiceStore
	Usage      ports.UsageStore
	Processor  ports.PaymentProcessor
	Clock      ports.Clock
	InvoiceIDs ports.IDGenerator
	MethodIDs  ports.IDGenerator
	Metrics    *metrics.Collector // optional
	Bus        *events.Bus        // optional
	Logger     zerolog.Logger
}

// Engine groups the billing services.
type Engine struct {
	Catalog        *plan.Catalog
	Usage          *UsageTracker
	PaymentMethods *PaymentMethods
	Ledger         *InvoiceLedger
	Cycles         *CycleManager
	Settlement     *Settlement
	Scheduler      *Scheduler
	Bus            *events.Bus
	Metrics        *metrics.Collector
}

// New wires the services around shared stores and one lock table.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := usage.ValidateThreshold(cfg.NearLimitThreshold); err != nil {
		return nil, fmt.Errorf("near limit threshold: %w", err)
	}
	if err := validateRetry(cfg.Retry); err != nil {
		return nil, err
	}

	if deps.Metrics == nil {
		deps.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger.With().Str("component", "events").Logger())
	}

	e := &env{
		catalog:  deps.Catalog,
		accounts: deps.Accounts,
		invoices: deps.Invoices,
		usage:    deps.Usage,
		clock:    deps.Clock,
		locks:    newAccountLocks(cfg.LockStripes),
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}

	tracker := &UsageTracker{env: e.named("usage"), threshold: cfg.NearLimitThreshold}
	methods := &PaymentMethods{env: e.named("payment_methods"), ids: deps.MethodIDs}
	ledger := &InvoiceLedger{env: e.named("ledger")}
	settlement := newSettlement(e.named("settlement"), ledger, deps.Processor, cfg)
	cycles := &CycleManager{
		env:        e.named("cycles"),
		ledger:     ledger,
		tracker:    tracker,
		settlement: settlement,
		invoiceIDs: deps.InvoiceIDs,
		currency:   cfg.Currency,
	}
	scheduler := &Scheduler{
		env:        e.named("scheduler"),
		cycles:     cycles,
		settlement: settlement,
		cfg:        cfg.Scheduler,
	}

	return &Engine{
		Catalog:        deps.Catalog,
		Usage:          tracker,
		PaymentMethods: methods,
		Ledger:         ledger,
		Cycles:         cycles,
		Settlement:     settlement,
		Scheduler:      scheduler,
		Bus:            deps.Bus,
		Metrics:        deps.Metrics,
	}, nil
}

// Tunables are the engine settings that can change while it runs.
type Tunables struct {
	NearLimitThreshold float64
	Retry              billing.RetryPolicy
}

// Retune applies new tunables. The new threshold applies to the next
// recorded usage; the new retry policy to the next failed attempt, with
// attempts already made still counted. Invalid values change nothing.
func (en *Engine) Retune(t Tunables) error {
	if err := usage.ValidateThreshold(t.NearLimitThreshold); err != nil {
		return fmt.Errorf("near limit threshold: %w", err)
	}
	if err := validateRetry(t.Retry); err != nil {
		return err
	}
	en.Usage.setThreshold(t.NearLimitThreshold)
	en.Settlement.setRetryPolicy(t.Retry)
	en.Usage.logger.Info().
		Float64("near_limit_threshold", t.NearLimitThreshold).
		Int("retry_max_attempts", t.Retry.MaxAttempts).
		Dur("retry_base_delay", t.Retry.BaseDelay).
		Dur("retry_max_delay", t.Retry.MaxDelay).
		Msg("engine retuned")
	return nil
}

func validateRetry(p billing.RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return fault.Validation(fault.CodeInvalidInput, "retry max attempts must be at least 1")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fault.Validation(fault.CodeInvalidInput, "retry delays must not be negative")
	}
	return nil
}

// Start queues pending invoices left by an earlier run, then starts the
// background sweeps.
func (en *Engine) Start(ctx context.Context) error {
	if _, err := en.Settlement.Recover(ctx); err != nil {
		return err
	}
	return en.Scheduler.Start(ctx)
}

// Stop stops the scheduler, then cancels and waits for in-flight settlements.
func (en *Engine) Stop(ctx context.Context) {
	en.Scheduler.Stop(ctx)
	en.Settlement.Stop()
}

func (d Deps) validate() error {
	switch {
	case d.Catalog == nil:
		return errors.New("app: catalog is required")
	case d.Accounts == nil || d.Invoices == nil || d.Usage == nil:
		return errors.New("app: account, invoice and usage stores are required")
	case d.Processor == nil:
		return errors.New("app: payment processor is required")
	case d.Clock == nil:
		return errors.New("app: clock is required")
	case d.InvoiceIDs == nil || d.MethodIDs == nil:
		return errors.New("app: id generators are required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Currency == "" {
		c.Currency = def.Currency
	}
	if c.NearLimitThreshold == 0 {
		c.NearLimitThreshold = def.NearLimitThreshold
	}
	if c.ChargeTimeout <= 0 {
		c.ChargeTimeout = def.ChargeTimeout
	}
	if c.Retry == (billing.RetryPolicy{}) {
		c.Retry = def.Retry
	}
	if c.SettlementWorkers <= 0 {
		c.SettlementWorkers = def.SettlementWorkers
	}
	if c.LockStripes <= 0 {
		c.LockStripes = def.LockStripes
	}
	c.Scheduler = c.Scheduler.withDefaults()
	return c
}

// env is the state shared by all services.
type env struct {
	catalog  *plan.Catalog
	accounts ports.AccountStore
	invoices ports.InvoiceStore
	usage    ports.UsageStore
	clock    ports.Clock
	locks    *accountLocks
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// named returns a copy of e whose logger carries the component name.
func (e *env) named(component string) *env {
	c := *e
	c.logger = e.logger.With().Str("component", component).Logger()
	return &c
}

// planOf resolves the account's current plan. A plan id missing from the
// catalog means stored state and configuration disagree.
func (e *env) planOf(a account.Account) (plan.Plan, error) {
	p, err := e.catalog.Get(a.Subscription.PlanID)
	if err != nil {
		return plan.Plan{}, e.invariant("catalog",
			fault.Invariant(fmt.Sprintf("account %s is on plan %s which is not in the catalog", a.ID, a.Subscription.PlanID)))
	}
	return p, nil
}

// invariant logs and counts an internal-consistency fault and returns it.
func (e *env) invariant(component string, err error) error {
	e.metrics.InvariantViolations.WithLabelValues(component).Inc()
	e.logger.Error().Err(err).Str("check", component).Msg("invariant violation")
	return err
}

func (e *env) publish(ctx context.Context, name, accountID string, data map[string]any) {
	e.bus.Publish(ctx, events.Event{
		Name:      name,
		AccountID: accountID,
		At:        e.clock.Now(),
		Data:      data,
	})
}
