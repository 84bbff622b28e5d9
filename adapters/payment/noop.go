package payment

import (
	"context"
	"errors"

	"github.com/artpar/billcycle/ports"
)

var (
	// ErrPaymentsDisabled is returned when payments are not configured.
	ErrPaymentsDisabled = errors.New("payments are not configured")
)

// NoopProcessor is a no-op payment processor for when payments are disabled.
// Every charge errors, so invoices stay pending and retries run their course.
type NoopProcessor struct{}

// NewNoopProcessor creates a new no-op payment processor.
func NewNoopProcessor() *NoopProcessor {
	return &NoopProcessor{}
}

// Name returns the processor name.
func (p *NoopProcessor) Name() string {
	return "none"
}

// Charge returns an error as payments are disabled.
func (p *NoopProcessor) Charge(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	return ports.ChargeResult{}, ErrPaymentsDisabled
}

// Ensure interface compliance.
var _ ports.PaymentProcessor = (*NoopProcessor)(nil)
