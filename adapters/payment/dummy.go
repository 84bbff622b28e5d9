// Package payment provides PaymentProcessor implementations.
package payment

import (
	"context"

	"github.com/artpar/billcycle/ports"
	"github.com/google/uuid"
)

// DeclineLast4 is the card ending the dummy processor always declines,
// mirroring the usual gateway test card 4000 0000 0000 0002.
const DeclineLast4 = "0002"

// DummyProcessor is a test/demo processor that simulates successful charges.
// Use this for development and demos when no gateway is configured.
type DummyProcessor struct{}

// NewDummyProcessor creates a new dummy payment processor.
func NewDummyProcessor() *DummyProcessor {
	return &DummyProcessor{}
}

// Name returns the processor name.
func (p *DummyProcessor) Name() string {
	return "dummy"
}

// Charge succeeds with a fake reference, except for DeclineLast4 cards.
func (p *DummyProcessor) Charge(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.ChargeResult{}, err
	}
	if req.Method.Last4 == DeclineLast4 {
		return ports.ChargeResult{Outcome: ports.ChargeDeclined, Reason: "card_declined"}, nil
	}
	return ports.ChargeResult{
		Outcome:   ports.ChargeSucceeded,
		Reference: "ch_dummy_" + uuid.New().String(),
	}, nil
}

// Ensure interface compliance.
var _ ports.PaymentProcessor = (*DummyProcessor)(nil)
