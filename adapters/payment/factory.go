package payment

import (
	"fmt"

	"github.com/artpar/billcycle/ports"
)

// NewProcessor creates a payment processor by provider name.
func NewProcessor(provider string) (ports.PaymentProcessor, error) {
	switch provider {
	case "dummy", "test":
		// Dummy processor for development/testing - simulates successful payments
		return NewDummyProcessor(), nil

	case "scripted":
		return NewScriptedProcessor(), nil

	case "none", "":
		return NewNoopProcessor(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", provider)
	}
}
