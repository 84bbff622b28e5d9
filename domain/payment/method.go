// Package payment provides payment instruments and the per-account registry
// that owns the single-default invariant.
package payment

import (
	"fmt"
	"time"

	"github.com/artpar/billcycle/domain/fault"
)

// Method is a stored payment instrument (value type).
type Method struct {
	ID        string
	Brand     string // "visa", "mastercard", ...
	Last4     string
	ExpMonth  int
	ExpYear   int
	IsDefault bool
	AddedAt   time.Time
}

// Expired reports whether the card expiry is before the month of now.
func (m Method) Expired(now time.Time) bool {
	y, mo, _ := now.Date()
	if m.ExpYear != y {
		return m.ExpYear < y
	}
	return m.ExpMonth < int(mo)
}

// ValidateMethod checks the shape of a new instrument.
// This is a PURE function.
func ValidateMethod(m Method) error {
	switch {
	case m.ID == "":
		return fault.Validation(fault.CodeInvalidInput, "payment method id is required")
	case m.Brand == "":
		return fault.Validation(fault.CodeInvalidInput, "payment method brand is required")
	case len(m.Last4) != 4 || !digits(m.Last4):
		return fault.Validation(fault.CodeInvalidInput, fmt.Sprintf("last4 %q must be 4 digits", m.Last4))
	case m.ExpMonth < 1 || m.ExpMonth > 12:
		return fault.Validation(fault.CodeInvalidInput, fmt.Sprintf("expiry month %d out of range", m.ExpMonth))
	case m.ExpYear < 2000:
		return fault.Validation(fault.CodeInvalidInput, fmt.Sprintf("expiry year %d out of range", m.ExpYear))
	}
	return nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
