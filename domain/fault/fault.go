// Package fault defines the error taxonomy shared by every billing component.
//
// Errors carry a Kind (how the caller should react) and a Code (what went
// wrong). Both can be matched with errors.Is:
//
//	errors.Is(err, fault.ErrValidation)        // any validation failure
//	errors.Is(err, fault.ErrInvalidTransition) // that specific failure
package fault

import "errors"

// Kind classifies an error by how it must be handled.
type Kind string

const (
	// KindValidation is bad input. Recoverable, no state was mutated.
	KindValidation Kind = "validation"
	// KindNotFound is a missing entity. Recoverable.
	KindNotFound Kind = "not_found"
	// KindInvariant is an internal-consistency fault. Must be alarmed on.
	KindInvariant Kind = "invariant_violation"
	// KindExternal is a failure of an external collaborator (payment processor).
	KindExternal Kind = "external_failure"
)

// Code identifies a specific failure.
type Code string

const (
	CodeInvalidCatalog          Code = "invalid_catalog"
	CodeInvalidQuantity         Code = "invalid_quantity"
	CodeInvalidInput            Code = "invalid_input"
	CodeInvalidTransition       Code = "invalid_transition"
	CodeInvalidState            Code = "invalid_state"
	CodeNotApplicable           Code = "not_applicable"
	CodeCycleNotEnded           Code = "cycle_not_ended"
	CodeCannotRemoveSoleDefault Code = "cannot_remove_sole_default"
	CodeNoDefaultConfigured     Code = "no_default_configured"
	CodeDuplicate               Code = "duplicate"
	CodeNotFound                Code = "not_found"
	CodeInvariant               Code = "invariant_violation"
	CodeChargeDeclined          Code = "charge_declined"
	CodeChargeFailed            Code = "charge_failed"
)

// Error is a classified billing error.
type Error struct {
	Kind Kind
	Code Code
	Msg  string
	Err  error // optional cause
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels and code sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	// Kind sentinel: only the kind is set.
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Code == e.Code
}

// Kind sentinels.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrInvariant  = &Error{Kind: KindInvariant}
	ErrExternal   = &Error{Kind: KindExternal}
)

// Code sentinels.
var (
	ErrInvalidCatalog          = &Error{Kind: KindValidation, Code: CodeInvalidCatalog}
	ErrInvalidQuantity         = &Error{Kind: KindValidation, Code: CodeInvalidQuantity}
	ErrInvalidInput            = &Error{Kind: KindValidation, Code: CodeInvalidInput}
	ErrInvalidTransition       = &Error{Kind: KindValidation, Code: CodeInvalidTransition}
	ErrInvalidState            = &Error{Kind: KindValidation, Code: CodeInvalidState}
	ErrNotApplicable           = &Error{Kind: KindValidation, Code: CodeNotApplicable}
	ErrCycleNotEnded           = &Error{Kind: KindValidation, Code: CodeCycleNotEnded}
	ErrCannotRemoveSoleDefault = &Error{Kind: KindValidation, Code: CodeCannotRemoveSoleDefault}
	ErrNoDefaultConfigured     = &Error{Kind: KindValidation, Code: CodeNoDefaultConfigured}
	ErrDuplicate               = &Error{Kind: KindValidation, Code: CodeDuplicate}
	ErrChargeDeclined          = &Error{Kind: KindExternal, Code: CodeChargeDeclined}
	ErrChargeFailed            = &Error{Kind: KindExternal, Code: CodeChargeFailed}
)

// Validation builds a validation error with the given code.
func Validation(code Code, msg string) error {
	return &Error{Kind: KindValidation, Code: code, Msg: msg}
}

// NotFound builds a not-found error for the named entity.
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Msg: entity + " " + id}
}

// Invariant builds an invariant-violation error.
func Invariant(msg string) error {
	return &Error{Kind: KindInvariant, Code: CodeInvariant, Msg: msg}
}

// External wraps a collaborator failure.
func External(code Code, msg string, cause error) error {
	return &Error{Kind: KindExternal, Code: code, Msg: msg, Err: cause}
}

// KindOf returns the kind of err, or "" if err is not a classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
