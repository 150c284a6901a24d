package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for the sync pipeline and the approval workflow. Callers
// classify with errors.Is; everything wraps exactly one of these sentinels.
//
// Terminal for the operation, reported immediately, never retried:
// ErrValidation, ErrSchemaMismatch, ErrPermissionDenied, ErrInvalidTransition.
// Retried with bounded backoff by the dispatcher: ErrTransient.
// Surfaced for manual reconciliation, never auto-resolved: ErrConflict.
var (
	ErrValidation        = errors.New("validation error")
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrConflict          = errors.New("conflict")
	ErrTransient         = errors.New("transient network error")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")

	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidMiles     = errors.New("invalid miles")
	ErrInvalidMinutes   = errors.New("invalid minutes")
	ErrEmptyEmployeeID  = errors.New("empty employee id")
	ErrEmptyCostCenter  = errors.New("empty cost center")
	ErrEmptyDescription = errors.New("empty description")
)

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// SchemaMismatchf wraps ErrSchemaMismatch with a formatted detail. Unknown
// wire keys and unknown intents always come through here; they are a hard
// rejection, never a silent skip.
func SchemaMismatchf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted detail.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Transientf wraps ErrTransient with a formatted detail.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// PermissionDeniedf wraps ErrPermissionDenied with a formatted detail.
func PermissionDeniedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// InvalidTransitionf wraps ErrInvalidTransition with a formatted detail.
func InvalidTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// IsTerminal reports whether err should never be retried by the dispatcher.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInvalidTransition)
}
