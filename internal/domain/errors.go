package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCompanyNotFound     = errors.New("company not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrExpenseNotFound     = errors.New("expense not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrImportNotFound      = errors.New("import not found")
	ErrJobNotFound         = errors.New("fiscal job not found")

	ErrCertificateNotFound = errors.New("certificate not found")
	ErrCertificateInactive = errors.New("certificate is not active")
	ErrCertificateExpired  = errors.New("certificate has expired")
	ErrCertificateInUse    = errors.New("certificate has queued or processing fiscal jobs")

	ErrAlreadyMatched  = errors.New("transaction is already matched")
	ErrNotMatched      = errors.New("transaction is not matched")
	ErrAlreadySettled  = errors.New("target is already settled")
	ErrJobNotRetryable = errors.New("job is not in a retryable state")

	ErrInvalidTransition = errors.New("illegal status transition")
)

// ValidationError marks bad input to a pure function. It is fatal to the
// current attempt and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SigningError marks a cryptographic failure. Non-retriable: the job goes
// DEAD because a retry cannot fix a bad key or certificate.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("signing failed: %s", e.Reason)
}

func (e *SigningError) Unwrap() error { return e.Err }

// TransitionError carries the rejected move for diagnostics.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
