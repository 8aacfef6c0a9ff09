// Package apperr defines the error kinds the ledger reports to its callers.
//
// Every error leaving a service wraps exactly one of the sentinel kinds below, so
// callers match with errors.Is and render "not allowed" and "bad input" differently.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrAmountSignMismatch    = errors.New("amount sign does not match entry type")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrPaymentGateway        = errors.New("payment gateway error")
	ErrSignatureVerification = errors.New("signature verification failed")
	ErrUnauthorized          = errors.New("unauthorized")
)

// FieldError is a validation failure attributed to a single input field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrValidation }

// Field builds a FieldError.
func Field(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

// Validation wraps ErrValidation with a message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Forbidden wraps ErrForbidden with a message.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound naming the missing resource.
func NotFound(resource, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, resource, id)
}

// Gateway wraps ErrPaymentGateway around the processor error.
func Gateway(err error) error {
	return fmt.Errorf("%w: %v", ErrPaymentGateway, err)
}

// SignMismatch reports an amount whose sign disagrees with the entry type.
func SignMismatch(code string, isCredit bool) error {
	want := "negative"
	if isCredit {
		want = "positive"
	}
	return fmt.Errorf("%w: entry type %s requires a %s amount", ErrAmountSignMismatch, code, want)
}

// Kind returns the sentinel kind wrapped by err, or nil when err carries none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrAmountSignMismatch,
		ErrValidation,
		ErrForbidden,
		ErrNotFound,
		ErrPaymentGateway,
		ErrSignatureVerification,
		ErrUnauthorized,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
