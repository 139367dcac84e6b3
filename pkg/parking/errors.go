package parking

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the booking ledger.
var (
	ErrNotFound             = errors.New("not found")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrSelfBooking          = errors.New("cannot book own spot")
	ErrSpotUnavailable      = errors.New("spot unavailable")
	ErrDuplicateBooking     = errors.New("duplicate booking")
	ErrInsufficientPoints   = errors.New("insufficient points")
	ErrAlreadyCanceled      = errors.New("booking already canceled")
	ErrBookingCompleted     = errors.New("booking completed")
	ErrAccountExists        = errors.New("account already exists")
	ErrTransientStore       = errors.New("transient store failure")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidSpotID        = errors.New("invalid spot id")
	ErrInvalidBookingID     = errors.New("invalid booking id")
	ErrInvalidBookingStatus = errors.New("invalid booking status")
	ErrInvalidPoints        = errors.New("invalid points")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsValidationError reports whether err is a terminal rejection rather than an
// infrastructure failure.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrNotAuthorized,
		ErrSelfBooking,
		ErrSpotUnavailable,
		ErrDuplicateBooking,
		ErrInsufficientPoints,
		ErrAlreadyCanceled,
		ErrBookingCompleted,
		ErrAccountExists,
		ErrInvalidUserID,
		ErrInvalidSpotID,
		ErrInvalidBookingID,
		ErrInvalidBookingStatus,
		ErrInvalidPoints,
		ErrInvalidAddress,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
