package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Domain-level error values returned by the relay service.
var (
	ErrEmptyMessage         = errors.New("message is empty")
	ErrMessageTooLong       = errors.New("message is too long")
	ErrInvalidPhone         = errors.New("invalid phone number")
	ErrInvalidRecipient     = errors.New("invalid recipient")
	ErrNoRecipients         = errors.New("no valid recipients")
	ErrEmptySender          = errors.New("sender is empty")
	ErrSenderBlocked        = errors.New("sender is blocked")
	ErrInvalidSenderID      = errors.New("invalid sender id")
	ErrSubscriptionExpired  = errors.New("subscription expired")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrInvalidCredits       = errors.New("invalid credits")
	ErrInvalidDueDate       = errors.New("invalid due date")
	ErrInvalidReceipt       = errors.New("invalid delivery receipt")
	ErrInvalidPhoneRegime   = errors.New("invalid phone regime")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// Caller-facing texts for failures whose detail stays in the server logs.
const (
	MessageCarrierUnreachable = "carrier unreachable"
	MessageInternalError      = "internal error"
)

// InsufficientCreditsError reports the shortfall of a gated send.
type InsufficientCreditsError struct {
	Needed    Credits
	Available Credits
}

func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: needed %d, available %d", ErrInsufficientCredits, insufficient.Needed, insufficient.Available)
}

func (insufficient InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// UpstreamError is a carrier-side rejection. Payload is the carrier's own error body.
type UpstreamError struct {
	Status  int
	Payload json.RawMessage
}

func (upstream UpstreamError) Error() string {
	if len(upstream.Payload) == 0 {
		return fmt.Sprintf("carrier returned status %d", upstream.Status)
	}
	return fmt.Sprintf("carrier returned status %d: %s", upstream.Status, string(upstream.Payload))
}

// GatewayError is a network-level failure reaching the carrier.
type GatewayError struct {
	Err error
}

func (gateway GatewayError) Error() string {
	return fmt.Sprintf("carrier unreachable: %v", gateway.Err)
}

func (gateway GatewayError) Unwrap() error {
	return gateway.Err
}

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

// IsValidationError reports whether err is a caller mistake rather than a gate or upstream failure.
func IsValidationError(err error) bool {
	for _, candidate := range []error{
		ErrEmptyMessage,
		ErrMessageTooLong,
		ErrInvalidPhone,
		ErrInvalidRecipient,
		ErrNoRecipients,
		ErrEmptySender,
		ErrSenderBlocked,
		ErrInvalidSenderID,
		ErrInvalidCredits,
		ErrInvalidDueDate,
		ErrInvalidReceipt,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

func wrapServiceError(subject string, code string, err error) error {
	return WrapError(errorOperationService, subject, code, err)
}
