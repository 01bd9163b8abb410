package errors

import (
	"errors"
	"fmt"
)

// Message-level failures. Each is scoped to a single message or a single
// connection; none of them stops the gateway.
var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	ErrUnknownMessageType = errors.New("unknown message type")
	ErrDeserialization    = errors.New("malformed message")
	ErrRoleNotPermitted   = errors.New("message type not permitted for sender role")

	// ErrTransport marks a send or receive failure on one connection.
	ErrTransport      = errors.New("transport failure")
	ErrSendBufferFull = fmt.Errorf("send buffer full: %w", ErrTransport)

	ErrUnknownConnection = errors.New("unknown connection")
)

// ValidationError reports a rejected field value. State is never modified
// when one is returned.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Reason, e.Value)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// AsValidationError extracts a ValidationError from err's chain.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Error codes carried in outbound error messages.
const (
	CodeValidationFailed   = "validation_failed"
	CodeUnknownMessageType = "unknown_message_type"
	CodeMalformedMessage   = "malformed_message"
	CodeRoleNotPermitted   = "role_not_permitted"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

// Code maps an error to the code reported to the peer that caused it.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidationFailed
	case errors.Is(err, ErrUnknownMessageType):
		return CodeUnknownMessageType
	case errors.Is(err, ErrDeserialization):
		return CodeMalformedMessage
	case errors.Is(err, ErrRoleNotPermitted):
		return CodeRoleNotPermitted
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
