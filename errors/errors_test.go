package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"transport failure", ErrTransport, true},
		{"send buffer full", ErrSendBufferFull, true},
		{"rate limited", ErrRateLimited, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"network wording", fmt.Errorf("network connection failed"), true},
		{"invalid data", ErrInvalidData, false},
		{"validation error mentioning timeout", NewValidationError("offline_timeout", "1s", "too short"), false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"validation error", NewValidationError("threshold", 150.0, "out of range"), true},
		{"wrapped validation error", fmt.Errorf("ctx: %w", NewValidationError("mode", nil, "bad")), true},
		{"unknown type", ErrUnknownMessageType, true},
		{"malformed", ErrDeserialization, true},
		{"role", ErrRoleNotPermitted, true},
		{"transport", ErrTransport, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("x")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsInvalid(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(fmt.Errorf("load: %w", ErrMissingConfig)))
	assert.False(t, IsFatal(ErrTransport))
	assert.False(t, IsFatal(nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"validation", NewValidationError("humidity", 120.0, "out of range"), ErrorInvalid},
		{"config", ErrInvalidConfig, ErrorFatal},
		{"transport", ErrTransport, ErrorTransient},
		{"unknown defaults to transient", fmt.Errorf("something odd"), ErrorTransient},
		{"explicit class wins", WrapFatal(ErrTransport, "X", "Y", "z"), ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Store", "SetThreshold", "validate"))

	base := errors.New("boom")
	err := Wrap(base, "Store", "SetThreshold", "validate")
	assert.Equal(t, "Store.SetThreshold: validate failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, tt.wrap(nil, "C", "M", "a"))

			err := tt.wrap(base, "Registry", "Prune", "close transport")
			var ce *ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Registry", ce.Component)
			assert.Equal(t, "Prune", ce.Operation)
			assert.ErrorIs(t, err, base)
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("threshold", 150.0, "must be between 0 and 100")
	assert.Equal(t, "threshold: must be between 0 and 100 (got 150)", err.Error())
	assert.ErrorIs(t, err, ErrValidation)

	wrapped := fmt.Errorf("router: %w", err)
	ve, ok := AsValidationError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "threshold", ve.Field)

	_, ok = AsValidationError(ErrTransport)
	assert.False(t, ok)

	noValue := NewValidationError("mode", nil, "autoMode and manualMode must differ")
	assert.Equal(t, "mode: autoMode and manualMode must differ", noValue.Error())
}

func TestCode(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, ""},
		{NewValidationError("x", 1, "bad"), CodeValidationFailed},
		{fmt.Errorf("route: %w", ErrUnknownMessageType), CodeUnknownMessageType},
		{ErrDeserialization, CodeMalformedMessage},
		{ErrRoleNotPermitted, CodeRoleNotPermitted},
		{ErrRateLimited, CodeRateLimited},
		{errors.New("other"), CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Code(tt.err))
	}
}

func TestRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.True(t, cfg.ShouldRetry(ErrConnectionTimeout, 0))
	assert.False(t, cfg.ShouldRetry(ErrInvalidConfig, 0))
	assert.False(t, cfg.ShouldRetry(ErrConnectionTimeout, cfg.MaxRetries))
	assert.False(t, cfg.ShouldRetry(nil, 0))

	rc := cfg.ToRetryConfig()
	assert.Equal(t, cfg.MaxRetries+1, rc.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, rc.InitialDelay)
	assert.True(t, rc.AddJitter)
	require.NotNil(t, rc.Retryable)
	assert.False(t, rc.Retryable(ErrInvalidConfig))
	assert.True(t, rc.Retryable(ErrConnectionLost))
}
