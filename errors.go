package sentinel

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError rejects an administrative call synchronously. No state is
// mutated and the message is surfaced verbatim to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConfigurationError marks a tick-time misconfiguration. The tick is skipped
// and prior derived state is retained; the sentinel keeps running degraded.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// TransientStorageError marks a failed durable projection write. The
// in-memory aggregation path is unaffected; the write is retried next tick.
type TransientStorageError struct {
	Err error
}

func (e *TransientStorageError) Error() string {
	return "transient storage error: " + e.Err.Error()
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// IsTransientStorageError reports whether err is (or wraps) a
// TransientStorageError.
func IsTransientStorageError(err error) bool {
	var te *TransientStorageError
	return errors.As(err, &te)
}
