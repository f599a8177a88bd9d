package errs

import (
	"errors"
	"time"
)

// Code is an application error code.
type Code string

const (
	ConfigInvalid       Code = "config_invalid"
	KeystoreUnavailable Code = "keystore_unavailable"
	DecryptionFailed    Code = "decryption_failed"
	DatabaseError       Code = "database_error"
	MigrationFailed     Code = "migration_failed"
	ProviderTransient   Code = "provider_transient"
	ProviderFatal       Code = "provider_fatal"
	CircuitOpen         Code = "circuit_open"
	AudioUnavailable    Code = "audio_unavailable"
	NotFound            Code = "not_found"
	Internal            Code = "internal"
)

// Error is a coded application error.
type Error struct {
	Code    Code
	Message string
	Err     error

	// RetryAfter is a hint for circuit_open errors: when the next
	// provider call may be attempted. Zero otherwise.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// CodeOf returns the error code, defaulting to internal.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Code == "" {
			return Internal
		}
		return coded.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// MessageOf returns a user-facing error message.
// If the error has no typed wrapper, returns "internal error" so raw DB
// errors, provider payloads, and secret-bearing URLs never reach the UI.
func MessageOf(err error) string {
	if err == nil {
		return string(Internal)
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return "internal error"
}

// Retryable reports whether the error is worth retrying on a later cycle.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ProviderTransient, CircuitOpen:
		return true
	default:
		return false
	}
}

// FatalAtStartup reports whether the error must abort application startup.
func FatalAtStartup(err error) bool {
	switch CodeOf(err) {
	case ConfigInvalid, KeystoreUnavailable, MigrationFailed:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the circuit_open retry hint, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var coded *Error
	if errors.As(err, &coded) && coded.RetryAfter > 0 {
		return coded.RetryAfter, true
	}
	return 0, false
}
