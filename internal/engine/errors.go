package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transfer failure so callers and the event bus can
// react without string-matching. Mirrors the teacher's friendlyError/
// friendlyHTTPError translation, generalized into one typed error.
type ErrorKind string

const (
	ErrInvalidURL        ErrorKind = "invalid_url"
	ErrUnsafeContent     ErrorKind = "unsafe_content"
	ErrInsufficientSpace ErrorKind = "insufficient_space"
	ErrIO                ErrorKind = "io_error"
	ErrNetwork           ErrorKind = "network_error"
	ErrHTTP              ErrorKind = "http_error"
	ErrChecksumMismatch  ErrorKind = "checksum_mismatch"
	ErrCancelled         ErrorKind = "cancelled"
	ErrAlreadyRunning    ErrorKind = "already_running"
	ErrInvalidTransition ErrorKind = "invalid_transition"
)

// Transient reports whether this kind of failure is eligible for the
// engine's retry/backoff policy (spec.md §4.C.7/§7).
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrNetwork, ErrHTTP:
		return true
	default:
		return false
	}
}

// TransferError is the error type surfaced to callers and published on the
// event bus for a download's Failed transition.
type TransferError struct {
	Kind   ErrorKind
	ID     string
	Status int // HTTP status, set only when Kind == ErrHTTP
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *TransferError) Unwrap() error { return e.Err }

func newError(id string, kind ErrorKind, err error) *TransferError {
	return &TransferError{Kind: kind, ID: id, Err: err}
}

func httpError(id string, status int, err error) *TransferError {
	return &TransferError{Kind: ErrHTTP, ID: id, Status: status, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrIO when err is
// not a *TransferError (an unexpected failure still needs a bucket).
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrIO
}
