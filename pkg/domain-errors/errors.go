// Package derrors provides coded domain errors. Services produce these;
// stores return pkg/platform/sentinel errors which services translate.
package derrors

import "errors"

// Code identifies the error class callers branch on.
type Code string

const (
	// CodeInvalidRequest: bad input, rejected before any side effects.
	CodeInvalidRequest Code = "invalid_request"
	// CodeNotFound: a referenced entity does not exist.
	CodeNotFound Code = "not_found"
	// CodeUnauthorized: the acting party may not perform the operation.
	CodeUnauthorized Code = "unauthorized"
	// CodeInvalidState: operation not valid for the entity's lifecycle state.
	CodeInvalidState Code = "invalid_state"
	// CodeLedgerTransient: retryable ledger issue, surfaced only after the
	// gateway's retry budget is exhausted.
	CodeLedgerTransient Code = "ledger_transient"
	// CodeLedgerFatal: ledger rejected the operation; never retried.
	CodeLedgerFatal Code = "ledger_fatal"
	// CodeTimeout: a deadline or cancellation interrupted the operation.
	CodeTimeout Code = "timeout"
	// CodeInternal: unexpected infrastructure failure.
	CodeInternal Code = "internal"
)

// Error carries a code, a human-readable message, and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether err (or anything it wraps) carries the code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
// A nil err has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
