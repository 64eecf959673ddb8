// Package fault defines the coded error taxonomy shared by every hookflow
// component. Errors carry a code so that callers can branch on the kind of
// failure (missing pipeline, I/O, bad configuration, failed step) without
// matching on message text.
package fault

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	ErrCodeNotFound         ErrorCode = "not_found"
	ErrCodeIO               ErrorCode = "io_error"
	ErrCodeConfig           ErrorCode = "config_error"
	ErrCodeExecutionFailure ErrorCode = "execution_failure"
	ErrCodeInternal         ErrorCode = "internal"
)

// Error is the single error type produced by hookflow packages.
type Error struct {
	Code    ErrorCode
	Domain  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	prefix := string(e.Code)
	if e.Domain != "" {
		prefix = e.Domain + "/" + prefix
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, fault.ErrNotFound) matches any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy of e with key set in its details.
func (e *Error) WithDetails(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewDomain(domain string, code ErrorCode, message string) *Error {
	return &Error{Code: code, Domain: domain, Message: message}
}

// Wrap attaches a code and message to an existing error.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

func WrapDomain(err error, domain string, code ErrorCode, message string) *Error {
	return &Error{Code: code, Domain: domain, Message: message, Cause: err}
}

// As extracts the outermost *Error from err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return ErrCodeInternal
}

func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsIO(err error) bool               { return errors.Is(err, ErrIO) }
func IsConfig(err error) bool           { return errors.Is(err, ErrConfig) }
func IsExecutionFailure(err error) bool { return errors.Is(err, ErrExecutionFailure) }

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound         = New(ErrCodeNotFound, "not found")
	ErrIO               = New(ErrCodeIO, "i/o failure")
	ErrConfig           = New(ErrCodeConfig, "invalid configuration")
	ErrExecutionFailure = New(ErrCodeExecutionFailure, "execution failed")
)
