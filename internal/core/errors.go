package core

import (
	"errors"
	"strings"
)

// ErrorKind is the stable failure category surfaced to callers.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation_error"
	KindConfiguration  ErrorKind = "configuration_error"
	KindRateLimit      ErrorKind = "rate_limit_exceeded"
	KindNetwork        ErrorKind = "network_error"
	KindExchange       ErrorKind = "exchange_error"
	KindAmbiguous      ErrorKind = "ambiguous_outcome"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindOpenOrderLimit ErrorKind = "open_order_limit"
)

// Error carries a kind and a message that is safe to show to a user.
// Err keeps the underlying cause for logs and errors.Is checks.
type Error struct {
	Kind           ErrorKind
	Op             string
	Message        string
	Recommendation string
	Attempts       int
	Err            error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(kind ErrorKind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: cause}
}

func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func ConfigurationError(msg string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Message: msg, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return "", false
	}
	return e.Kind, true
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return nil, false
	}
	return e, true
}
