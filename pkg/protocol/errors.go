package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Code names an error kind. The string values travel on the wire.
type Code string

const (
	CodeTransport             Code = "TransportError"
	CodeTimeout               Code = "Timeout"
	CodeDisconnected          Code = "Disconnected"
	CodeNotConnected          Code = "NotConnected"
	CodeUnknownMethod         Code = "UnknownMethod"
	CodeCapabilityUnavailable Code = "CapabilityUnavailable"
	CodeHandler               Code = "HandlerError"
	CodeInvalidRequest        Code = "InvalidRequest"
	CodeRejected              Code = "Rejected"
)

// Error is a relay outcome that is not a result. Every failure a caller can
// observe is representable as one of these.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code when target carries no message,
// so errors.Is(err, ErrTimeout) works for every timeout regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" {
		return t.Code == e.Code
	}
	return t.Code == e.Code && t.Message == e.Message
}

// Sentinels for errors.Is.
var (
	ErrTimeout               = &Error{Code: CodeTimeout}
	ErrDisconnected          = &Error{Code: CodeDisconnected}
	ErrNotConnected          = &Error{Code: CodeNotConnected}
	ErrUnknownMethod         = &Error{Code: CodeUnknownMethod}
	ErrCapabilityUnavailable = &Error{Code: CodeCapabilityUnavailable}
	ErrHandler               = &Error{Code: CodeHandler}
	ErrTransport             = &Error{Code: CodeTransport}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError maps any error onto the taxonomy. Errors that are not already
// relay errors are handler failures, except context expiry which is a timeout.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}
	return &Error{Code: CodeHandler, Message: err.Error()}
}
