package dsaq

import (
	"errors"
	"fmt"
)

// Error is a structured engine error with enough context to diagnose a
// failed submission or completion without re-deriving it from logs.
type Error struct {
	Op      string  // operation that failed ("SubmitCopy", "Flush", ...)
	Channel int     // channel index (-1 if not applicable)
	Code    ErrCode // high-level error category
	Msg     string  // human-readable message
	Inner   error   // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Channel >= 0 {
		return fmt.Sprintf("dsaq: %s: channel=%d: %s", e.Op, e.Channel, msg)
	}
	return fmt.Sprintf("dsaq: %s: %s", e.Op, msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is compares by error code, so callers can test with errors.Is against one
// of the ErrCode sentinels below regardless of Op/Msg/Inner.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrCode is a high-level error category, stable across engine versions.
type ErrCode string

const (
	ErrCodeExhausted        ErrCode = "operation pool exhausted"
	ErrCodeBatchExhausted   ErrCode = "batch pool exhausted"
	ErrCodeTranslation      ErrCode = "address translation failed"
	ErrCodeDeviceFailure    ErrCode = "device reported failure"
	ErrCodeIntegrityFailure ErrCode = "data integrity check failed"
	ErrCodeInvalidParams    ErrCode = "invalid parameters"
	ErrCodeNoChannel        ErrCode = "no channel available"
	ErrCodeAlreadyInit      ErrCode = "driver already initialized"
	ErrCodeUnsupported      ErrCode = "unsupported on this device class"
)

// NewError creates a new structured error.
func NewError(op string, code ErrCode, msg string) *Error {
	return &Error{Op: op, Channel: -1, Code: code, Msg: msg}
}

// NewChannelError creates a new channel-specific error.
func NewChannelError(op string, channel int, code ErrCode, msg string) *Error {
	return &Error{Op: op, Channel: channel, Code: code, Msg: msg}
}

// WrapError annotates inner with an operation name, preserving its code and
// channel if inner is already a structured Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var e *Error
	if errors.As(inner, &e) {
		return &Error{Op: op, Channel: e.Channel, Code: e.Code, Msg: e.Msg, Inner: e.Inner}
	}
	return &Error{Op: op, Channel: -1, Code: ErrCodeDeviceFailure, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or something it wraps) carries the given code.
func IsCode(err error, code ErrCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
