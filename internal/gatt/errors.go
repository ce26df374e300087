package gatt

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to the host.
type ErrorKind string

const (
	UnknownID            ErrorKind = "unknown_id"
	UnknownParent        ErrorKind = "unknown_parent"
	BluetoothUnavailable ErrorKind = "bluetooth_unavailable"
	NotConnected         ErrorKind = "not_connected"
	InvalidState         ErrorKind = "invalid_state"
	NativeFailure        ErrorKind = "native_failure"
	NotFound             ErrorKind = "not_found"
)

// Error is the structured error returned by every synchronous core operation.
// Code carries a stack-specific diagnostic value for NativeFailure and is zero otherwise.
type Error struct {
	Kind ErrorKind
	Msg  string
	Code int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	return msg
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrUnknownID            = &Error{Kind: UnknownID}
	ErrUnknownParent        = &Error{Kind: UnknownParent}
	ErrBluetoothUnavailable = &Error{Kind: BluetoothUnavailable}
	ErrNotConnected         = &Error{Kind: NotConnected}
	ErrInvalidState         = &Error{Kind: InvalidState}
	ErrNativeFailure        = &Error{Kind: NativeFailure}
)

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NativeError wraps an opaque native stack failure, keeping its code for diagnostics.
func NativeError(code int, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: NativeFailure, Msg: msg, Code: code}
}

// NotFoundError represents an error when a GATT attribute is not present in a hierarchy
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor", "device"
	UUIDs    []string // one or more identifiers, outermost first
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// KindOf reports the ErrorKind carried by err, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return NotFound
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
