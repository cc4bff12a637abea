// Package apperr defines the error taxonomy shared by the chat core. Every
// component returns *Error values (or wraps them) so that transports can map a
// failure to a status code without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code string

const (
	CodeInvalid            Code = "invalid"
	CodeAccessDenied       Code = "access_denied"
	CodeNotFound           Code = "not_found"
	CodeAlreadyActive      Code = "already_active"
	CodeModerationRejected Code = "moderation_rejected"
	CodeConflict           Code = "conflict"
	CodeUnavailable        Code = "unavailable"
	CodeUpstream           Code = "upstream"
	CodeInternal           Code = "internal"
)

// Error is a classified failure. Reason is only set for moderation
// rejections and carries the human readable rejection reason.
type Error struct {
	Code    Code
	Message string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. A nil err yields nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// Upstream wraps a storage or collaborator failure. Errors that already carry
// a code pass through untouched.
func Upstream(err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: CodeUpstream, Message: msg, Err: err}
}

// Rejected builds a moderation rejection carrying the user facing reason.
func Rejected(reason string) *Error {
	return &Error{Code: CodeModerationRejected, Message: "message rejected", Reason: reason}
}

// CodeOf extracts the code from err, or CodeInternal if err is unclassified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// ReasonOf returns the moderation reason carried by err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// MessageOf returns the message of a classified error, or a generic text.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
