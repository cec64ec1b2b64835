package chat

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced by the core.
type ErrorCode string

const (
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	CodeStorage        ErrorCode = "STORAGE_ERROR"
	CodeUnresponsive   ErrorCode = "UNRESPONSIVE"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is a classified core error. errors.Is matches two *Error values by
// code, so callers can test against the Err* sentinels below.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a classified error.
func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

var (
	ErrForbidden      = &Error{Code: CodeForbidden, Reason: "forbidden"}
	ErrNotFound       = &Error{Code: CodeNotFound, Reason: "not found"}
	ErrInvalidMessage = &Error{Code: CodeInvalidMessage, Reason: "invalid message"}
	ErrStorage        = &Error{Code: CodeStorage, Reason: "storage failure"}
	ErrUnresponsive   = &Error{Code: CodeUnresponsive, Reason: "connection unresponsive"}
	ErrRateLimited    = &Error{Code: CodeRateLimited, Reason: "rate limited"}

	// ErrNotAParticipant is returned when a user acts on a chat they are not part of.
	ErrNotAParticipant = &Error{Code: CodeForbidden, Reason: "not a participant of this chat"}

	// ErrChatNotFound is returned when a chat id does not resolve.
	ErrChatNotFound = &Error{Code: CodeNotFound, Reason: "chat not found"}
)

// CodeOf extracts the error code from err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf returns the client-facing reason of a classified error. Internal
// errors get a generic text so collaborator details never leak to clients.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil && e.Reason != "" {
		return e.Reason
	}
	return "internal error"
}
