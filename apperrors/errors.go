// Package apperrors holds the error taxonomy shared by the sync core.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindNetwork is a transport failure or timeout. Retryable.
	KindNetwork Kind = "network"
	// KindValidation is a malformed payload. Never retried.
	KindValidation Kind = "validation"
	// KindConflict means the remote rejected the write because of a constraint.
	KindConflict Kind = "conflict"
	// KindStorage means local persistence is unavailable.
	KindStorage Kind = "storage"
	KindNotFound Kind = "not_found"
	KindInternal Kind = "internal"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Network(op string, err error) *Error {
	return newError(KindNetwork, op, "remote unreachable", err)
}

func Validation(op, message string) *Error {
	return newError(KindValidation, op, message, nil)
}

func ValidationWrap(op string, err error) *Error {
	return newError(KindValidation, op, "invalid payload", err)
}

func Conflict(op, message string) *Error {
	return newError(KindConflict, op, message, nil)
}

func Storage(op string, err error) *Error {
	return newError(KindStorage, op, "local storage unavailable", err)
}

func NotFound(op, message string) *Error {
	return newError(KindNotFound, op, message, nil)
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a failed remote call may succeed on a later drain.
// Errors that carry no kind are treated as transport failures.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindInternal:
		return true
	default:
		return false
	}
}
