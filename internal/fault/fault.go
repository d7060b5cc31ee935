// Package fault classifies engine failures so that every command can be answered
// with a structured acknowledgment instead of dropping the connection.
package fault

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure classes surfaced to clients.
type Kind int

const (
	// KindTransient covers persistence failures and anything unclassified; clients may retry.
	KindTransient Kind = iota
	// KindInvalid indicates a malformed command or payload.
	KindInvalid
	// KindUnauthenticated indicates a missing or invalid credential at handshake.
	KindUnauthenticated
	// KindForbidden indicates the authorization collaborator denied the action.
	KindForbidden
	// KindNotFound indicates the referenced room, message or document does not exist.
	KindNotFound
	// KindConflict indicates the action clashes with current state.
	KindConflict
)

var kindNames = map[Kind]string{
	KindTransient:       "transient",
	KindInvalid:         "invalid",
	KindUnauthenticated: "unauthenticated",
	KindForbidden:       "forbidden",
	KindNotFound:        "not_found",
	KindConflict:        "conflict",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error carries a kind, a stable "<operation>.<reason>" code and the underlying cause.
type Error struct {
	kind Kind
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the failure class.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the stable error code.
func (e *Error) Code() string {
	return e.code
}

// New builds an Error whose code is derived from the operation and reason.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{kind: kind, code: operation + "." + reason, err: cause}
}

// Forbidden is shorthand for New(KindForbidden, ...).
func Forbidden(operation, reason string, cause error) error {
	return New(KindForbidden, operation, reason, cause)
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(operation, reason string, cause error) error {
	return New(KindNotFound, operation, reason, cause)
}

// Invalid is shorthand for New(KindInvalid, ...).
func Invalid(operation, reason string, cause error) error {
	return New(KindInvalid, operation, reason, cause)
}

// Conflict is shorthand for New(KindConflict, ...).
func Conflict(operation, reason string, cause error) error {
	return New(KindConflict, operation, reason, cause)
}

// Transient is shorthand for New(KindTransient, ...).
func Transient(operation, reason string, cause error) error {
	return New(KindTransient, operation, reason, cause)
}

// KindOf reports the kind of the first *Error in the chain, KindTransient otherwise.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindTransient
}

// CodeOf reports the code of the first *Error in the chain.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.code
	}
	return "internal.unclassified"
}

// Classified reports whether err carries an *Error anywhere in its chain.
func Classified(err error) bool {
	var classified *Error
	return errors.As(err, &classified)
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
