package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and transports.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindAmbiguousConstraint
	KindUnavailable
	KindMalformed
)

var kindNames = map[Kind]string{
	KindInternal:            "Internal",
	KindInvalidArgument:     "InvalidArgument",
	KindNotFound:            "NotFound",
	KindAmbiguousConstraint: "AmbiguousConstraint",
	KindUnavailable:         "Unavailable",
	KindMalformed:           "Malformed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	// ErrNotFound is returned when a package or version is not found.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when a store fails transiently.
	ErrUnavailable = errors.New("store unavailable")

	// ErrMalformed is returned when a store returns a document that cannot be parsed.
	ErrMalformed = errors.New("malformed schema document")

	// ErrInvalidArgument is returned for malformed names or constraints.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAmbiguousConstraint is reserved for constraints that cannot pick a
	// single version. The built-in grammar never produces it.
	ErrAmbiguousConstraint = errors.New("ambiguous version constraint")
)

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Name       string
	Version    string
	Constraint string
}

func (e *NotFoundError) Error() string {
	switch {
	case e.Version != "":
		return fmt.Sprintf("package %s version %s not found", e.Name, e.Version)
	case e.Constraint != "":
		return fmt.Sprintf("package %s has no version matching %q", e.Name, e.Constraint)
	default:
		return fmt.Sprintf("package %s not found", e.Name)
	}
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// UnavailableError reports a transient store failure.
type UnavailableError struct {
	Store string
	Err   error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s store unavailable", e.Store)
	}
	return fmt.Sprintf("%s store unavailable: %v", e.Store, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// MalformedError reports a document that could not be parsed.
type MalformedError struct {
	Name    string
	Version string
	Reason  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("schema for %s@%s is malformed: %s", e.Name, e.Version, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

// Error is the failure returned across the service boundary. Message is a
// single line and never contains document content.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Unknown errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAmbiguousConstraint):
		return KindAmbiguousConstraint
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}
