// Package fault carries the error taxonomy surfaced by the promotion
// engine. Every failure handed to a caller is tagged with one Kind so
// the transport layer can map it without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Internal is the zero kind: unexpected storage or programming
	// errors that callers should treat as opaque.
	Internal Kind = iota

	// NotFound: campaign code, activity, tier, or reward record absent.
	NotFound

	// Conflict: duplicate join, duplicate tier issuance, counter at
	// capacity. Unique-key violations from the store land here.
	Conflict

	// PreconditionFailed: entity not in the state the transition
	// requires (campaign not active, mechanism disabled, open campaign
	// already exists, reward expired).
	PreconditionFailed

	// ExternalDependencyFailed: notification or refund gateway error.
	ExternalDependencyFailed
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case PreconditionFailed:
		return "precondition_failed"
	case ExternalDependencyFailed:
		return "external_dependency_failed"
	default:
		return "internal"
	}
}

// Error is a kind-tagged error. It wraps an optional cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the taxonomy kind.
func (e *Error) Kind() Kind { return e.kind }

// New builds a kind-tagged error.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and context message.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from err, or Internal if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return Internal
}

// IsKind reports whether err is tagged with kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.kind == kind
}
