// Package apperrors defines the error taxonomy shared by the bot, the scheduler bridge,
// and the config store facade. The kind of an error decides how it is surfaced:
// validation, permission and not-found errors are replied to the user, delivery
// errors are only logged, and state mismatches are ignored.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how it must be surfaced.
type Kind int

const (
	// KindUnknown is any error not produced by this package (infrastructure failures).
	KindUnknown Kind = iota
	// KindValidation marks malformed input: room id, regex, cron expression/action, unknown source.
	KindValidation
	// KindPermission marks insufficient admin rights.
	KindPermission
	// KindNotFound marks operations on an unregistered chat, room or schedule.
	KindNotFound
	// KindDelivery marks a failed transport send/edit. Logged only, never retried.
	KindDelivery
	// KindStateMismatch marks a conversation answer with no matching active state.
	KindStateMismatch
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindDelivery:
		return "delivery"
	case KindStateMismatch:
		return "state_mismatch"
	default:
		return "unknown"
	}
}

// Error is a classified error. Msg is safe to show to the user.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a KindValidation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Permission returns a KindPermission error.
func Permission(format string, args ...any) error {
	return &Error{Kind: KindPermission, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Delivery wraps a transport failure.
func Delivery(err error, format string, args ...any) error {
	return &Error{Kind: KindDelivery, Msg: fmt.Sprintf(format, args...), Err: err}
}

// StateMismatch returns a KindStateMismatch error.
func StateMismatch(format string, args ...any) error {
	return &Error{Kind: KindStateMismatch, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// UserMessage returns the message to show the user for err, and whether err is user-facing at all.
func UserMessage(err error) (string, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	switch e.Kind {
	case KindValidation, KindPermission, KindNotFound:
		return e.Error(), true
	default:
		return "", false
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
