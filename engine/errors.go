package engine

import (
	"errors"
	"fmt"
)

// Kind discriminates engine errors so callers can pick a retry or
// failure policy without string matching.
type Kind string

const (
	KindTransientMail          Kind = "transient_mail"
	KindTransientAI            Kind = "transient_ai"
	KindTransientDB            Kind = "transient_db"
	KindInvalidTemplate        Kind = "invalid_template"
	KindMissingRequiredContext Kind = "missing_required_context"
	KindInvalidEmailAddress    Kind = "invalid_email_address"
	KindInvalidTransition      Kind = "invalid_transition"
	KindUnsubscribedContact    Kind = "unsubscribed_contact"
	KindBouncedAddress         Kind = "bounced_address"
	KindLockHeld               Kind = "lock_held"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
)

// Error is the discriminated error type crossing the engine's API.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an engine error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or "" if it is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransientMail, KindTransientAI, KindTransientDB:
		return true
	}
	return false
}
