package domain

import (
	"errors"
	"fmt"
)

// Reason is a stable, machine readable failure code.
type Reason string

const (
	ReasonUnresolvableActor   Reason = "unresolvable_actor"
	ReasonUnsupportedActivity Reason = "unsupported_activity"
	ReasonAuthorizationDenied Reason = "authorization_denied"
	ReasonAlreadyInState      Reason = "already_in_state"
	ReasonFetchTimeout        Reason = "fetch_timeout"
	ReasonFetchNetwork        Reason = "fetch_network_error"
	ReasonFetchNotFound       Reason = "fetch_not_found"
	ReasonIdentityCollision   Reason = "identity_collision"
	ReasonNotFound            Reason = "not_found"
	ReasonBadRequest          Reason = "bad_request"
	ReasonWrongObjectType     Reason = "wrong_object_type"
	ReasonInternal            Reason = "internal_error"
)

// Error carries a Reason plus a human readable message and an optional cause.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same reason, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Reason == e.Reason
	}
	return false
}

func NewError(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a copy of e with err as its cause.
func (e *Error) Wrap(err error) *Error {
	return &Error{Reason: e.Reason, Message: e.Message, Err: err}
}

var (
	ErrUnresolvableActor   = &Error{Reason: ReasonUnresolvableActor, Message: "actor could not be resolved"}
	ErrUnsupportedActivity = &Error{Reason: ReasonUnsupportedActivity, Message: "no handler for activity"}
	ErrAuthorizationDenied = &Error{Reason: ReasonAuthorizationDenied, Message: "not allowed"}
	ErrAlreadyInState      = &Error{Reason: ReasonAlreadyInState, Message: "already in requested state"}
	ErrFetchTimeout        = &Error{Reason: ReasonFetchTimeout, Message: "remote fetch timed out"}
	ErrFetchNetwork        = &Error{Reason: ReasonFetchNetwork, Message: "remote fetch failed"}
	ErrFetchNotFound       = &Error{Reason: ReasonFetchNotFound, Message: "remote object not found"}
	ErrIdentityCollision   = &Error{Reason: ReasonIdentityCollision, Message: "identity collision"}
	ErrNotFound            = &Error{Reason: ReasonNotFound, Message: "not found"}
	ErrBadRequest          = &Error{Reason: ReasonBadRequest, Message: "bad request"}
	ErrWrongObjectType     = &Error{Reason: ReasonWrongObjectType, Message: "wrong object type"}
)

// ReasonOf returns the reason code of err, or ReasonInternal for foreign errors.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}

// IsTransient reports whether err is a fetch failure worth retrying later.
func IsTransient(err error) bool {
	switch ReasonOf(err) {
	case ReasonFetchTimeout, ReasonFetchNetwork:
		return true
	}
	return false
}
