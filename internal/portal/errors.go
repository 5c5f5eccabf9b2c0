package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	KindNavigation          ErrorKind = "navigation"
	KindElementNotFound     ErrorKind = "element_not_found"
	KindUnexpectedPageState ErrorKind = "unexpected_page_state"
	KindBlocked             ErrorKind = "blocked"
	KindTimeout             ErrorKind = "timeout"
	KindCancelled           ErrorKind = "cancelled"
)

// Error is returned by adapters for every portal-side failure.
type Error struct {
	Kind   ErrorKind
	Op     string // discover, inspect, submit
	Portal string
	Detail string

	// MaybeCommitted is set once a submission request may have reached
	// the portal. Such an error is never retried.
	MaybeCommitted bool

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Portal, e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NavigationError(portal, op string, err error) *Error {
	return &Error{Kind: KindNavigation, Op: op, Portal: portal, Err: err}
}

func ElementNotFound(portal, op, selector string) *Error {
	return &Error{Kind: KindElementNotFound, Op: op, Portal: portal, Detail: selector}
}

func UnexpectedPageState(portal, op, detail string) *Error {
	return &Error{Kind: KindUnexpectedPageState, Op: op, Portal: portal, Detail: detail}
}

func BlockedByPortal(portal, op, detail string) *Error {
	return &Error{Kind: KindBlocked, Op: op, Portal: portal, Detail: detail}
}

// Committed marks e as possibly having reached the portal and returns it.
func (e *Error) Committed() *Error {
	e.MaybeCommitted = true
	return e
}

// KindOf classifies any error surfaced by an adapter call.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	// Context errors win over whatever the adapter wrapped them in.
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnexpectedPageState
}

// IsTransient reports whether err may clear up on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) && pe.MaybeCommitted {
		return false
	}
	switch KindOf(err) {
	case KindNavigation, KindElementNotFound, KindTimeout:
		return true
	}
	return false
}

func IsBlocked(err error) bool { return KindOf(err) == KindBlocked }
