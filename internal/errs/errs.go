// Package errs defines the typed error taxonomy shared across tscore.
//
// Every failure the core surfaces to a caller is wrapped in an *Error so
// that callers can switch on Kind instead of string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories. It is a string enum rather than
// a family of Go types so that a single Error struct can represent any
// failure uniformly, the way the teacher keys audit events off a closed
// string-enum (AuditEventType) instead of one struct per event.
type Kind string

const (
	KindTimeout                Kind = "timeout"
	KindConnection             Kind = "connection"
	KindAPI                    Kind = "api"
	KindInvalidParams          Kind = "invalid_params"
	KindInvalidField           Kind = "invalid_field"
	KindUnknownField           Kind = "unknown_field"
	KindUnknownJoin            Kind = "unknown_join"
	KindInvalidJoin            Kind = "invalid_join"
	KindJoinNotApplied         Kind = "join_not_applied"
	KindUnknownJoinField       Kind = "unknown_join_field"
	KindConflictingSelection   Kind = "conflicting_selection"
	KindInvalidOperator        Kind = "invalid_operator"
	KindInvalidType            Kind = "invalid_type"
	KindInvalidGroup           Kind = "invalid_group"
	KindUnsupportedGroupField  Kind = "unsupported_group_field"
	KindMissingField           Kind = "missing_field"
	KindInvalidSelection       Kind = "invalid_selection"
	KindInvalidCuratedID       Kind = "invalid_curated_id"
	KindCurationLimitExceeded  Kind = "curation_limit_exceeded"
	KindInvalidOverrideTag     Kind = "invalid_override_tag"
	KindUnsupportedNode        Kind = "unsupported_node"
)

// Error is the single error type produced by the core. Status and Body are
// only meaningful for KindAPI.
type Error struct {
	Kind       Kind
	Message    string
	Status     int
	Body       string
	DidYouMean []string
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if len(e.DidYouMean) > 0 {
		msg += fmt.Sprintf(" (did you mean: %v?)", e.DidYouMean)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// API builds a KindAPI error carrying the backend's status/body.
func API(status int, body string) *Error {
	return &Error{Kind: KindAPI, Message: fmt.Sprintf("backend returned status %d", status), Status: status, Body: body}
}

// WithSuggestions attaches a "did you mean" list, typically computed by the
// caller from known attribute/join names.
func (e *Error) WithSuggestions(names ...string) *Error {
	e.DidYouMean = names
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports whether err represents a 404 from the backend, used by
// callers implementing the "local recovery" policy from spec §7.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindAPI && e.Status == 404
	}
	return false
}

// Retryable reports whether the indexer's retry policy should retry this
// error: Timeout, Connection, 429, or any 5xx API error.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindConnection:
		return true
	case KindAPI:
		return e.Status == 429 || (e.Status >= 500 && e.Status < 600)
	default:
		return false
	}
}
