// Package apierr defines the typed error kinds shared by every core
// component and their mapping onto HTTP status codes at the transport
// boundary.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error categories of the order/balance engine.
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindNotFound        Kind = "NOT_FOUND"
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindForbidden       Kind = "FORBIDDEN"
	KindInsufficient    Kind = "INSUFFICIENT_FUNDS"
	KindUnfillableOrder Kind = "UNFILLABLE_MARKET"
	KindTerminalState   Kind = "TERMINAL_STATE"
	KindContention      Kind = "CONTENTION"
	KindConsistency     Kind = "CONSISTENCY"
)

// Error is a typed engine error. Callers use errors.As to recover the
// Kind and decide how to respond or retry.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps a Kind onto the status code from spec §6/§7.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindInsufficient, KindUnfillableOrder:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTerminalState:
		return http.StatusUnprocessableEntity
	case KindContention:
		return http.StatusConflict
	case KindConsistency:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
