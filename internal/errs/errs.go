// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package errs defines the closed set of error kinds used across poolgate.
// Callers switch on Kind instead of inspecting error text.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	KindInternal Kind = iota
	KindConfig
	KindDuplicateName
	KindNotFound
	KindValidation
	KindAuthentication
	KindAuthorization
	KindAccountUnavailable
	KindRefresh
	KindDownstream
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindConfig:             "config",
	KindDuplicateName:      "duplicate_name",
	KindNotFound:           "not_found",
	KindValidation:         "validation",
	KindAuthentication:     "authentication",
	KindAuthorization:      "authorization",
	KindAccountUnavailable: "account_unavailable",
	KindRefresh:            "refresh",
	KindDownstream:         "downstream",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Exit codes for the poolgate binary.
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitNotFound     = 2
	ExitValidation   = 3
	ExitConfigError  = 6
)

// Error is the error type returned at component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. This lets
// callers write errors.Is(err, &errs.Error{Kind: errs.KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps cause with an Error of the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Common constructors

func Config(message string, cause error) *Error {
	return Wrap(KindConfig, message, cause)
}

func DuplicateName(what, name string) *Error {
	return New(KindDuplicateName, fmt.Sprintf("%s already exists: %s", what, name))
}

func NotFound(what, name string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found: %s", what, name))
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func Unavailable(message string) *Error {
	return New(KindAccountUnavailable, message)
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HasKind reports whether err carries the given kind.
func HasKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the response code the HTTP layer uses.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateName:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindAccountUnavailable:
		return http.StatusServiceUnavailable
	case KindDownstream, KindRefresh:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case KindConfig:
		return ExitConfigError
	case KindNotFound:
		return ExitNotFound
	case KindValidation, KindDuplicateName:
		return ExitValidation
	default:
		return ExitGeneralError
	}
}
