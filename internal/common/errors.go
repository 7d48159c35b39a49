// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common holds small types shared across subsystems: domain error
// kinds and their construction helpers. Subsystems return these errors;
// only the server boundary maps them to HTTP status codes.
package common

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotFound
	KindConflict
	KindForbidden
	KindProcess
	KindTimeout
	KindTransition
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindProcess:
		return "process_error"
	case KindTimeout:
		return "timeout"
	case KindTransition:
		return "transition_error"
	default:
		return "internal"
	}
}

// Error is a domain error carrying a kind, a human message, and an
// optional wrapped cause.
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

// E constructs a domain error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef constructs a domain error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a domain error wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
