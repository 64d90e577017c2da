// Copyright 2026 The Persipubsub Authors
// This file is part of Persipubsub.
//
// Persipubsub is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Persipubsub is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Persipubsub. If not, see <http://www.gnu.org/licenses/>.

// Package errs defines the closed error-kind taxonomy shared by every
// persipubsub package.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error without exposing the underlying store
// implementation.
type Kind int8

const (
	// NotInitialized is raised when queue_db or a reserved config key is
	// absent on open.
	NotInitialized Kind = iota + 1
	// Empty is raised when pop is called on an empty subscriber queue.
	Empty
	// Capacity is raised when the store's map size is exhausted.
	Capacity
	// Storage wraps an underlying store transaction or I/O error.
	Storage
	// Encoding is raised on byte<->integer/string decode failure.
	Encoding
	// PreconditionViolated is raised on caller misuse (e.g. a subscriber
	// id containing a space, or a non-positive timeout).
	PreconditionViolated
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "not_initialized"
	case Empty:
		return "empty"
	case Capacity:
		return "capacity"
	case Storage:
		return "storage"
	case Encoding:
		return "encoding"
	case PreconditionViolated:
		return "precondition_violated"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every exported
// persipubsub operation that can fail.
type Error struct {
	kind  Kind
	cause error
}

// New builds an Error of the given kind from a message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing cause,
// preserving its stack via github.com/pkg/errors.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return New(kind, format, args...)
	}
	return &Error{kind: kind, cause: errors.Wrapf(cause, format, args...)}
}

// Kind reports the error's taxonomy bucket.
func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.kind == kind
}
