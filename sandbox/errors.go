// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/compartment/lib/elfseg"
)

var (
	// ErrMalformedElf is returned for images whose headers, segments, or
	// method tables cannot be used.
	ErrMalformedElf = elfseg.ErrMalformedElf

	// ErrConfig is returned for unusable configuration, and for images
	// whose segments would need writes to immutable pages.
	ErrConfig = elfseg.ErrConfig

	// ErrResourceLimitExceeded is returned when an image maps above the
	// configured ceiling or an object's layout does not fit.
	ErrResourceLimitExceeded = errors.New("sandbox: resource limit exceeded")

	// ErrLinkageUnresolved is returned by NewObject while any registered
	// class has unresolved required methods.
	ErrLinkageUnresolved = errors.New("sandbox: linkage unresolved")

	// ErrMappingFailure wraps failures of the memory substrate.
	ErrMappingFailure = errors.New("sandbox: mapping failure")

	// ErrConstructorFailure is matched by every ConstructorError.
	ErrConstructorFailure = errors.New("sandbox: constructor failed")

	// ErrDestroyed is returned by every operation on a destroyed object.
	ErrDestroyed = errors.New("sandbox: object destroyed")

	// ErrNotConstructed is returned when an object is used before its
	// constructors have completed.
	ErrNotConstructed = errors.New("sandbox: object not constructed")

	// ErrLiveObjects is returned by Close while objects are alive.
	ErrLiveObjects = errors.New("sandbox: objects still alive")

	// ErrClosed is returned by a closed Runtime.
	ErrClosed = errors.New("sandbox: runtime closed")

	// ErrUnknownMethod is returned for bindings or calls naming a method
	// the class does not provide.
	ErrUnknownMethod = errors.New("sandbox: unknown method")
)

// ConstructorError reports a failed constructor. Code is the value the
// constructor returned; it distinguishes failures for the embedder.
type ConstructorError struct {
	// Index is the position of the failing constructor in
	// Bindings.Constructors.
	Index int

	Code uint64

	// Err is the constructor's error, or nil when it only returned a
	// non-zero code.
	Err error
}

func (e *ConstructorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("constructor %d failed with code %d", e.Index, e.Code)
	}
	return fmt.Sprintf("constructor %d failed with code %d: %v", e.Index, e.Code, e.Err)
}

// Is matches ErrConstructorFailure.
func (e *ConstructorError) Is(target error) bool {
	return target == ErrConstructorFailure
}

func (e *ConstructorError) Unwrap() error {
	return e.Err
}

func mappingFailure(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMappingFailure, operation, err)
}
