// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Code that records timestamps (class registration, object creation)
// takes a Clock in its Config instead of calling time.Now directly. In
// production, Real() provides the standard library behavior; tests use
// Fake() and move time with Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	runtime, _ := sandbox.New(sandbox.Config{Clock: c})
//	c.Advance(5 * time.Second)
package clock
