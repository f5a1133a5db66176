// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements synchronous cross-domain call and return.
//
// A call names a [Target]: a pair of capabilities sealed with the same
// type, one over code and one over the callee's data, plus an optional
// load-only vtable sealed with the same type. Slot calls read the entry
// from the unsealed vtable and never reach an entry vector bound with
// [Gateway.BindVector]. The gateway holds the unseal right for every type
// registered with it. On each call it checks that both halves carry the
// same seal, unseals them, verifies that the code capability may
// execute at its entry, and runs the Go function bound to (type, entry
// offset) with a [Frame] describing the callee context: its data and
// stack capabilities, method number, and arguments. The caller's context
// is restored when the entry returns, whether it returns normally, with
// an error, or by panicking, because the callee context only ever lives
// in the derived context.Context of the call.
//
// Calls into the ambient program (sandbox to host or system services)
// run on a single landing pad. Only one such call may be in flight per
// [LandingPad]; a second one fails immediately with
// [ErrLandingPadBusy]. By default every Gateway shares one process-wide
// landing pad. Embedders that need concurrent inbound calls must
// serialize them.
//
// There is no cancellation or preemption: an entry that never returns
// blocks its caller forever.
package gateway
