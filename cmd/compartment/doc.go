// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// compartment inspects class images and exercises the sandbox runtime.
//
// Usage:
//
//	compartment plan [flags] <image>
//	compartment methods <image>
//	compartment link [flags] <image>...
//	compartment manifest [flags] <image>...
//	compartment validate [flags] <image>...
//	compartment doctor
//	compartment selftest [flags] <image> [provider-image...]
//
// Runtime settings come from the file named by --config, or by
// COMPARTMENT_CONFIG when the flag is absent. Without either the
// built-in defaults apply.
package main
