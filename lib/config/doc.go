// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for compartment runtimes.
//
// Configuration is loaded from a single file specified by either the
// COMPARTMENT_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// search. YAML is the primary format; files ending in .json or .jsonc
// are read as JSON with comments and trailing commas.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults to JSON logs.
//
// Sizes ([Size]) are written as integers or as size strings ("64KiB",
// "1 MiB", "1GB").
//
// Variable expansion is performed on the host image path after loading:
// ${HOME}, ${CONFIG_DIR}, and ${VAR:-default} patterns are expanded.
//
// This package depends on no other compartment packages.
package config
