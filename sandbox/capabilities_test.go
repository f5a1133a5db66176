// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"testing"

	"github.com/bureau-foundation/compartment/lib/memory"
)

func TestDetectCapabilities(t *testing.T) {
	before := memory.Live()
	caps := DetectCapabilities()
	if after := memory.Live(); after != before {
		t.Errorf("probes left mappings behind: %d -> %d", before, after)
	}

	if caps.PageSize != memory.PageSize() {
		t.Errorf("PageSize = %d, want %d", caps.PageSize, memory.PageSize())
	}
	if !caps.CanRunSandbox() {
		t.Fatalf("memory backend unusable: %s (%v)", caps.SkipReason(), caps.Errors)
	}
	if caps.SkipReason() != "" || len(caps.Errors) != 0 {
		t.Errorf("SkipReason = %q, Errors = %v", caps.SkipReason(), caps.Errors)
	}
}

func TestCapabilities_SkipReason(t *testing.T) {
	tests := []struct {
		caps Capabilities
		want string
	}{
		{Capabilities{}, "address space reservation"},
		{Capabilities{ReserveWorks: true}, "fixed file mappings"},
		{Capabilities{ReserveWorks: true, FixedFileMapWorks: true}, "mprotect"},
	}
	for _, test := range tests {
		if test.caps.CanRunSandbox() {
			t.Errorf("%+v: CanRunSandbox = true", test.caps)
		}
		if got := test.caps.SkipReason(); len(got) < len(test.want) || got[:len(test.want)] != test.want {
			t.Errorf("%+v: SkipReason = %q, want prefix %q", test.caps, got, test.want)
		}
	}
}
