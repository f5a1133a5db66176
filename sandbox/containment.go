// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/compartment/lib/capability"
	"github.com/bureau-foundation/compartment/lib/gateway"
	"github.com/bureau-foundation/compartment/lib/memory"
)

// ContainmentTest is an attempt to break out of an object's
// compartment using only what code inside it holds. A passing test
// means the attempt was refused (Run returned nil). A failing test
// means the attempt succeeded or was refused for the wrong reason.
type ContainmentTest struct {
	Name        string
	Description string
	Category    string // "memory", "capability", "gateway", "lifecycle"
	Severity    string // "critical", "high", "medium", "low"
	Run         func(ctx context.Context, object *Object) error
}

// ContainmentResult holds the result of running a containment test.
type ContainmentResult struct {
	Test   *ContainmentTest
	Passed bool   // True if the attempt was refused.
	Error  string // If it was not, describes how.
}

// refused returns nil if err is one of want. A nil err means the
// attempt succeeded.
func refused(attempt string, err error, want ...error) error {
	if err == nil {
		return fmt.Errorf("%s succeeded", attempt)
	}
	for _, target := range want {
		if errors.Is(err, target) {
			return nil
		}
	}
	return fmt.Errorf("%s refused for an unexpected reason: %w", attempt, err)
}

// sandboxData returns the data capability the object's own code runs
// with.
func sandboxData(object *Object) (capability.Capability, error) {
	return object.class.sealer.Unseal(object.invoke.Data())
}

// ContainmentTests contains every containment test.
var ContainmentTests = []ContainmentTest{
	{
		Name:        "code-write",
		Description: "Attempt to write the shared code mapping",
		Category:    "memory",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			class := object.class
			if err := refused("store through the code capability",
				class.codeWindow.StoreUint64(InvokeVector, 0), capability.ErrPermission); err != nil {
				return err
			}
			_, err := class.codeRegion.Slice(InvokeVector, 8, memory.ProtWrite)
			return refused("write to a code page", err, memory.ErrFault)
		},
	},
	{
		Name:        "vtable-write",
		Description: "Attempt to redirect a method by overwriting the vtable",
		Category:    "memory",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			if err := refused("store through the target's vtable",
				object.invoke.Vtable().StoreUint64(0, InvokeVector), capability.ErrSealed); err != nil {
				return err
			}
			data, err := sandboxData(object)
			if err != nil {
				return err
			}
			vtable, err := data.LoadCapability(object.layout.Metadata + MetadataVtable)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			if vtable.Length() == 0 {
				return nil
			}
			if err := refused("store through the vtable capability",
				vtable.StoreUint64(0, InvokeVector), capability.ErrPermission); err != nil {
				return err
			}
			before, err := vtable.LoadUint64(0)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			base := object.class.provided.SectionBase
			if data.StoreUint64(base, InvokeVector) == nil {
				defer data.StoreUint64(base, before)
			}
			after, err := vtable.LoadUint64(0)
			if err != nil {
				return fmt.Errorf("reading vtable: %w", err)
			}
			if after != before {
				return fmt.Errorf("writing image data at %#x changed vtable slot 0 from %#x to %#x", base, before, after)
			}
			_, err = object.class.vtables.region.Slice(base, 8, memory.ProtWrite)
			return refused("write to a vtable page", err, memory.ErrFault)
		},
	},
	{
		Name:        "metadata-write",
		Description: "Attempt to enlarge the heap or swap capabilities in the metadata page",
		Category:    "memory",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			data, err := sandboxData(object)
			if err != nil {
				return err
			}
			metadata := object.layout.Metadata
			if err := refused("store to the heap length",
				data.StoreUint64(metadata+MetadataHeapLength, 1<<40), memory.ErrFault); err != nil {
				return err
			}
			return refused("replace the stack capability",
				data.StoreCapability(metadata+MetadataStack, data), memory.ErrFault)
		},
	},
	{
		Name:        "guard-pages",
		Description: "Attempt to read the guard pages around the metadata, image, heap, and stack",
		Category:    "memory",
		Severity:    "high",
		Run: func(ctx context.Context, object *Object) error {
			data, err := sandboxData(object)
			if err != nil {
				return err
			}
			for _, guard := range object.layout.Guards() {
				if guard[0] >= guard[1] {
					continue
				}
				_, err := data.LoadUint64(guard[0])
				if err := refused(fmt.Sprintf("load from guard page %#x", guard[0]), err, memory.ErrFault); err != nil {
					return err
				}
				_, err = data.LoadUint64(guard[1] - 8)
				if err := refused(fmt.Sprintf("load from guard page %#x", guard[1]-8), err, memory.ErrFault); err != nil {
					return err
				}
			}
			_, err = object.stack.Slice(0, 8, memory.ProtRead)
			return refused("read below the stack", err, memory.ErrFault)
		},
	},
	{
		Name:        "heap-overflow",
		Description: "Attempt to write past the end of the heap",
		Category:    "memory",
		Severity:    "high",
		Run: func(ctx context.Context, object *Object) error {
			data, err := sandboxData(object)
			if err != nil {
				return err
			}
			end := object.layout.HeapEnd()
			return refused("store across the heap end", data.StoreUint64(end-4, 0), memory.ErrFault)
		},
	},
	{
		Name:        "bounds-widen",
		Description: "Attempt to derive a capability larger than the data segment",
		Category:    "capability",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			data, err := sandboxData(object)
			if err != nil {
				return err
			}
			_, err = data.Bounds(0, data.Length()+memory.PageSize())
			return refused("widen the data capability", err, capability.ErrBounds)
		},
	},
	{
		Name:        "capability-forge",
		Description: "Attempt to forge a capability by copying its bytes",
		Category:    "capability",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			stack := object.domain.Stack
			data, err := sandboxData(object)
			if err != nil {
				return err
			}
			if err := stack.StoreCapability(0, data); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			descriptor := make([]byte, capability.SlotSize)
			if err := stack.Load(0, descriptor); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			if err := stack.Store(0, descriptor); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			_, err = stack.LoadCapability(0)
			return refused("load a capability from copied bytes", err, capability.ErrUntagged)
		},
	},
	{
		Name:        "stack-execute",
		Description: "Attempt to use the stack as code",
		Category:    "capability",
		Severity:    "high",
		Run: func(ctx context.Context, object *Object) error {
			return refused("execute from the stack", object.domain.Stack.CheckExecute(), capability.ErrPermission)
		},
	},
	{
		Name:        "sealed-deref",
		Description: "Attempt to read through or narrow another object's sealed data capability",
		Category:    "capability",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			sealed := object.invoke.Data()
			_, err := sealed.LoadUint64(object.layout.HeapBase)
			if err := refused("load through a sealed capability", err, capability.ErrSealed); err != nil {
				return err
			}
			_, err = sealed.Restrict(capability.PermLoad)
			return refused("derive from a sealed capability", err, capability.ErrSealed)
		},
	},
	{
		Name:        "foreign-unseal",
		Description: "Attempt to unseal an object's capability with another type",
		Category:    "capability",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			_, foreign := capability.NewType("intruder")
			_, err := foreign.Unseal(object.invoke.Data())
			return refused("unseal with a foreign type", err, capability.ErrTypeMismatch)
		},
	},
	{
		Name:        "type-confusion",
		Description: "Attempt to enter the object's code with data sealed by another type",
		Category:    "gateway",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			_, foreign := capability.NewType("intruder")
			scratch := capability.NewSegment("intruder", object.stack)
			forged, err := foreign.Seal(scratch.Root())
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			target := gateway.NewTarget(object.invoke.Code(), forged, capability.Capability{}, "", "intruder", nil)
			_, err = object.runtime.gateway.Call(ctx, target, gateway.Call{})
			return refused("call with mismatched seals", err, capability.ErrTypeMismatch)
		},
	},
	{
		Name:        "vtable-forge",
		Description: "Attempt to enter the constructor vector through a vtable built in writable memory",
		Category:    "gateway",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			// The first stack page is a guard.
			slot := memory.PageSize()
			scratch := capability.NewSegment("intruder", object.stack).Root()
			before, err := scratch.LoadUint64(slot)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			if err := scratch.StoreUint64(slot, ConstructorVector); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			defer scratch.StoreUint64(slot, before)
			word, err := scratch.Bounds(slot, gateway.SlotSize)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			forged, err := word.Restrict(capability.PermLoad)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			target := gateway.NewTarget(object.invoke.Code(), object.invoke.Data(), forged, "", object.class.name, nil)
			_, err = object.runtime.gateway.CallSlot(ctx, target, 0, gateway.Call{})
			if err := refused("call through an unsealed vtable", err, capability.ErrNotSealed); err != nil {
				return err
			}

			// A vtable sealed with the class type still cannot name a vector.
			sealed, err := object.class.sealer.Seal(forged)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			target = gateway.NewTarget(object.invoke.Code(), object.invoke.Data(), sealed, "", object.class.name, nil)
			_, err = object.runtime.gateway.CallSlot(ctx, target, 0, gateway.Call{})
			return refused("enter the constructor vector through a vtable slot", err, gateway.ErrNoEntry)
		},
	},
	{
		Name:        "stale-invoke",
		Description: "Attempt to call a destroyed object through a target taken before destruction",
		Category:    "lifecycle",
		Severity:    "critical",
		Run: func(ctx context.Context, object *Object) error {
			scratch, err := object.runtime.NewObject(ctx, object.class, object.layout.HeapLength, object.flags)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			target := scratch.Target()
			data, err := sandboxData(scratch)
			if err != nil {
				scratch.Destroy()
				return fmt.Errorf("setup: %w", err)
			}
			if err := scratch.Destroy(); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			_, err = object.runtime.gateway.Call(ctx, target, gateway.Call{})
			if err := refused("invoke through a stale target", err, capability.ErrRevoked); err != nil {
				return err
			}
			_, err = data.LoadUint64(scratch.layout.HeapBase)
			return refused("load through a stale data capability", err, capability.ErrRevoked)
		},
	},
}

// ContainmentRunner executes containment tests against one object.
type ContainmentRunner struct {
	object  *Object
	tests   []ContainmentTest
	results []ContainmentResult
}

// NewContainmentRunner creates a runner with all containment tests.
// The object must be Active.
func NewContainmentRunner(object *Object) *ContainmentRunner {
	return &ContainmentRunner{
		object: object,
		tests:  ContainmentTests,
	}
}

// RunAll runs all containment tests.
func (r *ContainmentRunner) RunAll(ctx context.Context) []ContainmentResult {
	return r.run(ctx, func(*ContainmentTest) bool { return true })
}

// RunCategory runs tests in a specific category.
func (r *ContainmentRunner) RunCategory(ctx context.Context, category string) []ContainmentResult {
	return r.run(ctx, func(test *ContainmentTest) bool { return test.Category == category })
}

func (r *ContainmentRunner) run(ctx context.Context, match func(*ContainmentTest) bool) []ContainmentResult {
	r.results = make([]ContainmentResult, 0, len(r.tests))

	for i := range r.tests {
		test := &r.tests[i]
		if !match(test) {
			continue
		}
		result := ContainmentResult{
			Test:   test,
			Passed: true,
		}

		testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := test.Run(testCtx, r.object)
		cancel()

		if err != nil {
			result.Passed = false
			result.Error = err.Error()
		}
		r.results = append(r.results, result)
	}
	return r.results
}

// Summary returns a summary of test results.
func (r *ContainmentRunner) Summary() (passed, failed int) {
	for _, result := range r.results {
		if result.Passed {
			passed++
		} else {
			failed++
		}
	}
	return
}

// PrintResults writes test results to a writer.
func (r *ContainmentRunner) PrintResults(w io.Writer) {
	fmt.Fprintf(w, "Running containment tests against %s...\n\n", r.object.Name())

	for _, result := range r.results {
		var status string
		if result.Passed {
			status = "[PASS]"
		} else {
			status = "[FAIL]"
		}

		fmt.Fprintf(w, "%s %s: %s\n", status, result.Test.Name, result.Test.Description)
		if !result.Passed {
			fmt.Fprintf(w, "       Breach: %s\n", result.Error)
		}
	}

	passed, failed := r.Summary()
	fmt.Fprintf(w, "\n%d/%d tests passed", passed, passed+failed)
	if failed == 0 {
		fmt.Fprintf(w, " - containment verified\n")
	} else {
		fmt.Fprintf(w, " - %d breaches detected!\n", failed)
	}
}

// HasFailures returns true if any attempt was not refused.
func (r *ContainmentRunner) HasFailures() bool {
	_, failed := r.Summary()
	return failed > 0
}
