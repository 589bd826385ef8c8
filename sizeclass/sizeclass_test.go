// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sizeclass

import (
	"testing"

	"github.com/cznic/raze/registry/shadow"
)

func TestClassIndex(t *testing.T) {
	tab := map[uintptr]int{1: 0, 2: 0, 4: 0, 8: 0, 9: 1, 16: 1, 17: 2, 32: 2, 33: 3, 64: 3}
	for size, want := range tab {
		if got := ClassIndex(size); got != want {
			t.Errorf("ClassIndex(%d) = %d, want %d", size, got, want)
		}
	}
}

// newBackedAllocator uses registry back-end B, the back-end the
// size-class allocator runs with: its abutting blocks share band
// addresses, which back-end A rejects as duplicate endpoints. The
// full shadow.DefaultSize reservation covers the real (and
// unpredictable) addresses the region allocator gets back from the
// host OS.
func newBackedAllocator(t *testing.T) (*Allocator, func()) {
	t.Helper()
	be, err := shadow.New(0, 0, 32, shadow.EncodingWord)
	if err != nil {
		t.Fatalf("shadow.New: %v", err)
	}
	a := New(32, 0xFF, be)
	return a, func() { be.Close() }
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	a, cleanup := newBackedAllocator(t)
	defer cleanup()

	p, err := a.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if p == 0 {
		t.Fatal("Allocate returned nil pointer")
	}

	if sz, ok := a.RequestedSize(p); !ok || sz != 16 {
		t.Fatalf("RequestedSize = %d, %v; want 16, true", sz, ok)
	}

	if err := a.Deallocate(p); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if _, ok := a.RequestedSize(p); ok {
		t.Fatal("RequestedSize should fail for a freed pointer")
	}
}

func TestRegionReuseAfterExhaustion(t *testing.T) {
	a, cleanup := newBackedAllocator(t)
	defer cleanup()

	var ptrs []uintptr
	for i := 0; i < blocksPerRegion+1; i++ {
		p, err := a.Allocate(16)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}

	seen := make(map[uintptr]bool)
	for _, p := range ptrs {
		if seen[p] {
			t.Fatalf("duplicate live pointer %#x", p)
		}
		seen[p] = true
	}

	for _, p := range ptrs {
		if err := a.Deallocate(p); err != nil {
			t.Fatalf("Deallocate(%#x): %v", p, err)
		}
	}
}

func TestReportReflectsFreedBlocks(t *testing.T) {
	a, cleanup := newBackedAllocator(t)
	defer cleanup()

	p, err := a.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Deallocate(p); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	for _, s := range a.Report() {
		if s.Size == 16 && s.Count != blocksPerRegion {
			t.Fatalf("Report for size 16: count = %d, want %d (all blocks free)", s.Count, blocksPerRegion)
		}
	}
}
