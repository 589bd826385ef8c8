// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sizeclass implements the optional pre-allocated size-class
// allocator of spec.md §4.5: an array of free-lists indexed by
// log2(size)-3, each lazily reserving a contiguous region and
// parceling fixed-size blocks out of it.
//
// Grounded on lldb/flt.go's get/put slot-index arrays (index by
// requested size, keep a table of per-size-class free-list heads) and
// on davequa/HM-BoundsCheck's freeList/memSeg structs
// (instrumentation-skeleton/runtime/hmboundscheck.h) for the exact
// field layout.
package sizeclass

import (
	"github.com/cznic/raze/internal/platform"
	"github.com/cznic/raze/internal/rzcore"
	"github.com/cznic/raze/internal/rzerr"
	"github.com/cznic/raze/registry"
)

// blocksPerRegion is N in spec.md §4.5: the number of equal blocks
// carved from a freshly reserved region.
const blocksPerRegion = 10

// numClasses covers classes 0..60, i.e. sizes up to 2^63 - ample
// headroom; classes never used stay empty and cost one zero-value
// struct each.
const numClasses = 61

// sizePrefixBytes is the width of the original-size prefix word
// stored immediately before the user pointer, mirroring memSeg's
// allocsz field so Deallocate can recover it without a per-block map.
const sizePrefixBytes = 8

// block is one free-list entry: spec.md §3's "Free-list entry"
// (region_start = left_band_start + rz_sz, right_band_start =
// region_start + the class's block size). requestedSize is the size
// passed to the Allocate call currently holding the block.
type block struct {
	next                     *block
	requestedSize            uintptr
	regionStart, left, right uintptr
	region                   []byte // backing store, kept alive while free
}

type class struct {
	head  *block
	count int
	size  uintptr // the normalised block size this class serves
}

// ClassIndex returns i = log2(roundUp8Pow2(size)) - 3, with sizes
// 1, 2, 4 all mapping to i=0, per spec.md §4.5.
func ClassIndex(size uintptr) int {
	if size <= 8 {
		return 0
	}
	rounded := rzcore.RoundUpPow2(size)
	i := int(rzcore.Log2(rounded)) - 3
	if i < 0 {
		i = 0
	}
	return i
}

func classSize(i int) uintptr { return uintptr(1) << uint(i+3) }

// Allocator is the size-class allocator. It owns no lock beyond what
// the caller imposes: like the teacher's MCache/MCentral split, a
// single Allocator is intended to sit behind the same lock the active
// registry backend already requires, not to add a new one.
type Allocator struct {
	classes [numClasses]class
	rzSize  uintptr
	backend registry.Backend
	poison  byte

	// live maps a returned user pointer back to the block record
	// that backs it, so Deallocate can locate the owning class and
	// region without trusting a corrupted size prefix alone.
	live map[uintptr]*block
}

// New returns a size-class allocator whose blocks are padded with
// rzSize guard bands on each side and registered with backend.
func New(rzSize uintptr, poison byte, backend registry.Backend) *Allocator {
	return &Allocator{rzSize: rzSize, backend: backend, poison: poison, live: make(map[uintptr]*block)}
}

// reserveRegion reserves blocksPerRegion abutting blocks: the right
// band of block k is the left band of block k+1, exactly as spec.md
// §4.5 describes.
func (a *Allocator) reserveRegion(size uintptr) ([]*block, error) {
	stride := size + a.rzSize
	total := blocksPerRegion*stride + a.rzSize
	region, err := platform.ReserveAnon(total)
	if err != nil {
		return nil, err
	}
	base := platform.Addr(region)

	blocks := make([]*block, 0, blocksPerRegion)
	for k := 0; k < blocksPerRegion; k++ {
		left := base + uintptr(k)*stride
		regionStart := left + a.rzSize
		right := regionStart + size

		rzcore.Paint(region[left-base:left-base+a.rzSize], a.poison, int(a.rzSize))
		rzcore.Paint(region[right-base:right-base+a.rzSize], a.poison, int(a.rzSize))

		blocks = append(blocks, &block{
			requestedSize: size,
			regionStart:   regionStart,
			left:          left,
			right:         right,
			region:        region,
		})
	}
	return blocks, nil
}

// Allocate implements spec.md §4.5's allocate(size).
func (a *Allocator) Allocate(size uintptr) (uintptr, error) {
	if size == 0 {
		size = 1
	}
	i := ClassIndex(size)
	if i >= numClasses {
		return 0, &rzerr.ErrINVAL{Src: "sizeclass.Allocate size too large", Arg: size}
	}
	c := &a.classes[i]
	if c.size == 0 {
		c.size = classSize(i)
	}

	if c.head == nil {
		blocks, err := a.reserveRegion(c.size)
		if err != nil {
			return 0, err
		}
		for _, blk := range blocks {
			blk.next = c.head
			c.head = blk
			c.count++
		}
	}

	blk := c.head
	c.head = blk.next
	c.count--
	blk.next = nil

	if a.backend != nil {
		if err := a.backend.Register(blk.left, blk.right); err != nil {
			// Put the block back before surfacing the failure.
			blk.next = c.head
			c.head = blk
			c.count++
			return 0, err
		}
	}

	blk.requestedSize = size
	a.writeSizePrefix(blk)
	a.live[blk.regionStart] = blk
	return blk.regionStart, nil
}

// writeSizePrefix stores requestedSize in the sizePrefixBytes
// immediately preceding the user pointer, mirroring memSeg.allocsz.
func (a *Allocator) writeSizePrefix(blk *block) {
	base := platform.Addr(blk.region)
	off := blk.regionStart - base - sizePrefixBytes
	if off+sizePrefixBytes > uintptr(len(blk.region)) {
		return
	}
	n := uint64(blk.requestedSize)
	for k := 0; k < sizePrefixBytes; k++ {
		blk.region[int(off)+k] = byte(n >> (8 * uint(k)))
	}
}

// RequestedSize returns the size a live user pointer was originally
// allocated for, as recorded by Allocate (the same value Allocate
// writes into the prefix word).
func (a *Allocator) RequestedSize(userPtr uintptr) (uintptr, bool) {
	blk, ok := a.live[userPtr]
	if !ok {
		return 0, false
	}
	return blk.requestedSize, true
}

// Deallocate implements spec.md §4.5's deallocate(user_ptr).
func (a *Allocator) Deallocate(userPtr uintptr) error {
	blk, ok := a.live[userPtr]
	if !ok {
		return &rzerr.ErrRegistry{Src: "sizeclass.Deallocate unknown pointer", Arg: userPtr}
	}
	delete(a.live, userPtr)

	if a.backend != nil {
		if err := a.backend.Deregister(blk.left, blk.right); err != nil {
			return err
		}
	}

	i := ClassIndex(blk.requestedSize)
	c := &a.classes[i]
	blk.next = c.head
	c.head = blk
	c.count++
	return nil
}

// Stats reports per-class free-list occupancy, mirroring freeList's
// counter field in the original runtime.
type Stats struct {
	Index int
	Size  uintptr
	Count int
}

// Report returns occupancy for every class that has ever been used.
func (a *Allocator) Report() []Stats {
	var out []Stats
	for i := range a.classes {
		c := &a.classes[i]
		if c.size == 0 {
			continue
		}
		out = append(out, Stats{Index: i, Size: c.size, Count: c.count})
	}
	return out
}
