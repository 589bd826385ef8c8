// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shadow

import (
	"testing"

	"github.com/cznic/raze/registry"
)

// testShadowSize is far smaller than DefaultSize: tests only need
// enough shadow bytes to cover a handful of small, low test
// addresses shifted right by 3.
const testShadowSize = 1 << 20

const testRZSize = 32

func newTestRegistry(t *testing.T, enc Encoding) *Registry {
	t.Helper()
	r, err := New(0, testShadowSize, testRZSize, enc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWordEncodingRoundTrip(t *testing.T) {
	r := newTestRegistry(t, EncodingWord)

	left := uintptr(4096)
	userSize := uintptr(20) // not a multiple of 8, exercises the tail byte
	right := left + testRZSize + userSize

	if err := r.Register(left, right); err != nil {
		t.Fatalf("Register: %v", err)
	}

	user := left + testRZSize
	for o := uintptr(0); o < userSize; o++ {
		v, err := r.Query(user+o, 1)
		if err != nil || v != registry.Addressable {
			t.Fatalf("Query(user+%d) = %v, %v; want Addressable", o, v, err)
		}
	}
	if v, _ := r.Query(left, 1); v != registry.Forbidden {
		t.Fatalf("Query(left) = %v, want Forbidden", v)
	}
	if v, _ := r.Query(right, 1); v != registry.Forbidden {
		t.Fatalf("Query(right) = %v, want Forbidden", v)
	}

	if err := r.Deregister(left, right); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if v, _ := r.Query(user, 1); v != registry.Forbidden {
		t.Fatalf("Query after Deregister = %v, want Forbidden (freed poison)", v)
	}
}

func TestBitEncodingRoundTrip(t *testing.T) {
	r := newTestRegistry(t, EncodingBit)

	left := uintptr(8192)
	userSize := uintptr(10)
	right := left + testRZSize + userSize

	if err := r.Register(left, right); err != nil {
		t.Fatalf("Register: %v", err)
	}

	user := left + testRZSize
	for o := uintptr(0); o < userSize; o++ {
		v, err := r.Query(user+o, 1)
		if err != nil || v != registry.Addressable {
			t.Fatalf("Query(user+%d) = %v, %v; want Addressable", o, v, err)
		}
	}
	if v, _ := r.Query(left, 1); v != registry.Forbidden {
		t.Fatalf("Query(left) = %v, want Forbidden", v)
	}
}

func TestMultiByteAccessSpanningGuardBand(t *testing.T) {
	r := newTestRegistry(t, EncodingWord)

	left := uintptr(16384)
	userSize := uintptr(16)
	right := left + testRZSize + userSize
	if err := r.Register(left, right); err != nil {
		t.Fatalf("Register: %v", err)
	}

	user := left + testRZSize
	// Access [user+14, user+14+4) overruns into the right band.
	if v, _ := r.Query(user+14, 4); v != registry.Forbidden {
		t.Fatalf("Query(user+14, 4) = %v, want Forbidden", v)
	}
	// Access [user+14, user+14+2) stays in bounds.
	if v, _ := r.Query(user+14, 2); v != registry.Addressable {
		t.Fatalf("Query(user+14, 2) = %v, want Addressable", v)
	}
}
