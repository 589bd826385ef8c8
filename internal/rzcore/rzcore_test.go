// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rzcore

import "testing"

func TestRZSize(t *testing.T) {
	tab := []struct {
		scale Scale
		size  int
		ok    bool
	}{
		{3, 8, true},
		{5, 32, true},
		{7, 128, true},
		{10, 1024, true},
		{2, 0, false},
		{11, 0, false},
	}
	for _, test := range tab {
		got, err := RZSize(test.scale)
		if test.ok && err != nil {
			t.Errorf("RZSize(%d): unexpected error %v", test.scale, err)
			continue
		}
		if !test.ok && err == nil {
			t.Errorf("RZSize(%d): expected error, got none", test.scale)
			continue
		}
		if test.ok && got != test.size {
			t.Errorf("RZSize(%d) = %d, want %d", test.scale, got, test.size)
		}
	}
}

func TestPaint(t *testing.T) {
	mem := make([]byte, 16)
	Paint(mem, 0xFF, 8)
	for i := 0; i < 8; i++ {
		if mem[i] != 0xFF {
			t.Fatalf("mem[%d] = %#x, want 0xff", i, mem[i])
		}
	}
	for i := 8; i < 16; i++ {
		if mem[i] != 0 {
			t.Fatalf("mem[%d] = %#x, want 0 (untouched)", i, mem[i])
		}
	}
}

func TestPaintClampsToSliceLen(t *testing.T) {
	mem := make([]byte, 4)
	Paint(mem, 0x2A, 64) // n exceeds len(mem); must not panic or overrun
	for i, b := range mem {
		if b != 0x2A {
			t.Fatalf("mem[%d] = %#x, want 0x2a", i, b)
		}
	}
}

func TestRoundUpPow2(t *testing.T) {
	tab := map[uintptr]uintptr{
		1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 8: 8, 9: 16, 16: 16, 17: 32,
	}
	for in, want := range tab {
		if got := RoundUpPow2(in); got != want {
			t.Errorf("RoundUpPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestIsValidScale(t *testing.T) {
	if !IsValidScale(DefaultScale) {
		t.Fatal("DefaultScale must be valid")
	}
	if IsValidScale(MinScale - 1) {
		t.Fatal("MinScale-1 must be invalid")
	}
	if IsValidScale(MaxScale + 1) {
		t.Fatal("MaxScale+1 must be invalid")
	}
}
