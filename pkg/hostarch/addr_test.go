// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostarch

import (
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr     Addr
		down, up Addr
		aligned  bool
	}{
		{0, 0, 0, true},
		{1, 0, PageSize, false},
		{PageSize, PageSize, PageSize, true},
		{PageSize + 17, PageSize, 2 * PageSize, false},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); !ok || got != tc.up {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, true)", tc.addr, got, ok, tc.up)
		}
		if got := tc.addr.IsPageAligned(); got != tc.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", tc.addr, got, tc.aligned)
		}
	}
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address did not report wraparound")
	}
}

func TestAddrRange(t *testing.T) {
	ar := AddrRange{PageSize, 3 * PageSize}
	if got := ar.Length(); got != 2*PageSize {
		t.Errorf("Length() = %d, want %d", got, 2*PageSize)
	}
	if !ar.Contains(PageSize) || ar.Contains(3*PageSize) {
		t.Errorf("Contains is not half-open for %v", ar)
	}
	if !ar.IsSupersetOf(AddrRange{2 * PageSize, 3 * PageSize}) {
		t.Errorf("%v should contain its tail page", ar)
	}
	if got := ar.Intersect(AddrRange{4 * PageSize, 5 * PageSize}); got.Length() != 0 {
		t.Errorf("Intersect of disjoint ranges = %v, want empty", got)
	}
	if _, ok := Addr(^uintptr(0)).ToRange(2); ok {
		t.Errorf("ToRange overflow not detected")
	}
}

func TestAccessType(t *testing.T) {
	if !ReadWrite.SupersetOf(Read) {
		t.Errorf("rw- should be a superset of r--")
	}
	if Read.SupersetOf(Write) {
		t.Errorf("r-- should not be a superset of -w-")
	}
	if got := ReadWrite.Intersect(Read).String(); got != "r--" {
		t.Errorf("Intersect = %s, want r--", got)
	}
}
