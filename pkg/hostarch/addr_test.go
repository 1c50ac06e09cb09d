// Copyright 2026 The corevm Authors.
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

func TestRounding(t *testing.T) {
	for _, test := range []struct {
		addr     Addr
		down     Addr
		up       Addr
		upOK     bool
		offset   uint32
		expected bool
	}{
		{addr: 0, down: 0, up: 0, upOK: true, offset: 0, expected: true},
		{addr: 0x1000, down: 0x1000, up: 0x1000, upOK: true, offset: 0, expected: true},
		{addr: 0x1001, down: 0x1000, up: 0x2000, upOK: true, offset: 1},
		{addr: 0x3fff, down: 0x3000, up: 0x4000, upOK: true, offset: 0xfff},
		{addr: 0xfffff001, down: 0xfffff000, up: 0, upOK: false, offset: 1},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.down)
		}
		up, ok := test.addr.RoundUp()
		if ok != test.upOK || (ok && up != test.up) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", test.addr, up, ok, test.up, test.upOK)
		}
		if got := test.addr.PageOffset(); got != test.offset {
			t.Errorf("%v.PageOffset() = %#x, want %#x", test.addr, got, test.offset)
		}
		if got := test.addr.IsPageAligned(); got != test.expected {
			t.Errorf("%v.IsPageAligned() = %t, want %t", test.addr, got, test.expected)
		}
	}
}

func TestPagesIn(t *testing.T) {
	for _, test := range []struct {
		size uint32
		want uint32
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{0xffffffff, 1 << 20},
	} {
		if got := PagesIn(test.size); got != test.want {
			t.Errorf("PagesIn(%#x) = %d, want %d", test.size, got, test.want)
		}
	}
}

func TestAddrRange(t *testing.T) {
	ar, ok := Addr(0x1000).ToRange(2 * PageSize)
	if !ok {
		t.Fatalf("ToRange overflowed")
	}
	if !ar.Contains(0x1000) || !ar.Contains(0x2fff) {
		t.Errorf("%v does not contain its own pages", ar)
	}
	if ar.Contains(0x3000) || ar.Contains(0xfff) {
		t.Errorf("%v contains addresses outside it", ar)
	}
	if _, ok := Addr(0xfffff000).ToRange(2 * PageSize); ok {
		t.Errorf("ToRange did not report overflow")
	}
}

func TestAccessTypeString(t *testing.T) {
	for at, want := range map[AccessType]string{
		NoAccess:  "---",
		Read:      "r--",
		ReadWrite: "rw-",
		AnyAccess: "rwx",
		{Read: true, Execute: true}: "r-x",
	} {
		if got := at.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", at, got, want)
		}
	}
}
