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

// Package hostarch describes the address arithmetic of the simulated machine:
// a 32-bit MIPS-like processor with 4K pages.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page and of a physical frame.
	PageSize = 1 << PageShift

	// PageMask is the mask of the offset bits within a page.
	PageMask = PageSize - 1
)

const (
	// KSeg0 is the base of the kernel's direct-mapped, cached segment.
	// Physical address pa is visible to the kernel at KSeg0+pa.
	KSeg0 Addr = 0x80000000

	// UserStack is the top of the user stack. The stack grows down from
	// here; it is also the first address of kernel space.
	UserStack Addr = 0x80000000
)
