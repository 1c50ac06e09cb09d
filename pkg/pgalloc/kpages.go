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

package pgalloc

import (
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/machine"
)

// AllocKPages allocates n contiguous frames for the kernel and returns their
// direct-mapped kernel virtual address, or 0 if memory is exhausted.
func (a *Allocator) AllocKPages(n int) hostarch.Addr {
	pa, err := a.Allocate(n)
	if err != nil {
		return 0
	}
	return machine.PaddrToKvaddr(pa)
}

// FreeKPages frees an allocation made by AllocKPages.
func (a *Allocator) FreeKPages(kva hostarch.Addr) {
	a.Free(machine.KvaddrToPaddr(kva))
}

// KPage returns the bytes of the kernel page at kva.
func (a *Allocator) KPage(kva hostarch.Addr) []byte {
	return a.ram.Page(machine.KvaddrToPaddr(kva))
}
