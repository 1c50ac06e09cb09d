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

package machine

import (
	"fmt"

	"golang.org/x/sys/unix"

	"corevm.dev/corevm/pkg/hostarch"
)

// MaxRAMSize is the largest physical memory the kernel can reach through
// its direct-mapped segment.
const MaxRAMSize = 512 << 20

// RAM is the machine's physical memory.
//
// Physical address 0 is the first byte of the mapping. The kernel image
// occupies [0, firstpaddr); Bounds reports the rest.
type RAM struct {
	mem       []byte
	firstFree hostarch.PhysAddr
}

// NewRAM maps size bytes of anonymous memory, the first reserved bytes of
// which hold the kernel image.
func NewRAM(size, reserved uint32) (*RAM, error) {
	switch {
	case size == 0 || size%hostarch.PageSize != 0:
		return nil, fmt.Errorf("RAM size %#x is not a positive multiple of the page size", size)
	case size > MaxRAMSize:
		return nil, fmt.Errorf("RAM size %#x exceeds the direct-mapped segment (%#x)", size, MaxRAMSize)
	case reserved%hostarch.PageSize != 0:
		return nil, fmt.Errorf("kernel reservation %#x is not page aligned", reserved)
	case reserved >= size:
		return nil, fmt.Errorf("kernel reservation %#x leaves no free memory in %#x bytes of RAM", reserved, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes of RAM: %w", size, err)
	}
	return &RAM{
		mem:       mem,
		firstFree: hostarch.PhysAddr(reserved),
	}, nil
}

// Size returns the size of physical memory in bytes.
func (r *RAM) Size() uint32 {
	return uint32(len(r.mem))
}

// Bounds returns the range of physical memory not occupied by the kernel
// image: [first, last).
func (r *RAM) Bounds() (first, last hostarch.PhysAddr) {
	return r.firstFree, hostarch.PhysAddr(len(r.mem))
}

// Page returns the bytes of the page frame at pa.
//
// Preconditions: pa is page aligned and inside RAM.
func (r *RAM) Page(pa hostarch.PhysAddr) []byte {
	if !pa.IsPageAligned() || uint64(pa)+hostarch.PageSize > uint64(len(r.mem)) {
		panic(fmt.Sprintf("physical page %v outside RAM of %#x bytes", pa, len(r.mem)))
	}
	return r.mem[pa : pa+hostarch.PageSize : pa+hostarch.PageSize]
}

// Zero fills npages frames starting at pa with zeroes.
func (r *RAM) Zero(pa hostarch.PhysAddr, npages uint32) {
	for i := uint32(0); i < npages; i++ {
		clear(r.Page(pa + hostarch.PhysAddr(i*hostarch.PageSize)))
	}
}

// Close unmaps the memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// PaddrToKvaddr returns the kernel virtual address through which the kernel
// reaches physical address pa.
func PaddrToKvaddr(pa hostarch.PhysAddr) hostarch.Addr {
	return hostarch.KSeg0 + hostarch.Addr(pa)
}

// KvaddrToPaddr is the inverse of PaddrToKvaddr.
//
// Preconditions: va is a direct-mapped kernel address.
func KvaddrToPaddr(va hostarch.Addr) hostarch.PhysAddr {
	if va < hostarch.KSeg0 || va-hostarch.KSeg0 >= MaxRAMSize {
		panic(fmt.Sprintf("%v is not a direct-mapped kernel address", va))
	}
	return hostarch.PhysAddr(va - hostarch.KSeg0)
}
