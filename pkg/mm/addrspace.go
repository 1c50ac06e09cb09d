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

package mm

import (
	"fmt"

	"corevm.dev/corevm/pkg/cleanup"
	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/log"
)

// segment is a contiguous, page-aligned range of user addresses, each page
// backed by its own frame.
type segment struct {
	base   hostarch.Addr
	npages uint32
	perms  hostarch.AccessType

	// frames[i] backs page i. It is filled in by PrepareLoad, and may be
	// shorter than npages if PrepareLoad ran out of memory.
	frames []hostarch.PhysAddr
}

func (s *segment) end() hostarch.Addr {
	return s.base + hostarch.Addr(s.npages*hostarch.PageSize)
}

// contains returns true if the page-aligned address addr is in s.
func (s *segment) contains(addr hostarch.Addr) bool {
	return addr >= s.base && uint32(addr-s.base)/hostarch.PageSize < s.npages
}

// frame returns the frame backing the page at addr.
//
// Preconditions: s.contains(addr) and s is prepared.
func (s *segment) frame(addr hostarch.Addr) hostarch.PhysAddr {
	return s.frames[uint32(addr-s.base)/hostarch.PageSize]
}

// Segment indexes.
const (
	// CodeSegment is the first region defined. It becomes read-only once
	// the load completes.
	CodeSegment = 0

	// DataSegment is the second region defined.
	DataSegment = 1

	// StackSegment is the user stack.
	StackSegment = 2

	numRegions = 2
)

// AddrSpace is a user address space.
//
// An AddrSpace is owned by one process at a time and is not safe for
// concurrent mutation.
type AddrSpace struct {
	mm *Manager

	// regions holds the segments defined by DefineRegion, in order. A nil
	// entry is unset.
	regions [numRegions]*segment

	// stack is always StackPages pages ending at UserStack. Its frames are
	// allocated by PrepareLoad.
	stack segment

	// prepared is set when PrepareLoad starts. No region may be defined
	// afterwards.
	prepared bool

	// loadComplete is set by CompleteLoad. From then on the code segment
	// is mapped read-only.
	loadComplete bool

	destroyed bool
}

// Create returns a new, empty address space.
func (m *Manager) Create() (*AddrSpace, error) {
	if n := m.live.Add(1); m.maxAddressSpaces > 0 && n > int64(m.maxAddressSpaces) {
		m.live.Add(-1)
		m.ops.Increment(opCreateFailed)
		return nil, kernerr.ENOMEM
	}
	m.ops.Increment(opCreate)
	return &AddrSpace{
		mm: m,
		stack: segment{
			base:   StackBase,
			npages: StackPages,
			perms:  hostarch.ReadWrite,
		},
	}, nil
}

// DefineRegion sets up a region of size bytes at vaddr. The region is
// widened to whole pages. Permissions are recorded but every page is mapped
// read-write, except that the first region becomes read-only once the load
// is complete.
//
// At most two regions are supported; a third returns EUNIMP. Regions must be
// defined before PrepareLoad and must lie below the stack.
func (as *AddrSpace) DefineRegion(vaddr hostarch.Addr, size uint32, perms hostarch.AccessType) error {
	if as.prepared {
		return kernerr.EINVAL
	}

	off := vaddr.PageOffset()
	if size+off < size {
		return kernerr.EINVAL
	}
	vaddr = vaddr.RoundDown()
	size, ok := hostarch.PageRoundUp(size + off)
	if !ok {
		return kernerr.EINVAL
	}
	if end, ok := vaddr.AddLength(size); !ok || end > StackBase {
		return kernerr.EINVAL
	}

	seg := &segment{
		base:   vaddr,
		npages: size / hostarch.PageSize,
		perms:  perms,
	}
	for i, r := range as.regions {
		if r == nil {
			as.regions[i] = seg
			if log.IsLogging(log.Debug) {
				log.Debugf("mm: region %d: [%v, %v) %v", i, seg.base, seg.end(), perms)
			}
			return nil
		}
	}
	as.mm.warn.Warningf("mm: too many regions, ignoring [%v, %v)", seg.base, seg.end())
	return kernerr.EUNIMP
}

// PrepareLoad allocates and zeroes a frame for every page of every region
// and of the stack.
//
// If memory runs out, PrepareLoad returns ENOMEM and keeps the frames it did
// allocate; the caller must Destroy the address space.
//
// Preconditions: PrepareLoad has not been called before.
func (as *AddrSpace) PrepareLoad() error {
	if as.prepared {
		panic("mm: PrepareLoad called twice")
	}
	as.prepared = true
	for _, seg := range as.segments() {
		if err := as.populate(seg); err != nil {
			return err
		}
	}
	return nil
}

// populate backs every page of seg with a zeroed frame.
func (as *AddrSpace) populate(seg *segment) error {
	seg.frames = make([]hostarch.PhysAddr, 0, seg.npages)
	for i := uint32(0); i < seg.npages; i++ {
		pa, err := as.mm.alloc.Allocate(1)
		if err != nil {
			return err
		}
		as.mm.ram.Zero(pa, 1)
		seg.frames = append(seg.frames, pa)
	}
	return nil
}

// segments returns the defined regions followed by the stack.
func (as *AddrSpace) segments() []*segment {
	segs := make([]*segment, 0, numRegions+1)
	for _, r := range as.regions {
		if r != nil {
			segs = append(segs, r)
		}
	}
	return append(segs, &as.stack)
}

// CompleteLoad marks the program as loaded. Code pages faulted in afterwards
// are mapped read-only.
func (as *AddrSpace) CompleteLoad() {
	as.loadComplete = true
}

// LoadComplete returns true if CompleteLoad has been called.
func (as *AddrSpace) LoadComplete() bool {
	return as.loadComplete
}

// DefineStack returns the initial user stack pointer.
//
// Preconditions: PrepareLoad has completed successfully.
func (as *AddrSpace) DefineStack() hostarch.Addr {
	if uint32(len(as.stack.frames)) != as.stack.npages {
		panic(fmt.Sprintf("mm: DefineStack with %d of %d stack pages prepared", len(as.stack.frames), as.stack.npages))
	}
	return hostarch.UserStack
}

// Copy returns a new address space with the same layout as as and a copy of
// its contents. On failure nothing is left allocated.
func (as *AddrSpace) Copy() (*AddrSpace, error) {
	nas, err := as.mm.Create()
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(nas.Destroy)
	defer cu.Clean()

	for i, r := range as.regions {
		if r != nil {
			nas.regions[i] = &segment{
				base:   r.base,
				npages: r.npages,
				perms:  r.perms,
			}
		}
	}
	if err := nas.PrepareLoad(); err != nil {
		return nil, kernerr.ENOMEM
	}

	src, dst := as.segments(), nas.segments()
	for i := range src {
		for j, pa := range src[i].frames {
			copy(as.mm.ram.Page(dst[i].frames[j]), as.mm.ram.Page(pa))
		}
	}
	nas.loadComplete = as.loadComplete

	cu.Release()
	as.mm.ops.Increment(opCopy)
	return nas, nil
}

// Destroy frees every frame the address space owns.
//
// Preconditions: Destroy has not been called before.
func (as *AddrSpace) Destroy() {
	if as.destroyed {
		panic("mm: address space destroyed twice")
	}
	as.destroyed = true
	for _, seg := range as.segments() {
		for _, pa := range seg.frames {
			as.mm.alloc.Free(pa)
		}
		seg.frames = nil
	}
	as.mm.live.Add(-1)
	as.mm.ops.Increment(opDestroy)
}

// Destroyed returns true if Destroy has been called.
func (as *AddrSpace) Destroyed() bool {
	return as.destroyed
}

// lookup returns the segment index containing the page-aligned address addr
// and the frame backing it.
func (as *AddrSpace) lookup(addr hostarch.Addr) (int, hostarch.PhysAddr, bool) {
	for i, r := range as.regions {
		if r != nil && r.contains(addr) {
			return i, r.frame(addr), true
		}
	}
	if as.stack.contains(addr) {
		return StackSegment, as.stack.frame(addr), true
	}
	return 0, 0, false
}

// SegmentInfo describes one segment of an address space.
type SegmentInfo struct {
	Index  int
	Range  hostarch.AddrRange
	Perms  hostarch.AccessType
	Frames []hostarch.PhysAddr
}

// Segments returns a description of the defined regions and the stack.
func (as *AddrSpace) Segments() []SegmentInfo {
	var infos []SegmentInfo
	add := func(idx int, s *segment) {
		infos = append(infos, SegmentInfo{
			Index:  idx,
			Range:  hostarch.AddrRange{Start: s.base, End: s.end()},
			Perms:  s.perms,
			Frames: append([]hostarch.PhysAddr(nil), s.frames...),
		})
	}
	for i, r := range as.regions {
		if r != nil {
			add(i, r)
		}
	}
	add(StackSegment, &as.stack)
	return infos
}
