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

// Package pgalloc allocates physical page frames.
//
// Before Bootstrap, frames are carved off the bottom of free memory by a bump
// allocator and are never returned. Bootstrap builds the frame table (the
// "coremap") over the memory that remains; from then on every allocation is
// a first-fit scan of the table.
//
// Lock order: the bump lock and the table lock are never held together,
// except by Bootstrap, which takes the bump lock first.
package pgalloc

import (
	"fmt"
	"sync/atomic"

	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/log"
	"corevm.dev/corevm/pkg/machine"
	"corevm.dev/corevm/pkg/metric"
	"corevm.dev/corevm/pkg/sync"
)

// checkInvariants enables expensive validation of the whole frame table
// after every table operation.
const checkInvariants = false

// Allocator names, used as metric field values.
const (
	allocatorBump    = "bump"
	allocatorCoremap = "coremap"
)

// Options configures an Allocator.
type Options struct {
	// Metrics is the registry the allocator's metrics are created in. If
	// nil, a private registry is used.
	Metrics *metric.Registry
}

// Allocator hands out physical frames of a machine's RAM.
type Allocator struct {
	ram *machine.RAM

	// ready is set once the frame table exists. It never goes back to
	// false.
	ready atomic.Bool

	// bumpMu protects the bump cursor.
	bumpMu sync.Mutex

	// bumpNext is the first frame the bump allocator has not handed out.
	//
	// +checklocks:bumpMu
	bumpNext hostarch.PhysAddr

	// mu protects the frame table.
	mu sync.Mutex

	// base is the physical address of the frame described by frames[0].
	// It is immutable after Bootstrap.
	base hostarch.PhysAddr

	// frames is the frame table. Its length is immutable after Bootstrap.
	//
	// +checklocks:mu
	frames []FrameState

	// free is the number of Free entries in frames.
	//
	// +checklocks:mu
	free int

	allocations *metric.Uint64Metric
	failures    *metric.Uint64Metric
	frees       *metric.Uint64Metric
}

// New returns an allocator for ram. The allocator starts in the bump phase.
func New(ram *machine.RAM, opts Options) *Allocator {
	reg := opts.Metrics
	if reg == nil {
		reg = metric.NewRegistry()
	}
	first, _ := ram.Bounds()
	a := &Allocator{
		ram:      ram,
		bumpNext: first,
	}
	allocatorField := metric.NewField("allocator", allocatorBump, allocatorCoremap)
	a.allocations = reg.MustCreateNewUint64Metric("/pgalloc/allocations", "Successful frame allocation requests.", allocatorField)
	a.failures = reg.MustCreateNewUint64Metric("/pgalloc/allocation_failures", "Frame allocation requests that failed for lack of memory.", allocatorField)
	a.frees = reg.MustCreateNewUint64Metric("/pgalloc/frees", "Frame table allocations freed.")
	reg.MustRegisterCustomUint64Metric("/pgalloc/free_frames", false, "Free entries in the frame table.", func(...string) uint64 {
		return uint64(a.Usage().Free)
	})
	reg.MustRegisterCustomUint64Metric("/pgalloc/total_frames", false, "Entries in the frame table.", func(...string) uint64 {
		return uint64(a.Usage().Total)
	})
	return a
}

// RAM returns the memory the allocator manages.
func (a *Allocator) RAM() *machine.RAM {
	return a.ram
}

// Ready returns true once Bootstrap has run.
func (a *Allocator) Ready() bool {
	return a.ready.Load()
}

// Bootstrap builds the frame table over all memory the bump allocator has
// not handed out, and switches the allocator to it.
//
// Preconditions: Bootstrap has not been called before.
func (a *Allocator) Bootstrap() {
	a.bumpMu.Lock()
	defer a.bumpMu.Unlock()
	if a.ready.Load() {
		panic("pgalloc: Bootstrap called twice")
	}

	_, last := a.ram.Bounds()
	first := a.bumpNext
	n := int((last - first) / hostarch.PageSize)

	a.mu.Lock()
	a.base = first
	a.frames = make([]FrameState, n)
	a.free = n
	a.mu.Unlock()

	a.ready.Store(true)
	log.Infof("pgalloc: frame table covers %d frames [%v, %v)", n, first, last)
}

// Allocate allocates n physically contiguous frames and returns the address
// of the first. It returns ENOMEM if no run of n free frames exists, in
// which case nothing is allocated.
//
// Allocated frames are not zeroed.
//
// Preconditions: n > 0.
func (a *Allocator) Allocate(n int) (hostarch.PhysAddr, error) {
	if n <= 0 {
		panic(fmt.Sprintf("pgalloc: Allocate(%d)", n))
	}
	if !a.ready.Load() {
		if pa, handled, err := a.bumpAllocate(n); handled {
			return pa, err
		}
		// Bootstrap raced with us; fall through to the table.
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.findRunLocked(n)
	if !ok {
		a.failures.Increment(allocatorCoremap)
		return 0, kernerr.ENOMEM
	}
	a.frames[idx] = AllocationStart
	for i := 2; i <= n; i++ {
		a.frames[idx+i-1] = Continuation(uint32(i))
	}
	a.free -= n
	if checkInvariants {
		if err := a.validateLocked(); err != nil {
			panic(fmt.Sprintf("pgalloc: after Allocate(%d): %v", n, err))
		}
	}
	a.allocations.Increment(allocatorCoremap)
	return a.frameAddr(idx), nil
}

// bumpAllocate serves an allocation before the frame table exists. It
// returns handled == false if the table was built in the meantime.
func (a *Allocator) bumpAllocate(n int) (pa hostarch.PhysAddr, handled bool, err error) {
	a.bumpMu.Lock()
	defer a.bumpMu.Unlock()
	if a.ready.Load() {
		return 0, false, nil
	}
	_, last := a.ram.Bounds()
	size := uint64(n) * hostarch.PageSize
	if uint64(a.bumpNext)+size > uint64(last) {
		a.failures.Increment(allocatorBump)
		return 0, true, kernerr.ENOMEM
	}
	pa = a.bumpNext
	a.bumpNext += hostarch.PhysAddr(size)
	a.allocations.Increment(allocatorBump)
	return pa, true, nil
}

// findRunLocked returns the index of the first run of n Free entries,
// scanning from the start of the table.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) findRunLocked(n int) (int, bool) {
	run := 0
	for i, s := range a.frames {
		if !s.IsFree() {
			run = 0
			continue
		}
		if run++; run == n {
			return i - n + 1, true
		}
	}
	return 0, false
}

// Free frees the allocation starting at pa and returns the number of frames
// released.
//
// Preconditions: pa was returned by Allocate after Bootstrap and has not
// been freed since.
func (a *Allocator) Free(pa hostarch.PhysAddr) int {
	if !a.ready.Load() {
		panic(fmt.Sprintf("pgalloc: Free(%v) before Bootstrap", pa))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.frameIndexLocked(pa)
	if !ok {
		panic(fmt.Sprintf("pgalloc: Free(%v) outside frame table [%v, %v)", pa, a.base, a.frameAddr(len(a.frames))))
	}
	if s := a.frames[idx]; !s.IsStart() {
		panic(fmt.Sprintf("pgalloc: Free(%v) of frame in state %v", pa, s))
	}
	a.frames[idx] = Free
	n := 1
	// The last allocation in the table has no entry after it; stop there.
	for i := idx + 1; i < len(a.frames) && a.frames[i].IsContinuation(); i++ {
		a.frames[i] = Free
		n++
	}
	a.free += n
	if checkInvariants {
		if err := a.validateLocked(); err != nil {
			panic(fmt.Sprintf("pgalloc: after Free(%v): %v", pa, err))
		}
	}
	a.frees.Increment()
	return n
}

// frameIndexLocked returns the table index describing the frame at pa.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) frameIndexLocked(pa hostarch.PhysAddr) (int, bool) {
	if pa < a.base || !pa.IsPageAligned() {
		return 0, false
	}
	idx := int((pa - a.base) / hostarch.PageSize)
	return idx, idx < len(a.frames)
}

func (a *Allocator) frameAddr(idx int) hostarch.PhysAddr {
	return a.base + hostarch.PhysAddr(idx)*hostarch.PageSize
}

// validateLocked checks that every continuation directly follows its
// predecessor in the same allocation and that the free count is right.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) validateLocked() error {
	free := 0
	for i, s := range a.frames {
		switch {
		case s.IsFree():
			free++
		case s.IsContinuation():
			if i == 0 || a.frames[i-1].Ordinal() != s.Ordinal()-1 {
				return fmt.Errorf("entry %d is %v but follows %v", i, s, a.frames[max(i-1, 0)])
			}
		}
	}
	if free != a.free {
		return fmt.Errorf("free count %d, table has %d free entries", a.free, free)
	}
	return nil
}

// Usage describes frame table occupancy.
type Usage struct {
	// Total is the number of frames in the table.
	Total int

	// Free is the number of free frames in the table.
	Free int

	// Stolen is the number of bytes handed out by the bump allocator.
	Stolen uint32
}

// Usage returns current frame table occupancy. Before Bootstrap, Total and
// Free are zero.
func (a *Allocator) Usage() Usage {
	a.bumpMu.Lock()
	first, _ := a.ram.Bounds()
	stolen := uint32(a.bumpNext - first)
	a.bumpMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{
		Total:  len(a.frames),
		Free:   a.free,
		Stolen: stolen,
	}
}

// Snapshot returns a copy of the frame table and the address of the frame
// its first entry describes.
func (a *Allocator) Snapshot() (hostarch.PhysAddr, []FrameState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.base, append([]FrameState(nil), a.frames...)
}
