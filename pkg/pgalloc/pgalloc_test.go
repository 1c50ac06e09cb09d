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
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/machine"
	"corevm.dev/corevm/pkg/metric"
	"corevm.dev/corevm/pkg/sync"
)

const (
	page = hostarch.PageSize

	// testRAMPages frames of RAM, the first testReservedPages of which hold
	// the kernel.
	testRAMPages      = 32
	testReservedPages = 2
	testTablePages    = testRAMPages - testReservedPages
)

func newTestAllocator(t *testing.T, reg *metric.Registry) *Allocator {
	t.Helper()
	ram, err := machine.NewRAM(testRAMPages*page, testReservedPages*page)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	return New(ram, Options{Metrics: reg})
}

func newBootstrapped(t *testing.T) *Allocator {
	t.Helper()
	a := newTestAllocator(t, nil)
	a.Bootstrap()
	return a
}

func mustAllocate(t *testing.T, a *Allocator, n int) hostarch.PhysAddr {
	t.Helper()
	pa, err := a.Allocate(n)
	if err != nil {
		t.Fatalf("Allocate(%d) failed: %v", n, err)
	}
	return pa
}

func snapshot(a *Allocator) []FrameState {
	_, frames := a.Snapshot()
	return frames
}

func expectPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	f()
}

func TestBumpBeforeBootstrap(t *testing.T) {
	a := newTestAllocator(t, nil)
	first, _ := a.RAM().Bounds()

	if got := mustAllocate(t, a, 2); got != first {
		t.Errorf("first bump allocation = %v, want %v", got, first)
	}
	if got := mustAllocate(t, a, 1); got != first+2*page {
		t.Errorf("second bump allocation = %v, want %v", got, first+2*page)
	}
	if a.Ready() {
		t.Fatalf("Ready() before Bootstrap")
	}

	a.Bootstrap()
	base, frames := a.Snapshot()
	if base != first+3*page {
		t.Errorf("frame table base = %v, want %v", base, first+3*page)
	}
	want := Usage{Total: testTablePages - 3, Free: testTablePages - 3, Stolen: 3 * page}
	if diff := cmp.Diff(want, a.Usage()); diff != "" {
		t.Errorf("Usage() mismatch (-want +got):\n%s", diff)
	}
	if len(frames) != want.Total {
		t.Errorf("len(frames) = %d, want %d", len(frames), want.Total)
	}

	// Stolen memory never comes back.
	expectPanic(t, "Free of a bump allocation", func() { a.Free(first) })
}

func TestBumpExhaustion(t *testing.T) {
	a := newTestAllocator(t, nil)
	if _, err := a.Allocate(testTablePages + 1); err != kernerr.ENOMEM {
		t.Errorf("Allocate(%d) before Bootstrap = %v, want ENOMEM", testTablePages+1, err)
	}
	mustAllocate(t, a, testTablePages)
}

func TestBootstrapTwice(t *testing.T) {
	a := newBootstrapped(t)
	expectPanic(t, "second Bootstrap", a.Bootstrap)
}

func TestAllocateNonPositive(t *testing.T) {
	a := newBootstrapped(t)
	expectPanic(t, "Allocate(0)", func() { a.Allocate(0) })
	expectPanic(t, "Allocate(-1)", func() { a.Allocate(-1) })
}

func TestAllocateTagsRun(t *testing.T) {
	a := newBootstrapped(t)
	base, _ := a.Snapshot()
	mustAllocate(t, a, 1)
	if got := mustAllocate(t, a, 4); got != base+page {
		t.Errorf("Allocate(4) = %v, want %v", got, base+page)
	}
	want := []FrameState{AllocationStart, AllocationStart, Continuation(2), Continuation(3), Continuation(4), Free}
	if diff := cmp.Diff(want, snapshot(a)[:6]); diff != "" {
		t.Errorf("frame table mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	for n := 1; n <= testTablePages; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			a := newBootstrapped(t)
			mustAllocate(t, a, 1)
			before := snapshot(a)
			pa := mustAllocate(t, a, min(n, testTablePages-1))
			if got := a.Free(pa); got != min(n, testTablePages-1) {
				t.Errorf("Free cleared %d frames, want %d", got, min(n, testTablePages-1))
			}
			if diff := cmp.Diff(before, snapshot(a)); diff != "" {
				t.Errorf("frame table not restored (-before +after):\n%s", diff)
			}
		})
	}
}

func TestNoOverlap(t *testing.T) {
	a := newBootstrapped(t)
	type run struct {
		start hostarch.PhysAddr
		n     int
	}
	var runs []run
	for _, n := range []int{3, 1, 4, 1, 5, 2, 6} {
		runs = append(runs, run{mustAllocate(t, a, n), n})
	}
	for i, r1 := range runs {
		for _, r2 := range runs[i+1:] {
			end1 := r1.start + hostarch.PhysAddr(r1.n)*page
			end2 := r2.start + hostarch.PhysAddr(r2.n)*page
			if r1.start < end2 && r2.start < end1 {
				t.Errorf("allocations [%v, %v) and [%v, %v) overlap", r1.start, end1, r2.start, end2)
			}
		}
	}
	a.mu.Lock()
	err := a.validateLocked()
	a.mu.Unlock()
	if err != nil {
		t.Errorf("frame table invalid: %v", err)
	}
}

func TestExhaustionLeavesTableUnchanged(t *testing.T) {
	reg := metric.NewRegistry()
	a := newTestAllocator(t, reg)
	a.Bootstrap()
	mustAllocate(t, a, 10)
	before := snapshot(a)

	if _, err := a.Allocate(testTablePages - 9); err != kernerr.ENOMEM {
		t.Errorf("Allocate(%d) = %v, want ENOMEM", testTablePages-9, err)
	}
	if diff := cmp.Diff(before, snapshot(a)); diff != "" {
		t.Errorf("failed allocation changed the table (-before +after):\n%s", diff)
	}
	if got := a.failures.Value(allocatorCoremap); got != 1 {
		t.Errorf("coremap failures = %d, want 1", got)
	}
}

func TestFragmentationIsExhaustion(t *testing.T) {
	a := newBootstrapped(t)
	var pas []hostarch.PhysAddr
	for i := 0; i < testTablePages; i++ {
		pas = append(pas, mustAllocate(t, a, 1))
	}
	// Free every other frame: half the table is free but no two free frames
	// are adjacent.
	for i := 0; i < len(pas); i += 2 {
		a.Free(pas[i])
	}
	before := snapshot(a)
	if got := a.Usage().Free; got != testTablePages/2 {
		t.Fatalf("Usage().Free = %d, want %d", got, testTablePages/2)
	}
	if _, err := a.Allocate(2); err != kernerr.ENOMEM {
		t.Errorf("Allocate(2) in a fragmented table = %v, want ENOMEM", err)
	}
	if diff := cmp.Diff(before, snapshot(a)); diff != "" {
		t.Errorf("failed allocation changed the table (-before +after):\n%s", diff)
	}
	if got := mustAllocate(t, a, 1); got != pas[0] {
		t.Errorf("Allocate(1) = %v, want first hole %v", got, pas[0])
	}
}

func TestRunRecoverySparesNeighbours(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			a := newBootstrapped(t)
			mustAllocate(t, a, 2)
			mid := mustAllocate(t, a, n)
			mustAllocate(t, a, 1)
			mustAllocate(t, a, 3)

			want := snapshot(a)
			base, _ := a.Snapshot()
			idx := int((mid - base) / page)
			for i := idx; i < idx+n; i++ {
				want[i] = Free
			}

			if got := a.Free(mid); got != n {
				t.Errorf("Free cleared %d frames, want %d", got, n)
			}
			if diff := cmp.Diff(want, snapshot(a)); diff != "" {
				t.Errorf("frame table mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFreeLastAllocationInTable(t *testing.T) {
	a := newBootstrapped(t)
	mustAllocate(t, a, testTablePages-3)
	last := mustAllocate(t, a, 3)
	if got := a.Usage().Free; got != 0 {
		t.Fatalf("Usage().Free = %d, want 0", got)
	}
	if got := a.Free(last); got != 3 {
		t.Errorf("Free of the table's last allocation cleared %d frames, want 3", got)
	}
	frames := snapshot(a)
	for i := testTablePages - 3; i < testTablePages; i++ {
		if !frames[i].IsFree() {
			t.Errorf("entry %d = %v after Free, want free", i, frames[i])
		}
	}
	if !frames[0].IsStart() {
		t.Errorf("entry 0 = %v, want start", frames[0])
	}
}

func TestFreePreconditions(t *testing.T) {
	a := newTestAllocator(t, nil)
	pa := mustAllocate(t, a, 1)
	expectPanic(t, "Free before Bootstrap", func() { a.Free(pa) })

	a.Bootstrap()
	start := mustAllocate(t, a, 3)
	base, frames := a.Snapshot()
	end := base + hostarch.PhysAddr(len(frames))*page

	expectPanic(t, "Free of a continuation", func() { a.Free(start + page) })
	expectPanic(t, "Free of a free frame", func() { a.Free(start + 3*page) })
	expectPanic(t, "Free past the table", func() { a.Free(end) })
	expectPanic(t, "Free of an unaligned address", func() { a.Free(start + 1) })

	a.Free(start)
	expectPanic(t, "double Free", func() { a.Free(start) })
}

func TestKPages(t *testing.T) {
	a := newBootstrapped(t)
	base, _ := a.Snapshot()
	kva := a.AllocKPages(2)
	if kva != machine.PaddrToKvaddr(base) {
		t.Errorf("AllocKPages(2) = %v, want %v", kva, machine.PaddrToKvaddr(base))
	}
	a.KPage(kva)[0] = 1
	if got := a.RAM().Page(base)[0]; got != 1 {
		t.Errorf("write through kernel address not visible at %v", base)
	}
	if got := a.AllocKPages(testTablePages); got != 0 {
		t.Errorf("AllocKPages(%d) = %v, want 0", testTablePages, got)
	}
	a.FreeKPages(kva)
	if got := a.Usage().Free; got != testTablePages {
		t.Errorf("Usage().Free = %d after FreeKPages, want %d", got, testTablePages)
	}
}

func TestConcurrentAllocateFree(t *testing.T) {
	a := newBootstrapped(t)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				pa, err := a.Allocate(n)
				if err != nil {
					continue
				}
				a.Free(pa)
			}
		}(g + 1)
	}
	wg.Wait()

	if got := a.Usage().Free; got != testTablePages {
		t.Errorf("Usage().Free = %d, want %d", got, testTablePages)
	}
	a.mu.Lock()
	err := a.validateLocked()
	a.mu.Unlock()
	if err != nil {
		t.Errorf("frame table invalid: %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := metric.NewRegistry()
	a := newTestAllocator(t, reg)
	mustAllocate(t, a, 1)
	a.Bootstrap()
	pa := mustAllocate(t, a, 2)
	a.Free(pa)

	got := make(map[string]uint64)
	for _, s := range reg.Samples() {
		key := s.Name
		for _, v := range s.FieldValues {
			key += ":" + v
		}
		got[key] = s.Value
	}
	want := map[string]uint64{
		"/pgalloc/allocations:bump":            1,
		"/pgalloc/allocations:coremap":         1,
		"/pgalloc/allocation_failures:bump":    0,
		"/pgalloc/allocation_failures:coremap": 0,
		"/pgalloc/frees":                       1,
		"/pgalloc/free_frames":                 testTablePages - 1,
		"/pgalloc/total_frames":                testTablePages - 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}
