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

	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/sync"
)

// NumTLB is the number of TLB slots.
const NumTLB = 64

// firstRandomSlot is the lowest slot the Random register names. Slots below
// it are never chosen for random replacement.
const firstRandomSlot = 8

// EntryHi is the virtual half of a TLB entry: the virtual page number in the
// upper 20 bits.
type EntryHi uint32

// EntryLo is the physical half of a TLB entry: the physical frame number in
// the upper 20 bits, plus flags.
type EntryLo uint32

// EntryLo flags.
const (
	// EntryLoGlobal marks the entry as matching any address space id.
	EntryLoGlobal EntryLo = 0x100

	// EntryLoValid marks the entry as usable. An entry without it never
	// translates.
	EntryLoValid EntryLo = 0x200

	// EntryLoDirty marks the page writable. Writing through an entry
	// without it raises a TLB modify exception.
	EntryLoDirty EntryLo = 0x400

	// EntryLoNoCache marks the page uncached.
	EntryLoNoCache EntryLo = 0x800

	// EntryLoFrame masks the physical frame number.
	EntryLoFrame EntryLo = ^EntryLo(hostarch.PageMask)
)

// MakeEntryHi returns the EntryHi naming the page that contains va.
func MakeEntryHi(va hostarch.Addr) EntryHi {
	return EntryHi(va.RoundDown())
}

// MakeEntryLo returns an EntryLo mapping onto the frame at pa with the given
// flags.
func MakeEntryLo(pa hostarch.PhysAddr, flags EntryLo) EntryLo {
	return EntryLo(pa.RoundDown()) | (flags &^ EntryLoFrame)
}

// Frame returns the physical address of the frame the entry maps.
func (lo EntryLo) Frame() hostarch.PhysAddr {
	return hostarch.PhysAddr(lo & EntryLoFrame)
}

// Valid returns true if the entry is valid.
func (lo EntryLo) Valid() bool { return lo&EntryLoValid != 0 }

// Dirty returns true if the entry permits writes.
func (lo EntryLo) Dirty() bool { return lo&EntryLoDirty != 0 }

// String implements fmt.Stringer.String.
func (lo EntryLo) String() string {
	flags := []byte("--")
	if lo.Valid() {
		flags[0] = 'v'
	}
	if lo.Dirty() {
		flags[1] = 'd'
	}
	return fmt.Sprintf("%v/%s", lo.Frame(), flags)
}

// Addr returns the virtual page address of hi.
func (hi EntryHi) Addr() hostarch.Addr {
	return hostarch.Addr(hi).RoundDown()
}

// InvalidHi returns the EntryHi used to invalidate slot. Each slot gets a
// distinct kernel-segment page so that no two invalid entries match the same
// address.
func InvalidHi(slot int) EntryHi {
	return EntryHi((0x80000 + uint32(slot)) << hostarch.PageShift)
}

// InvalidLo returns the EntryLo used to invalidate a slot.
func InvalidLo() EntryLo {
	return 0
}

type tlbEntry struct {
	hi EntryHi
	lo EntryLo
}

// TLB is a fully associative, software-refilled translation lookaside
// buffer.
type TLB struct {
	// mu makes each individual operation atomic. It does not serialize
	// read-modify-write sequences; callers disable interrupts for those.
	mu sync.Mutex

	// +checklocks:mu
	entries [NumTLB]tlbEntry

	// random is the Random register. It names the slot the next Random
	// call writes and cycles down from NumTLB-1 to firstRandomSlot.
	//
	// +checklocks:mu
	random int
}

// Reset invalidates every slot and resets the Random register, as at power
// on.
func (t *TLB) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i] = tlbEntry{InvalidHi(i), InvalidLo()}
	}
	t.random = NumTLB - 1
}

func checkSlot(slot int) {
	if slot < 0 || slot >= NumTLB {
		panic(fmt.Sprintf("TLB slot %d out of range", slot))
	}
}

// Read returns the contents of slot.
func (t *TLB) Read(slot int) (EntryHi, EntryLo) {
	checkSlot(slot)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[slot]
	return e.hi, e.lo
}

// Write stores an entry into slot.
func (t *TLB) Write(hi EntryHi, lo EntryLo, slot int) {
	checkSlot(slot)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[slot] = tlbEntry{hi, lo}
}

// Random stores an entry into the slot named by the Random register and
// returns that slot.
func (t *TLB) Random(hi EntryHi, lo EntryLo) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.random
	t.entries[slot] = tlbEntry{hi, lo}
	if t.random--; t.random < firstRandomSlot {
		t.random = NumTLB - 1
	}
	return slot
}

// Probe returns the slot whose EntryHi matches hi's page, or -1 if none does.
// Validity is not considered.
func (t *TLB) Probe(hi EntryHi) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probeLocked(hi)
}

// Preconditions: t.mu must be locked.
func (t *TLB) probeLocked(hi EntryHi) int {
	for i := range t.entries {
		if t.entries[i].hi.Addr() == hi.Addr() {
			return i
		}
	}
	return -1
}

// lookup returns the EntryLo that translates va, if any.
func (t *TLB) lookup(va hostarch.Addr) (EntryLo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.probeLocked(MakeEntryHi(va))
	if slot < 0 {
		return 0, false
	}
	return t.entries[slot].lo, true
}
