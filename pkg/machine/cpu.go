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

// SPL is an interrupt priority level.
type SPL int

// Interrupt priority levels.
const (
	// SPL0 leaves all interrupts enabled.
	SPL0 SPL = 0

	// SPLHigh disables all interrupts.
	SPLHigh SPL = 15
)

// Exception is the exception the MMU raises for a memory access.
type Exception int

// Exceptions raised by Translate.
const (
	// ExcNone means the access translated.
	ExcNone Exception = iota

	// ExcMod is a write through a valid entry that is not dirty.
	ExcMod

	// ExcTLBL is a TLB miss on a load or instruction fetch.
	ExcTLBL

	// ExcTLBS is a TLB miss on a store.
	ExcTLBS

	// ExcAdEL is a load from an address user mode may not touch.
	ExcAdEL

	// ExcAdES is a store to an address user mode may not touch.
	ExcAdES
)

var exceptionNames = [...]string{
	ExcNone: "none",
	ExcMod:  "TLB modify",
	ExcTLBL: "TLB miss on load",
	ExcTLBS: "TLB miss on store",
	ExcAdEL: "address error on load",
	ExcAdES: "address error on store",
}

// String implements fmt.Stringer.String.
func (e Exception) String() string {
	if e >= 0 && int(e) < len(exceptionNames) {
		return exceptionNames[e]
	}
	return fmt.Sprintf("Exception(%d)", int(e))
}

// CPU is the machine's single processor: its interrupt state and its TLB.
type CPU struct {
	// intr is held while interrupts are disabled.
	intr sync.Mutex

	tlb TLB
}

// NewCPU returns a CPU with interrupts enabled and an empty TLB.
func NewCPU() *CPU {
	c := &CPU{}
	c.tlb.Reset()
	return c
}

// Splhigh disables interrupts and returns the previous level, to be passed
// to Splx.
//
// Splhigh does not nest: the caller must not already have interrupts
// disabled.
func (c *CPU) Splhigh() SPL {
	c.intr.Lock()
	return SPL0
}

// Splx restores the interrupt level returned by Splhigh.
func (c *CPU) Splx(s SPL) {
	if s == SPL0 {
		c.intr.Unlock()
	}
}

// TLB returns the CPU's TLB. Software that changes the TLB must do so with
// interrupts disabled.
func (c *CPU) TLB() *TLB {
	return &c.tlb
}

// AssertInterruptsDisabled panics unless interrupts are disabled.
func (c *CPU) AssertInterruptsDisabled() {
	c.intr.AssertHeld("interrupts disabled")
}

// Translate performs the user-mode MMU translation of va for a read or a
// write. It returns the physical address, or the exception the access
// raises.
func (c *CPU) Translate(va hostarch.Addr, write bool) (hostarch.PhysAddr, Exception) {
	if va >= hostarch.UserStack {
		if write {
			return 0, ExcAdES
		}
		return 0, ExcAdEL
	}
	lo, ok := c.tlb.lookup(va)
	switch {
	case !ok || !lo.Valid():
		if write {
			return 0, ExcTLBS
		}
		return 0, ExcTLBL
	case write && !lo.Dirty():
		return 0, ExcMod
	}
	return lo.Frame() + hostarch.PhysAddr(va.PageOffset()), ExcNone
}
