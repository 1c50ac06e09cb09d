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

	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/log"
	"corevm.dev/corevm/pkg/machine"
)

// FaultType is the kind of access that faulted.
type FaultType int

// Fault types, numbered as the trap code reports them.
const (
	// FaultRead is a TLB miss on a load.
	FaultRead FaultType = iota

	// FaultWrite is a TLB miss on a store.
	FaultWrite

	// FaultReadOnly is a store through a translation that is not writable.
	FaultReadOnly

	numFaultTypes
)

var faultKindNames = [numFaultTypes + 1]string{
	FaultRead:     "read",
	FaultWrite:    "write",
	FaultReadOnly: "readonly",
	numFaultTypes: "invalid",
}

// String implements fmt.Stringer.String.
func (ft FaultType) String() string {
	if ft >= 0 && ft < numFaultTypes {
		return faultKindNames[ft]
	}
	return fmt.Sprintf("FaultType(%d)", int(ft))
}

func (ft FaultType) metricName() string {
	if ft >= 0 && ft < numFaultTypes {
		return faultKindNames[ft]
	}
	return faultKindNames[numFaultTypes]
}

// Fault outcomes and TLB slot choices, used as metric field values.
const (
	outcomeInstalled = "installed"
	outcomeEFAULT    = "efault"
	outcomeEINVAL    = "einval"

	slotInvalid = "invalid"
	slotRandom  = "random"
)

// Current is the running context a fault is resolved against.
type Current interface {
	// AddrSpace returns the current address space, or nil if there is none.
	AddrSpace() *AddrSpace
}

// Fault handles a TLB exception at addr taken by cur, which is nil if no
// process is running. On success a translation for the page containing addr
// is in the TLB and the faulting access can be retried.
//
// Fault returns EFAULT if addr is not mapped, if there is no current address
// space, or for a write to a read-only page, and EINVAL for an unknown fault
// type. The caller must not retry a failed fault.
func (m *Manager) Fault(cur Current, kind FaultType, addr hostarch.Addr) error {
	err := m.fault(cur, kind, addr)
	switch err {
	case nil:
		m.faults.Increment(kind.metricName(), outcomeInstalled)
	case kernerr.EINVAL:
		m.faults.Increment(kind.metricName(), outcomeEINVAL)
	default:
		m.faults.Increment(kind.metricName(), outcomeEFAULT)
	}
	return err
}

func (m *Manager) fault(cur Current, kind FaultType, addr hostarch.Addr) error {
	addr = addr.RoundDown()
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: fault: %v %v", kind, addr)
	}

	switch kind {
	case FaultReadOnly:
		// Pages are only ever mapped read-only on purpose, so this is a
		// write to code.
		return kernerr.EFAULT
	case FaultRead, FaultWrite:
	default:
		return kernerr.EINVAL
	}

	if cur == nil {
		// No process: a kernel fault during boot.
		return kernerr.EFAULT
	}
	as := cur.AddrSpace()
	if as == nil {
		return kernerr.EFAULT
	}

	seg, pa, ok := as.lookup(addr)
	if !ok {
		return kernerr.EFAULT
	}
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("mm: frame %v for page %v is not page aligned", pa, addr))
	}

	flags := machine.EntryLoValid | machine.EntryLoDirty
	if seg == CodeSegment && as.loadComplete {
		flags &^= machine.EntryLoDirty
	}
	hi, lo := machine.MakeEntryHi(addr), machine.MakeEntryLo(pa, flags)
	slot, random := m.install(hi, lo)

	if random {
		m.tlbInstall.Increment(slotRandom)
	} else {
		m.tlbInstall.Increment(slotInvalid)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: %v -> %v in slot %d", addr, lo, slot)
	}
	return nil
}

// install writes hi/lo into the first invalid TLB slot, or into the slot the
// hardware picks if every slot is valid.
func (m *Manager) install(hi machine.EntryHi, lo machine.EntryLo) (slot int, random bool) {
	tlb := m.cpu.TLB()
	s := m.cpu.Splhigh()
	defer m.cpu.Splx(s)
	for i := 0; i < machine.NumTLB; i++ {
		if _, elo := tlb.Read(i); elo.Valid() {
			continue
		}
		tlb.Write(hi, lo, i)
		return i, false
	}
	return tlb.Random(hi, lo), true
}
