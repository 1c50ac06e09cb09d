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
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/machine"
)

// Activate makes as the current address space by invalidating every TLB
// slot. A nil as, as for a kernel-only thread, leaves the TLB alone.
func (m *Manager) Activate(as *AddrSpace) {
	if as == nil {
		return
	}
	tlb := m.cpu.TLB()
	s := m.cpu.Splhigh()
	for i := 0; i < machine.NumTLB; i++ {
		tlb.Write(machine.InvalidHi(i), machine.InvalidLo(), i)
	}
	m.cpu.Splx(s)
	m.tlbFlushes.Increment()
}

// Deactivate is called when as stops being current. There is nothing to do:
// the next Activate flushes the TLB.
func (m *Manager) Deactivate(as *AddrSpace) {}

// Shootdown names a page whose translation another CPU should drop.
type Shootdown struct {
	Addr hostarch.Addr
}

// TLBShootdown handles a request from another CPU to invalidate one
// translation. There are no other CPUs, so any request is a kernel bug.
func (m *Manager) TLBShootdown(ts Shootdown) {
	panic("mm: TLB shootdown of " + ts.Addr.String() + " on a uniprocessor")
}

// TLBShootdownAll handles a request from another CPU to invalidate every
// translation. There are no other CPUs, so any request is a kernel bug.
func (m *Manager) TLBShootdownAll() {
	panic("mm: TLB shootdown on a uniprocessor")
}
