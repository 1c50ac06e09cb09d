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

package kernel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/machine"
	"corevm.dev/corevm/pkg/mm"
)

// ErrKilled is returned by user memory accesses that killed the process.
var ErrKilled = errors.New("process killed by a memory fault")

// faultType maps an MMU exception to the fault the VM system handles.
func faultType(exc machine.Exception) (mm.FaultType, bool) {
	switch exc {
	case machine.ExcTLBL:
		return mm.FaultRead, true
	case machine.ExcTLBS:
		return mm.FaultWrite, true
	case machine.ExcMod:
		return mm.FaultReadOnly, true
	default:
		return 0, false
	}
}

// translate returns the physical address of addr in p's address space,
// faulting the page into the TLB if needed.
//
// Preconditions: p is on the CPU.
func (p *Proc) translate(addr hostarch.Addr, write bool) (hostarch.PhysAddr, error) {
	cpu := p.k.machine.CPU
	// A successful fault is followed by exactly one retry.
	for attempt := 0; attempt < 2; attempt++ {
		pa, exc := cpu.Translate(addr, write)
		if exc == machine.ExcNone {
			return pa, nil
		}
		kind, ok := faultType(exc)
		if !ok {
			return 0, kernerr.EFAULT
		}
		if err := p.k.mm.Fault(p, kind, addr); err != nil {
			return 0, err
		}
	}
	panic(fmt.Sprintf("kernel: pid %d: %v still faults after the fault was handled", p.pid, addr))
}

// access copies between buf and p's memory at addr, a page at a time.
//
// Preconditions: p is on the CPU.
func (p *Proc) access(addr hostarch.Addr, buf []byte, write bool) (int, error) {
	p.k.assertCurrent(p)
	done := 0
	for done < len(buf) {
		pa, err := p.translate(addr, write)
		if err != nil {
			return done, err
		}
		page := p.k.machine.RAM.Page(pa.RoundDown())[addr.PageOffset():]
		var n int
		if write {
			n = copy(page, buf[done:])
		} else {
			n = copy(buf[done:], page)
		}
		done += n
		next, ok := addr.AddLength(uint32(n))
		if !ok && done < len(buf) {
			return done, kernerr.EFAULT
		}
		addr = next
	}
	return done, nil
}

// CopyOut copies src to p's memory at addr, as the kernel does on behalf of
// a syscall. It returns the number of bytes copied and EFAULT if addr is not
// mapped.
//
// Preconditions: p is on the CPU.
func (p *Proc) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	n, err := p.access(addr, src, true)
	if err != nil {
		return n, kernerr.EFAULT
	}
	return n, nil
}

// CopyIn copies p's memory at addr into dst, as the kernel does on behalf of
// a syscall. It returns the number of bytes copied and EFAULT if addr is not
// mapped.
//
// Preconditions: p is on the CPU.
func (p *Proc) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	n, err := p.access(addr, dst, false)
	if err != nil {
		return n, kernerr.EFAULT
	}
	return n, nil
}

// Load reads p's memory at addr as the program itself would. A fault the VM
// system cannot resolve kills p with SIGSEGV and returns ErrKilled.
//
// Preconditions: p is on the CPU.
func (p *Proc) Load(addr hostarch.Addr, dst []byte) error {
	if _, err := p.access(addr, dst, false); err != nil {
		return p.kill(addr, err)
	}
	return nil
}

// Store writes p's memory at addr as the program itself would. A fault the
// VM system cannot resolve kills p with SIGSEGV and returns ErrKilled.
//
// Preconditions: p is on the CPU.
func (p *Proc) Store(addr hostarch.Addr, src []byte) error {
	if _, err := p.access(addr, src, true); err != nil {
		return p.kill(addr, err)
	}
	return nil
}

func (p *Proc) kill(addr hostarch.Addr, err error) error {
	p.k.kills.Increment()
	p.k.warn.Warningf("kernel: pid %d (%s) killed: fault at %v: %v", p.pid, p.Name(), addr, err)
	p.k.exit(p, ExitStatus{Signo: unix.SIGSEGV})
	return ErrKilled
}
